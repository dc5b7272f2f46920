package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"memlearn/internal/dataset"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CentroidModel is the serialized form of a CentroidClassifier.
type CentroidModel struct {
	Version   string                `json:"version"`
	TrainedAt time.Time             `json:"trained_at"`
	Rows      int                   `json:"rows"`
	Cols      int                   `json:"cols"`
	Samples   [NumClasses]int       `json:"samples"`
	Centroids [NumClasses][]float64 `json:"centroids"`
}

// CentroidClassifier scores a window by its distance to the mean window of
// each class. Scores are the softmax of the negative Euclidean distances.
type CentroidClassifier struct {
	model   CentroidModel
	metrics MetricsInterface
}

// FitCentroid computes per-class mean windows over ds. Every example must have
// the same shape and a label in [0, NumClasses).
func FitCentroid(ds dataset.Dataset, metrics MetricsInterface) (*CentroidClassifier, error) {
	if ds.Len() == 0 {
		return nil, dataset.ErrEmptyDataset
	}

	var m CentroidModel
	for i := 0; i < ds.Len(); i++ {
		ex, err := ds.Example(i)
		if err != nil {
			return nil, err
		}
		if ex.Label < 0 || ex.Label >= NumClasses {
			return nil, fmt.Errorf("example %d: label %d outside [0, %d)", i, ex.Label, NumClasses)
		}
		r, c := ex.X.Dims()
		if i == 0 {
			m.Rows, m.Cols = r, c
		} else if r != m.Rows || c != m.Cols {
			return nil, fmt.Errorf("%w: example %d is %dx%d, want %dx%d", ErrShapeMismatch, i, r, c, m.Rows, m.Cols)
		}

		sum := m.Centroids[ex.Label]
		if sum == nil {
			sum = make([]float64, r*c)
			m.Centroids[ex.Label] = sum
		}
		floats.Add(sum, flatten(ex.X))
		m.Samples[ex.Label]++
	}

	for k, sum := range m.Centroids {
		if sum == nil {
			log.Warn().Int("class", k).Msg("no training samples for class, it will never be predicted")
			continue
		}
		floats.Scale(1/float64(m.Samples[k]), sum)
	}

	m.Version = uuid.NewString()
	m.TrainedAt = time.Now().UTC()
	log.Info().
		Str("version", m.Version).
		Int("benign", m.Samples[0]).
		Int("rootkit", m.Samples[1]).
		Int("rows", m.Rows).
		Int("cols", m.Cols).
		Msg("centroid classifier fitted")

	return &CentroidClassifier{model: m, metrics: metrics}, nil
}

// Model returns the fitted parameters.
func (c *CentroidClassifier) Model() CentroidModel { return c.model }

// Predict implements Classifier.
func (c *CentroidClassifier) Predict(ctx context.Context, xs []*mat.Dense) ([][]float32, error) {
	start := time.Now()
	out := make([][]float32, len(xs))
	for i, x := range xs {
		if err := ctx.Err(); err != nil {
			if c.metrics != nil {
				c.metrics.MLTimeoutsInc()
			}
			return nil, err
		}
		r, cols := x.Dims()
		if r != c.model.Rows || cols != c.model.Cols {
			if c.metrics != nil {
				c.metrics.MLFailuresInc()
			}
			return nil, fmt.Errorf("%w: input %d is %dx%d, want %dx%d", ErrShapeMismatch, i, r, cols, c.model.Rows, c.model.Cols)
		}

		v := flatten(x)
		logits := make([]float64, NumClasses)
		for k, centroid := range c.model.Centroids {
			if centroid == nil {
				logits[k] = math.Inf(-1)
				continue
			}
			logits[k] = -floats.Distance(v, centroid, 2)
		}
		out[i] = softmax(logits)
	}

	if c.metrics != nil {
		c.metrics.MLPredictionsAdd(float64(len(xs)))
		c.metrics.MLLatencyObserve(time.Since(start).Seconds())
		for _, s := range out {
			c.metrics.MLPredictionScoresObserve(float64(s[1]))
		}
	}
	return out, nil
}

// Save writes the model as JSON.
func (c *CentroidClassifier) Save(path string) error {
	data, err := json.Marshal(c.model)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadCentroid reads a model written by Save.
func LoadCentroid(path string, metrics MetricsInterface) (*CentroidClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var m CentroidModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	size := m.Rows * m.Cols
	if size == 0 {
		return nil, fmt.Errorf("model %s has no input shape", path)
	}
	present := 0
	for k, centroid := range m.Centroids {
		if centroid == nil {
			continue
		}
		if len(centroid) != size {
			return nil, fmt.Errorf("%w: centroid %d has %d values, want %d", ErrShapeMismatch, k, len(centroid), size)
		}
		present++
	}
	if present == 0 {
		return nil, fmt.Errorf("model %s has no centroids", path)
	}
	return &CentroidClassifier{model: m, metrics: metrics}, nil
}
