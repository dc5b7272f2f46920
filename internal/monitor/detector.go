// Package monitor classifies live trace frames with a trained classifier and
// serves the verdicts, metrics and stored corpora over HTTP.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"memlearn/internal/features"
	"memlearn/internal/ml"
	"memlearn/internal/tracefeed"
)

var ErrWidthChanged = errors.New("frame width differs from window")

// Verdict is the classification of the window ending at frame Seq.
type Verdict struct {
	Seq       int64     `json:"seq"`
	Malicious bool      `json:"malicious"`
	Score     float32   `json:"score"` // rootkit class score
	At        time.Time `json:"at"`
}

// MetricsInterface receives verdict counters.
type MetricsInterface interface {
	VerdictInc(malicious bool)
	FeatureErrorsInc()
}

type DetectorConfig struct {
	Vectorizer features.Vectorizer
	Mask       []bool // filtered corpus columns, nil keeps every column
	Merge      int    // frames folded into one row, as features.SliceMerge does for corpora
	Height     int
	Skip       int
	History    int // verdicts kept for Recent
}

// Detector keeps the last Height frame vectors and classifies the binarized
// window once full and then every Skip frames.
type Detector struct {
	cfg        DetectorConfig
	classifier ml.Classifier
	metrics    MetricsInterface

	pending []int32
	merged  int

	ring   [][]float64
	next   int
	filled int
	since  int
	cols   int

	mu     sync.RWMutex
	recent []Verdict
}

func NewDetector(cfg DetectorConfig, classifier ml.Classifier, metrics MetricsInterface) (*Detector, error) {
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if cfg.Height < 1 {
		return nil, fmt.Errorf("window height must be positive, got %d", cfg.Height)
	}
	if cfg.Skip < 1 {
		return nil, fmt.Errorf("window skip must be positive, got %d", cfg.Skip)
	}
	if err := cfg.Vectorizer.Validate(); err != nil {
		return nil, err
	}
	if cfg.Merge < 1 {
		cfg.Merge = 1
	}
	if cfg.History <= 0 {
		cfg.History = 1000
	}
	return &Detector{
		cfg:        cfg,
		classifier: classifier,
		metrics:    metrics,
		ring:       make([][]float64, cfg.Height),
	}, nil
}

// Observe adds one frame. It returns a verdict when the frame completes a
// window that is due for classification, and nil otherwise.
func (d *Detector) Observe(ctx context.Context, f tracefeed.Frame) (*Verdict, error) {
	x, err := d.cfg.Vectorizer.Vector(f.Slice)
	if err != nil {
		d.featureError()
		return nil, fmt.Errorf("frame %d: %w", f.Seq, err)
	}
	x, err = features.SelectVector(x, d.cfg.Mask)
	if err != nil {
		d.featureError()
		return nil, fmt.Errorf("frame %d: %w", f.Seq, err)
	}
	if len(x) == 0 {
		d.featureError()
		return nil, fmt.Errorf("frame %d: %w", f.Seq, features.ErrEmptyTrace)
	}
	if d.cfg.Merge > 1 {
		var ready bool
		if x, ready, err = d.merge(x); err != nil {
			d.featureError()
			return nil, fmt.Errorf("frame %d: %w", f.Seq, err)
		}
		if !ready {
			return nil, nil
		}
	}
	if d.filled > 0 && len(x) != d.cols {
		d.featureError()
		return nil, fmt.Errorf("%w: frame %d has %d columns, window %d", ErrWidthChanged, f.Seq, len(x), d.cols)
	}
	d.cols = len(x)

	d.ring[d.next] = x
	d.next = (d.next + 1) % d.cfg.Height
	if d.filled < d.cfg.Height {
		d.filled++
		if d.filled < d.cfg.Height {
			return nil, nil
		}
		d.since = 0
	} else {
		d.since++
		if d.since%d.cfg.Skip != 0 {
			return nil, nil
		}
	}

	scores, err := d.classifier.Predict(ctx, []*mat.Dense{d.window()})
	if err != nil {
		return nil, fmt.Errorf("classify frame %d: %w", f.Seq, err)
	}
	if len(scores) != 1 || len(scores[0]) != ml.NumClasses {
		return nil, fmt.Errorf("%w: classifier returned %d score rows", ml.ErrShapeMismatch, len(scores))
	}

	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	v := Verdict{
		Seq:       f.Seq,
		Malicious: ml.Argmax(scores)[0] == 1,
		Score:     scores[0][1],
		At:        at,
	}
	d.record(v)
	return &v, nil
}

// Run classifies frames until ctx is done or frames is closed. Frame errors are
// logged and skipped.
func (d *Detector) Run(ctx context.Context, frames <-chan tracefeed.Frame, verdicts chan<- Verdict) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			v, err := d.Observe(ctx, f)
			if err != nil {
				log.Warn().Err(err).Int64("seq", f.Seq).Msg("Failed to classify frame")
				continue
			}
			if v == nil || verdicts == nil {
				continue
			}
			select {
			case verdicts <- *v:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Recent returns up to n verdicts, newest last. n <= 0 returns all kept verdicts.
func (d *Detector) Recent(n int) []Verdict {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if n <= 0 || n > len(d.recent) {
		n = len(d.recent)
	}
	out := make([]Verdict, n)
	copy(out, d.recent[len(d.recent)-n:])
	return out
}

// merge ORs the integer counts of Merge consecutive frames into one row.
func (d *Detector) merge(x []float64) ([]float64, bool, error) {
	if d.merged == 0 {
		d.pending = make([]int32, len(x))
	} else if len(x) != len(d.pending) {
		d.merged = 0
		return nil, false, fmt.Errorf("%w: %d columns, pending row %d", ErrWidthChanged, len(x), len(d.pending))
	}
	for j, v := range x {
		d.pending[j] |= int32(v)
	}
	d.merged++
	if d.merged < d.cfg.Merge {
		return nil, false, nil
	}
	d.merged = 0
	row := make([]float64, len(d.pending))
	for j, a := range d.pending {
		row[j] = float64(a)
	}
	return row, true, nil
}

// window builds the binarized window, oldest frame first.
func (d *Detector) window() *mat.Dense {
	h := d.cfg.Height
	w := mat.NewDense(h, d.cols, nil)
	for r := 0; r < h; r++ {
		row := d.ring[(d.next+r)%h]
		for c, v := range row {
			if v > 0 {
				w.Set(r, c, 1)
			}
		}
	}
	return w
}

func (d *Detector) record(v Verdict) {
	d.mu.Lock()
	d.recent = append(d.recent, v)
	if len(d.recent) > d.cfg.History {
		d.recent = d.recent[len(d.recent)-d.cfg.History:]
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.VerdictInc(v.Malicious)
	}
	if v.Malicious {
		log.Warn().Int64("seq", v.Seq).Float32("score", v.Score).Msg("Rootkit activity suspected")
	} else {
		log.Debug().Int64("seq", v.Seq).Float32("score", v.Score).Msg("Window benign")
	}
}

func (d *Detector) featureError() {
	if d.metrics != nil {
		d.metrics.FeatureErrorsInc()
	}
}
