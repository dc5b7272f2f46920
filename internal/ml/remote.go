package ml

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// PredictionRequest is the body POSTed to a model server.
type PredictionRequest struct {
	RequestID string        `json:"request_id,omitempty"`
	Inputs    [][][]float32 `json:"inputs"`
}

// PredictionResponse is the model server's answer.
type PredictionResponse struct {
	RequestID    string      `json:"request_id,omitempty"`
	Scores       [][]float32 `json:"scores"`
	ModelVersion string      `json:"model_version,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// RemoteConfig configures a RemoteClassifier.
type RemoteConfig struct {
	URL     string
	Timeout time.Duration
	Retries int
}

// RemoteClassifier sends windows to an external model server. When the server
// fails and a fallback is set, the fallback answers instead.
type RemoteClassifier struct {
	url      string
	rest     *resty.Client
	fallback Classifier
	metrics  MetricsInterface
}

func NewRemoteClassifier(cfg RemoteConfig, fallback Classifier, metrics MetricsInterface) (*RemoteClassifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("model server url is empty")
	}
	r := resty.New()
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}
	if cfg.Retries > 0 {
		r.SetRetryCount(cfg.Retries).
			SetRetryWaitTime(100 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second)
	}
	return &RemoteClassifier{
		url:      strings.TrimRight(cfg.URL, "/"),
		rest:     r,
		fallback: fallback,
		metrics:  metrics,
	}, nil
}

// Predict implements Classifier.
func (c *RemoteClassifier) Predict(ctx context.Context, xs []*mat.Dense) ([][]float32, error) {
	start := time.Now()
	scores, err := c.predictRemote(ctx, xs)
	if err != nil {
		if c.metrics != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				c.metrics.MLTimeoutsInc()
			}
			c.metrics.MLFailuresInc()
		}
		if c.fallback == nil || ctx.Err() != nil {
			return nil, err
		}
		log.Warn().Err(err).Msg("model server failed, using fallback classifier")
		if c.metrics != nil {
			c.metrics.MLFallbackUseInc()
		}
		return c.fallback.Predict(ctx, xs)
	}

	if c.metrics != nil {
		c.metrics.MLPredictionsAdd(float64(len(xs)))
		c.metrics.MLLatencyObserve(time.Since(start).Seconds())
		for _, s := range scores {
			c.metrics.MLPredictionScoresObserve(float64(s[1]))
		}
	}
	return scores, nil
}

func (c *RemoteClassifier) predictRemote(ctx context.Context, xs []*mat.Dense) ([][]float32, error) {
	req := PredictionRequest{RequestID: uuid.NewString(), Inputs: make([][][]float32, len(xs))}
	for i, x := range xs {
		req.Inputs[i] = toFloat32(x)
	}

	resp := &PredictionResponse{}
	r, err := c.rest.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(resp).
		Post(c.url + "/predict")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if r.StatusCode() != 200 {
		return nil, fmt.Errorf("model server error: status %d, body: %s", r.StatusCode(), r.String())
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("model server: %s", resp.Error)
	}
	if resp.RequestID != "" && resp.RequestID != req.RequestID {
		return nil, fmt.Errorf("response for request %s, want %s", resp.RequestID, req.RequestID)
	}
	if len(resp.Scores) != len(xs) {
		return nil, fmt.Errorf("model server returned %d score rows for %d inputs", len(resp.Scores), len(xs))
	}
	for i, s := range resp.Scores {
		if len(s) != NumClasses {
			return nil, fmt.Errorf("score row %d has %d classes, want %d", i, len(s), NumClasses)
		}
	}
	return resp.Scores, nil
}

func toFloat32(x *mat.Dense) [][]float32 {
	r, c := x.Dims()
	out := make([][]float32, r)
	for i := 0; i < r; i++ {
		row := make([]float32, c)
		for j, v := range x.RawRowView(i) {
			row[j] = float32(v)
		}
		out[i] = row
	}
	return out
}
