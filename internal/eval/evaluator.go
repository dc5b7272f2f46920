package eval

import (
	"context"
	"fmt"
	"time"

	"memlearn/internal/dataset"
	"memlearn/internal/ml"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// MetricsInterface receives evaluation results.
type MetricsInterface interface {
	EvalSamplesAdd(float64)
	EvalResultSet(tp, fp, fn, tn float64)
}

// Evaluator runs a classifier over a dataset and fills a confusion matrix.
type Evaluator struct {
	Classifier ml.Classifier
	BatchSize  int
	Metrics    MetricsInterface

	cm ConfusionMatrix
}

// Evaluate classifies every example of ds in order. The matrix is reset first
// so repeated calls report independent results.
func (e *Evaluator) Evaluate(ctx context.Context, ds dataset.Dataset) (Result, error) {
	e.cm.Reset()
	if e.Classifier == nil {
		return Result{}, fmt.Errorf("evaluator has no classifier")
	}
	size := e.BatchSize
	if size <= 0 {
		size = 100
	}

	batches, err := dataset.Batches(ds, size, false, 0)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	for n, batch := range batches {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		exs, err := dataset.Load(ds, batch)
		if err != nil {
			return Result{}, fmt.Errorf("batch %d: %w", n, err)
		}
		xs := make([]*mat.Dense, len(exs))
		for i, ex := range exs {
			xs[i] = ex.X
		}

		scores, err := e.Classifier.Predict(ctx, xs)
		if err != nil {
			return Result{}, fmt.Errorf("batch %d: %w", n, err)
		}
		if len(scores) != len(exs) {
			return Result{}, fmt.Errorf("batch %d: %d scores for %d examples", n, len(scores), len(exs))
		}
		for i, pred := range ml.Argmax(scores) {
			if err := e.cm.Add(pred, exs[i].Label); err != nil {
				return Result{}, fmt.Errorf("example %d: %w", batch[i], err)
			}
		}
		if e.Metrics != nil {
			e.Metrics.EvalSamplesAdd(float64(len(exs)))
		}
	}

	res := e.cm.Result()
	log.Info().
		Int("tp", res.TP).
		Int("fp", res.FP).
		Int("fn", res.FN).
		Int("tn", res.TN).
		Float64("accuracy", res.Accuracy()).
		Float64("f1", res.F1()).
		Dur("elapsed", time.Since(start)).
		Msg("evaluation finished")
	log.Debug().Msg("confusion matrix\n" + e.cm.String())

	if e.Metrics != nil {
		e.Metrics.EvalResultSet(float64(res.TP), float64(res.FP), float64(res.FN), float64(res.TN))
	}
	return res, nil
}

// Matrix returns the matrix of the last evaluation.
func (e *Evaluator) Matrix() *ConfusionMatrix { return &e.cm }
