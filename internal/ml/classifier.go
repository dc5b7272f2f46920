// Package ml provides the classifiers that score memory-access windows as
// benign or rootkit activity. It includes a nearest-centroid baseline that can
// be fitted in-process, a client for an external model server, a server that
// exposes any classifier over HTTP and a small model version manager.
package ml

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// NumClasses is the width of every score vector (benign, rootkit).
const NumClasses = 2

var ErrShapeMismatch = errors.New("input shape does not match model")

// Classifier scores a batch of windows. The result holds NumClasses scores per
// input, higher meaning more likely.
type Classifier interface {
	Predict(ctx context.Context, xs []*mat.Dense) ([][]float32, error)
}

// MetricsInterface defines metrics methods needed by the classifiers
type MetricsInterface interface {
	MLPredictionsAdd(float64)
	MLFailuresInc()
	MLLatencyObserve(float64)
	MLPredictionScoresObserve(float64)
	MLTimeoutsInc()
	MLFallbackUseInc()
}

// Argmax returns the index of the highest score of each row. Ties go to the
// lower index.
func Argmax(scores [][]float32) []int32 {
	out := make([]int32, len(scores))
	for i, row := range scores {
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = int32(best)
	}
	return out
}

// softmax converts logits to probabilities.
func softmax(logits []float64) []float32 {
	peak := math.Inf(-1)
	for _, l := range logits {
		peak = math.Max(peak, l)
	}
	var sum float64
	exps := make([]float64, len(logits))
	for i, l := range logits {
		exps[i] = math.Exp(l - peak)
		sum += exps[i]
	}
	out := make([]float32, len(logits))
	for i, e := range exps {
		out[i] = float32(e / sum)
	}
	return out
}

// flatten returns the cells of m in row-major order.
func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}
