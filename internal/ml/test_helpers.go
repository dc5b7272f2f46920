package ml

import (
	"context"
	"errors"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu               sync.Mutex
	predictions      float64
	failures         int
	latencySum       float64
	timeouts         int
	fallbackUse      int
	predictionScores []float64
}

func (m *MockMetrics) MLPredictionsAdd(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions += v
}

func (m *MockMetrics) MLFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *MockMetrics) MLLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum += v
}

func (m *MockMetrics) MLPredictionScoresObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictionScores = append(m.predictionScores, v)
}

func (m *MockMetrics) MLTimeoutsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts++
}

func (m *MockMetrics) MLFallbackUseInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackUse++
}

// StaticClassifier returns the same scores for every input. It is meant for
// tests of code that consumes a Classifier.
type StaticClassifier struct {
	Scores []float32
	Err    error
}

func (s StaticClassifier) Predict(_ context.Context, xs []*mat.Dense) ([][]float32, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Scores) != NumClasses {
		return nil, errors.New("static classifier needs one score per class")
	}
	out := make([][]float32, len(xs))
	for i := range xs {
		out[i] = append([]float32(nil), s.Scores...)
	}
	return out, nil
}
