package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

func TestNewWrapper(t *testing.T) {
	metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	if wrapper == nil {
		t.Fatal("NewWrapper returned nil")
	}
	if wrapper.m != metrics {
		t.Error("Wrapper does not contain correct metrics instance")
	}
}

func TestNewWithRegistry_Registers(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewWithRegistry(registry)

	// Registering twice on the same registry must panic
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic on duplicate registration")
		}
	}()
	NewWithRegistry(registry)
}

func TestMetricsWrapper_FeatureMethods(t *testing.T) {
	metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	wrapper.TracesParsedInc()
	wrapper.TracesParsedInc()
	if v := testutil.ToFloat64(metrics.TracesParsed); v != 2 {
		t.Errorf("Expected 2 traces parsed, got %f", v)
	}

	wrapper.SlicesVectorizedAdd(120)
	if v := testutil.ToFloat64(metrics.SlicesVectorized); v != 120 {
		t.Errorf("Expected 120 slices, got %f", v)
	}

	wrapper.FeatureErrorsInc()
	if v := testutil.ToFloat64(metrics.FeatureErrors); v != 1 {
		t.Errorf("Expected 1 feature error, got %f", v)
	}
}

func TestMetricsWrapper_MLMethods(t *testing.T) {
	metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	wrapper.MLPredictionsAdd(32)
	if v := testutil.ToFloat64(metrics.MLPredictions); v != 32 {
		t.Errorf("Expected 32 ML predictions, got %f", v)
	}

	wrapper.MLFailuresInc()
	if v := testutil.ToFloat64(metrics.MLFailures); v != 1 {
		t.Errorf("Expected 1 ML failure, got %f", v)
	}

	wrapper.MLTimeoutsInc()
	if v := testutil.ToFloat64(metrics.MLTimeouts); v != 1 {
		t.Errorf("Expected 1 ML timeout, got %f", v)
	}

	wrapper.MLFallbackUseInc()
	if v := testutil.ToFloat64(metrics.MLFallbackUse); v != 1 {
		t.Errorf("Expected 1 ML fallback use, got %f", v)
	}

	// Histograms should not panic
	wrapper.MLLatencyObserve(0.25)
	wrapper.MLPredictionScoresObserve(0.75)
	wrapper.MLLatency().Observe(0.5)
}

func TestMetricsWrapper_EvalMethods(t *testing.T) {
	metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	wrapper.EvalSamplesAdd(10)
	if v := testutil.ToFloat64(metrics.EvalSamples); v != 10 {
		t.Errorf("Expected 10 samples, got %f", v)
	}

	wrapper.EvalResultSet(4, 1, 2, 3)
	cells := map[string]float64{"tp": 4, "fp": 1, "fn": 2, "tn": 3}
	for cell, want := range cells {
		if v := testutil.ToFloat64(metrics.EvalConfusion.WithLabelValues(cell)); v != want {
			t.Errorf("Expected %s=%f, got %f", cell, want, v)
		}
	}
}

func TestMetricsWrapper_MonitorMethods(t *testing.T) {
	metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	wrapper.FeedReconnectsInc()
	wrapper.FramesReceivedInc()
	wrapper.FramesReceivedInc()
	wrapper.VerdictInc(true)
	wrapper.VerdictInc(false)
	wrapper.VerdictInc(false)

	if v := testutil.ToFloat64(metrics.FeedReconnects); v != 1 {
		t.Errorf("Expected 1 reconnect, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.FramesReceived); v != 2 {
		t.Errorf("Expected 2 frames, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.Verdicts.WithLabelValues("rootkit")); v != 1 {
		t.Errorf("Expected 1 rootkit verdict, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.Verdicts.WithLabelValues("benign")); v != 2 {
		t.Errorf("Expected 2 benign verdicts, got %f", v)
	}
}

func TestMetrics_CorpusAndDataset(t *testing.T) {
	metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	metrics.SetCorpusColumns("raw", 4096)
	wrapper.CorpusColumns("filtered").Set(300)
	metrics.SetDatasetSizes(1200, 400)

	if v := testutil.ToFloat64(metrics.CorpusColumns.WithLabelValues("raw")); v != 4096 {
		t.Errorf("Expected 4096 raw columns, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.CorpusColumns.WithLabelValues("filtered")); v != 300 {
		t.Errorf("Expected 300 filtered columns, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.DatasetSize.WithLabelValues("train")); v != 1200 {
		t.Errorf("Expected 1200 train examples, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.DatasetSize.WithLabelValues("test")); v != 400 {
		t.Errorf("Expected 400 test examples, got %f", v)
	}
}

func TestCounterWrapper_DirectUsage(t *testing.T) {
	metrics := newTestMetrics()
	counter := NewWrapper(metrics).ErrorsTotal()

	for i := 0; i < 5; i++ {
		counter.Inc()
	}
	if v := testutil.ToFloat64(metrics.ErrorsTotal); v != 5 {
		t.Errorf("Expected 5 errors, got %f", v)
	}
}

func TestGaugeWrapper_DirectUsage(t *testing.T) {
	metrics := newTestMetrics()
	gauge := NewWrapper(metrics).CorpusColumns("raw")

	gauge.Set(10)
	gauge.Add(5)
	gauge.Add(-3)
	if v := testutil.ToFloat64(metrics.CorpusColumns.WithLabelValues("raw")); v != 12 {
		t.Errorf("Expected gauge value 12, got %f", v)
	}
}

func TestClassLabel(t *testing.T) {
	if ClassLabel(true) != "rootkit" {
		t.Error("Expected rootkit for malicious")
	}
	if ClassLabel(false) != "benign" {
		t.Error("Expected benign for non-malicious")
	}
}

func TestMetricsWrapper_ConcurrentAccess(t *testing.T) {
	metrics := newTestMetrics()
	wrapper := NewWrapper(metrics)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				wrapper.MLPredictionsAdd(1)
				wrapper.MLLatencyObserve(0.01)
				wrapper.FeatureErrorsInc()
			}
		}()
	}
	wg.Wait()

	expected := 1000.0 // 10 goroutines * 100 increments
	if v := testutil.ToFloat64(metrics.MLPredictions); v != expected {
		t.Errorf("Expected %f predictions after concurrent access, got %f", expected, v)
	}
	if v := testutil.ToFloat64(metrics.FeatureErrors); v != expected {
		t.Errorf("Expected %f feature errors after concurrent access, got %f", expected, v)
	}
}

func TestMetricsWrapper_NilGuard(t *testing.T) {
	wrapper := &MetricsWrapper{m: nil}

	// NewWrapper ensures m is never nil; a zero wrapper panics
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when accessing nil metrics")
		}
	}()

	wrapper.MLPredictionsAdd(1)
}

func BenchmarkMetricsWrapper_MLPredictionsAdd(b *testing.B) {
	wrapper := NewWrapper(newTestMetrics())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wrapper.MLPredictionsAdd(1)
	}
}

func BenchmarkMetricsWrapper_VerdictInc(b *testing.B) {
	wrapper := NewWrapper(newTestMetrics())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wrapper.VerdictInc(i%2 == 0)
	}
}
