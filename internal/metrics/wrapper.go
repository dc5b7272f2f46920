package metrics

import "github.com/prometheus/client_golang/prometheus"

// Interfaces for metrics to avoid circular imports
type MetricsCounter interface {
	Inc()
}

type MetricsGauge interface {
	Set(float64)
	Add(float64)
}

type MetricsHistogram interface {
	Observe(float64)
}

// MetricsWrapper adapts Metrics to the small tracker interfaces declared by the
// features, ml, eval and monitor packages.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// features.MetricsTracker

func (w *MetricsWrapper) TracesParsedInc() { w.m.TracesParsed.Inc() }

func (w *MetricsWrapper) SlicesVectorizedAdd(v float64) { w.m.SlicesVectorized.Add(v) }

func (w *MetricsWrapper) FeatureErrorsInc() { w.m.FeatureErrors.Inc() }

// ml.MetricsInterface

func (w *MetricsWrapper) MLPredictionsAdd(v float64) { w.m.MLPredictions.Add(v) }

func (w *MetricsWrapper) MLFailuresInc() { w.m.MLFailures.Inc() }

func (w *MetricsWrapper) MLLatencyObserve(v float64) { w.m.MLLatency.Observe(v) }

func (w *MetricsWrapper) MLPredictionScoresObserve(v float64) { w.m.MLPredictionScores.Observe(v) }

func (w *MetricsWrapper) MLTimeoutsInc() { w.m.MLTimeouts.Inc() }

func (w *MetricsWrapper) MLFallbackUseInc() { w.m.MLFallbackUse.Inc() }

// eval.MetricsInterface

func (w *MetricsWrapper) EvalSamplesAdd(v float64) { w.m.EvalSamples.Add(v) }

func (w *MetricsWrapper) EvalResultSet(tp, fp, fn, tn float64) {
	w.m.EvalConfusion.WithLabelValues("tp").Set(tp)
	w.m.EvalConfusion.WithLabelValues("fp").Set(fp)
	w.m.EvalConfusion.WithLabelValues("fn").Set(fn)
	w.m.EvalConfusion.WithLabelValues("tn").Set(tn)
}

// monitor.MetricsInterface

func (w *MetricsWrapper) FeedReconnectsInc() { w.m.FeedReconnects.Inc() }

func (w *MetricsWrapper) FramesReceivedInc() { w.m.FramesReceived.Inc() }

func (w *MetricsWrapper) VerdictInc(malicious bool) {
	w.m.Verdicts.WithLabelValues(ClassLabel(malicious)).Inc()
}

func (w *MetricsWrapper) ErrorsTotal() MetricsCounter {
	return &CounterWrapper{w.m.ErrorsTotal}
}

func (w *MetricsWrapper) MLLatency() MetricsHistogram {
	return &HistogramWrapper{w.m.MLLatency}
}

func (w *MetricsWrapper) CorpusColumns(variant string) MetricsGauge {
	return &GaugeWrapper{w.m.CorpusColumns.WithLabelValues(variant)}
}

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}

type GaugeWrapper struct {
	g prometheus.Gauge
}

func (gw *GaugeWrapper) Set(v float64) {
	gw.g.Set(v)
}

func (gw *GaugeWrapper) Add(v float64) {
	gw.g.Add(v)
}

type HistogramWrapper struct {
	h prometheus.Histogram
}

func (hw *HistogramWrapper) Observe(v float64) {
	hw.h.Observe(v)
}
