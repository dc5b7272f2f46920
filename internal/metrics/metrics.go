// Package metrics provides Prometheus metrics collection for the memlearn tools.
// It covers trace parsing, corpus building, dataset assembly, classifier calls,
// evaluation results and the live monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the pipeline.
type Metrics struct {
	// Feature extraction metrics
	TracesParsed     prometheus.Counter // Trace files parsed and vectorized
	SlicesVectorized prometheus.Counter // Time slices turned into feature rows
	FeatureErrors    prometheus.Counter // Trace files or frames that failed to vectorize

	// Corpus and dataset metrics
	CorpusColumns *prometheus.GaugeVec // Feature columns per corpus variant
	DatasetSize   *prometheus.GaugeVec // Examples per dataset split (train, test)

	// Classifier metrics
	MLPredictions      prometheus.Counter   // Windows scored
	MLFailures         prometheus.Counter   // Failed classifier calls
	MLLatency          prometheus.Histogram // Classifier call latency in seconds
	MLPredictionScores prometheus.Histogram // Rootkit class score distribution
	MLTimeouts         prometheus.Counter   // Classifier calls that hit their deadline
	MLFallbackUse      prometheus.Counter   // Times the fallback classifier answered

	// Evaluation metrics
	EvalSamples   prometheus.Counter   // Examples evaluated
	EvalConfusion *prometheus.GaugeVec // Last confusion matrix by cell (tp, fp, fn, tn)

	// Live monitor metrics
	FeedReconnects prometheus.Counter     // Trace feed reconnections
	FramesReceived prometheus.Counter     // Trace frames received
	Verdicts       *prometheus.CounterVec // Verdicts by class (benign, rootkit)

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		TracesParsed: factory.NewCounter(prometheus.CounterOpts{
			Name: "traces_parsed_total",
			Help: "Total number of trace files parsed",
		}),
		SlicesVectorized: factory.NewCounter(prometheus.CounterOpts{
			Name: "slices_vectorized_total",
			Help: "Total number of time slices turned into feature rows",
		}),
		FeatureErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "feature_errors_total",
			Help: "Total number of feature extraction errors",
		}),
		CorpusColumns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corpus_columns",
			Help: "Number of feature columns per corpus variant",
		}, []string{"variant"}),
		DatasetSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dataset_examples",
			Help: "Number of examples per dataset split",
		}, []string{"split"}),
		MLPredictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_predictions_total",
			Help: "Total number of windows scored by a classifier",
		}),
		MLFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_failures_total",
			Help: "Total number of classifier failures",
		}),
		MLLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ml_latency_seconds",
			Help:    "Classifier latency in seconds per batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		MLPredictionScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ml_prediction_scores",
			Help:    "Distribution of rootkit class scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		MLTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_timeouts_total",
			Help: "Total number of classifier timeouts",
		}),
		MLFallbackUse: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_fallback_use_total",
			Help: "Total number of times the fallback classifier was used",
		}),
		EvalSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "eval_samples_total",
			Help: "Total number of examples evaluated",
		}),
		EvalConfusion: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eval_confusion",
			Help: "Cells of the last confusion matrix",
		}, []string{"cell"}),
		FeedReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Total number of trace feed reconnections",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "frames_received_total",
			Help: "Total number of trace frames received",
		}),
		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verdicts_total",
			Help: "Total number of live verdicts by class",
		}, []string{"class"}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}

// SetCorpusColumns records the width of a corpus variant.
func (m *Metrics) SetCorpusColumns(variant string, columns int) {
	m.CorpusColumns.WithLabelValues(variant).Set(float64(columns))
}

// SetDatasetSizes records the number of train and test examples.
func (m *Metrics) SetDatasetSizes(train, test int) {
	m.DatasetSize.WithLabelValues("train").Set(float64(train))
	m.DatasetSize.WithLabelValues("test").Set(float64(test))
}

// ClassLabel names a binary class for metric labels.
func ClassLabel(malicious bool) string {
	if malicious {
		return "rootkit"
	}
	return "benign"
}
