// Package metrics exposes Prometheus instrumentation for the prediction service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	predictionsCreated *prometheus.CounterVec
	duplicates         *prometheus.CounterVec
	conflictsRecovered prometheus.Counter
	detectorLatency    *prometheus.HistogramVec
	detectorFailures   *prometheus.CounterVec
	queries            prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predictionhub_predictions_created_total",
			Help: "Prediction records stored, by model selector.",
		}, []string{"model"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predictionhub_duplicates_total",
			Help: "Predict requests answered from an existing record.",
		}, []string{"model"}),
		conflictsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predictionhub_conflicts_recovered_total",
			Help: "Racing inserts resolved by re-fetching the stored record.",
		}),
		detectorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predictionhub_detector_latency_seconds",
			Help:    "Detector invocation latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"detector"}),
		detectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predictionhub_detector_failures_total",
			Help: "Detector invocations that returned an error.",
		}, []string{"detector"}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predictionhub_history_queries_total",
			Help: "History queries served.",
		}),
	}

	m.registry.MustRegister(
		m.predictionsCreated,
		m.duplicates,
		m.conflictsRecovered,
		m.detectorLatency,
		m.detectorFailures,
		m.queries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) PredictionCreated(model string) {
	m.predictionsCreated.WithLabelValues(model).Inc()
}

func (m *Metrics) DuplicateServed(model string) {
	m.duplicates.WithLabelValues(model).Inc()
}

func (m *Metrics) ConflictRecovered() {
	m.conflictsRecovered.Inc()
}

// ObserveDetector records one detector call.
func (m *Metrics) ObserveDetector(detector string, took time.Duration, err error) {
	m.detectorLatency.WithLabelValues(detector).Observe(took.Seconds())
	if err != nil {
		m.detectorFailures.WithLabelValues(detector).Inc()
	}
}

func (m *Metrics) QueryServed() {
	m.queries.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
