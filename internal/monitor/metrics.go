package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the runtime engine.
type Metrics struct {
	Registry *prometheus.Registry

	LifecycleOpsTotal *prometheus.CounterVec
	ActiveInstances   prometheus.Gauge
	BackendLatency    *prometheus.HistogramVec
	ExtensionsTotal   prometheus.Counter
	ReclaimedTotal    prometheus.Counter
	ReclaimBatchSize  prometheus.Histogram
	ValidationsTotal  *prometheus.CounterVec
	IntegrityFailures prometheus.Counter
	RequestsInFlight  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		LifecycleOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "instancer",
				Name:      "lifecycle_operations_total",
				Help:      "Total lifecycle operations by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),

		ActiveInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "instancer",
				Name:      "active_instances",
				Help:      "Number of currently tracked active instances.",
			},
		),

		BackendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "instancer",
				Name:      "backend_operation_duration_seconds",
				Help:      "Duration of orchestration backend operations.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		ExtensionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "instancer",
				Name:      "extensions_total",
				Help:      "Total granted lifetime extensions.",
			},
		),

		ReclaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "instancer",
				Name:      "reclaimed_total",
				Help:      "Total instances reclaimed after expiry.",
			},
		),

		ReclaimBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "instancer",
				Name:      "reclaim_batch_size",
				Help:      "Number of expired instances processed per reclamation cycle.",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),

		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "instancer",
				Name:      "flag_validations_total",
				Help:      "Total flag validation attempts by result.",
			},
			[]string{"result"},
		),

		IntegrityFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "instancer",
				Name:      "flag_integrity_failures_total",
				Help:      "Total flag decryption failures; each one is security-relevant.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "instancer",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.LifecycleOpsTotal,
		m.ActiveInstances,
		m.BackendLatency,
		m.ExtensionsTotal,
		m.ReclaimedTotal,
		m.ReclaimBatchSize,
		m.ValidationsTotal,
		m.IntegrityFailures,
		m.RequestsInFlight,
	)

	return m
}

// RecordOp records the outcome of one lifecycle operation.
func (m *Metrics) RecordOp(operation, outcome string) {
	m.LifecycleOpsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordValidation records one flag validation attempt.
func (m *Metrics) RecordValidation(valid bool) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.ValidationsTotal.WithLabelValues(result).Inc()
}

// ObserveBackend records the latency of a backend call.
func (m *Metrics) ObserveBackend(operation string, seconds float64) {
	m.BackendLatency.WithLabelValues(operation).Observe(seconds)
}
