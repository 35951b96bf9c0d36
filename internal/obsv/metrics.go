// Package obsv holds the Prometheus metrics for the synthesis core,
// following the teacher's Metrics-struct-plus-NewMetrics-plus-Record*
// convention (internal/escrow/metrics.go) rather than scattering
// promauto calls across packages.
package obsv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the synthesis core exports.
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	ProcessingDepth *prometheus.GaugeVec
	DLQDepth        *prometheus.GaugeVec

	ConsumerLagSeconds *prometheus.HistogramVec
	ResultsProcessed   *prometheus.CounterVec

	BillingDrainDepth   prometheus.Gauge
	BillingEventsTotal  *prometheus.CounterVec

	AdapterLatencySeconds *prometheus.HistogramVec
	AdapterErrorsTotal    *prometheus.CounterVec

	CacheHitsTotal   *prometheus.CounterVec
	EvictionsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers every metric against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "synth_queue_depth",
				Help: "Number of jobs waiting in a model's queue",
			},
			[]string{"model"},
		),
		ProcessingDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "synth_processing_depth",
				Help: "Number of jobs claimed but not yet completed for a model",
			},
			[]string{"model"},
		),
		DLQDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "synth_dlq_depth",
				Help: "Number of jobs in a model's dead-letter queue",
			},
			[]string{"model"},
		),
		ConsumerLagSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synth_result_consumer_lag_seconds",
				Help:    "Time from result push to result-consumer handling",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		ResultsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synth_results_processed_total",
				Help: "Total results handled by the result consumer",
			},
			[]string{"status"},
		),
		BillingDrainDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "synth_billing_drain_depth",
				Help: "Number of billing events waiting to be recorded",
			},
		),
		BillingEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synth_billing_events_total",
				Help: "Total billing events recorded, by outcome",
			},
			[]string{"outcome"}, // recorded, postgres_failed, recorder_failed
		),
		AdapterLatencySeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synth_adapter_latency_seconds",
				Help:    "Latency of one synthesize call to a model adapter",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		AdapterErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synth_adapter_errors_total",
				Help: "Total adapter synthesize failures, by error code",
			},
			[]string{"model", "error_code"},
		),
		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synth_cache_hits_total",
				Help: "Total variant cache lookups, by hit/miss",
			},
			[]string{"result"}, // hit, miss
		),
		EvictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synth_cache_evictions_total",
				Help: "Total variant cache evictions",
			},
			[]string{"reason"}, // lru, cursor_moved
		),
	}
}

// ObserveQueueDepths refreshes the gauge set for one model from a
// snapshot of its current depths, rather than tracking every mutation.
func (m *Metrics) ObserveQueueDepths(model string, queued, processing, dlq int64) {
	m.QueueDepth.WithLabelValues(model).Set(float64(queued))
	m.ProcessingDepth.WithLabelValues(model).Set(float64(processing))
	m.DLQDepth.WithLabelValues(model).Set(float64(dlq))
}

// RecordResult records a processed result outcome and its consumer lag.
func (m *Metrics) RecordResult(status string, lagSeconds float64) {
	m.ResultsProcessed.WithLabelValues(status).Inc()
	m.ConsumerLagSeconds.WithLabelValues(status).Observe(lagSeconds)
}

// RecordBillingEvent records a billing drain outcome.
func (m *Metrics) RecordBillingEvent(outcome string) {
	m.BillingEventsTotal.WithLabelValues(outcome).Inc()
}

// RecordAdapterCall records one adapter.Synthesize call's latency and,
// on failure, its error code.
func (m *Metrics) RecordAdapterCall(model string, latencySeconds float64, errorCode string) {
	m.AdapterLatencySeconds.WithLabelValues(model).Observe(latencySeconds)
	if errorCode != "" {
		m.AdapterErrorsTotal.WithLabelValues(model, errorCode).Inc()
	}
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheHitsTotal.WithLabelValues(result).Inc()
}

// RecordEviction records one cache eviction, tagged by its cause.
func (m *Metrics) RecordEviction(reason string) {
	m.EvictionsTotal.WithLabelValues(reason).Inc()
}
