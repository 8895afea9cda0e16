// Package observability exposes the pipeline's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the pipeline emits. A single struct keeps
// registration in one place and lets tests use an isolated registry.
type Metrics struct {
	BatchesIngested   *prometheus.CounterVec
	EventsIngested    prometheus.Counter
	BatchesProcessed  prometheus.Counter
	EntitiesUpdated   prometheus.Counter
	NegativeClamps    prometheus.Counter
	RunFailures       prometheus.Counter
	CircuitOpens      prometheus.Counter
	StuckBatches      prometheus.Gauge
	RateLimitRejected prometheus.Counter
	RunDuration       prometheus.Histogram
}

// New registers the pipeline metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BatchesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_batches_ingested_total",
			Help: "Ingestion outcomes by result (accepted, idempotent, rejected).",
		}, []string{"result"}),
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "tally_events_ingested_total",
			Help: "Events accepted into pending batches.",
		}),
		BatchesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tally_batches_processed_total",
			Help: "Pending batches drained and committed by aggregation runs.",
		}),
		EntitiesUpdated: factory.NewCounter(prometheus.CounterOpts{
			Name: "tally_entities_updated_total",
			Help: "Entity counter records updated by the committer.",
		}),
		NegativeClamps: factory.NewCounter(prometheus.CounterOpts{
			Name: "tally_negative_clamps_total",
			Help: "Counter increments clamped to zero (data anomaly).",
		}),
		RunFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tally_run_failures_total",
			Help: "Aggregation run failures, including circuit breaker aborts.",
		}),
		CircuitOpens: factory.NewCounter(prometheus.CounterOpts{
			Name: "tally_circuit_opens_total",
			Help: "Runs aborted by the consecutive-failure circuit breaker.",
		}),
		StuckBatches: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tally_stuck_batches",
			Help: "Undrained batches past the stuck-age threshold plus failed units.",
		}),
		RateLimitRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "tally_rate_limited_total",
			Help: "Ingestion requests rejected by the per-actor rate limiter.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tally_run_duration_seconds",
			Help:    "Wall-clock duration of aggregation runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// NewDefault registers on the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
