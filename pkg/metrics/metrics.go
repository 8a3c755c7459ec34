// Package metrics defines the Prometheus collectors exported by the decision
// engine. All collectors are registered once via promauto at construction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the engine components report to.
type Metrics struct {
	// Decision metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	DecisionScore    prometheus.Histogram

	// Orchestration metrics
	SourceLatency  *prometheus.HistogramVec
	SourceFailures *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
	DegradedRuns   prometheus.Counter

	// Result cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheErrors *prometheus.CounterVec

	// Audit metrics
	AuditAppends      *prometheus.CounterVec
	AuditRetries      prometheus.Counter
	AuditAlertsRaised prometheus.Counter

	// Policy metrics
	PolicyReloads *prometheus.CounterVec
	PolicyMissing prometheus.Counter

	// Event metrics
	EventsPublished *prometheus.CounterVec
}

// New creates and registers all engine collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "decision",
				Name:      "decisions_total",
				Help:      "Total decisions issued, by status and cache origin",
			},
			[]string{"status", "cached"},
		),
		DecisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sentinex",
				Subsystem: "decision",
				Name:      "evaluation_duration_seconds",
				Help:      "End-to-end evaluation latency",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),
		DecisionScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sentinex",
				Subsystem: "decision",
				Name:      "risk_score",
				Help:      "Distribution of aggregated risk scores",
				Buckets:   prometheus.LinearBuckets(0, 10, 11),
			},
		),
		SourceLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sentinex",
				Subsystem: "orchestrator",
				Name:      "source_latency_seconds",
				Help:      "Per-source invocation latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"source", "kind"},
		),
		SourceFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "orchestrator",
				Name:      "source_failures_total",
				Help:      "Source failures by reason (error, timeout, breaker_open)",
			},
			[]string{"source", "reason"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sentinex",
				Subsystem: "orchestrator",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per source (0=closed, 1=half-open, 2=open)",
			},
			[]string{"source"},
		),
		DegradedRuns: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "orchestrator",
				Name:      "degraded_runs_total",
				Help:      "Orchestration passes that completed with at least one unavailable source",
			},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Result cache hits by backend",
			},
			[]string{"backend"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Result cache misses by backend",
			},
			[]string{"backend"},
		),
		CacheErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "cache",
				Name:      "errors_total",
				Help:      "Result cache backend errors (treated as misses)",
			},
			[]string{"backend"},
		),
		AuditAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "audit",
				Name:      "appends_total",
				Help:      "Audit record appends by outcome",
			},
			[]string{"outcome"},
		),
		AuditRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "audit",
				Name:      "retries_total",
				Help:      "Audit append retry attempts",
			},
		),
		AuditAlertsRaised: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "audit",
				Name:      "alerts_total",
				Help:      "Operational alerts raised after exhausting the audit retry budget",
			},
		),
		PolicyReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "policy",
				Name:      "reloads_total",
				Help:      "Policy snapshot reloads by outcome",
			},
			[]string{"outcome"},
		),
		PolicyMissing: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "policy",
				Name:      "missing_total",
				Help:      "Assessments forced to ESCALATED because no policy snapshot was available",
			},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinex",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Decision events published by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// NewNop returns a Metrics wired to a throwaway registry, for tests that do
// not assert on metric output.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
