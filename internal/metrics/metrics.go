// Package metrics provides Prometheus instrumentation for the fraud analyst.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AnalysesTotal counts finished analyses by final status and action.
	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraud",
			Name:      "analyses_total",
			Help:      "Total analyses by final status and decision action.",
		},
		[]string{"status", "action"},
	)

	// AnalysisDuration observes end-to-end analysis latency.
	AnalysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fraud",
			Name:      "analysis_duration_seconds",
			Help:      "End-to-end analysis duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// PhaseDuration observes per-phase latency.
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fraud",
			Name:      "phase_duration_seconds",
			Help:      "Duration of each orchestrator phase in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// FallbacksTotal counts fallbacks by phase.
	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraud",
			Name:      "fallbacks_total",
			Help:      "Total collaborator fallbacks by phase.",
		},
		[]string{"phase"},
	)

	// CollaboratorCallsTotal counts collaborator calls by operation and result.
	CollaboratorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraud",
			Subsystem: "cognitive",
			Name:      "calls_total",
			Help:      "Total collaborator calls by operation and result.",
		},
		[]string{"operation", "result"}, // "ok", "schema_violation", "error"
	)

	// CollaboratorTokens counts tokens consumed by direction.
	CollaboratorTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraud",
			Subsystem: "cognitive",
			Name:      "tokens_total",
			Help:      "Total collaborator tokens by direction.",
		},
		[]string{"direction"},
	)

	// CollaboratorCircuitState is the collaborator breaker state:
	// 0 closed, 1 half-open, 2 open.
	CollaboratorCircuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fraud",
			Subsystem: "cognitive",
			Name:      "circuit_state",
			Help:      "Collaborator circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
	)

	// CollaboratorCircuitTrips counts transitions of the breaker to open.
	CollaboratorCircuitTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fraud",
			Subsystem: "cognitive",
			Name:      "circuit_trips_total",
			Help:      "Total times the collaborator circuit breaker opened.",
		},
	)

	// RiskScores observes the distribution of risk scores.
	RiskScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fraud",
			Name:      "risk_score",
			Help:      "Distribution of computed risk scores.",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	// ActiveSessions tracks sessions held by the registry.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fraud",
			Name:      "active_sessions",
			Help:      "Number of sessions currently held by the registry.",
		},
	)

	// ActiveSubscribers tracks connected stream subscribers.
	ActiveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fraud",
			Name:      "active_subscribers",
			Help:      "Number of currently attached step subscribers.",
		},
	)

	// DroppedStepsTotal counts step events dropped for slow subscribers.
	DroppedStepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fraud",
			Name:      "dropped_steps_total",
			Help:      "Total step events dropped because a subscriber buffer was full.",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraud",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "route", "status"},
	)

	// FallbackRate is the rule-fallback share of recent archived decisions.
	FallbackRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fraud",
			Name:      "recent_fallback_rate",
			Help:      "Share of decisions in the monitoring window made by the rule fallback.",
		},
	)

	// BlockRate is the BLOCK share of recent archived decisions.
	BlockRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fraud",
			Name:      "recent_block_rate",
			Help:      "Share of decisions in the monitoring window that blocked the transaction.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AnalysesTotal,
		AnalysisDuration,
		PhaseDuration,
		FallbacksTotal,
		CollaboratorCallsTotal,
		CollaboratorTokens,
		CollaboratorCircuitState,
		CollaboratorCircuitTrips,
		RiskScores,
		ActiveSessions,
		ActiveSubscribers,
		DroppedStepsTotal,
		HTTPRequestsTotal,
		FallbackRate,
		BlockRate,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
