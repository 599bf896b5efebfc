package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Provider request results.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
	ResultConfig   = "config_error"
)

var (
	// Reconciler
	ReconcileBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magstats_reconcile_batches_total",
			Help: "Provider batches processed by the reconciler, by outcome",
		},
		[]string{"provider", "result"},
	)

	ReconcileItemsUpdated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magstats_reconcile_items_updated_total",
			Help: "Items whose external metric was refreshed",
		},
		[]string{"provider"},
	)

	ReconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magstats_reconcile_duration_seconds",
			Help:    "Duration of a reconciliation pass",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"trigger"},
	)

	// Outbound providers
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magstats_provider_requests_total",
			Help: "Outbound provider requests, by outcome",
		},
		[]string{"provider", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magstats_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magstats_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Ranker and view events
	RankRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magstats_rank_requests_total",
			Help: "Ranking requests by scope kind",
		},
		[]string{"scope"},
	)

	ViewEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "magstats_view_events_total",
			Help: "Read-view events recorded",
		},
	)

	// Events
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magstats_events_published_total",
			Help: "stats.updated events published to the message bus",
		},
		[]string{"result"},
	)
)
