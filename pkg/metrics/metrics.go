package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client side

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "Transport state: 0 disconnected, 1 connecting, 2 connected",
		},
	)

	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_connection_transitions_total",
			Help: "Transport state transitions",
		},
		[]string{"from", "to"},
	)

	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_inbound_events_total",
			Help: "Inbound socket events delivered to the client",
		},
		[]string{"event"},
	)

	StaleEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_stale_events_total",
			Help: "Inbound events dropped because their connection generation is no longer current",
		},
	)

	ReconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_outcomes_total",
			Help: "Optimistic send reconciliation outcomes",
		},
		[]string{"outcome"}, // "client_id", "heuristic", "timeout"
	)

	ReconcileAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_anomalies_total",
			Help: "Edits or deletes dropped because their target never appeared",
		},
		[]string{"kind"},
	)

	DirectoryResyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_directory_resyncs_total",
			Help: "Full conversation list refreshes",
		},
	)

	RESTRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_rest_requests_total",
			Help: "REST calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"name"},
	)

	// Gateway side

	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_websocket_connections",
			Help: "Open websocket connections",
		},
	)

	GatewayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Client events handled by the gateway",
		},
		[]string{"event", "result"},
	)

	PersistedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_persisted_events_total",
			Help: "Events written to storage by the messaging worker",
		},
		[]string{"event", "result"},
	)

	// API side

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "REST request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
