package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleet_dispatch"

var (
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections_open", Help: "Number of live websocket sessions"})
	RoomsActive     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "rooms_active", Help: "Number of non-empty rooms"})

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_total", Help: "Inbound events by name and outcome kind"},
		[]string{"event", "outcome"},
	)
	EventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Time to validate, apply and fan out an inbound event",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"event"},
	)
	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_deliveries_total", Help: "Outbound messages queued to room members"},
		[]string{"event"},
	)
	BroadcastDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_drops_total", Help: "Outbound messages dropped because a member queue was full or closed"},
		[]string{"event"},
	)
	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "publish_errors_total", Help: "Failures forwarding accepted events to the event stream"},
		[]string{"sink"},
	)
	BreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "circuit_breaker_transitions_total", Help: "Circuit breaker state changes"},
		[]string{"name", "to"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	WSConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ws_connection_duration_seconds",
		Help:      "Lifetime of upgraded websocket connections",
		Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600},
	})
)
