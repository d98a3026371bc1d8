// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "designconnect_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "designconnect_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Relay metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "designconnect_relay_connections",
			Help: "Currently registered relay connections",
		},
	)

	AnonymousConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "designconnect_relay_anonymous_connections_total",
			Help: "Connections accepted without a valid session token",
		},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "designconnect_relay_events_received_total",
			Help: "Inbound relay events by name",
		},
		[]string{"event"},
	)

	FramesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "designconnect_relay_frames_delivered_total",
			Help: "Outbound frames queued to connections",
		},
		[]string{"scope"}, // "all", "room" or "direct"
	)

	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "designconnect_relay_handler_errors_total",
			Help: "Event handler failures by code",
		},
		[]string{"code"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "designconnect_relay_rate_limit_hits_total",
			Help: "Inbound frames discarded by the per-connection rate limiter",
		},
	)

	// Notifier metrics
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "designconnect_notifications_total",
			Help: "Outbound alert deliveries by channel and result",
		},
		[]string{"channel", "result"},
	)

	// Synthetic probe metrics
	SyntheticStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "designconnect_synthetic_status",
			Help: "Outcome of the latest synthetic check (1 up, 0 down)",
		},
		[]string{"check"},
	)

	SyntheticLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "designconnect_synthetic_latency_ms",
			Help: "Latency of the latest synthetic check in milliseconds",
		},
		[]string{"check"},
	)
)
