// Package metrics provides Prometheus instrumentation for Streamdock.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamdock_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamdock_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Stream parsing metrics.
var (
	StreamMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamdock_stream_messages_total",
		Help: "Total number of stream-json messages decoded from agent output.",
	})

	StreamParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamdock_stream_parse_errors_total",
		Help: "Total number of agent output lines that failed JSON decoding.",
	})
)

// Session metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamdock_active_sessions",
		Help: "Number of currently running agent sessions.",
	})

	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamdock_sessions_started_total",
		Help: "Total number of agent sessions started.",
	})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamdock_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamdock_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)
