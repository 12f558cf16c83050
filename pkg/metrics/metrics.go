// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WSConnectionsActive tracks websocket connections in the Active state.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active websocket connections",
		},
	)

	// WSConnectionRejections tracks connections closed during the handshake.
	WSConnectionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_connection_rejections_total",
			Help: "Websocket connections rejected before activation",
		},
		[]string{"reason"},
	)

	// WSFramesTotal tracks inbound frames by type and outcome.
	WSFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_frames_total",
			Help: "Inbound websocket frames",
		},
		[]string{"type", "result"},
	)

	// WSDroppedFrames tracks outbound frames dropped because a client was too slow.
	WSDroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_dropped_frames_total",
			Help: "Outbound frames dropped on a full send buffer",
		},
	)

	// SSEConnectionsActive tracks active SSE notification streams.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// MessagesTotal tracks messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"conversation_type"},
	)

	// MessageFailuresTotal tracks failed persistence transactions.
	MessageFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "message_failures_total",
			Help: "Message persistence transactions that failed",
		},
	)

	// BusPublishFailures tracks fanout publishes that failed.
	BusPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_publish_failures_total",
			Help: "Broadcast bus publish failures",
		},
		[]string{"backend"},
	)

	// BusDeliveries tracks payloads handed to local subscribers.
	BusDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_deliveries_total",
			Help: "Payloads delivered to local subscribers",
		},
		[]string{"backend"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordFrame records the outcome of one inbound frame.
func RecordFrame(frameType, result string) {
	WSFramesTotal.WithLabelValues(frameType, result).Inc()
}

// RecordRejection records a rejected websocket handshake.
func RecordRejection(reason string) {
	WSConnectionRejections.WithLabelValues(reason).Inc()
}

// IncrementWSConnections increments the active websocket connection count.
func IncrementWSConnections() {
	WSConnectionsActive.Inc()
}

// DecrementWSConnections decrements the active websocket connection count.
func DecrementWSConnections() {
	WSConnectionsActive.Dec()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
