package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpherd_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcpherd_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "endpoint"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcpherd_active_sessions",
		Help: "Number of active HTTP sessions",
	})

	sessionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpherd_sessions_created_total",
		Help: "Total number of sessions created",
	}, []string{"transport"})

	routedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpherd_mcp_messages_total",
		Help: "Total number of MCP messages routed",
	}, []string{"server", "method", "status"})

	routedMessageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcpherd_mcp_message_duration_seconds",
		Help:    "MCP message processing latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"server", "method"})

	backendsUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcpherd_backends_up",
		Help: "Backend processes currently up",
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpherd_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "server"})

	messageBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcpherd_message_buffer_size",
		Help: "Total buffered SSE events across all session replay buffers",
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcpherd_active_connections",
		Help: "Active streaming connections (SSE + WebSocket)",
	})

	replayedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpherd_message_replay_total",
		Help: "Total number of SSE events replayed",
	}, []string{"transport"})

	websocketConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpherd_websocket_connections_total",
		Help: "Total WebSocket connections",
	}, []string{"status"})
)

func recordHTTPRequest(method, endpoint string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, httpStatusLabel(status)).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

func httpStatusLabel(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func recordError(kind, server string) {
	if server == "" {
		server = "unknown"
	}
	errorsTotal.WithLabelValues(kind, server).Inc()
}

func observeRoute(server, method, status string, elapsed time.Duration) {
	routedMessagesTotal.WithLabelValues(server, method, status).Inc()
	routedMessageDuration.WithLabelValues(server, method).Observe(elapsed.Seconds())
}

func setActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

func setBackendsUp(n int) {
	backendsUp.Set(float64(n))
}

func addBufferedEvents(delta int) {
	messageBufferSize.Add(float64(delta))
}

func incActiveConnections() {
	activeConnections.Inc()
}

func decActiveConnections() {
	activeConnections.Dec()
}

func recordSessionCreated(transport string) {
	sessionsCreatedTotal.WithLabelValues(transport).Inc()
}

func recordReplay(transport string, n int) {
	replayedEventsTotal.WithLabelValues(transport).Add(float64(n))
}

func recordWebsocketConnection(status string) {
	websocketConnectionsTotal.WithLabelValues(status).Inc()
}
