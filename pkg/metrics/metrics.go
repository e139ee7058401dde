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

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SessionsActive tracks signed-in device sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "device_sessions_active",
			Help: "Number of signed-in device sessions",
		},
	)

	// MessagesTotal tracks message send attempts.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages sent",
		},
		[]string{"result"},
	)

	// SeenMarksTotal tracks read-receipt writes.
	SeenMarksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seen_marks_total",
			Help: "Total seen-flag writes",
		},
		[]string{"result"},
	)

	// PresenceWritesTotal tracks presence upserts by state and result.
	PresenceWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_writes_total",
			Help: "Total presence writes",
		},
		[]string{"state", "trigger", "result"},
	)

	// NotificationsTotal tracks dispatch outcomes.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total notification dispatches",
		},
		[]string{"result"},
	)

	// SubscriptionsActive tracks live store subscriptions by kind.
	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "store_subscriptions_active",
			Help: "Number of live store subscriptions",
		},
		[]string{"kind"},
	)

	// StoreOpDuration tracks document store latency.
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Document store operation duration",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStoreOp records a document store operation.
func RecordStoreOp(op string, err error, duration float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOpDuration.WithLabelValues(op, status).Observe(duration)
}

// RecordPresenceWrite records a presence upsert.
func RecordPresenceWrite(online bool, trigger string, err error) {
	state := "offline"
	if online {
		state = "online"
	}
	PresenceWritesTotal.WithLabelValues(state, trigger, Result(err)).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}

// SubscriptionOpened increments the live subscription gauge for kind.
func SubscriptionOpened(kind string) {
	SubscriptionsActive.WithLabelValues(kind).Inc()
}

// SubscriptionClosed decrements the live subscription gauge for kind.
func SubscriptionClosed(kind string) {
	SubscriptionsActive.WithLabelValues(kind).Dec()
}

// Result maps an error to a "success"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
