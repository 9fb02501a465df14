// Package metrics provides Prometheus instrumentation for the chat service.
// It exposes gauges for connection and presence counts, counters for message
// and delivery throughput, and histograms for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of distinct users with at least one
	// live connection on this instance.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Current number of distinct online users",
	})

	// MessagesTotal counts messages processed, labeled by type: "sent",
	// "delivered", "dropped" (recipient offline), or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})

	// SendLatency records end-to-end send persistence latency in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_send_latency_seconds",
		Help:    "Message send persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// AuthFailures counts failed WebSocket handshake attempts.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_auth_failures_total",
		Help: "Total number of failed connection handshakes",
	})

	// ForcedSignOuts counts forced terminations, labeled "blocked" or "deleted".
	ForcedSignOuts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_forced_sign_outs_total",
		Help: "Total number of forced sign-outs",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		SendLatency,
		AuthFailures,
		ForcedSignOuts,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
