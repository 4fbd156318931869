// Package metrics provides Prometheus instrumentation for the match chat
// service. It exposes gauges for connections and online users, counters for
// message outcomes, vetoes and collaborator calls, and a send latency
// histogram.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes recorded in MessagesTotal.
const (
	OutcomeDelivered = "delivered"
	OutcomeVetoed    = "vetoed"
	OutcomeFailed    = "failed"
)

// Collaborator call results recorded in ExternalCalls.
const (
	ResultOK      = "ok"
	ResultDenied  = "denied"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

var (
	// ConnectionsActive tracks the current number of live connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchchat_connections_active",
		Help: "Current number of live real-time connections",
	})

	// OnlineUsers tracks users with at least one live connection on this
	// instance.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchchat_online_users",
		Help: "Users with at least one live connection",
	})

	// MessagesTotal counts send attempts by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchchat_messages_total",
		Help: "Message send attempts by outcome",
	}, []string{"outcome"}) // outcome = "delivered", "vetoed", "failed"

	// VetoesTotal counts rejected sends by reason code.
	VetoesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchchat_vetoes_total",
		Help: "Rejected message sends by reason code",
	}, []string{"reason"})

	// SendLatency records the time spent in the send pipeline.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchchat_send_latency_seconds",
		Help:    "Message send pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 3},
	})

	// ExternalCalls counts calls to the match and block-list services.
	ExternalCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchchat_external_calls_total",
		Help: "Calls to external collaborators by service and result",
	}, []string{"service", "result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		OnlineUsers,
		MessagesTotal,
		VetoesTotal,
		SendLatency,
		ExternalCalls,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
