package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the process-wide counters. One instance is created
// at startup and shared by the server, the gate, the sandbox manager,
// and the proxy.
type Metrics struct {
	registry *prometheus.Registry

	GateDecisions  *prometheus.CounterVec
	ProxyRequests  *prometheus.CounterVec
	AgentTurns     prometheus.Counter
	ActiveSessions prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carapace_gate_decisions_total",
			Help: "Tool call verdicts by outcome.",
		}, []string{"verdict"}),
		ProxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carapace_proxy_requests_total",
			Help: "Egress proxy requests by outcome.",
		}, []string{"outcome"}),
		AgentTurns: factory.NewCounter(prometheus.CounterOpts{
			Name: "carapace_agent_turns_total",
			Help: "Completed agent turns.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carapace_active_sessions",
			Help: "Sessions with a live sandbox container.",
		}),
	}
}

// GateDecision counts one security gate verdict.
func (m *Metrics) GateDecision(verdict string) {
	m.GateDecisions.WithLabelValues(verdict).Inc()
}

// Handler serves the scrape endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
