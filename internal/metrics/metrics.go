// Package metrics exposes Prometheus counters for the audit hot path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's counters. A nil *Metrics is a no-op, so wiring
// stays optional in tests.
type Metrics struct {
	registry         *prometheus.Registry
	interactions     *prometheus.CounterVec
	ledgerFailures   prometheus.Counter
	upstreamFailures *prometheus.CounterVec
	interceptLatency *prometheus.HistogramVec
}

// New builds and registers the counter set on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		interactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentguard",
			Name:      "interactions_total",
			Help:      "Audited interactions by provider and risk tier",
		}, []string{"provider", "risk_tier"}),
		ledgerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentguard",
			Name:      "ledger_append_failures_total",
			Help:      "Audit records that could not be appended",
		}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentguard",
			Name:      "upstream_failures_total",
			Help:      "Upstream calls ending without a usable response",
		}, []string{"provider", "status"}),
		interceptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentguard",
			Name:      "interception_duration_seconds",
			Help:      "Wall time from request receipt to record append",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	m.registry.MustRegister(m.interactions, m.ledgerFailures, m.upstreamFailures, m.interceptLatency)
	return m
}

func (m *Metrics) ObserveInteraction(provider, riskTier string) {
	if m == nil {
		return
	}
	m.interactions.WithLabelValues(provider, riskTier).Inc()
}

func (m *Metrics) ObserveLedgerFailure() {
	if m == nil {
		return
	}
	m.ledgerFailures.Inc()
}

func (m *Metrics) ObserveUpstreamFailure(provider, status string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) ObserveLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.interceptLatency.WithLabelValues(provider).Observe(seconds)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
