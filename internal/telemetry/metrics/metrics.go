// Package metrics holds the prometheus collectors for the gateway. All
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/nulzo/provider-gateway/pkg/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics is the set of collectors registered on one prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
	cost         *prometheus.CounterVec
	health       *prometheus.GaugeVec
	failures     *prometheus.GaugeVec
	probeLatency *prometheus.HistogramVec
	routes       *prometheus.CounterVec
	budget       *prometheus.CounterVec
	dropped      prometheus.Counter
}

// New registers the collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Generation requests by provider, model and outcome kind.",
		}, []string{"provider", "model", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Generation latency including streaming time.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "streamed"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by backends.",
		}, []string{"provider", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Recorded spend in USD.",
		}, []string{"provider"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health",
			Help:      "Provider health (1 healthy, 0.5 degraded, 0 unhealthy, -1 unknown).",
		}, []string{"provider"}),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_consecutive_failures",
			Help:      "Consecutive failed health probes.",
		}, []string{"provider"}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Health probe latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_decisions_total",
			Help:      "Router selections by strategy.",
		}, []string{"strategy", "provider"}),
		budget: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_checks_total",
			Help:      "Budget checks by result (allowed, alert, denied, fail_open).",
		}, []string{"result"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_logs_dropped_total",
			Help:      "Request logs dropped because the ingest buffer was full.",
		}),
	}

	reg.MustRegister(m.requests, m.latency, m.tokens, m.cost, m.health,
		m.failures, m.probeLatency, m.routes, m.budget, m.dropped)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(provider, model, status string, streamed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(provider, model, status).Inc()
	s := "false"
	if streamed {
		s = "true"
	}
	m.latency.WithLabelValues(provider, s).Observe(d.Seconds())
}

func (m *Metrics) ObserveUsage(provider string, promptTokens, completionTokens int, cost float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	m.tokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	if cost > 0 {
		m.cost.WithLabelValues(provider).Add(cost)
	}
}

func (m *Metrics) SetHealth(c api.HealthCheck) {
	if m == nil {
		return
	}
	v := -1.0
	switch c.Status {
	case api.HealthHealthy:
		v = 1
	case api.HealthDegraded:
		v = 0.5
	case api.HealthUnhealthy:
		v = 0
	}
	m.health.WithLabelValues(c.ProviderID).Set(v)
	m.failures.WithLabelValues(c.ProviderID).Set(float64(c.ConsecutiveFailures))
	m.probeLatency.WithLabelValues(c.ProviderID).Observe(c.Latency.Seconds())
}

// ForgetProvider removes the per-provider health series.
func (m *Metrics) ForgetProvider(provider string) {
	if m == nil {
		return
	}
	m.health.DeleteLabelValues(provider)
	m.failures.DeleteLabelValues(provider)
	m.probeLatency.DeleteLabelValues(provider)
}

func (m *Metrics) RouteDecision(strategy api.RoutingStrategy, provider string) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(string(strategy), provider).Inc()
}

func (m *Metrics) BudgetCheck(result string) {
	if m == nil {
		return
	}
	m.budget.WithLabelValues(result).Inc()
}

func (m *Metrics) LogDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
