package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulzo/provider-gateway/pkg/api"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("p", "m", "ok", false, time.Second)
		m.ObserveUsage("p", 1, 2, 0.1)
		m.SetHealth(api.HealthCheck{ProviderID: "p"})
		m.RouteDecision(api.StrategyDefault, "p")
		m.BudgetCheck("allowed")
		m.LogDropped()
		m.ForgetProvider("p")
	})
}

func TestCounters(t *testing.T) {
	m := New(nil)

	m.ObserveRequest("openai", "gpt-4o", "ok", true, 150*time.Millisecond)
	m.ObserveRequest("openai", "gpt-4o", "ok", false, time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("openai", "gpt-4o", "ok")))

	m.ObserveUsage("openai", 10, 5, 0)
	m.ObserveUsage("openai", 10, 5, 0.25)
	assert.Equal(t, 20.0, testutil.ToFloat64(m.tokens.WithLabelValues("openai", "prompt")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.cost.WithLabelValues("openai")))

	m.RouteDecision(api.StrategyRoundRobin, "a")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routes.WithLabelValues("round_robin", "a")))
}

func TestHealthGauge(t *testing.T) {
	m := New(nil)

	m.SetHealth(api.HealthCheck{ProviderID: "a", Status: api.HealthUnhealthy, ConsecutiveFailures: 3})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.health.WithLabelValues("a")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.failures.WithLabelValues("a")))

	m.SetHealth(api.HealthCheck{ProviderID: "a", Status: api.HealthHealthy})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.health.WithLabelValues("a")))

	m.ForgetProvider("a")
	assert.Equal(t, 0, testutil.CollectAndCount(m.health))
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.BudgetCheck("denied")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gateway_budget_checks_total{result="denied"} 1`)
}
