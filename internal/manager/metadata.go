package manager

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nulzo/provider-gateway/internal/cost"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ListModels returns one provider's models, or with an empty id the models
// of every registered provider. In the aggregate case a failing provider is
// logged and left out.
func (m *Manager) ListModels(ctx context.Context, providerID string) ([]api.ModelInfo, error) {
	if providerID != "" {
		p, err := m.provider(providerID)
		if err != nil {
			return nil, err
		}
		models, err := p.ListModels(ctx)
		if err != nil {
			return nil, api.Wrap(err, p.ID(), "")
		}
		return tagModels(models, p.ID()), nil
	}

	var (
		mu  sync.Mutex
		all []api.ModelInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range m.registry.List() {
		g.Go(func() error {
			models, err := p.ListModels(gctx)
			if err != nil {
				m.log.Warn("failed to list models", zap.String("provider", p.ID()), zap.Error(err))
				return nil
			}
			mu.Lock()
			all = append(all, tagModels(models, p.ID())...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Provider != all[j].Provider {
			return all[i].Provider < all[j].Provider
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

func tagModels(models []api.ModelInfo, providerID string) []api.ModelInfo {
	for i := range models {
		if models[i].Provider == "" {
			models[i].Provider = providerID
		}
	}
	return models
}

// provider resolves id, with "" meaning the default provider.
func (m *Manager) provider(id string) (llm.Provider, error) {
	p, ok := m.registry.Get(id)
	if ok {
		return p, nil
	}
	if id == "" {
		return nil, api.NoDefaultProviderError()
	}
	return nil, api.ProviderNotFoundError(id)
}

func (m *Manager) GetUsage(ctx context.Context, providerID string, q api.UsageQuery) (*api.Report, error) {
	p, err := m.provider(providerID)
	if err != nil {
		return nil, err
	}
	r, ok := p.(llm.UsageReporter)
	if !ok || !p.Capabilities().Has(llm.CapUsageReport) {
		return nil, api.NotSupportedError(p.ID(), "usage reporting")
	}
	rep, err := r.GetUsage(ctx, q)
	return rep, api.Wrap(err, p.ID(), "")
}

func (m *Manager) GetCosts(ctx context.Context, providerID string, q api.UsageQuery) (*api.Report, error) {
	p, err := m.provider(providerID)
	if err != nil {
		return nil, err
	}
	r, ok := p.(llm.CostReporter)
	if !ok || !p.Capabilities().Has(llm.CapCostReport) {
		return nil, api.NotSupportedError(p.ID(), "cost reporting")
	}
	rep, err := r.GetCosts(ctx, q)
	return rep, api.Wrap(err, p.ID(), "")
}

func (m *Manager) GetWorkspaces(ctx context.Context, providerID string) (*api.Report, error) {
	p, err := m.provider(providerID)
	if err != nil {
		return nil, err
	}
	r, ok := p.(llm.WorkspaceLister)
	if !ok || !p.Capabilities().Has(llm.CapWorkspaces) {
		return nil, api.NotSupportedError(p.ID(), "workspaces")
	}
	rep, err := r.GetWorkspaces(ctx)
	return rep, api.Wrap(err, p.ID(), "")
}

// MetadataCapabilities says which vendor reports a provider can serve.
type MetadataCapabilities struct {
	ProviderID string `json:"provider_id"`
	Usage      bool   `json:"usage"`
	Costs      bool   `json:"costs"`
	Workspaces bool   `json:"workspaces"`
	Credits    bool   `json:"credits"`
}

func (m *Manager) GetMetadataCapabilities(providerID string) (*MetadataCapabilities, error) {
	p, err := m.provider(providerID)
	if err != nil {
		return nil, err
	}
	caps := p.Capabilities()
	_, usage := p.(llm.UsageReporter)
	_, costs := p.(llm.CostReporter)
	_, workspaces := p.(llm.WorkspaceLister)
	return &MetadataCapabilities{
		ProviderID: p.ID(),
		Usage:      usage && caps.Has(llm.CapUsageReport),
		Costs:      costs && caps.Has(llm.CapCostReport),
		Workspaces: workspaces && caps.Has(llm.CapWorkspaces),
		Credits:    caps.Has(llm.CapCredits),
	}, nil
}

// HealthStatus returns the last probe result for every registered provider.
// Providers never probed are reported as unknown.
func (m *Manager) HealthStatus() map[string]api.HealthCheck {
	out := make(map[string]api.HealthCheck)
	for _, id := range m.registry.IDs() {
		if m.health == nil {
			out[id] = api.HealthCheck{ProviderID: id, Status: api.HealthUnknown}
			continue
		}
		out[id] = m.health.Status(id)
	}
	return out
}

func (m *Manager) ProviderHealth(providerID string) (api.HealthCheck, error) {
	p, err := m.provider(providerID)
	if err != nil {
		return api.HealthCheck{}, err
	}
	if m.health == nil {
		return api.HealthCheck{ProviderID: p.ID(), Status: api.HealthUnknown}, nil
	}
	return m.health.Status(p.ID()), nil
}

// ForceHealthCheck probes one provider now, or all of them when id is empty.
func (m *Manager) ForceHealthCheck(ctx context.Context, providerID string) (map[string]api.HealthCheck, error) {
	if m.health == nil {
		return nil, api.NewError(http.StatusServiceUnavailable, api.KindConfiguration, "Health Monitor Disabled",
			"health monitoring is not configured")
	}
	if providerID == "" {
		return m.health.CheckAll(ctx), nil
	}
	hc, err := m.health.ForceCheck(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return map[string]api.HealthCheck{providerID: hc}, nil
}

func (m *Manager) costTracker() (*cost.Tracker, error) {
	if m.costs == nil {
		return nil, api.NewError(http.StatusServiceUnavailable, api.KindConfiguration, "Cost Tracking Disabled",
			"cost tracking is not configured")
	}
	return m.costs, nil
}

// CostSummary aggregates a user's spend for the day containing at, or for
// the month when period is monthly.
func (m *Manager) CostSummary(ctx context.Context, userID string, period api.BudgetPeriod, at time.Time) (*api.CostSummary, error) {
	t, err := m.costTracker()
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = m.UserID()
	}
	switch period {
	case api.PeriodMonthly:
		return t.GetMonthlySummary(ctx, userID, at)
	case api.PeriodTotal:
		total, err := t.GetTotal(ctx, userID)
		if err != nil {
			return nil, api.InternalError("failed to read running total", err)
		}
		return &api.CostSummary{UserID: userID, Period: api.PeriodTotal, Bucket: "all", TotalCost: total}, nil
	default:
		return t.GetSummary(ctx, userID, at)
	}
}

func (m *Manager) RecentCosts(ctx context.Context, userID string, limit int) ([]api.CostRecord, error) {
	t, err := m.costTracker()
	if err != nil {
		return nil, err
	}
	return t.RecentRecords(ctx, userID, limit)
}

func (m *Manager) SetBudget(userID string, b api.Budget) error {
	t, err := m.costTracker()
	if err != nil {
		return err
	}
	return t.SetBudget(userID, b)
}

func (m *Manager) BudgetStatus(ctx context.Context, userID string) (*cost.BudgetStatus, error) {
	t, err := m.costTracker()
	if err != nil {
		return nil, err
	}
	return t.BudgetStatus(ctx, userID)
}
