// Package manager is the façade the HTTP layer talks to. It ties the
// registry, router, health monitor, cost tracker, loader and credential
// store together.
package manager

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/nulzo/provider-gateway/internal/analytics"
	"github.com/nulzo/provider-gateway/internal/cost"
	"github.com/nulzo/provider-gateway/internal/health"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/loader"
	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/nulzo/provider-gateway/internal/registry"
	"github.com/nulzo/provider-gateway/internal/router"
	"github.com/nulzo/provider-gateway/internal/store"
	"github.com/nulzo/provider-gateway/internal/telemetry/metrics"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
)

// Options wires the collaborators. Registry is required; the rest are
// optional and the matching features switch off when nil.
type Options struct {
	Registry *registry.Registry
	Router   *router.Router
	Health   *health.Monitor
	Costs    *cost.Tracker
	Loader   *loader.Loader
	Store    store.ProviderRepository
	Ingestor analytics.Ingestor
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Manager struct {
	registry *registry.Registry
	router   *router.Router
	health   *health.Monitor
	costs    *cost.Tracker
	loader   *loader.Loader
	store    store.ProviderRepository
	ingestor analytics.Ingestor
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu          sync.Mutex
	initialized bool
	userID      string
}

func New(opts Options) *Manager {
	log := logger.OrDefault(opts.Logger).Named("manager")
	reg := opts.Registry
	if reg == nil {
		reg = registry.New(log)
	}
	rt := opts.Router
	if rt == nil {
		rt = router.New(reg, opts.Metrics, log)
	}
	return &Manager{
		registry: reg,
		router:   rt,
		health:   opts.Health,
		costs:    opts.Costs,
		loader:   opts.Loader,
		store:    opts.Store,
		ingestor: opts.Ingestor,
		metrics:  opts.Metrics,
		log:      log,
		userID:   cost.AnonymousUser,
	}
}

// Initialize loads the user's stored providers, registers them and starts
// the background workers. Provider failures are logged and skipped. A
// second call does nothing.
func (m *Manager) Initialize(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	if userID != "" {
		m.userID = userID
	}

	if m.loader != nil {
		loaded, err := m.loader.LoadAllProviders(ctx, m.userID)
		if err != nil {
			return err
		}
		for _, p := range loaded.Providers {
			if err := m.registry.Register(ctx, p, p.ID() == loaded.DefaultID); err != nil {
				m.log.Warn("provider failed to initialize",
					zap.String("provider", p.ID()), zap.Error(err))
			}
		}
	}

	// workers outlive the caller's context; Shutdown stops them
	bg := context.WithoutCancel(ctx)
	if m.ingestor != nil {
		m.ingestor.Start(bg)
	}
	if m.health != nil {
		m.health.Start(bg)
	}

	m.initialized = true
	m.log.Info("manager initialized",
		zap.String("user", m.userID),
		zap.Int("providers", m.registry.Len()),
		zap.String("default", m.registry.Default()))
	return nil
}

// Shutdown stops the health monitor, then cleans up every provider, then
// drains the request-log ingestor. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}

	if m.health != nil {
		m.health.Stop()
	}
	n := m.registry.Clear(ctx)
	if m.ingestor != nil {
		m.ingestor.Stop()
	}

	m.initialized = false
	m.log.Info("manager shut down", zap.Int("providers_cleaned", n))
	return nil
}

func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// UserID is the owner of the providers loaded at startup and the budget
// subject for requests without a user.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// AddProvider registers an already constructed adapter. It is not persisted.
func (m *Manager) AddProvider(ctx context.Context, p llm.Provider, setAsDefault bool) error {
	return m.registry.Register(ctx, p, setAsDefault)
}

// CreateProviderRequest describes a provider to construct and persist.
type CreateProviderRequest struct {
	ID        string         `json:"id" binding:"required"`
	Type      string         `json:"type" binding:"required"`
	Config    map[string]any `json:"config"`
	IsDefault bool           `json:"is_default"`
}

// CreateProvider validates and builds the adapter, persists it when a store
// is attached, and registers it. A failed registration removes the stored
// row again.
func (m *Manager) CreateProvider(ctx context.Context, req CreateProviderRequest) (*api.ProviderInfo, error) {
	if _, ok := m.registry.Get(req.ID); ok && req.ID != "" {
		return nil, api.NewError(http.StatusConflict, api.KindConfiguration, "Provider Exists",
			"provider '"+req.ID+"' is already registered", api.WithProvider(req.ID))
	}

	p, err := loader.Build(req.ID, llm.ProviderType(req.Type), req.Config)
	if err != nil {
		return nil, err
	}

	if m.store != nil {
		if err := m.store.Add(ctx, req.ID, req.Type, req.Config, req.IsDefault, m.UserID()); err != nil {
			return nil, loader.StoreError(req.ID, err)
		}
	}

	if err := m.registry.Register(ctx, p, req.IsDefault); err != nil {
		if m.store != nil {
			if derr := m.store.Delete(ctx, req.ID); derr != nil {
				m.log.Error("failed to roll back stored provider", zap.String("provider", req.ID), zap.Error(derr))
			}
		}
		return nil, err
	}

	info := m.info(p)
	return &info, nil
}

// RemoveProvider unregisters and forgets the provider. A cleanup failure is
// logged; the provider is gone either way.
func (m *Manager) RemoveProvider(ctx context.Context, id string) error {
	_, err := m.registry.Unregister(ctx, id)
	if api.IsKind(err, api.KindProviderNotFound) {
		if m.store == nil {
			return err
		}
		// may still exist in storage only
		if serr := m.store.Delete(ctx, id); serr != nil {
			return loader.StoreError(id, serr)
		}
		return nil
	}
	if err != nil {
		m.log.Warn("provider cleanup failed during removal", zap.String("provider", id), zap.Error(err))
	}

	if m.health != nil {
		m.health.Forget(id)
	}
	if m.store != nil {
		if serr := m.store.Delete(ctx, id); serr != nil && !errors.Is(serr, store.ErrNotFound) {
			return loader.StoreError(id, serr)
		}
	}
	return nil
}

// UpdateProviderRequest changes a provider. Config keys overlay the current
// settings; nil fields are left alone.
type UpdateProviderRequest struct {
	Config    map[string]any `json:"config"`
	IsDefault *bool          `json:"is_default"`
}

// UpdateProvider validates the merged config, persists it, reloads the
// provider and swaps the new instance into the registry.
func (m *Manager) UpdateProvider(ctx context.Context, id string, req UpdateProviderRequest) (*api.ProviderInfo, error) {
	current, ok := m.registry.Get(id)
	if !ok || id == "" {
		return nil, api.ProviderNotFoundError(id)
	}

	if req.Config != nil {
		settings := current.Config().ToSettings()
		for k, v := range req.Config {
			settings[k] = v
		}

		next, err := loader.Build(id, current.Type(), settings)
		if err != nil {
			return nil, err
		}

		if m.store != nil {
			if err := m.store.Update(ctx, id, settings, nil); err != nil {
				return nil, loader.StoreError(id, err)
			}
			if m.loader != nil {
				if next, err = m.loader.ReloadProvider(ctx, id); err != nil {
					return nil, err
				}
			}
		}

		if _, err := m.registry.Replace(ctx, next); err != nil {
			return nil, err
		}
		if m.health != nil {
			m.health.Forget(id)
		}
	}

	if req.IsDefault != nil && *req.IsDefault {
		if err := m.SetDefaultProvider(ctx, id); err != nil {
			return nil, err
		}
	}

	p, ok := m.registry.Get(id)
	if !ok {
		return nil, api.ProviderNotFoundError(id)
	}
	info := m.info(p)
	return &info, nil
}

func (m *Manager) SetDefaultProvider(ctx context.Context, id string) error {
	if err := m.registry.SetDefault(id); err != nil {
		return err
	}
	if m.store != nil {
		yes := true
		if err := m.store.Update(ctx, id, nil, &yes); err != nil && !errors.Is(err, store.ErrNotFound) {
			return loader.StoreError(id, err)
		}
	}
	m.log.Info("default provider changed", zap.String("provider", id))
	return nil
}

// ValidateProviderConfig checks settings for a provider type without
// constructing anything that outlives the call.
func (m *Manager) ValidateProviderConfig(providerType string, settings map[string]any) error {
	return loader.ValidateConfig(llm.ProviderType(providerType), settings)
}

func (m *Manager) ListProviders() []api.ProviderInfo {
	providers := m.registry.List()
	out := make([]api.ProviderInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, m.info(p))
	}
	return out
}

func (m *Manager) GetProvider(id string) (*api.ProviderInfo, error) {
	p, ok := m.registry.Get(id)
	if !ok || id == "" {
		return nil, api.ProviderNotFoundError(id)
	}
	info := m.info(p)
	return &info, nil
}

func (m *Manager) info(p llm.Provider) api.ProviderInfo {
	status := api.HealthUnknown
	if m.health != nil {
		status = m.health.Status(p.ID()).Status
	}
	return api.ProviderInfo{
		ID:           p.ID(),
		Type:         string(p.Type()),
		Name:         p.Config().DisplayName(),
		IsDefault:    m.registry.Default() == p.ID(),
		Initialized:  p.Initialized(),
		Health:       status,
		Capabilities: p.Capabilities().Names(),
	}
}
