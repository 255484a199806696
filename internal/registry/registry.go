// Package registry holds the live provider instances and the default id.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
)

// Registry maps provider ids to initialized adapters. Whenever it is
// non-empty exactly one id is the default; when the default is removed the
// oldest remaining provider (by registration order) takes over.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]llm.Provider
	order     []string
	defaultID string
	log       *zap.Logger
}

func New(log *zap.Logger) *Registry {
	return &Registry{
		providers: make(map[string]llm.Provider),
		log:       logger.OrDefault(log).Named("registry"),
	}
}

func duplicateError(id string) error {
	return api.NewError(http.StatusConflict, api.KindConfiguration, "Provider Exists",
		fmt.Sprintf("provider '%s' is already registered", id), api.WithProvider(id))
}

// Register initializes p and stores it. Nothing is stored if initialization
// fails or the id is taken. The first provider becomes the default.
func (r *Registry) Register(ctx context.Context, p llm.Provider, setAsDefault bool) error {
	id := p.ID()

	r.mu.RLock()
	_, exists := r.providers[id]
	r.mu.RUnlock()
	if exists {
		return duplicateError(id)
	}

	if err := p.Initialize(ctx); err != nil {
		return api.Wrap(err, id, "")
	}

	r.mu.Lock()
	if _, exists := r.providers[id]; exists {
		r.mu.Unlock()
		// lost a race with a concurrent Register of the same id
		_ = p.Cleanup(ctx)
		return duplicateError(id)
	}
	r.providers[id] = p
	r.order = append(r.order, id)
	if setAsDefault || r.defaultID == "" {
		r.defaultID = id
	}
	isDefault := r.defaultID == id
	r.mu.Unlock()

	r.log.Info("provider registered",
		zap.String("provider", id),
		zap.String("type", string(p.Type())),
		zap.Bool("default", isDefault))
	return nil
}

// Unregister removes the provider and then cleans it up. The provider is
// removed even if cleanup fails; that failure is returned alongside it.
func (r *Registry) Unregister(ctx context.Context, id string) (llm.Provider, error) {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return nil, api.ProviderNotFoundError(id)
	}
	delete(r.providers, id)
	r.order = remove(r.order, id)
	if r.defaultID == id {
		r.defaultID = ""
		if len(r.order) > 0 {
			r.defaultID = r.order[0]
		}
	}
	newDefault := r.defaultID
	r.mu.Unlock()

	r.log.Info("provider unregistered", zap.String("provider", id), zap.String("default", newDefault))

	if err := p.Cleanup(ctx); err != nil {
		r.log.Warn("provider cleanup failed", zap.String("provider", id), zap.Error(err))
		return p, api.Wrap(err, id, "")
	}
	return p, nil
}

// Replace swaps the instance registered under p.ID() for p, keeping its
// position and default status. p is initialized first; the old instance is
// cleaned up after the swap and returned.
func (r *Registry) Replace(ctx context.Context, p llm.Provider) (llm.Provider, error) {
	id := p.ID()

	r.mu.RLock()
	_, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, api.ProviderNotFoundError(id)
	}

	if err := p.Initialize(ctx); err != nil {
		return nil, api.Wrap(err, id, "")
	}

	r.mu.Lock()
	old, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		_ = p.Cleanup(ctx)
		return nil, api.ProviderNotFoundError(id)
	}
	r.providers[id] = p
	r.mu.Unlock()

	if err := old.Cleanup(ctx); err != nil {
		r.log.Warn("replaced provider cleanup failed", zap.String("provider", id), zap.Error(err))
	}
	r.log.Info("provider replaced", zap.String("provider", id))
	return old, nil
}

// Get returns the provider for id; an empty id resolves to the default.
func (r *Registry) Get(id string) (llm.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaultID
	}
	p, ok := r.providers[id]
	return p, ok
}

func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return api.ProviderNotFoundError(id)
	}
	r.defaultID = id
	return nil
}

// Default returns the default id, or "" when the registry is empty.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// List returns the providers in registration order.
func (r *Registry) List() []llm.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Clear removes and cleans up every provider, tolerating individual
// failures, and returns how many were removed.
func (r *Registry) Clear(ctx context.Context) int {
	r.mu.Lock()
	providers := make([]llm.Provider, 0, len(r.order))
	for _, id := range r.order {
		providers = append(providers, r.providers[id])
	}
	r.providers = make(map[string]llm.Provider)
	r.order = nil
	r.defaultID = ""
	r.mu.Unlock()

	for _, p := range providers {
		if err := p.Cleanup(ctx); err != nil {
			r.log.Warn("provider cleanup failed", zap.String("provider", p.ID()), zap.Error(err))
		}
	}
	if len(providers) > 0 {
		r.log.Info("registry cleared", zap.Int("count", len(providers)))
	}
	return len(providers)
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
