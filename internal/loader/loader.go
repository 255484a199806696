// Package loader turns stored provider configuration into constructed,
// uninitialized adapters.
package loader

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nulzo/provider-gateway/internal/config"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/nulzo/provider-gateway/internal/store"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"

	// adapters register their factories on import
	_ "github.com/nulzo/provider-gateway/internal/llm/anthropic"
	_ "github.com/nulzo/provider-gateway/internal/llm/google"
	_ "github.com/nulzo/provider-gateway/internal/llm/mistral"
	_ "github.com/nulzo/provider-gateway/internal/llm/ollama"
	_ "github.com/nulzo/provider-gateway/internal/llm/openai"
	_ "github.com/nulzo/provider-gateway/internal/llm/openrouter"
)

type Loader struct {
	repo store.ProviderRepository
	log  *zap.Logger
}

func New(repo store.ProviderRepository, log *zap.Logger) *Loader {
	return &Loader{
		repo: repo,
		log:  logger.OrDefault(log).Named("loader"),
	}
}

// Loaded is the outcome of a best-effort batch load.
type Loaded struct {
	Providers []llm.Provider
	// DefaultID is the stored default, or "" if none of the loaded
	// providers is marked default.
	DefaultID string
	Failed    map[string]error
}

// Build constructs an adapter from a free-form settings map without touching
// storage.
func Build(id string, providerType llm.ProviderType, settings map[string]any) (llm.Provider, error) {
	if _, err := llm.Get(providerType); err != nil {
		return nil, err
	}
	cfg, err := llm.DecodeConfig(id, providerType, settings)
	if err != nil {
		return nil, err
	}
	return llm.New(cfg)
}

// ValidateConfig runs construction-time validation only.
func ValidateConfig(providerType llm.ProviderType, settings map[string]any) error {
	id, _ := settings["id"].(string)
	if id == "" {
		id = "validation"
	}
	_, err := Build(id, providerType, settings)
	return err
}

// LoadProvider builds the stored provider id. The result is not initialized.
func (l *Loader) LoadProvider(ctx context.Context, id string) (llm.Provider, error) {
	meta, err := l.repo.GetMetadata(ctx, id)
	if err != nil {
		return nil, StoreError(id, err)
	}
	settings, err := l.repo.GetConfig(ctx, id)
	if err != nil {
		return nil, StoreError(id, err)
	}
	return Build(id, llm.ProviderType(meta.Type), settings)
}

// ReloadProvider builds a fresh instance from current storage. Swapping it
// into the registry is the caller's job.
func (l *Loader) ReloadProvider(ctx context.Context, id string) (llm.Provider, error) {
	return l.LoadProvider(ctx, id)
}

// LoadAllProviders builds every stored provider of userID. Individual
// failures are logged and skipped; only a failure to list aborts.
func (l *Loader) LoadAllProviders(ctx context.Context, userID string) (*Loaded, error) {
	metas, err := l.repo.List(ctx, userID)
	if err != nil {
		return nil, api.InternalError("failed to list stored providers", err)
	}

	out := &Loaded{Failed: make(map[string]error)}
	for _, meta := range metas {
		p, err := l.LoadProvider(ctx, meta.ID)
		if err != nil {
			out.Failed[meta.ID] = err
			l.log.Warn("skipping provider",
				zap.String("provider", meta.ID),
				zap.String("type", meta.Type),
				zap.Error(err))
			continue
		}
		out.Providers = append(out.Providers, p)
		if meta.IsDefault {
			out.DefaultID = meta.ID
		}
	}

	l.log.Info("providers loaded",
		zap.String("user", userID),
		zap.Int("loaded", len(out.Providers)),
		zap.Int("failed", len(out.Failed)))
	return out, nil
}

// Seed persists config-file providers that are not stored yet and returns
// how many were added. Entries are validated before they are written.
func (l *Loader) Seed(ctx context.Context, providers []config.ProviderConfig, userID string) (int, error) {
	added := 0
	for _, pc := range providers {
		if pc.ID == "" {
			return added, api.ConfigurationError("provider entry without id")
		}
		if _, err := l.repo.GetMetadata(ctx, pc.ID); err == nil {
			l.log.Debug("provider already stored", zap.String("provider", pc.ID))
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return added, StoreError(pc.ID, err)
		}

		if err := ValidateConfig(llm.ProviderType(pc.Type), withID(pc)); err != nil {
			return added, fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		if err := l.repo.Add(ctx, pc.ID, pc.Type, pc.Settings, pc.Default, userID); err != nil {
			return added, StoreError(pc.ID, err)
		}
		added++
		l.log.Info("provider seeded", zap.String("provider", pc.ID), zap.String("type", pc.Type))
	}
	return added, nil
}

func withID(pc config.ProviderConfig) map[string]any {
	out := make(map[string]any, len(pc.Settings)+1)
	for k, v := range pc.Settings {
		out[k] = v
	}
	out["id"] = pc.ID
	return out
}

// StoreError maps a credential store failure to a Problem.
func StoreError(id string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return api.ProviderNotFoundError(id)
	case errors.Is(err, store.ErrDuplicate):
		return api.NewError(http.StatusConflict, api.KindConfiguration, "Provider Exists",
			fmt.Sprintf("provider '%s' is already stored", id), api.WithProvider(id))
	}
	return api.InternalError(fmt.Sprintf("credential store failure for provider '%s'", id), err)
}
