// Package store defines the persistence contracts for provider credentials
// and request logs.
package store

import (
	"context"
	"errors"

	"github.com/nulzo/provider-gateway/internal/store/model"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: already exists")
)

// Repository is the main contract for the data layer.
type Repository interface {
	Providers() ProviderRepository
	Requests() RequestRepository

	WithTx(ctx context.Context, fn func(repo Repository) error) error
	Ping(ctx context.Context) error
	Close() error
}

// ProviderRepository stores one JSON config blob per provider id. At most one
// provider per user is marked default.
type ProviderRepository interface {
	Add(ctx context.Context, id, providerType string, config map[string]any, isDefault bool, userID string) error
	GetConfig(ctx context.Context, id string) (map[string]any, error)
	GetMetadata(ctx context.Context, id string) (*model.ProviderMetadata, error)
	// List returns the user's providers oldest first; an empty userID lists
	// every provider.
	List(ctx context.Context, userID string) ([]model.ProviderMetadata, error)
	// Update replaces the config and/or the default flag; nil leaves a field
	// unchanged.
	Update(ctx context.Context, id string, config map[string]any, isDefault *bool) error
	Delete(ctx context.Context, id string) error
}

type RequestRepository interface {
	Log(ctx context.Context, log *model.RequestLog) error
	// GetRecent returns the last N logs for a user.
	GetRecent(ctx context.Context, userID string, limit int) ([]model.RequestLog, error)
	// GetDailyStats returns aggregated stats grouped by day.
	GetDailyStats(ctx context.Context, days int) ([]model.DailyStats, error)
}
