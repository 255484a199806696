package llm

import (
	"context"
	"sync"

	"github.com/nulzo/provider-gateway/internal/httpclient"
	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
)

// Base carries the lifecycle shared by every adapter: the immutable config,
// the capability set and the pooled HTTP clients that exist only between
// Initialize and Cleanup.
type Base struct {
	cfg  Config
	caps Capabilities
	log  *zap.Logger

	mu          sync.RWMutex
	initialized bool
	pool        *httpclient.Pool
}

func NewBase(cfg Config, caps Capabilities, log *zap.Logger) *Base {
	return &Base{
		cfg:  cfg.Clone(),
		caps: caps,
		log:  logger.OrDefault(log).With(zap.String("provider", cfg.ID), zap.String("type", string(cfg.Type))),
	}
}

func (b *Base) ID() string                 { return b.cfg.ID }
func (b *Base) Type() ProviderType         { return b.cfg.Type }
func (b *Base) Config() Config             { return b.cfg.Clone() }
func (b *Base) Capabilities() Capabilities { return b.caps }
func (b *Base) Logger() *zap.Logger        { return b.log }

func (b *Base) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// Initialize creates the connection pool. Calling it again is a no-op.
func (b *Base) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}

	b.pool = httpclient.NewPool(httpclient.PoolOptions{
		Timeout:           b.cfg.Timeout,
		MaxConnsPerHost:   b.cfg.MaxConnsPerHost,
		RequestsPerSecond: b.cfg.RequestsPerSecond,
	})
	b.initialized = true
	b.log.Debug("provider initialized")
	return nil
}

// Cleanup drains and closes the pool. Calling it again is a no-op.
func (b *Base) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	pool := b.pool
	wasInitialized := b.initialized
	b.pool = nil
	b.initialized = false
	b.mu.Unlock()

	if !wasInitialized {
		return nil
	}
	if pool != nil {
		pool.Close()
	}
	b.log.Debug("provider cleaned up")
	return nil
}

// Client returns the request/response client or a not_initialized error.
func (b *Base) Client() (httpclient.HTTPClient, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return nil, api.NotInitializedError(b.cfg.ID)
	}
	return b.pool.Client(), nil
}

// StreamClient returns the client for streaming bodies.
func (b *Base) StreamClient() (httpclient.HTTPClient, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return nil, api.NotInitializedError(b.cfg.ID)
	}
	return b.pool.StreamClient(), nil
}

// BaseURL returns the configured base URL or fallback, without a trailing slash.
func (b *Base) BaseURL(fallback string) string {
	u := b.cfg.BaseURL
	if u == "" {
		u = fallback
	}
	for len(u) > 0 && u[len(u)-1] == '/' {
		u = u[:len(u)-1]
	}
	return u
}

// MapError converts a transport or upstream failure into a Problem.
func (b *Base) MapError(err error, model string, refiners ...Refiner) error {
	return MapError(b.cfg.ID, err, model, refiners...)
}
