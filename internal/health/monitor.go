// Package health probes registered providers in the background and tracks
// consecutive failures per provider.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/nulzo/provider-gateway/internal/telemetry/metrics"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source is the set of providers to probe.
type Source interface {
	Get(id string) (llm.Provider, bool)
	List() []llm.Provider
}

type Options struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	// AutoDisable only logs when a provider crosses the threshold. The
	// provider stays registered and routable; callers gate on IsHealthy.
	AutoDisable bool
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	return o
}

var errCredentialsRejected = errors.New("credentials rejected")

type Monitor struct {
	src     Source
	opts    Options
	metrics *metrics.Metrics
	log     *zap.Logger

	mu     sync.RWMutex
	checks map[string]api.HealthCheck

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(src Source, opts Options, m *metrics.Metrics, log *zap.Logger) *Monitor {
	return &Monitor{
		src:     src,
		opts:    opts.withDefaults(),
		metrics: m,
		log:     logger.OrDefault(log).Named("health"),
		checks:  make(map[string]api.HealthCheck),
	}
}

func (m *Monitor) Options() Options { return m.opts }

// Start launches the probe loop. The first round runs immediately. Calling
// Start on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)

	m.log.Info("health monitor started",
		zap.Duration("interval", m.opts.Interval),
		zap.Int("failure_threshold", m.opts.FailureThreshold))
}

// Stop cancels the loop and waits for the current round to finish.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
	m.log.Info("health monitor stopped")
}

func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered provider concurrently and drops state
// for providers that are no longer registered.
func (m *Monitor) CheckAll(ctx context.Context) map[string]api.HealthCheck {
	providers := m.src.List()
	results := make(map[string]api.HealthCheck, len(providers))
	var resMu sync.Mutex

	var g errgroup.Group
	for _, p := range providers {
		g.Go(func() error {
			c := m.probe(ctx, p)
			resMu.Lock()
			results[p.ID()] = c
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.prune(providers)
	return results
}

// ForceCheck probes one provider outside the schedule.
func (m *Monitor) ForceCheck(ctx context.Context, id string) (api.HealthCheck, error) {
	p, ok := m.src.Get(id)
	if !ok || id == "" {
		return api.HealthCheck{}, api.ProviderNotFoundError(id)
	}
	return m.probe(ctx, p), nil
}

// Status returns the latest check, or an unknown one if the provider was
// never probed.
func (m *Monitor) Status(id string) api.HealthCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.checks[id]; ok {
		return c
	}
	return api.HealthCheck{ProviderID: id, Status: api.HealthUnknown}
}

// IsHealthy is false only for providers at or over the failure threshold.
func (m *Monitor) IsHealthy(id string) bool {
	return m.Status(id).Status != api.HealthUnhealthy
}

func (m *Monitor) Snapshot() map[string]api.HealthCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]api.HealthCheck, len(m.checks))
	for id, c := range m.checks {
		out[id] = c
	}
	return out
}

// Forget drops the state of a provider.
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	delete(m.checks, id)
	m.mu.Unlock()
	m.metrics.ForgetProvider(id)
}

// probe runs ValidateCredentials under the probe timeout. The call runs in
// its own goroutine so an adapter that ignores ctx cannot stall the round.
func (m *Monitor) probe(ctx context.Context, p llm.Provider) api.HealthCheck {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	type outcome struct {
		ok  bool
		err error
	}
	res := make(chan outcome, 1)
	start := time.Now()
	go func() {
		ok, err := p.ValidateCredentials(pctx)
		res <- outcome{ok, err}
	}()

	var err error
	select {
	case o := <-res:
		err = o.err
		if err == nil && !o.ok {
			err = errCredentialsRejected
		}
	case <-pctx.Done():
		err = api.TransportError(p.ID(), fmt.Errorf("health probe: %w", pctx.Err()))
	}

	// a round cut short by Stop or a caller says nothing about the backend
	if ctx.Err() != nil {
		return m.Status(p.ID())
	}
	return m.record(p.ID(), time.Since(start), err)
}

func (m *Monitor) record(id string, latency time.Duration, err error) api.HealthCheck {
	m.mu.Lock()
	c := m.checks[id]
	c.ProviderID = id
	c.CheckedAt = time.Now().UTC()
	c.Latency = latency
	if err == nil {
		c.ConsecutiveFailures = 0
		c.Status = api.HealthHealthy
		c.Error = ""
	} else {
		c.ConsecutiveFailures++
		c.Error = err.Error()
		if c.ConsecutiveFailures >= m.opts.FailureThreshold {
			c.Status = api.HealthUnhealthy
		} else {
			c.Status = api.HealthDegraded
		}
	}
	prev := m.checks[id]
	m.checks[id] = c
	m.mu.Unlock()

	m.metrics.SetHealth(c)

	switch {
	case err == nil && prev.ConsecutiveFailures > 0:
		m.log.Info("provider recovered",
			zap.String("provider", id),
			zap.Int("previous_failures", prev.ConsecutiveFailures))
	case err != nil && c.ConsecutiveFailures == m.opts.FailureThreshold:
		m.log.Warn("provider marked unhealthy",
			zap.String("provider", id),
			zap.Int("consecutive_failures", c.ConsecutiveFailures),
			zap.Error(err))
		if m.opts.AutoDisable {
			m.log.Warn("auto-disable requested; provider remains registered", zap.String("provider", id))
		}
	case err != nil:
		m.log.Debug("health probe failed",
			zap.String("provider", id),
			zap.Int("consecutive_failures", c.ConsecutiveFailures),
			zap.Error(err))
	}
	return c
}

func (m *Monitor) prune(current []llm.Provider) {
	live := make(map[string]struct{}, len(current))
	for _, p := range current {
		live[p.ID()] = struct{}{}
	}

	var gone []string
	m.mu.Lock()
	for id := range m.checks {
		if _, ok := live[id]; !ok {
			delete(m.checks, id)
			gone = append(gone, id)
		}
	}
	m.mu.Unlock()

	for _, id := range gone {
		m.metrics.ForgetProvider(id)
	}
}
