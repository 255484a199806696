// Package router picks the provider that serves a request.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/nulzo/provider-gateway/internal/telemetry/metrics"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
)

// Providers is the read side of the registry.
type Providers interface {
	Get(id string) (llm.Provider, bool)
	Default() string
	List() []llm.Provider
}

// Request describes one routing decision. An explicit ProviderID wins over
// the strategy.
type Request struct {
	ProviderID string
	Strategy   api.RoutingStrategy
	Model      string
	Types      []llm.ProviderType
	Chain      []string
}

// FromGenerate extracts the routing fields of a generation request.
func FromGenerate(req *api.GenerateRequest) Request {
	types := make([]llm.ProviderType, 0, len(req.ProviderTypes))
	for _, t := range req.ProviderTypes {
		types = append(types, llm.ProviderType(strings.ToLower(t)))
	}
	return Request{
		ProviderID: req.ProviderID,
		Strategy:   api.ParseStrategy(string(req.Strategy)),
		Model:      req.Model,
		Types:      types,
		Chain:      req.FallbackChain,
	}
}

// Router holds no provider state of its own apart from the round-robin
// cursors, which live per type-filter set and reset on restart.
type Router struct {
	providers Providers
	metrics   *metrics.Metrics
	log       *zap.Logger

	mu      sync.Mutex
	cursors map[string]uint64
}

func New(providers Providers, m *metrics.Metrics, log *zap.Logger) *Router {
	return &Router{
		providers: providers,
		metrics:   m,
		log:       logger.OrDefault(log).Named("router"),
		cursors:   make(map[string]uint64),
	}
}

func (r *Router) Route(req Request) (llm.Provider, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = api.StrategyDefault
	}
	if req.ProviderID != "" {
		strategy = api.StrategyExplicit
	}

	var (
		p   llm.Provider
		err error
	)
	switch strategy {
	case api.StrategyExplicit:
		p, err = r.explicit(req.ProviderID)
	case api.StrategyLeastCost:
		p, err = r.leastCost(req.Types)
	case api.StrategyRoundRobin:
		p, err = r.roundRobin(req.Types)
	case api.StrategyFastest:
		// no latency data is tracked yet
		r.log.Info("fastest routing not available, using default", zap.String("model", req.Model))
		p, err = r.defaultProvider()
	case api.StrategyFallbackChain:
		var chain []llm.Provider
		chain, err = r.Chain(req.Chain)
		if err == nil {
			p = chain[0]
		}
	default:
		p, err = r.defaultProvider()
	}
	if err != nil {
		return nil, err
	}

	r.metrics.RouteDecision(strategy, p.ID())
	return p, nil
}

// Chain resolves ids in order, skipping unknown ones. It fails only when
// nothing resolves.
func (r *Router) Chain(ids []string) ([]llm.Provider, error) {
	out := make([]llm.Provider, 0, len(ids))
	for _, id := range ids {
		p, ok := r.providers.Get(id)
		if !ok || id == "" {
			r.log.Debug("fallback chain entry not registered", zap.String("provider", id))
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, noMatch(fmt.Sprintf("none of the fallback chain %v is registered", ids))
	}
	return out, nil
}

func (r *Router) explicit(id string) (llm.Provider, error) {
	if p, ok := r.providers.Get(id); ok {
		return p, nil
	}
	def, ok := r.providers.Get("")
	if !ok {
		return nil, api.ProviderNotFoundError(id)
	}
	r.log.Warn("requested provider not registered, using default",
		zap.String("requested", id),
		zap.String("provider", def.ID()))
	return def, nil
}

func (r *Router) defaultProvider() (llm.Provider, error) {
	p, ok := r.providers.Get("")
	if !ok {
		return nil, api.NoDefaultProviderError()
	}
	return p, nil
}

// leastCost prefers a local provider, otherwise the first candidate. It does
// not compare prices.
func (r *Router) leastCost(types []llm.ProviderType) (llm.Provider, error) {
	candidates := r.filter(types)
	if len(candidates) == 0 {
		return nil, noMatch(filterDetail(types))
	}
	for _, p := range candidates {
		if p.Capabilities().Has(llm.CapLocal) {
			return p, nil
		}
	}
	return candidates[0], nil
}

func (r *Router) roundRobin(types []llm.ProviderType) (llm.Provider, error) {
	candidates := r.filter(types)
	if len(candidates) == 0 {
		return nil, noMatch(filterDetail(types))
	}

	key := filterKey(types)
	r.mu.Lock()
	n := r.cursors[key]
	r.cursors[key] = n + 1
	r.mu.Unlock()

	return candidates[n%uint64(len(candidates))], nil
}

func (r *Router) filter(types []llm.ProviderType) []llm.Provider {
	all := r.providers.List()
	if len(types) == 0 {
		return all
	}
	out := all[:0:0]
	for _, p := range all {
		for _, t := range types {
			if p.Type() == t {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func filterKey(types []llm.ProviderType) string {
	keys := make([]string, len(types))
	for i, t := range types {
		keys[i] = string(t)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func filterDetail(types []llm.ProviderType) string {
	if len(types) == 0 {
		return "no provider is registered"
	}
	return fmt.Sprintf("no registered provider matches types [%s]", filterKey(types))
}

func noMatch(detail string) *api.Problem {
	return api.NewError(http.StatusNotFound, api.KindProviderNotFound, "Provider Not Found", detail)
}
