package llm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nulzo/provider-gateway/pkg/api"
)

// Factory builds an uninitialized adapter from a validated config.
type Factory func(cfg Config) (Provider, error)

var (
	mu        sync.RWMutex
	factories = make(map[ProviderType]Factory)
)

// Register is called from adapter init functions.
func Register(providerType ProviderType, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[providerType]; exists {
		panic(fmt.Sprintf("provider factory %s already registered", providerType))
	}
	factories[providerType] = f
}

func Get(providerType ProviderType) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[providerType]
	if !ok {
		return nil, api.ConfigurationError(fmt.Sprintf("no adapter registered for provider type '%s'", providerType))
	}
	return f, nil
}

// New validates cfg and constructs the adapter for its type.
func New(cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, err := Get(cfg.Type)
	if err != nil {
		return nil, err
	}
	return f(cfg)
}

func RegisteredTypes() []ProviderType {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]ProviderType, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
