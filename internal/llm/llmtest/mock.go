// Package llmtest provides a configurable llm.Provider for tests of the
// layers above the adapters.
package llmtest

import (
	"context"
	"sync"
	"time"

	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/pkg/api"
	"github.com/stretchr/testify/mock"
)

// MockProvider implements llm.Provider. Lifecycle behaviour is driven by the
// InitErr and CleanupErr fields; the request methods go through mock.Mock.
type MockProvider struct {
	mock.Mock

	ProviderID string
	Kind       llm.ProviderType
	Caps       llm.Capabilities
	Cfg        llm.Config
	PerToken   float64

	InitErr    error
	CleanupErr error

	mu           sync.Mutex
	initialized  bool
	initCalls    int
	cleanupCalls int
}

func New(id string, typ llm.ProviderType) *MockProvider {
	return &MockProvider{
		ProviderID: id,
		Kind:       typ,
		Caps:       llm.CapStreaming,
		Cfg:        llm.Config{ID: id, Type: typ, Timeout: time.Second},
	}
}

func (m *MockProvider) ID() string                     { return m.ProviderID }
func (m *MockProvider) Type() llm.ProviderType         { return m.Kind }
func (m *MockProvider) Config() llm.Config             { return m.Cfg }
func (m *MockProvider) Capabilities() llm.Capabilities { return m.Caps }

func (m *MockProvider) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	if m.InitErr != nil {
		return m.InitErr
	}
	m.initialized = true
	return nil
}

func (m *MockProvider) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupCalls++
	m.initialized = false
	return m.CleanupErr
}

func (m *MockProvider) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *MockProvider) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

func (m *MockProvider) CleanupCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupCalls
}

func (m *MockProvider) Generate(ctx context.Context, req *api.GenerateRequest) (*api.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.Response), args.Error(1)
}

func (m *MockProvider) GenerateStream(ctx context.Context, req *api.GenerateRequest) (<-chan api.StreamResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan api.StreamResult), args.Error(1)
}

func (m *MockProvider) ListModels(ctx context.Context) ([]api.ModelInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]api.ModelInfo), args.Error(1)
}

func (m *MockProvider) ValidateCredentials(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

// EstimateCost charges PerToken for every token regardless of model.
func (m *MockProvider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return float64(promptTokens+completionTokens) * m.PerToken
}

// Stream returns a closed channel carrying the given chunks, for use as a
// GenerateStream return value.
func Stream(chunks ...*api.StreamChunk) <-chan api.StreamResult {
	out := make(chan api.StreamResult, len(chunks))
	for _, c := range chunks {
		out <- api.StreamResult{Chunk: c}
	}
	close(out)
	return out
}

// StreamErr is Stream followed by a terminal error.
func StreamErr(err error, chunks ...*api.StreamChunk) <-chan api.StreamResult {
	out := make(chan api.StreamResult, len(chunks)+1)
	for _, c := range chunks {
		out <- api.StreamResult{Chunk: c}
	}
	out <- api.StreamResult{Err: err}
	close(out)
	return out
}
