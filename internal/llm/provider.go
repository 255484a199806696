package llm

import (
	"context"

	"github.com/nulzo/provider-gateway/pkg/api"
)

type ProviderType string

const (
	Ollama     ProviderType = "ollama"
	OpenAI     ProviderType = "openai"
	Anthropic  ProviderType = "anthropic"
	Google     ProviderType = "google"
	OpenRouter ProviderType = "openrouter"
	Mistral    ProviderType = "mistral"
)

// IsLocal reports whether the backend runs on the caller's own hardware and
// therefore needs no credential and costs nothing.
func (t ProviderType) IsLocal() bool {
	return t == Ollama
}

// Provider is a live connection to one backend. Implementations must be safe
// for concurrent use once initialized.
type Provider interface {
	ID() string
	Type() ProviderType
	Config() Config
	Capabilities() Capabilities

	// Initialize and Cleanup are idempotent.
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Initialized() bool

	Generate(ctx context.Context, req *api.GenerateRequest) (*api.Response, error)
	// GenerateStream returns a finite, single-pass sequence of chunks that ends
	// with exactly one IsFinal chunk or an error. Cancelling ctx stops the
	// producer and releases the connection.
	GenerateStream(ctx context.Context, req *api.GenerateRequest) (<-chan api.StreamResult, error)
	ListModels(ctx context.Context) ([]api.ModelInfo, error)
	ValidateCredentials(ctx context.Context) (bool, error)
	EstimateCost(promptTokens, completionTokens int, model string) float64
}

// UsageReporter is implemented by providers with CapUsageReport.
type UsageReporter interface {
	GetUsage(ctx context.Context, q api.UsageQuery) (*api.Report, error)
}

// CostReporter is implemented by providers with CapCostReport.
type CostReporter interface {
	GetCosts(ctx context.Context, q api.UsageQuery) (*api.Report, error)
}

// WorkspaceLister is implemented by providers with CapWorkspaces.
type WorkspaceLister interface {
	GetWorkspaces(ctx context.Context) (*api.Report, error)
}
