package mistral

import (
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/llm/openai"
	"github.com/nulzo/provider-gateway/internal/llm/pricing"
)

const DefaultBaseURL = "https://api.mistral.ai/v1"

func init() {
	llm.Register(llm.Mistral, NewAdapter)
}

// Adapter talks to La Plateforme, which follows the OpenAI chat dialect and
// reports usage on the last stream chunk without being asked.
type Adapter struct {
	*openai.Compat
}

var _ llm.Provider = (*Adapter)(nil)

func NewAdapter(cfg llm.Config) (llm.Provider, error) {
	return New(cfg), nil
}

func New(cfg llm.Config) *Adapter {
	base := llm.NewBase(cfg, llm.CapStreaming|llm.CapTools, nil)
	return &Adapter{
		Compat: openai.NewCompat(base, openai.CompatOptions{
			DefaultBaseURL: DefaultBaseURL,
			DefaultModel:   "mistral-small-latest",
			Pricing:        pricing.For(string(llm.Mistral)),
		}),
	}
}
