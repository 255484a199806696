package api

import "strings"

type Role string

const (
	System    Role = "system"
	User      Role = "user"
	Assistant Role = "assistant"
	Function  Role = "function"
	Tool      Role = "tool"
)

// Valid reports whether r is one of the roles a backend understands.
func (r Role) Valid() bool {
	switch r {
	case System, User, Assistant, Function, Tool:
		return true
	}
	return false
}

// Message is one turn of a conversation.
type Message struct {
	Role     Role              `json:"role" binding:"required,oneof=system user assistant function tool"`
	Content  string            `json:"content"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RoutingStrategy selects how the router picks a provider when the caller
// does not name one explicitly.
type RoutingStrategy string

const (
	StrategyDefault       RoutingStrategy = "default"
	StrategyExplicit      RoutingStrategy = "explicit"
	StrategyLeastCost     RoutingStrategy = "least_cost"
	StrategyRoundRobin    RoutingStrategy = "round_robin"
	StrategyFastest       RoutingStrategy = "fastest"
	StrategyFallbackChain RoutingStrategy = "fallback_chain"
)

// ParseStrategy maps user input to a strategy, defaulting to StrategyDefault.
func ParseStrategy(s string) RoutingStrategy {
	switch RoutingStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyExplicit:
		return StrategyExplicit
	case StrategyLeastCost, "least-cost":
		return StrategyLeastCost
	case StrategyRoundRobin, "round-robin":
		return StrategyRoundRobin
	case StrategyFastest:
		return StrategyFastest
	case StrategyFallbackChain, "fallback-chain", "fallback":
		return StrategyFallbackChain
	default:
		return StrategyDefault
	}
}

// GenerateRequest is the provider-neutral generation request. The routing
// fields are consumed by the manager and ignored by adapters.
type GenerateRequest struct {
	Messages    []Message      `json:"messages" binding:"required,min=1,dive"`
	Model       string         `json:"model"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty" binding:"gte=0"`
	Options     map[string]any `json:"options,omitempty"`

	// routing
	ProviderID    string          `json:"provider_id,omitempty"`
	Strategy      RoutingStrategy `json:"strategy,omitempty"`
	ProviderTypes []string        `json:"provider_types,omitempty"`
	FallbackChain []string        `json:"fallback_chain,omitempty"`

	// accounting
	UserID    string `json:"user,omitempty"`
	RequestID string `json:"-"`
	Stream    bool   `json:"stream,omitempty"`
}

// PromptChars returns the number of characters across all message contents.
func (r *GenerateRequest) PromptChars() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Content)
	}
	return n
}

// Option returns a typed option value if present.
func Option[T any](r *GenerateRequest, key string) (T, bool) {
	var zero T
	if r == nil || r.Options == nil {
		return zero, false
	}
	v, ok := r.Options[key].(T)
	if !ok {
		return zero, false
	}
	return v, true
}
