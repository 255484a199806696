package api

// ModelInfo describes one model a provider exposes.
type ModelInfo struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Provider        string   `json:"provider" yaml:"-"`
	ContextWindow   int      `json:"context_window" yaml:"context_window"`
	MaxOutputTokens int      `json:"max_output_tokens" yaml:"max_output_tokens"`
	Capabilities    []string `json:"capabilities" yaml:"capabilities"`
	InputCostPer1K  float64  `json:"input_cost_per_1k" yaml:"input_per_1k"`
	OutputCostPer1K float64  `json:"output_cost_per_1k" yaml:"output_per_1k"`
}

// HasCapability reports whether the model advertises the named capability.
func (m ModelInfo) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}
