// Package pricing holds the static per-vendor model catalog and prices.
package pricing

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/nulzo/provider-gateway/pkg/api"
	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var embedded []byte

type Price struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Cost returns the USD cost of the given token counts.
func (p Price) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*p.InputPer1K + float64(completionTokens)/1000*p.OutputPer1K
}

// Table is the catalog of one provider type.
type Table struct {
	Default Price           `yaml:"default"`
	Models  []api.ModelInfo `yaml:"models"`
}

// Lookup finds a model by exact id, then by the longest catalog id that
// prefixes it, so dated ids like "claude-3-5-sonnet-20241022" resolve.
func (t Table) Lookup(model string) (api.ModelInfo, bool) {
	model = strings.TrimPrefix(model, "models/")

	best := -1
	for i, m := range t.Models {
		if m.ID == model {
			return m, true
		}
		if strings.HasPrefix(model, m.ID) && (best < 0 || len(m.ID) > len(t.Models[best].ID)) {
			best = i
		}
	}
	if best >= 0 {
		return t.Models[best], true
	}
	return api.ModelInfo{}, false
}

// Price returns the model's price or the table default.
func (t Table) Price(model string) Price {
	if m, ok := t.Lookup(model); ok {
		return Price{InputPer1K: m.InputCostPer1K, OutputPer1K: m.OutputCostPer1K}
	}
	return t.Default
}

func (t Table) Estimate(promptTokens, completionTokens int, model string) float64 {
	return t.Price(model).Cost(promptTokens, completionTokens)
}

// List returns a copy of the catalog stamped with the provider id.
func (t Table) List(providerID string) []api.ModelInfo {
	out := make([]api.ModelInfo, len(t.Models))
	for i, m := range t.Models {
		m.Provider = providerID
		m.Capabilities = append([]string(nil), m.Capabilities...)
		out[i] = m
	}
	return out
}

// Parse decodes a catalog document keyed by provider type.
func Parse(data []byte) (map[string]Table, error) {
	var tables map[string]Table
	if err := yaml.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("failed to parse pricing tables: %w", err)
	}
	return tables, nil
}

var (
	loadOnce sync.Once
	tables   map[string]Table
)

// For returns the embedded table for a provider type. Unknown types get an
// empty table with zero prices.
func For(providerType string) Table {
	loadOnce.Do(func() {
		var err error
		tables, err = Parse(embedded)
		if err != nil {
			panic(err)
		}
	})
	return tables[providerType]
}
