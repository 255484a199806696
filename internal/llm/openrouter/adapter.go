package openrouter

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/nulzo/provider-gateway/internal/httpclient"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/llm/openai"
	"github.com/nulzo/provider-gateway/internal/llm/pricing"
	"github.com/nulzo/provider-gateway/pkg/api"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

func init() {
	llm.Register(llm.OpenRouter, NewAdapter)
}

// Adapter fronts OpenRouter. Streams carry ": OPENROUTER PROCESSING"
// keep-alive comments and may end with an error payload instead of [DONE];
// an empty balance is reported as 402.
type Adapter struct {
	*openai.Compat

	mu     sync.RWMutex
	prices map[string]pricing.Price
}

var (
	_ llm.Provider      = (*Adapter)(nil)
	_ llm.UsageReporter = (*Adapter)(nil)
	_ llm.CostReporter  = (*Adapter)(nil)
)

func NewAdapter(cfg llm.Config) (llm.Provider, error) {
	return New(cfg), nil
}

func New(cfg llm.Config) *Adapter {
	caps := llm.CapStreaming | llm.CapTools | llm.CapVision | llm.CapUsageReport | llm.CapCostReport | llm.CapCredits
	base := llm.NewBase(cfg, caps, nil)
	a := &Adapter{prices: make(map[string]pricing.Price)}
	a.Compat = openai.NewCompat(base, openai.CompatOptions{
		DefaultBaseURL: DefaultBaseURL,
		DefaultModel:   "openrouter/auto",
		Headers:        a.headers,
		Pricing:        pricing.For(string(llm.OpenRouter)),
		Refiners:       []llm.Refiner{llm.PaymentRequired},
		IncludeUsage:   true,
		Decorate: func(req *openai.ChatRequest) {
			req.Usage = &openai.UsageAccounting{Include: true}
		},
	})
	return a
}

func (a *Adapter) headers() map[string]string {
	cfg := a.Config()
	h := map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	if ref := cfg.Extra("referer"); ref != "" {
		h["HTTP-Referer"] = ref
	}
	if title := cfg.Extra("title"); title != "" {
		h["X-Title"] = title
	}
	return h
}

type modelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
		TopProvider struct {
			MaxCompletionTokens int `json:"max_completion_tokens"`
		} `json:"top_provider"`
		Architecture struct {
			InputModalities []string `json:"input_modalities"`
		} `json:"architecture"`
	} `json:"data"`
}

// ListModels uses OpenRouter's own catalog, which carries live per-token
// prices. They are cached for EstimateCost.
func (a *Adapter) ListModels(ctx context.Context) ([]api.ModelInfo, error) {
	client, err := a.Client()
	if err != nil {
		return nil, err
	}

	var resp modelsResponse
	if err := httpclient.SendRequest(ctx, client, http.MethodGet, a.URL("/models"), a.headers(), nil, &resp); err != nil {
		return nil, a.MapError(err, "", llm.PaymentRequired)
	}

	models := make([]api.ModelInfo, 0, len(resp.Data))
	prices := make(map[string]pricing.Price, len(resp.Data))
	for _, m := range resp.Data {
		price := pricing.Price{
			InputPer1K:  perTokenToPer1K(m.Pricing.Prompt),
			OutputPer1K: perTokenToPer1K(m.Pricing.Completion),
		}
		prices[m.ID] = price

		caps := []string{"chat", "streaming"}
		for _, mod := range m.Architecture.InputModalities {
			if mod == "image" {
				caps = append(caps, "vision")
			}
		}
		models = append(models, api.ModelInfo{
			ID:              m.ID,
			Name:            m.Name,
			Provider:        a.ID(),
			ContextWindow:   m.ContextLength,
			MaxOutputTokens: m.TopProvider.MaxCompletionTokens,
			Capabilities:    caps,
			InputCostPer1K:  price.InputPer1K,
			OutputCostPer1K: price.OutputPer1K,
		})
	}

	a.mu.Lock()
	a.prices = prices
	a.mu.Unlock()
	return models, nil
}

func perTokenToPer1K(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v * 1000
}

// EstimateCost prefers prices learned from ListModels.
func (a *Adapter) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	a.mu.RLock()
	price, ok := a.prices[model]
	a.mu.RUnlock()
	if ok {
		return price.Cost(promptTokens, completionTokens)
	}
	return a.Compat.EstimateCost(promptTokens, completionTokens, model)
}

// ValidateCredentials checks the key endpoint, which fails fast on a bad key.
func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	client, err := a.Client()
	if err != nil {
		return false, err
	}
	err = httpclient.SendRequest(ctx, client, http.MethodGet, a.URL("/key"), a.headers(), nil, nil)
	return llm.CredentialResult(a.MapError(err, "", llm.PaymentRequired))
}

type keyResponse struct {
	Data struct {
		Label      string   `json:"label"`
		Usage      float64  `json:"usage"`
		Limit      *float64 `json:"limit"`
		IsFreeTier bool     `json:"is_free_tier"`
		RateLimit  struct {
			Requests int    `json:"requests"`
			Interval string `json:"interval"`
		} `json:"rate_limit"`
	} `json:"data"`
}

// GetUsage reports spend on the current key. OpenRouter has no time
// filtering, so the query is ignored.
func (a *Adapter) GetUsage(ctx context.Context, _ api.UsageQuery) (*api.Report, error) {
	client, err := a.Client()
	if err != nil {
		return nil, err
	}
	var resp keyResponse
	if err := httpclient.SendRequest(ctx, client, http.MethodGet, a.URL("/key"), a.headers(), nil, &resp); err != nil {
		return nil, a.MapError(err, "", llm.PaymentRequired)
	}

	meta := map[string]any{"is_free_tier": resp.Data.IsFreeTier}
	if resp.Data.Limit != nil {
		meta["remaining"] = *resp.Data.Limit - resp.Data.Usage
	}
	return &api.Report{Provider: a.ID(), Kind: "usage", Data: resp.Data, Meta: meta}, nil
}

type creditsResponse struct {
	Data struct {
		TotalCredits float64 `json:"total_credits"`
		TotalUsage   float64 `json:"total_usage"`
	} `json:"data"`
}

// GetCosts reports the credit balance.
func (a *Adapter) GetCosts(ctx context.Context, _ api.UsageQuery) (*api.Report, error) {
	client, err := a.Client()
	if err != nil {
		return nil, err
	}
	var resp creditsResponse
	if err := httpclient.SendRequest(ctx, client, http.MethodGet, a.URL("/credits"), a.headers(), nil, &resp); err != nil {
		return nil, a.MapError(err, "", llm.PaymentRequired)
	}
	return &api.Report{
		Provider: a.ID(),
		Kind:     "credits",
		Data:     resp.Data,
		Meta:     map[string]any{"balance": resp.Data.TotalCredits - resp.Data.TotalUsage},
	}, nil
}
