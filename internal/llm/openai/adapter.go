package openai

import (
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/llm/pricing"
)

const DefaultBaseURL = "https://api.openai.com/v1"

func init() {
	llm.Register(llm.OpenAI, NewAdapter)
}

type Adapter struct {
	*Compat
}

var _ llm.Provider = (*Adapter)(nil)

func NewAdapter(cfg llm.Config) (llm.Provider, error) {
	return New(cfg), nil
}

func New(cfg llm.Config) *Adapter {
	base := llm.NewBase(cfg, llm.CapStreaming|llm.CapTools|llm.CapVision, nil)
	a := &Adapter{}
	a.Compat = NewCompat(base, CompatOptions{
		DefaultBaseURL: DefaultBaseURL,
		DefaultModel:   "gpt-4o-mini",
		Headers:        a.headers,
		Pricing:        pricing.For(string(llm.OpenAI)),
		IncludeUsage:   true,
	})
	return a
}

func (a *Adapter) headers() map[string]string {
	cfg := a.Config()
	h := map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	if org := cfg.Extra("organization"); org != "" {
		h["OpenAI-Organization"] = org
	}
	if project := cfg.Extra("project"); project != "" {
		h["OpenAI-Project"] = project
	}
	return h
}
