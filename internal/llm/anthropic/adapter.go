package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nulzo/provider-gateway/internal/httpclient"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/llm/pricing"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	DefaultVersion = "2023-06-01"
	defaultModel   = "claude-3-5-sonnet-latest"
)

func init() {
	llm.Register(llm.Anthropic, NewAdapter)
}

// Adapter speaks the Messages API. When an admin key is configured in
// extras["admin_key"] the organization usage, cost and workspace reports
// become available too.
type Adapter struct {
	*llm.Base
	prices pricing.Table
}

var _ llm.Provider = (*Adapter)(nil)

func NewAdapter(cfg llm.Config) (llm.Provider, error) {
	return New(cfg), nil
}

func New(cfg llm.Config) *Adapter {
	caps := llm.CapStreaming | llm.CapTools | llm.CapVision
	if cfg.Extra("admin_key") != "" {
		caps |= llm.CapUsageReport | llm.CapCostReport | llm.CapWorkspaces
	}
	return &Adapter{
		Base:   llm.NewBase(cfg, caps, nil),
		prices: pricing.For(string(llm.Anthropic)),
	}
}

func (a *Adapter) url(path string) string {
	return a.BaseURL(DefaultBaseURL) + path
}

func (a *Adapter) headers(key string) map[string]string {
	version := a.Config().Extra("version")
	if version == "" {
		version = DefaultVersion
	}
	return map[string]string{
		"x-api-key":         key,
		"anthropic-version": version,
	}
}

func (a *Adapter) model(req *api.GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return defaultModel
}

func (a *Adapter) Generate(ctx context.Context, req *api.GenerateRequest) (*api.Response, error) {
	client, err := a.Client()
	if err != nil {
		return nil, err
	}
	model := a.model(req)

	var resp Response
	if err := httpclient.SendRequest(ctx, client, http.MethodPost, a.url("/messages"), a.headers(a.Config().APIKey), toRequest(req, model, false), &resp); err != nil {
		return nil, a.MapError(err, model)
	}

	var text, thinking strings.Builder
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			text.WriteString(c.Text)
		case "thinking":
			thinking.WriteString(c.Thinking)
		}
	}

	if resp.Model == "" {
		resp.Model = model
	}
	return &api.Response{
		ID:               resp.ID,
		Content:          text.String(),
		Reasoning:        thinking.String(),
		Model:            resp.Model,
		Provider:         a.ID(),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Cost:             a.EstimateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Model),
		FinishReason:     resp.StopReason,
	}, nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req *api.GenerateRequest) (<-chan api.StreamResult, error) {
	client, err := a.StreamClient()
	if err != nil {
		return nil, err
	}
	model := a.model(req)

	resp, err := httpclient.OpenStream(ctx, client, http.MethodPost, a.url("/messages"), a.headers(a.Config().APIKey), toRequest(req, model, true), "text/event-stream")
	if err != nil {
		return nil, a.MapError(err, model)
	}

	out := make(chan api.StreamResult, llm.StreamBuffer)
	go func() {
		defer close(out)
		defer func() {
			_ = resp.Body.Close()
		}()
		a.pump(ctx, resp.Body, model, out)
	}()
	return out, nil
}

// pump translates the event stream. message_start carries input usage,
// message_delta the output usage and stop reason, message_stop ends it.
func (a *Adapter) pump(ctx context.Context, body io.Reader, model string, out chan<- api.StreamResult) {
	reader := httpclient.NewSSEReader(body)
	final := &api.StreamChunk{IsFinal: true, Model: model}

	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				llm.EmitError(ctx, out, a.ID(), err)
			}
			return
		}

		var event StreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			a.Logger().Debug("skipping malformed stream line", zap.Error(err))
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				if event.Message.Model != "" {
					final.Model = event.Message.Model
				}
				final.PromptTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			chunk := &api.StreamChunk{Content: event.Delta.Text, Reasoning: event.Delta.Thinking, Model: final.Model}
			if chunk.Content == "" && chunk.Reasoning == "" {
				continue
			}
			if !llm.EmitChunk(ctx, out, chunk) {
				return
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				final.FinishReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				final.CompletionTokens = event.Usage.OutputTokens
				if event.Usage.InputTokens > 0 {
					final.PromptTokens = event.Usage.InputTokens
				}
			}
		case "message_stop":
			final.TotalTokens = final.PromptTokens + final.CompletionTokens
			llm.EmitChunk(ctx, out, final)
			return
		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Type + ": " + event.Error.Message
			}
			llm.EmitError(ctx, out, a.ID(), errors.New(msg))
			return
		}
	}

	// Body ended without message_stop; still terminate the sequence.
	final.TotalTokens = final.PromptTokens + final.CompletionTokens
	llm.EmitChunk(ctx, out, final)
}

type modelsResponse struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

func (a *Adapter) ListModels(ctx context.Context) ([]api.ModelInfo, error) {
	client, err := a.Client()
	if err != nil {
		return nil, err
	}

	var resp modelsResponse
	if err := httpclient.SendRequest(ctx, client, http.MethodGet, a.url("/models?limit=100"), a.headers(a.Config().APIKey), nil, &resp); err != nil {
		return nil, a.MapError(err, "")
	}

	models := make([]api.ModelInfo, 0, len(resp.Data))
	for _, m := range resp.Data {
		info, ok := a.prices.Lookup(m.ID)
		if !ok {
			info = api.ModelInfo{Capabilities: []string{"chat", "streaming"}}
		}
		info.ID = m.ID
		info.Provider = a.ID()
		if m.DisplayName != "" {
			info.Name = m.DisplayName
		}
		models = append(models, info)
	}
	return models, nil
}

func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	client, err := a.Client()
	if err != nil {
		return false, err
	}
	err = httpclient.SendRequest(ctx, client, http.MethodGet, a.url("/models?limit=1"), a.headers(a.Config().APIKey), nil, nil)
	return llm.CredentialResult(a.MapError(err, ""))
}

func (a *Adapter) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return a.prices.Estimate(promptTokens, completionTokens, model)
}
