package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/nulzo/provider-gateway/internal/httpclient"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/llm/pricing"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
)

// CompatOptions describes one OpenAI-compatible vendor.
type CompatOptions struct {
	DefaultBaseURL string
	DefaultModel   string
	// Headers returns the per-request auth and vendor headers.
	Headers  func() map[string]string
	Pricing  pricing.Table
	Refiners []llm.Refiner
	// IncludeUsage requests a trailing usage chunk on streams.
	IncludeUsage bool
	// Decorate adjusts the wire request before it is sent.
	Decorate func(*ChatRequest)
}

// Compat implements the chat completions dialect shared by OpenAI, Mistral
// and OpenRouter. Vendors embed it and override what differs.
type Compat struct {
	*llm.Base
	opts CompatOptions
}

func NewCompat(base *llm.Base, opts CompatOptions) *Compat {
	return &Compat{Base: base, opts: opts}
}

func (c *Compat) URL(path string) string {
	return c.BaseURL(c.opts.DefaultBaseURL) + path
}

func (c *Compat) Headers() map[string]string {
	if c.opts.Headers == nil {
		return map[string]string{"Authorization": "Bearer " + c.Config().APIKey}
	}
	return c.opts.Headers()
}

func (c *Compat) model(req *api.GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.opts.DefaultModel
}

func (c *Compat) buildRequest(req *api.GenerateRequest, model string, stream bool) *ChatRequest {
	body := BuildRequest(req, model)
	body.Stream = stream
	if stream && c.opts.IncludeUsage {
		body.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	if c.opts.Decorate != nil {
		c.opts.Decorate(body)
	}
	return body
}

func (c *Compat) Generate(ctx context.Context, req *api.GenerateRequest) (*api.Response, error) {
	client, err := c.Client()
	if err != nil {
		return nil, err
	}
	model := c.model(req)

	var resp ChatResponse
	if err := httpclient.SendRequest(ctx, client, http.MethodPost, c.URL("/chat/completions"), c.Headers(), c.buildRequest(req, model, false), &resp); err != nil {
		return nil, c.MapError(err, model, c.opts.Refiners...)
	}
	if len(resp.Choices) == 0 {
		return nil, api.UpstreamErrorKind(http.StatusBadGateway, api.KindUpstream, c.ID(), "response contained no choices", api.WithModel(model))
	}

	choice := resp.Choices[0]
	out := &api.Response{
		ID:           resp.ID,
		Content:      choice.Message.Content,
		Reasoning:    firstNonEmpty(choice.Message.Reasoning, choice.Message.ReasoningContent),
		Model:        firstNonEmpty(resp.Model, model),
		Provider:     c.ID(),
		FinishReason: choice.FinishReason,
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if resp.Usage != nil {
		out.PromptTokens = resp.Usage.PromptTokens
		out.CompletionTokens = resp.Usage.CompletionTokens
		out.TotalTokens = resp.Usage.TotalTokens
		if out.TotalTokens == 0 {
			out.TotalTokens = out.PromptTokens + out.CompletionTokens
		}
		out.Cost = c.usageCost(resp.Usage, out.Model)
	}
	return out, nil
}

func (c *Compat) usageCost(u *Usage, model string) float64 {
	if u.Cost != nil {
		return *u.Cost
	}
	return c.EstimateCost(u.PromptTokens, u.CompletionTokens, model)
}

func (c *Compat) GenerateStream(ctx context.Context, req *api.GenerateRequest) (<-chan api.StreamResult, error) {
	client, err := c.StreamClient()
	if err != nil {
		return nil, err
	}
	model := c.model(req)

	resp, err := httpclient.OpenStream(ctx, client, http.MethodPost, c.URL("/chat/completions"), c.Headers(), c.buildRequest(req, model, true), "text/event-stream")
	if err != nil {
		return nil, c.MapError(err, model, c.opts.Refiners...)
	}

	out := make(chan api.StreamResult, llm.StreamBuffer)
	go func() {
		defer close(out)
		defer func() {
			_ = resp.Body.Close()
		}()
		c.pump(ctx, resp.Body, model, out)
	}()
	return out, nil
}

func (c *Compat) pump(ctx context.Context, body io.Reader, model string, out chan<- api.StreamResult) {
	reader := httpclient.NewSSEReader(body)
	final := &api.StreamChunk{IsFinal: true, Model: model}

	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				llm.EmitError(ctx, out, c.ID(), err)
			}
			return
		}
		if ev.Data == "[DONE]" {
			break
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			c.Logger().Debug("skipping malformed stream line", zap.Error(err))
			continue
		}
		if chunk.Error != nil {
			llm.EmitError(ctx, out, c.ID(), errors.New(chunk.Error.Message))
			return
		}
		if chunk.Model != "" {
			final.Model = chunk.Model
		}
		if chunk.Usage != nil {
			final.PromptTokens = chunk.Usage.PromptTokens
			final.CompletionTokens = chunk.Usage.CompletionTokens
			final.TotalTokens = chunk.Usage.TotalTokens
			if final.TotalTokens == 0 {
				final.TotalTokens = final.PromptTokens + final.CompletionTokens
			}
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				final.FinishReason = *choice.FinishReason
			}
			content := choice.Delta.Content
			reasoning := firstNonEmpty(choice.Delta.Reasoning, choice.Delta.ReasoningContent)
			if content == "" && reasoning == "" {
				continue
			}
			if !llm.EmitChunk(ctx, out, &api.StreamChunk{Content: content, Reasoning: reasoning, Model: final.Model}) {
				return
			}
		}
	}

	llm.EmitChunk(ctx, out, final)
}

// ListModels joins the vendor's live model listing with the static catalog.
func (c *Compat) ListModels(ctx context.Context) ([]api.ModelInfo, error) {
	client, err := c.Client()
	if err != nil {
		return nil, err
	}

	var list modelList
	if err := httpclient.SendRequest(ctx, client, http.MethodGet, c.URL("/models"), c.Headers(), nil, &list); err != nil {
		return nil, c.MapError(err, "", c.opts.Refiners...)
	}

	models := make([]api.ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		info, ok := c.opts.Pricing.Lookup(m.ID)
		if !ok {
			info = api.ModelInfo{Name: m.ID, Capabilities: []string{"chat"}}
		}
		info.ID = m.ID
		info.Provider = c.ID()
		models = append(models, info)
	}
	return models, nil
}

// ValidateCredentials probes the model listing. An auth rejection is a
// clean false; anything else is reported as an error.
func (c *Compat) ValidateCredentials(ctx context.Context) (bool, error) {
	client, err := c.Client()
	if err != nil {
		return false, err
	}
	err = httpclient.SendRequest(ctx, client, http.MethodGet, c.URL("/models"), c.Headers(), nil, nil)
	return llm.CredentialResult(c.MapError(err, ""))
}

func (c *Compat) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return c.opts.Pricing.Estimate(promptTokens, completionTokens, model)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
