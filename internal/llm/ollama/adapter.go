package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"github.com/nulzo/provider-gateway/internal/httpclient"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	// MinVersion is the oldest server with the /api/chat endpoint.
	MinVersion = "0.1.14"
)

func init() {
	llm.Register(llm.Ollama, NewAdapter)
}

// Adapter talks to a local Ollama server over its native API. Inference is
// local so every cost is zero.
type Adapter struct {
	*llm.Base
	minVersion *version.Version
}

var _ llm.Provider = (*Adapter)(nil)

func NewAdapter(cfg llm.Config) (llm.Provider, error) {
	a, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func New(cfg llm.Config) (*Adapter, error) {
	raw := cfg.Extra("min_version")
	if raw == "" {
		raw = MinVersion
	}
	minV, err := version.NewVersion(raw)
	if err != nil {
		return nil, api.ConfigurationError(fmt.Sprintf("invalid min_version %q: %v", raw, err), api.WithProvider(cfg.ID))
	}
	return &Adapter{
		Base:       llm.NewBase(cfg, llm.CapStreaming|llm.CapLocal, nil),
		minVersion: minV,
	}, nil
}

func (a *Adapter) url(path string) string {
	return strings.TrimSuffix(a.BaseURL(DefaultBaseURL), "/v1") + path
}

type message struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error"`
}

// passthrough lists the request options forwarded verbatim as model options.
var passthrough = []string{"top_p", "top_k", "seed", "stop", "num_ctx", "repeat_penalty", "mirostat"}

func toRequest(req *api.GenerateRequest, stream bool) chatRequest {
	out := chatRequest{Model: req.Model, Stream: stream}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, message{Role: string(m.Role), Content: m.Content})
	}

	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	for _, k := range passthrough {
		if v, ok := req.Options[k]; ok {
			opts[k] = v
		}
	}
	if len(opts) > 0 {
		out.Options = opts
	}
	return out
}

func (a *Adapter) Generate(ctx context.Context, req *api.GenerateRequest) (*api.Response, error) {
	client, err := a.Client()
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := httpclient.SendRequest(ctx, client, http.MethodPost, a.url("/api/chat"), nil, toRequest(req, false), &resp); err != nil {
		return nil, a.MapError(err, req.Model)
	}
	if resp.Error != "" {
		return nil, api.UpstreamErrorKind(http.StatusBadGateway, api.KindUpstream, a.ID(), resp.Error, api.WithModel(req.Model))
	}

	content, reasoning := llm.SplitThinking(resp.Message.Content)
	if resp.Message.Thinking != "" {
		reasoning = resp.Message.Thinking + reasoning
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return &api.Response{
		ID:               uuid.NewString(),
		Content:          content,
		Reasoning:        reasoning,
		Model:            model,
		Provider:         a.ID(),
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		FinishReason:     resp.DoneReason,
	}, nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req *api.GenerateRequest) (<-chan api.StreamResult, error) {
	client, err := a.StreamClient()
	if err != nil {
		return nil, err
	}

	resp, err := httpclient.OpenStream(ctx, client, http.MethodPost, a.url("/api/chat"), nil, toRequest(req, true), "application/x-ndjson")
	if err != nil {
		return nil, a.MapError(err, req.Model)
	}

	out := make(chan api.StreamResult, llm.StreamBuffer)
	go func() {
		defer close(out)
		defer func() {
			_ = resp.Body.Close()
		}()
		a.pump(ctx, resp.Body, req.Model, out)
	}()
	return out, nil
}

// pump reads one JSON object per line until the object with done=true,
// which carries the token counts.
func (a *Adapter) pump(ctx context.Context, body io.Reader, model string, out chan<- api.StreamResult) {
	reader := httpclient.NewNDJSONReader(body)
	var splitter llm.ThinkingSplitter

	for {
		line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			// same as the SSE adapters: close with a final chunk, without usage
			a.Logger().Debug("stream ended before the done message", zap.String("model", model))
			content, reasoning := splitter.Flush()
			if content != "" || reasoning != "" {
				if !llm.EmitChunk(ctx, out, &api.StreamChunk{Content: content, Reasoning: reasoning, Model: model}) {
					return
				}
			}
			llm.EmitChunk(ctx, out, &api.StreamChunk{IsFinal: true, Model: model})
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				llm.EmitError(ctx, out, a.ID(), err)
			}
			return
		}

		var msg chatResponse
		if err := json.Unmarshal(line, &msg); err != nil {
			a.Logger().Debug("skipping malformed stream line", zap.Error(err))
			continue
		}
		if msg.Error != "" {
			llm.EmitError(ctx, out, a.ID(), errors.New(msg.Error))
			return
		}
		if msg.Model != "" {
			model = msg.Model
		}

		content, reasoning := splitter.Feed(msg.Message.Content)
		reasoning = msg.Message.Thinking + reasoning
		if msg.Done {
			tailContent, tailReasoning := splitter.Flush()
			content += tailContent
			reasoning += tailReasoning
		}
		if content != "" || reasoning != "" {
			if !llm.EmitChunk(ctx, out, &api.StreamChunk{Content: content, Reasoning: reasoning, Model: model}) {
				return
			}
		}

		if msg.Done {
			llm.EmitChunk(ctx, out, &api.StreamChunk{
				IsFinal:          true,
				FinishReason:     msg.DoneReason,
				Model:            model,
				PromptTokens:     msg.PromptEvalCount,
				CompletionTokens: msg.EvalCount,
				TotalTokens:      msg.PromptEvalCount + msg.EvalCount,
			})
			return
		}
	}
}

type tagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Size    int64  `json:"size"`
		Details struct {
			Family        string   `json:"family"`
			Families      []string `json:"families"`
			ParameterSize string   `json:"parameter_size"`
		} `json:"details"`
	} `json:"models"`
}

func (a *Adapter) ListModels(ctx context.Context) ([]api.ModelInfo, error) {
	client, err := a.Client()
	if err != nil {
		return nil, err
	}

	var resp tagsResponse
	if err := httpclient.SendRequest(ctx, client, http.MethodGet, a.url("/api/tags"), nil, nil, &resp); err != nil {
		return nil, a.MapError(err, "")
	}

	models := make([]api.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		caps := []string{"chat", "streaming", "local"}
		for _, f := range m.Details.Families {
			if f == "clip" || f == "mllama" {
				caps = append(caps, "vision")
				break
			}
		}
		name := m.Name
		if m.Details.ParameterSize != "" {
			name = fmt.Sprintf("%s (%s)", m.Name, m.Details.ParameterSize)
		}
		models = append(models, api.ModelInfo{
			ID:           m.Name,
			Name:         name,
			Provider:     a.ID(),
			Capabilities: caps,
		})
	}
	return models, nil
}

// ValidateCredentials has no credential to check; it confirms the server is
// reachable and new enough.
func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	client, err := a.Client()
	if err != nil {
		return false, err
	}

	var resp struct {
		Version string `json:"version"`
	}
	if err := httpclient.SendRequest(ctx, client, http.MethodGet, a.url("/api/version"), nil, nil, &resp); err != nil {
		return false, a.MapError(err, "")
	}

	v, err := version.NewVersion(resp.Version)
	if err != nil {
		return false, api.UpstreamErrorKind(http.StatusBadGateway, api.KindUpstream, a.ID(),
			fmt.Sprintf("unparseable server version %q", resp.Version), api.WithLog(err))
	}
	if v.LessThan(a.minVersion) {
		a.Logger().Warn("ollama server too old",
			zap.String("version", v.String()),
			zap.String("min_version", a.minVersion.String()))
		return false, nil
	}
	return true, nil
}

// EstimateCost is always zero for local inference.
func (a *Adapter) EstimateCost(int, int, string) float64 {
	return 0
}
