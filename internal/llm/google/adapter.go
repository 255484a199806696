package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/nulzo/provider-gateway/internal/httpclient"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/llm/pricing"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"
)

func init() {
	llm.Register(llm.Google, NewAdapter)
}

// Adapter speaks the Gemini REST API. The key travels in the x-goog-api-key
// header and streams arrive as one JSON array written incrementally.
type Adapter struct {
	*llm.Base
	prices pricing.Table
}

var _ llm.Provider = (*Adapter)(nil)

func NewAdapter(cfg llm.Config) (llm.Provider, error) {
	return New(cfg), nil
}

func New(cfg llm.Config) *Adapter {
	return &Adapter{
		Base:   llm.NewBase(cfg, llm.CapStreaming|llm.CapTools|llm.CapVision, nil),
		prices: pricing.For(string(llm.Google)),
	}
}

const keyHeader = "x-goog-api-key"

func (a *Adapter) url(path string) string {
	return a.BaseURL(DefaultBaseURL) + path
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{keyHeader: a.Config().APIKey}
}

func (a *Adapter) model(req *api.GenerateRequest) string {
	m := req.Model
	if m == "" {
		m = defaultModel
	}
	return strings.TrimPrefix(m, "models/")
}

// elementError converts an error object embedded in the body.
func (a *Adapter) elementError(e *APIError, model string) error {
	status := e.Code
	if status == 0 {
		status = http.StatusBadGateway
	}
	kind := api.CategorizeStatus(status)
	if kind == api.KindNotFound && strings.Contains(strings.ToLower(e.Message), "model") {
		kind = api.KindModelNotFound
	}
	return api.UpstreamErrorKind(status, kind, a.ID(), e.Message,
		api.WithModel(model), api.WithExtension("upstream_status_text", e.Status))
}

func (a *Adapter) Generate(ctx context.Context, req *api.GenerateRequest) (*api.Response, error) {
	client, err := a.Client()
	if err != nil {
		return nil, err
	}
	model := a.model(req)

	var resp Response
	if err := httpclient.SendRequest(ctx, client, http.MethodPost, a.url("/models/"+model+":generateContent"), a.headers(), toRequest(req), &resp); err != nil {
		return nil, a.MapError(err, model)
	}
	if resp.Error != nil {
		return nil, a.elementError(resp.Error, model)
	}

	text, thought, finish := resp.split()
	out := &api.Response{
		ID:           resp.ResponseID,
		Content:      text,
		Reasoning:    thought,
		Model:        model,
		Provider:     a.ID(),
		FinishReason: finish,
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.PromptTokens = u.PromptTokenCount
		out.CompletionTokens = u.CandidatesTokenCount
		out.TotalTokens = u.TotalTokenCount
		if out.TotalTokens == 0 {
			out.TotalTokens = out.PromptTokens + out.CompletionTokens
		}
		out.Cost = a.EstimateCost(out.PromptTokens, out.CompletionTokens, model)
	}
	return out, nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req *api.GenerateRequest) (<-chan api.StreamResult, error) {
	client, err := a.StreamClient()
	if err != nil {
		return nil, err
	}
	model := a.model(req)

	resp, err := httpclient.OpenStream(ctx, client, http.MethodPost, a.url("/models/"+model+":streamGenerateContent"), a.headers(), toRequest(req), "application/json")
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

func (a *Adapter) pump(ctx context.Context, body io.Reader, model string, out chan<- api.StreamResult) {
	dec := httpclient.NewArrayDecoder(body)
	final := &api.StreamChunk{IsFinal: true, Model: model}

	for first := true; ; first = false {
		raw, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				llm.EmitError(ctx, out, a.ID(), err)
			}
			return
		}

		var elem Response
		if err := json.Unmarshal(raw, &elem); err != nil {
			a.Logger().Debug("skipping malformed stream element", zap.Error(err))
			continue
		}
		if elem.Error != nil {
			if first {
				// Nothing was delivered yet, so report the vendor error as is.
				llm.Emit(ctx, out, api.StreamResult{Err: a.elementError(elem.Error, model)})
			} else {
				llm.EmitError(ctx, out, a.ID(), errors.New(elem.Error.Message))
			}
			return
		}

		if elem.ModelVersion != "" {
			final.Model = elem.ModelVersion
		}
		if u := elem.UsageMetadata; u != nil {
			final.PromptTokens = u.PromptTokenCount
			final.CompletionTokens = u.CandidatesTokenCount
			final.TotalTokens = u.TotalTokenCount
		}

		text, thought, finish := elem.split()
		if finish != "" {
			final.FinishReason = finish
		}
		if text == "" && thought == "" {
			continue
		}
		if !llm.EmitChunk(ctx, out, &api.StreamChunk{Content: text, Reasoning: thought, Model: final.Model}) {
			return
		}
	}

	if final.TotalTokens == 0 {
		final.TotalTokens = final.PromptTokens + final.CompletionTokens
	}
	llm.EmitChunk(ctx, out, final)
}

type modelsResponse struct {
	Models []struct {
		Name                       string   `json:"name"`
		DisplayName                string   `json:"displayName"`
		InputTokenLimit            int      `json:"inputTokenLimit"`
		OutputTokenLimit           int      `json:"outputTokenLimit"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

// ListModels returns the models that support generateContent.
func (a *Adapter) ListModels(ctx context.Context) ([]api.ModelInfo, error) {
	client, err := a.Client()
	if err != nil {
		return nil, err
	}

	var resp modelsResponse
	if err := httpclient.SendRequest(ctx, client, http.MethodGet, a.url("/models"), a.headers(), nil, &resp); err != nil {
		return nil, a.MapError(err, "")
	}

	models := make([]api.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		if !supports(m.SupportedGenerationMethods, "generateContent") {
			continue
		}
		id := strings.TrimPrefix(m.Name, "models/")
		info, ok := a.prices.Lookup(id)
		if !ok {
			info = api.ModelInfo{Capabilities: []string{"chat"}}
			if supports(m.SupportedGenerationMethods, "streamGenerateContent") {
				info.Capabilities = append(info.Capabilities, "streaming")
			}
		}
		info.ID = id
		info.Name = m.DisplayName
		info.Provider = a.ID()
		info.ContextWindow = m.InputTokenLimit
		info.MaxOutputTokens = m.OutputTokenLimit
		models = append(models, info)
	}
	return models, nil
}

func supports(methods []string, name string) bool {
	for _, m := range methods {
		if m == name {
			return true
		}
	}
	return false
}

func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	client, err := a.Client()
	if err != nil {
		return false, err
	}
	err = httpclient.SendRequest(ctx, client, http.MethodGet, a.url("/models"), a.headers(), nil, nil)
	// Gemini answers a bad key with 400 API_KEY_INVALID rather than 401.
	if api.IsKind(a.MapError(err, ""), api.KindInvalidRequest) && strings.Contains(llm.ErrorDetail(upstreamBody(err)), "API key") {
		return false, nil
	}
	return llm.CredentialResult(a.MapError(err, ""))
}

func upstreamBody(err error) []byte {
	var up *httpclient.UpstreamError
	if errors.As(err, &up) {
		return up.Body
	}
	return nil
}

func (a *Adapter) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return a.prices.Estimate(promptTokens, completionTokens, model)
}
