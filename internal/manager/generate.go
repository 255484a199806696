package manager

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/provider-gateway/internal/cost"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/router"
	"github.com/nulzo/provider-gateway/internal/store/model"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/nulzo/provider-gateway/internal/manager")

func spanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(api.KindOf(err)))
}

// prepare fills the accounting fields every request needs.
func (m *Manager) prepare(req *api.GenerateRequest) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.UserID == "" {
		req.UserID = m.UserID()
	}
	req.Strategy = api.ParseStrategy(string(req.Strategy))
}

// candidates returns the providers to try in order. Only fallback_chain
// without an explicit provider yields more than one.
func (m *Manager) candidates(req *api.GenerateRequest) ([]llm.Provider, error) {
	rr := router.FromGenerate(req)
	if rr.ProviderID == "" && rr.Strategy == api.StrategyFallbackChain {
		chain, err := m.router.Chain(rr.Chain)
		if err != nil {
			return nil, err
		}
		if _, err := m.router.Route(rr); err != nil {
			return nil, err
		}
		return chain, nil
	}
	p, err := m.router.Route(rr)
	if err != nil {
		return nil, err
	}
	return []llm.Provider{p}, nil
}

// checkBudget estimates the request with the chosen provider's pricing.
func (m *Manager) checkBudget(ctx context.Context, p llm.Provider, req *api.GenerateRequest) error {
	if m.costs == nil {
		return nil
	}
	prompt, completion := cost.EstimateTokens(req)
	return m.costs.CheckBudget(ctx, req.UserID, p.EstimateCost(prompt, completion, req.Model))
}

// Generate routes and executes a non-streaming request. With the
// fallback_chain strategy the next provider is tried only after a retryable
// failure or an unhealthy gate; every other failure is returned as is.
func (m *Manager) Generate(ctx context.Context, req *api.GenerateRequest) (resp *api.Response, err error) {
	m.prepare(req)

	ctx, span := tracer.Start(ctx, "manager.Generate", trace.WithAttributes(
		attribute.String("gateway.request_id", req.RequestID),
		attribute.String("gateway.strategy", string(req.Strategy)),
		attribute.String("gateway.model", req.Model),
	))
	defer func() {
		spanError(span, err)
		span.End()
	}()

	chain, err := m.candidates(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, p := range chain {
		span.AddEvent("attempt", trace.WithAttributes(attribute.String("gateway.provider", p.ID())))
		resp, err := m.generateWith(ctx, p, req)
		if err == nil {
			span.SetAttributes(
				attribute.String("gateway.provider", p.ID()),
				attribute.Int("gateway.prompt_tokens", resp.PromptTokens),
				attribute.Int("gateway.completion_tokens", resp.CompletionTokens),
			)
			return resp, nil
		}
		lastErr = err
		if i == len(chain)-1 || !fallThrough(err) {
			break
		}
		m.log.Warn("provider failed, trying next in chain",
			zap.String("provider", p.ID()),
			zap.String("next", chain[i+1].ID()),
			zap.String("kind", string(api.KindOf(err))),
			zap.String("request_id", req.RequestID))
	}
	return nil, lastErr
}

func fallThrough(err error) bool {
	return api.IsRetryable(err) || api.IsKind(err, api.KindProviderUnhealthy)
}

func (m *Manager) generateWith(ctx context.Context, p llm.Provider, req *api.GenerateRequest) (*api.Response, error) {
	if m.health != nil && !m.health.IsHealthy(p.ID()) {
		return nil, api.ProviderUnhealthyError(p.ID())
	}
	if err := m.checkBudget(ctx, p, req); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.Generate(ctx, req)
	elapsed := time.Since(start)

	entry := m.requestLog(p, req, elapsed, false)
	if err != nil {
		err = api.Wrap(err, p.ID(), req.Model)
		m.finishLog(entry, err)
		m.metrics.ObserveRequest(p.ID(), req.Model, string(api.KindOf(err)), false, elapsed)
		return nil, err
	}

	if resp.Provider == "" {
		resp.Provider = p.ID()
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if resp.Cost > 0 {
		m.recordCost(ctx, req, p.ID(), resp.Model, resp.PromptTokens, resp.CompletionTokens, resp.Cost)
	}

	entry.ModelID = resp.Model
	entry.FinishReason = resp.FinishReason
	entry.InputTokens = resp.PromptTokens
	entry.OutputTokens = resp.CompletionTokens
	entry.TotalCostMicros = model.Micros(resp.Cost)
	m.finishLog(entry, nil)
	m.metrics.ObserveRequest(p.ID(), resp.Model, "ok", false, elapsed)
	return resp, nil
}

// GenerateStream routes the request and forwards the adapter's chunks. Cost
// is recorded once, when the final chunk passes through. There is no health
// gate here; a fallback chain only advances on errors returned before the
// first chunk.
func (m *Manager) GenerateStream(ctx context.Context, req *api.GenerateRequest) (_ <-chan api.StreamResult, err error) {
	m.prepare(req)
	req.Stream = true

	// the span only covers opening the stream; forward logs the rest
	ctx, span := tracer.Start(ctx, "manager.GenerateStream", trace.WithAttributes(
		attribute.String("gateway.request_id", req.RequestID),
		attribute.String("gateway.strategy", string(req.Strategy)),
		attribute.String("gateway.model", req.Model),
	))
	defer func() {
		spanError(span, err)
		span.End()
	}()

	chain, err := m.candidates(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, p := range chain {
		if err := m.checkBudget(ctx, p, req); err != nil {
			return nil, err
		}

		start := time.Now()
		in, err := p.GenerateStream(ctx, req)
		if err == nil {
			span.SetAttributes(attribute.String("gateway.provider", p.ID()))
			out := make(chan api.StreamResult, llm.StreamBuffer)
			go m.forward(ctx, p, req, start, in, out)
			return out, nil
		}

		err = api.Wrap(err, p.ID(), req.Model)
		entry := m.requestLog(p, req, time.Since(start), true)
		m.finishLog(entry, err)
		m.metrics.ObserveRequest(p.ID(), req.Model, string(api.KindOf(err)), true, time.Since(start))

		lastErr = err
		if i == len(chain)-1 || !api.IsRetryable(err) {
			break
		}
		m.log.Warn("stream open failed, trying next in chain",
			zap.String("provider", p.ID()),
			zap.String("next", chain[i+1].ID()),
			zap.String("request_id", req.RequestID))
	}
	return nil, lastErr
}

func (m *Manager) forward(ctx context.Context, p llm.Provider, req *api.GenerateRequest, start time.Time, in <-chan api.StreamResult, out chan<- api.StreamResult) {
	defer close(out)

	entry := m.requestLog(p, req, 0, true)
	var (
		streamErr error
		final     *api.StreamChunk
		chars     int
	)

	for res := range in {
		if res.Err != nil {
			streamErr = api.Wrap(res.Err, p.ID(), req.Model)
			res.Err = streamErr
		} else if res.Chunk != nil {
			if !entry.TTFTMS.Valid && (res.Chunk.Content != "" || res.Chunk.Reasoning != "") {
				entry.TTFTMS = sql.NullInt64{Int64: time.Since(start).Milliseconds(), Valid: true}
			}
			chars += len(res.Chunk.Content)
			if res.Chunk.IsFinal {
				final = res.Chunk
			}
		}
		if !llm.Emit(ctx, out, res) {
			// consumer left; drain so the producer can observe ctx and exit
			streamErr = ctx.Err()
			for range in {
			}
			break
		}
	}

	elapsed := time.Since(start)
	entry.LatencyMS = elapsed.Milliseconds()
	modelID := req.Model
	if final != nil {
		if final.Model != "" {
			modelID = final.Model
		}
		prompt, completion := final.PromptTokens, final.CompletionTokens
		if prompt == 0 && completion == 0 {
			if final.TotalTokens > 0 {
				prompt, completion = cost.SplitTotal(req, final.TotalTokens)
			} else {
				// no usage reported; approximate from what was streamed
				prompt, completion = cost.EstimatePromptTokens(req), max(chars/4, 1)
			}
		}
		c := p.EstimateCost(prompt, completion, modelID)
		if c > 0 {
			m.recordCost(context.WithoutCancel(ctx), req, p.ID(), modelID, prompt, completion, c)
		}
		entry.FinishReason = final.FinishReason
		entry.InputTokens = prompt
		entry.OutputTokens = completion
		entry.TotalCostMicros = model.Micros(c)
	} else if streamErr == nil {
		streamErr = api.StreamingError(p.ID(), errors.New("stream ended without a final chunk"))
	}
	entry.ModelID = modelID

	m.finishLog(entry, streamErr)
	status := "ok"
	if streamErr != nil {
		status = string(api.KindOf(streamErr))
	}
	m.metrics.ObserveRequest(p.ID(), modelID, status, true, elapsed)
}

func (m *Manager) recordCost(ctx context.Context, req *api.GenerateRequest, providerID, modelID string, prompt, completion int, c float64) {
	if m.costs == nil {
		return
	}
	_, err := m.costs.RecordCost(ctx, api.CostRecord{
		RequestID:        req.RequestID,
		ProviderID:       providerID,
		Model:            modelID,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Cost:             c,
		UserID:           req.UserID,
	})
	if err != nil {
		// the response already succeeded
		m.log.Error("failed to record cost",
			zap.String("request_id", req.RequestID),
			zap.String("provider", providerID),
			zap.Error(err))
	}
}

func (m *Manager) requestLog(p llm.Provider, req *api.GenerateRequest, elapsed time.Duration, streamed bool) *model.RequestLog {
	return &model.RequestLog{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		ProviderID:   p.ID(),
		ProviderType: string(p.Type()),
		ModelID:      req.Model,
		Strategy:     string(req.Strategy),
		LatencyMS:    elapsed.Milliseconds(),
		StatusCode:   http.StatusOK,
		IsStreamed:   streamed,
		CreatedAt:    time.Now().UTC(),
	}
}

func (m *Manager) finishLog(entry *model.RequestLog, err error) {
	if err != nil {
		pr := api.AsProblem(err)
		entry.StatusCode = pr.Status
		entry.ErrorKind = string(pr.Kind)
		if errors.Is(err, context.Canceled) {
			entry.StatusCode = 499
			entry.ErrorKind = "canceled"
		}
	}
	if m.ingestor != nil {
		m.ingestor.Log(entry)
	}
}
