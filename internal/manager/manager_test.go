package manager

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nulzo/provider-gateway/internal/cost"
	"github.com/nulzo/provider-gateway/internal/health"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/llm/llmtest"
	"github.com/nulzo/provider-gateway/internal/loader"
	"github.com/nulzo/provider-gateway/internal/registry"
	"github.com/nulzo/provider-gateway/internal/store/aggregate"
	"github.com/nulzo/provider-gateway/internal/store/model"
	"github.com/nulzo/provider-gateway/internal/store/sqlite"
	"github.com/nulzo/provider-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureIngestor struct {
	mu      sync.Mutex
	logs    []*model.RequestLog
	started int
	stopped int
}

func (c *captureIngestor) Log(l *model.RequestLog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, l)
}

func (c *captureIngestor) Start(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *captureIngestor) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
}

func (c *captureIngestor) entries() []*model.RequestLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.RequestLog(nil), c.logs...)
}

type fixture struct {
	m        *Manager
	reg      *registry.Registry
	health   *health.Monitor
	costs    *cost.Tracker
	ingestor *captureIngestor
	repo     *sqlite.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	repo, err := sqlite.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	reg := registry.New(log)
	mon := health.New(reg, health.Options{FailureThreshold: 1, Interval: time.Hour}, nil, log)
	tracker := cost.New(aggregate.NewMemory(), cost.Options{}, nil, log)
	ing := &captureIngestor{}

	m := New(Options{
		Registry: reg,
		Health:   mon,
		Costs:    tracker,
		Loader:   loader.New(repo.Providers(), log),
		Store:    repo.Providers(),
		Ingestor: ing,
		Logger:   log,
	})
	return &fixture{m: m, reg: reg, health: mon, costs: tracker, ingestor: ing, repo: repo}
}

func (f *fixture) add(t *testing.T, id string, isDefault bool) *llmtest.MockProvider {
	t.Helper()
	p := llmtest.New(id, llm.OpenAI)
	require.NoError(t, f.m.AddProvider(context.Background(), p, isDefault))
	return p
}

func request() *api.GenerateRequest {
	return &api.GenerateRequest{
		Messages: []api.Message{{Role: api.User, Content: "hello there, model"}},
		Model:    "gpt-test",
		UserID:   "u1",
	}
}

func TestGenerate_RecordsCostAndLog(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "a", true)
	p.On("Generate", mock.Anything, mock.Anything).Return(&api.Response{
		Content: "hi", PromptTokens: 10, CompletionTokens: 5, Cost: 0.02, FinishReason: "stop",
	}, nil)

	ctx := context.Background()
	resp, err := f.m.Generate(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Provider)
	assert.Equal(t, "gpt-test", resp.Model)

	total, err := f.costs.GetTotal(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.02, total, 1e-9)

	logs := f.ingestor.entries()
	require.Len(t, logs, 1)
	assert.Equal(t, "a", logs[0].ProviderID)
	assert.Equal(t, http.StatusOK, logs[0].StatusCode)
	assert.Equal(t, int64(20000), logs[0].TotalCostMicros)
	assert.Equal(t, "stop", logs[0].FinishReason)
	assert.False(t, logs[0].IsStreamed)
}

func TestGenerate_ZeroCostIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "local", true)
	p.On("Generate", mock.Anything, mock.Anything).Return(&api.Response{Content: "hi", PromptTokens: 3}, nil)

	_, err := f.m.Generate(context.Background(), request())
	require.NoError(t, err)

	recs, err := f.costs.RecentRecords(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestGenerate_FillsRequestIDAndUser(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "a", true)
	p.On("Generate", mock.Anything, mock.MatchedBy(func(r *api.GenerateRequest) bool {
		return r.RequestID != "" && r.UserID == cost.AnonymousUser
	})).Return(&api.Response{Content: "ok"}, nil)

	req := request()
	req.UserID = ""
	_, err := f.m.Generate(context.Background(), req)
	require.NoError(t, err)
	p.AssertExpectations(t)
}

func TestGenerate_UnhealthyProviderIsRejected(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "a", true)
	p.On("ValidateCredentials", mock.Anything).Return(false, nil)

	_, err := f.health.ForceCheck(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, f.health.IsHealthy("a"))

	_, err = f.m.Generate(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, api.KindProviderUnhealthy, api.KindOf(err))
	assert.Equal(t, http.StatusServiceUnavailable, api.AsProblem(err).Status)
	p.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestGenerate_BudgetExceeded(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "a", true)
	p.PerToken = 0.01
	require.NoError(t, f.m.SetBudget("u1", api.Budget{Limit: 1, Period: api.PeriodDaily}))

	req := request()
	req.MaxTokens = 500
	_, err := f.m.Generate(context.Background(), req)
	require.Error(t, err)

	pr := api.AsProblem(err)
	assert.Equal(t, api.KindBudgetExceeded, pr.Kind)
	assert.Equal(t, http.StatusPaymentRequired, pr.Status)
	assert.InDelta(t, 1.0, pr.Extensions["limit"], 1e-9)
	p.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestGenerate_WrapsAdapterErrors(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "a", true)
	p.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	_, err := f.m.Generate(context.Background(), request())
	require.Error(t, err)
	pr := api.AsProblem(err)
	assert.Equal(t, "a", pr.Provider)
	assert.Equal(t, "gpt-test", pr.Model)
	assert.Equal(t, api.KindUpstream, pr.Kind)

	logs := f.ingestor.entries()
	require.Len(t, logs, 1)
	assert.Equal(t, http.StatusBadGateway, logs[0].StatusCode)
	assert.Equal(t, string(api.KindUpstream), logs[0].ErrorKind)
}

func TestGenerate_FallbackChainAdvancesOnRetryable(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "a", true)
	b := f.add(t, "b", false)
	a.On("Generate", mock.Anything, mock.Anything).
		Return(nil, api.TransportError("a", errors.New("connection refused"))).Once()
	b.On("Generate", mock.Anything, mock.Anything).Return(&api.Response{Content: "from b"}, nil).Once()

	req := request()
	req.Strategy = api.StrategyFallbackChain
	req.FallbackChain = []string{"a", "b"}

	resp, err := f.m.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Provider)
	a.AssertExpectations(t)
	b.AssertExpectations(t)
}

func TestGenerate_FallbackChainStopsOnPermanentError(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "a", true)
	b := f.add(t, "b", false)
	a.On("Generate", mock.Anything, mock.Anything).
		Return(nil, api.UpstreamError(http.StatusUnauthorized, "a", "bad key")).Once()

	req := request()
	req.Strategy = api.StrategyFallbackChain
	req.FallbackChain = []string{"missing", "a", "b"}

	_, err := f.m.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, api.KindAuthentication, api.KindOf(err))
	b.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestGenerate_FallbackChainSkipsUnhealthy(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "a", true)
	b := f.add(t, "b", false)
	a.On("ValidateCredentials", mock.Anything).Return(false, errors.New("down"))
	b.On("Generate", mock.Anything, mock.Anything).Return(&api.Response{Content: "ok"}, nil)
	_, err := f.health.ForceCheck(context.Background(), "a")
	require.NoError(t, err)

	req := request()
	req.Strategy = api.StrategyFallbackChain
	req.FallbackChain = []string{"a", "b"}

	resp, err := f.m.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Provider)
}

func TestGenerate_NoProviders(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Generate(context.Background(), request())
	assert.Equal(t, api.KindNoDefaultProvider, api.KindOf(err))
}

func drain(t *testing.T, ch <-chan api.StreamResult) ([]*api.StreamChunk, error) {
	t.Helper()
	var (
		chunks []*api.StreamChunk
		err    error
	)
	timeout := time.After(2 * time.Second)
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return chunks, err
			}
			if res.Err != nil {
				err = res.Err
				continue
			}
			chunks = append(chunks, res.Chunk)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestGenerateStream_RecordsCostOnceFromFinalChunk(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "a", true)
	p.PerToken = 0.001
	p.On("GenerateStream", mock.Anything, mock.Anything).Return(llmtest.Stream(
		&api.StreamChunk{Content: "hel"},
		&api.StreamChunk{Content: "lo"},
		&api.StreamChunk{IsFinal: true, FinishReason: "stop", PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	), nil)

	ch, err := f.m.GenerateStream(context.Background(), request())
	require.NoError(t, err)
	chunks, streamErr := drain(t, ch)
	require.NoError(t, streamErr)
	require.Len(t, chunks, 3)
	assert.True(t, chunks[2].IsFinal)

	recs, err := f.costs.RecentRecords(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 7, recs[0].PromptTokens)
	assert.Equal(t, 3, recs[0].CompletionTokens)
	assert.InDelta(t, 0.01, recs[0].Cost, 1e-9)

	logs := f.ingestor.entries()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].IsStreamed)
	assert.True(t, logs[0].TTFTMS.Valid)
	assert.Equal(t, "stop", logs[0].FinishReason)
}

func TestGenerateStream_SplitsReportedTotal(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "a", true)
	p.PerToken = 0.001
	p.On("GenerateStream", mock.Anything, mock.Anything).Return(llmtest.Stream(
		&api.StreamChunk{Content: "x"},
		&api.StreamChunk{IsFinal: true, TotalTokens: 40},
	), nil)

	ch, err := f.m.GenerateStream(context.Background(), request())
	require.NoError(t, err)
	_, streamErr := drain(t, ch)
	require.NoError(t, streamErr)

	recs, err := f.costs.RecentRecords(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 40, recs[0].PromptTokens+recs[0].CompletionTokens)
	assert.InDelta(t, 0.04, recs[0].Cost, 1e-9)
}

func TestGenerateStream_ErrorMidStream(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "a", true)
	p.PerToken = 0.001
	p.On("GenerateStream", mock.Anything, mock.Anything).Return(llmtest.StreamErr(
		api.StreamingError("a", errors.New("reset")),
		&api.StreamChunk{Content: "partial"},
	), nil)

	ch, err := f.m.GenerateStream(context.Background(), request())
	require.NoError(t, err)
	chunks, streamErr := drain(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, api.KindStreaming, api.KindOf(streamErr))

	recs, err := f.costs.RecentRecords(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "no final chunk, no cost")

	logs := f.ingestor.entries()
	require.Len(t, logs, 1)
	assert.Equal(t, string(api.KindStreaming), logs[0].ErrorKind)
}

func TestGenerateStream_OpenFailureFallsThroughChain(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "a", true)
	b := f.add(t, "b", false)
	a.On("GenerateStream", mock.Anything, mock.Anything).
		Return(nil, api.UpstreamError(http.StatusServiceUnavailable, "a", "overloaded"))
	b.On("GenerateStream", mock.Anything, mock.Anything).
		Return(llmtest.Stream(&api.StreamChunk{Content: "b", IsFinal: true}), nil)

	req := request()
	req.Strategy = api.StrategyFallbackChain
	req.FallbackChain = []string{"a", "b"}

	ch, err := f.m.GenerateStream(context.Background(), req)
	require.NoError(t, err)
	chunks, streamErr := drain(t, ch)
	require.NoError(t, streamErr)
	require.Len(t, chunks, 1)
	assert.Equal(t, "b", chunks[0].Content)
}

func TestGenerateStream_ConsumerCancel(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "a", true)

	src := make(chan api.StreamResult)
	p.On("GenerateStream", mock.Anything, mock.Anything).Return((<-chan api.StreamResult)(src), nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.m.GenerateStream(ctx, request())
	require.NoError(t, err)

	// the producer honours ctx and closes its channel
	go func() {
		<-ctx.Done()
		close(src)
	}()
	cancel()

	_, _ = drain(t, ch)
	assert.Eventually(t, func() bool { return len(f.ingestor.entries()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestMetadataCapabilityGating(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", true)
	ctx := context.Background()

	_, err := f.m.GetUsage(ctx, "a", api.UsageQuery{})
	assert.Equal(t, api.KindNotSupported, api.KindOf(err))
	assert.Equal(t, http.StatusNotImplemented, api.AsProblem(err).Status)

	_, err = f.m.GetCosts(ctx, "a", api.UsageQuery{})
	assert.Equal(t, api.KindNotSupported, api.KindOf(err))

	_, err = f.m.GetWorkspaces(ctx, "")
	assert.Equal(t, api.KindNotSupported, api.KindOf(err))

	_, err = f.m.GetUsage(ctx, "nope", api.UsageQuery{})
	assert.Equal(t, api.KindProviderNotFound, api.KindOf(err))

	caps, err := f.m.GetMetadataCapabilities("a")
	require.NoError(t, err)
	assert.False(t, caps.Usage)
	assert.False(t, caps.Costs)
}

func TestListModels_AggregatesAndSkipsFailures(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "a", true)
	b := f.add(t, "b", false)
	a.On("ListModels", mock.Anything).Return([]api.ModelInfo{{ID: "m2"}, {ID: "m1"}}, nil)
	b.On("ListModels", mock.Anything).Return(nil, errors.New("offline"))

	models, err := f.m.ListModels(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "m1", models[0].ID)
	assert.Equal(t, "a", models[0].Provider)

	_, err = f.m.ListModels(context.Background(), "b")
	assert.Error(t, err)
}

func TestInitializeAndShutdownAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	providers := f.repo.Providers()
	require.NoError(t, providers.Add(ctx, "mis", "mistral", map[string]any{"api_key": "k", "base_url": "http://127.0.0.1:1"}, false, "u1"))
	require.NoError(t, providers.Add(ctx, "local", "ollama", map[string]any{"base_url": "http://127.0.0.1:1"}, true, "u1"))
	require.NoError(t, providers.Add(ctx, "bad", "openai", map[string]any{}, false, "u1"))

	require.NoError(t, f.m.Initialize(ctx, "u1"))
	require.NoError(t, f.m.Initialize(ctx, "u1"))
	assert.True(t, f.m.Initialized())
	assert.Equal(t, 1, f.ingestor.started)
	assert.True(t, f.health.Running())

	assert.ElementsMatch(t, []string{"mis", "local"}, f.reg.IDs())
	assert.Equal(t, "local", f.reg.Default())

	require.NoError(t, f.m.Shutdown(ctx))
	require.NoError(t, f.m.Shutdown(ctx))
	assert.False(t, f.m.Initialized())
	assert.False(t, f.health.Running())
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, 1, f.ingestor.stopped)
}

func TestCreateUpdateRemoveProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.m.CreateProvider(ctx, CreateProviderRequest{
		ID: "mis", Type: "mistral", Config: map[string]any{"api_key": "k1", "timeout": 20}, IsDefault: true,
	})
	require.NoError(t, err)
	assert.True(t, info.IsDefault)
	assert.True(t, info.Initialized)

	_, err = f.m.CreateProvider(ctx, CreateProviderRequest{ID: "mis", Type: "mistral", Config: map[string]any{"api_key": "k"}})
	assert.Equal(t, http.StatusConflict, api.AsProblem(err).Status)

	_, err = f.m.CreateProvider(ctx, CreateProviderRequest{ID: "x", Type: "openai", Config: map[string]any{}})
	assert.Equal(t, api.KindConfiguration, api.KindOf(err))
	_, err = f.repo.Providers().GetMetadata(ctx, "x")
	assert.Error(t, err, "invalid config is never persisted")

	before, _ := f.reg.Get("mis")
	_, err = f.m.UpdateProvider(ctx, "mis", UpdateProviderRequest{Config: map[string]any{"api_key": "k2"}})
	require.NoError(t, err)
	after, _ := f.reg.Get("mis")
	assert.NotSame(t, before, after)
	assert.Equal(t, "k2", after.Config().APIKey)
	assert.Equal(t, 20*time.Second, after.Config().Timeout, "unchanged keys survive")
	assert.Equal(t, "mis", f.reg.Default())
	assert.False(t, before.Initialized(), "old instance cleaned up")

	stored, err := f.repo.Providers().GetConfig(ctx, "mis")
	require.NoError(t, err)
	assert.Equal(t, "k2", stored["api_key"])

	_, err = f.m.UpdateProvider(ctx, "ghost", UpdateProviderRequest{})
	assert.Equal(t, api.KindProviderNotFound, api.KindOf(err))

	require.NoError(t, f.m.RemoveProvider(ctx, "mis"))
	_, ok := f.reg.Get("mis")
	assert.False(t, ok)
	_, err = f.repo.Providers().GetMetadata(ctx, "mis")
	assert.Error(t, err)

	assert.Equal(t, api.KindProviderNotFound, api.KindOf(f.m.RemoveProvider(ctx, "mis")))
}

func TestSetDefaultProvider(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", true)
	f.add(t, "b", false)

	require.NoError(t, f.m.SetDefaultProvider(context.Background(), "b"))
	assert.Equal(t, "b", f.reg.Default())

	infos := f.m.ListProviders()
	require.Len(t, infos, 2)
	assert.False(t, infos[0].IsDefault)
	assert.True(t, infos[1].IsDefault)
	assert.Equal(t, api.HealthUnknown, infos[0].Health)

	err := f.m.SetDefaultProvider(context.Background(), "zzz")
	assert.Equal(t, api.KindProviderNotFound, api.KindOf(err))
}

func TestCostSummaryAndBudgetStatus(t *testing.T) {
	f := newFixture(t)
	p := f.add(t, "a", true)
	p.On("Generate", mock.Anything, mock.Anything).Return(&api.Response{PromptTokens: 1, CompletionTokens: 1, Cost: 0.5}, nil)
	ctx := context.Background()

	require.NoError(t, f.m.SetBudget("u1", api.Budget{Limit: 10, Period: api.PeriodMonthly}))
	_, err := f.m.Generate(ctx, request())
	require.NoError(t, err)

	sum, err := f.m.CostSummary(ctx, "u1", api.PeriodDaily, time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sum.TotalCost, 1e-9)
	assert.InDelta(t, 0.5, sum.ByProvider["a"], 1e-9)

	st, err := f.m.BudgetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 9.5, st.Remaining, 1e-9)
}
