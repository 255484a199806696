package cost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulzo/provider-gateway/internal/store/aggregate"
	"github.com/nulzo/provider-gateway/internal/telemetry/metrics"
	"github.com/nulzo/provider-gateway/pkg/api"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func newTracker(t *testing.T, store aggregate.Store) *Tracker {
	t.Helper()
	tr := New(store, Options{}, metrics.New(nil), zap.NewNop())
	tr.now = func() time.Time { return fixedNow }
	return tr
}

func redisStore(t *testing.T) (*aggregate.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := aggregate.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRecordCost_SummaryMatchesSum(t *testing.T) {
	s, mr := redisStore(t)
	tr := newTracker(t, s)
	ctx := context.Background()

	costs := []float64{0.01, 0.02, 0.003}
	for i, c := range costs {
		_, err := tr.RecordCost(ctx, api.CostRecord{
			RequestID:        string(rune('a' + i)),
			ProviderID:       "openai",
			Model:            "gpt-4o",
			PromptTokens:     10,
			CompletionTokens: 5,
			Cost:             c,
			UserID:           "u1",
			Timestamp:        fixedNow.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := tr.RecordCost(ctx, api.CostRecord{ProviderID: "openai", Cost: 1, UserID: "u2", Timestamp: fixedNow})
	require.NoError(t, err)

	sum, err := tr.GetSummary(ctx, "u1", fixedNow)
	require.NoError(t, err)
	assert.InDelta(t, 0.033, sum.TotalCost, 1e-9)
	assert.EqualValues(t, 3, sum.TotalRequests)
	assert.EqualValues(t, 45, sum.TotalTokens)
	assert.InDelta(t, 0.033, sum.ByProvider["openai"], 1e-9)
	assert.InDelta(t, 0.033, sum.ByModel["gpt-4o"], 1e-9)
	assert.Equal(t, "2025-03-14", sum.Bucket)

	month, err := tr.GetMonthlySummary(ctx, "u1", fixedNow)
	require.NoError(t, err)
	assert.InDelta(t, 0.033, month.TotalCost, 1e-9)
	assert.Equal(t, "2025-03", month.Bucket)

	total, err := tr.GetTotal(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.033, total, 1e-9)

	assert.True(t, mr.Exists("cost:total:u1"))
	assert.Equal(t, time.Duration(0), mr.TTL("cost:total:u1"))
	assert.Equal(t, 90*24*time.Hour, mr.TTL("cost:daily:u1:2025-03-14"))
	assert.Equal(t, 365*24*time.Hour, mr.TTL("cost:monthly:u1:2025-03"))
}

func TestRecentRecords(t *testing.T) {
	tr := newTracker(t, aggregate.NewMemory())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tr.RecordCost(ctx, api.CostRecord{
			RequestID: string(rune('a' + i)),
			Cost:      float64(i),
			UserID:    "u",
			Timestamp: fixedNow.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	recs, err := tr.RecentRecords(ctx, "u", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].RequestID)
	assert.Equal(t, "b", recs[1].RequestID)
	assert.NotEmpty(t, recs[0].ID)
}

func TestCheckBudget(t *testing.T) {
	tr := newTracker(t, aggregate.NewMemory())
	ctx := context.Background()

	assert.NoError(t, tr.CheckBudget(ctx, "u", 1000), "no budget means allowed")

	require.NoError(t, tr.SetBudget("u", api.Budget{Limit: 1, Period: api.PeriodDaily}))
	_, err := tr.RecordCost(ctx, api.CostRecord{UserID: "u", Cost: 0.6, Timestamp: fixedNow})
	require.NoError(t, err)

	assert.NoError(t, tr.CheckBudget(ctx, "u", 0.4), "exactly at the limit is allowed")

	err = tr.CheckBudget(ctx, "u", 0.41)
	require.Error(t, err)
	p := api.AsProblem(err)
	assert.Equal(t, api.KindBudgetExceeded, p.Kind)
	assert.Equal(t, 402, p.Status)
	assert.Equal(t, 1.0, p.Extensions["limit"])
	assert.InDelta(t, 0.6, p.Extensions["current"].(float64), 1e-9)
	assert.Equal(t, 0.41, p.Extensions["estimated"])
}

func TestCheckBudget_Periods(t *testing.T) {
	tr := newTracker(t, aggregate.NewMemory())
	ctx := context.Background()

	_, err := tr.RecordCost(ctx, api.CostRecord{UserID: "u", Cost: 5, Timestamp: fixedNow.AddDate(0, 0, -1)})
	require.NoError(t, err)

	require.NoError(t, tr.SetBudget("u", api.Budget{Limit: 6, Period: api.PeriodDaily}))
	assert.NoError(t, tr.CheckBudget(ctx, "u", 2), "yesterday does not count")

	require.NoError(t, tr.SetBudget("u", api.Budget{Limit: 6, Period: api.PeriodMonthly}))
	assert.Error(t, tr.CheckBudget(ctx, "u", 2))

	require.NoError(t, tr.SetBudget("u", api.Budget{Limit: 6, Period: api.PeriodTotal}))
	assert.Error(t, tr.CheckBudget(ctx, "u", 2))
}

type brokenStore struct{ aggregate.Store }

func (brokenStore) HGetAll(context.Context, string) (map[string]string, error) {
	return nil, errors.New("connection reset")
}

func (brokenStore) Get(context.Context, string) (string, error) {
	return "", errors.New("connection reset")
}

func TestCheckBudget_FailsOpen(t *testing.T) {
	tr := newTracker(t, brokenStore{aggregate.NewMemory()})
	require.NoError(t, tr.SetBudget("u", api.Budget{Limit: 1, Period: api.PeriodDaily}))
	assert.NoError(t, tr.CheckBudget(context.Background(), "u", 100))

	require.NoError(t, tr.SetBudget("u", api.Budget{Limit: 1, Period: api.PeriodTotal}))
	assert.NoError(t, tr.CheckBudget(context.Background(), "u", 100))
}

func TestCheckBudget_FailsOpenOnRedisOutage(t *testing.T) {
	s, mr := redisStore(t)
	tr := newTracker(t, s)
	require.NoError(t, tr.SetBudget("u", api.Budget{Limit: 1, Period: api.PeriodMonthly}))

	mr.Close()
	assert.NoError(t, tr.CheckBudget(context.Background(), "u", 100))
}

func TestSetBudget_Validation(t *testing.T) {
	tr := newTracker(t, aggregate.NewMemory())

	assert.Error(t, tr.SetBudget("", api.Budget{Limit: 1}))
	assert.Error(t, tr.SetBudget("u", api.Budget{Limit: 0}))
	assert.Error(t, tr.SetBudget("u", api.Budget{Limit: 1, Period: "weekly"}))
	assert.Error(t, tr.SetBudget("u", api.Budget{Limit: 1, AlertThreshold: 1.5}))

	require.NoError(t, tr.SetBudget("u", api.Budget{Limit: 1}))
	b, ok := tr.GetBudget("u")
	require.True(t, ok)
	assert.Equal(t, api.PeriodMonthly, b.Period)
	assert.Equal(t, DefaultAlertThreshold, b.AlertThreshold)

	assert.True(t, tr.RemoveBudget("u"))
	assert.False(t, tr.RemoveBudget("u"))
}

func TestBudgetStatus(t *testing.T) {
	tr := newTracker(t, aggregate.NewMemory())
	ctx := context.Background()

	_, err := tr.BudgetStatus(ctx, "u")
	assert.Equal(t, api.KindNotFound, api.KindOf(err))

	require.NoError(t, tr.SetBudget("u", api.Budget{Limit: 2, Period: api.PeriodTotal}))
	_, err = tr.RecordCost(ctx, api.CostRecord{UserID: "u", Cost: 0.5})
	require.NoError(t, err)

	st, err := tr.BudgetStatus(ctx, "u")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, st.Current, 1e-9)
	assert.InDelta(t, 1.5, st.Remaining, 1e-9)
}

func TestEstimates(t *testing.T) {
	req := &api.GenerateRequest{Messages: []api.Message{{Role: api.User, Content: "0123456789abcdef"}}}

	p, c := EstimateTokens(req)
	assert.Equal(t, 4, p)
	assert.Equal(t, DefaultCompletionTokens, c)

	req.MaxTokens = 50
	_, c = EstimateTokens(req)
	assert.Equal(t, 50, c)

	p, c = SplitTotal(req, 10)
	assert.Equal(t, 4, p)
	assert.Equal(t, 6, c)

	p, c = SplitTotal(req, 3)
	assert.Equal(t, 3, p)
	assert.Equal(t, 0, c)
}
