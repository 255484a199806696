// Package cost records spend into the aggregate store and enforces per-user
// budgets against it.
package cost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/nulzo/provider-gateway/internal/store/aggregate"
	"github.com/nulzo/provider-gateway/internal/telemetry/metrics"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
)

const (
	fieldCost     = "total_cost"
	fieldRequests = "total_requests"
	fieldTokens   = "total_tokens"
	providerField = "provider:"
	modelField    = "model:"

	// DefaultAlertThreshold applies when a budget is set without one.
	DefaultAlertThreshold = 0.8
	// AnonymousUser owns records that arrive without a user id.
	AnonymousUser = "anonymous"
)

type Options struct {
	KeyPrefix  string
	DetailTTL  time.Duration
	DailyTTL   time.Duration
	MonthlyTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "cost"
	}
	if !strings.HasSuffix(o.KeyPrefix, ":") {
		o.KeyPrefix += ":"
	}
	if o.DetailTTL <= 0 {
		o.DetailTTL = 90 * 24 * time.Hour
	}
	if o.DailyTTL <= 0 {
		o.DailyTTL = 90 * 24 * time.Hour
	}
	if o.MonthlyTTL <= 0 {
		o.MonthlyTTL = 365 * 24 * time.Hour
	}
	return o
}

// Tracker is safe for concurrent use. Counters are only ever changed through
// the store's atomic increments; budgets live in memory and must be
// re-applied after a restart.
type Tracker struct {
	store   aggregate.Store
	opts    Options
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	budgets map[string]api.Budget
}

func New(store aggregate.Store, opts Options, m *metrics.Metrics, log *zap.Logger) *Tracker {
	return &Tracker{
		store:   store,
		opts:    opts.withDefaults(),
		metrics: m,
		log:     logger.OrDefault(log).Named("cost"),
		now:     time.Now,
		budgets: make(map[string]api.Budget),
	}
}

func (t *Tracker) detailKey(user string, ts time.Time, requestID string) string {
	return fmt.Sprintf("%sdetail:%s:%d:%s", t.opts.KeyPrefix, user, ts.UnixNano(), requestID)
}

func (t *Tracker) dailyKey(user string, ts time.Time) string {
	return fmt.Sprintf("%sdaily:%s:%s", t.opts.KeyPrefix, user, ts.UTC().Format("2006-01-02"))
}

func (t *Tracker) monthlyKey(user string, ts time.Time) string {
	return fmt.Sprintf("%smonthly:%s:%s", t.opts.KeyPrefix, user, ts.UTC().Format("2006-01"))
}

func (t *Tracker) totalKey(user string) string {
	return t.opts.KeyPrefix + "total:" + user
}

// RecordCost stores the detail record and bumps the daily, monthly and
// running-total counters. Missing ids and timestamps are filled in.
func (t *Tracker) RecordCost(ctx context.Context, rec api.CostRecord) (api.CostRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RequestID == "" {
		rec.RequestID = rec.ID
	}
	if rec.UserID == "" {
		rec.UserID = AnonymousUser
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("marshal cost record: %w", err)
	}
	if err := t.store.Set(ctx, t.detailKey(rec.UserID, rec.Timestamp, rec.RequestID), string(data), t.opts.DetailTTL); err != nil {
		return rec, fmt.Errorf("store cost record: %w", err)
	}

	ints := map[string]int64{
		fieldRequests: 1,
		fieldTokens:   int64(rec.PromptTokens + rec.CompletionTokens),
	}
	floats := map[string]float64{fieldCost: rec.Cost}
	if rec.ProviderID != "" {
		floats[providerField+rec.ProviderID] = rec.Cost
	}
	if rec.Model != "" {
		floats[modelField+rec.Model] = rec.Cost
	}

	if err := t.store.HIncr(ctx, t.dailyKey(rec.UserID, rec.Timestamp), ints, floats, t.opts.DailyTTL); err != nil {
		return rec, fmt.Errorf("update daily aggregate: %w", err)
	}
	if err := t.store.HIncr(ctx, t.monthlyKey(rec.UserID, rec.Timestamp), ints, floats, t.opts.MonthlyTTL); err != nil {
		return rec, fmt.Errorf("update monthly aggregate: %w", err)
	}
	if _, err := t.store.IncrFloat(ctx, t.totalKey(rec.UserID), rec.Cost); err != nil {
		return rec, fmt.Errorf("update running total: %w", err)
	}

	t.metrics.ObserveUsage(rec.ProviderID, rec.PromptTokens, rec.CompletionTokens, rec.Cost)
	t.log.Debug("cost recorded",
		zap.String("user", rec.UserID),
		zap.String("provider", rec.ProviderID),
		zap.String("model", rec.Model),
		zap.Float64("cost", rec.Cost))
	return rec, nil
}

// CheckBudget returns a budget_exceeded Problem when current spend plus
// estimated would go over the user's limit. Store errors allow the request.
func (t *Tracker) CheckBudget(ctx context.Context, userID string, estimated float64) error {
	b, ok := t.GetBudget(userID)
	if !ok {
		return nil
	}

	current, err := t.spend(ctx, userID, b.Period)
	if err != nil {
		t.metrics.BudgetCheck("fail_open")
		t.log.Warn("budget check failed, allowing request",
			zap.String("user", userID), zap.Error(err))
		return nil
	}

	projected := current + estimated
	switch {
	case projected > b.Limit:
		t.metrics.BudgetCheck("denied")
		t.log.Info("budget exceeded",
			zap.String("user", userID),
			zap.Float64("limit", b.Limit),
			zap.Float64("current", current),
			zap.Float64("estimated", estimated))
		return api.BudgetExceededError(userID, b.Limit, current, estimated)
	case b.AlertThreshold > 0 && projected >= b.Limit*b.AlertThreshold:
		t.metrics.BudgetCheck("alert")
		t.log.Warn("budget alert threshold reached",
			zap.String("user", userID),
			zap.String("period", string(b.Period)),
			zap.Float64("limit", b.Limit),
			zap.Float64("projected", projected))
	default:
		t.metrics.BudgetCheck("allowed")
	}
	return nil
}

func (t *Tracker) spend(ctx context.Context, userID string, period api.BudgetPeriod) (float64, error) {
	now := t.now()
	switch period {
	case api.PeriodDaily:
		return t.hashCost(ctx, t.dailyKey(userID, now))
	case api.PeriodMonthly:
		return t.hashCost(ctx, t.monthlyKey(userID, now))
	default:
		return t.GetTotal(ctx, userID)
	}
}

func (t *Tracker) hashCost(ctx context.Context, key string) (float64, error) {
	fields, err := t.store.HGetAll(ctx, key)
	if err != nil {
		return 0, err
	}
	return parseFloat(fields[fieldCost])
}

// SetBudget validates and installs a budget, replacing any existing one.
func (t *Tracker) SetBudget(userID string, b api.Budget) error {
	if userID == "" {
		return api.BadRequestError("budget requires a user id")
	}
	if b.Limit <= 0 {
		return api.BadRequestError("budget limit must be positive")
	}
	switch b.Period {
	case api.PeriodDaily, api.PeriodMonthly, api.PeriodTotal:
	case "":
		b.Period = api.PeriodMonthly
	default:
		return api.BadRequestError(fmt.Sprintf("unknown budget period '%s'", b.Period))
	}
	if b.AlertThreshold < 0 || b.AlertThreshold > 1 {
		return api.BadRequestError("alert threshold must be between 0 and 1")
	}
	if b.AlertThreshold == 0 {
		b.AlertThreshold = DefaultAlertThreshold
	}

	t.mu.Lock()
	t.budgets[userID] = b
	t.mu.Unlock()
	t.log.Info("budget set",
		zap.String("user", userID),
		zap.Float64("limit", b.Limit),
		zap.String("period", string(b.Period)))
	return nil
}

func (t *Tracker) GetBudget(userID string) (api.Budget, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.budgets[userID]
	return b, ok
}

func (t *Tracker) RemoveBudget(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.budgets[userID]
	delete(t.budgets, userID)
	return ok
}

// BudgetStatus is a budget together with the spend it is measured against.
type BudgetStatus struct {
	UserID    string     `json:"user_id"`
	Budget    api.Budget `json:"budget"`
	Current   float64    `json:"current"`
	Remaining float64    `json:"remaining"`
}

func (t *Tracker) BudgetStatus(ctx context.Context, userID string) (*BudgetStatus, error) {
	b, ok := t.GetBudget(userID)
	if !ok {
		return nil, api.NewError(http.StatusNotFound, api.KindNotFound, "Budget Not Found",
			fmt.Sprintf("no budget is set for user '%s'", userID))
	}
	current, err := t.spend(ctx, userID, b.Period)
	if err != nil {
		return nil, api.InternalError("read spend", err)
	}
	remaining := b.Limit - current
	if remaining < 0 {
		remaining = 0
	}
	return &BudgetStatus{UserID: userID, Budget: b, Current: current, Remaining: remaining}, nil
}

// GetSummary aggregates the user's spend for the UTC day containing day.
func (t *Tracker) GetSummary(ctx context.Context, userID string, day time.Time) (*api.CostSummary, error) {
	return t.summary(ctx, userID, api.PeriodDaily, day.UTC().Format("2006-01-02"), t.dailyKey(userID, day))
}

// GetMonthlySummary aggregates the user's spend for the UTC month
// containing month.
func (t *Tracker) GetMonthlySummary(ctx context.Context, userID string, month time.Time) (*api.CostSummary, error) {
	return t.summary(ctx, userID, api.PeriodMonthly, month.UTC().Format("2006-01"), t.monthlyKey(userID, month))
}

func (t *Tracker) summary(ctx context.Context, userID string, period api.BudgetPeriod, bucket, key string) (*api.CostSummary, error) {
	fields, err := t.store.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	s := &api.CostSummary{
		UserID:     userID,
		Period:     period,
		Bucket:     bucket,
		ByProvider: make(map[string]float64),
		ByModel:    make(map[string]float64),
	}
	for field, raw := range fields {
		switch {
		case field == fieldCost:
			s.TotalCost, err = parseFloat(raw)
		case field == fieldRequests:
			s.TotalRequests, err = strconv.ParseInt(raw, 10, 64)
		case field == fieldTokens:
			s.TotalTokens, err = strconv.ParseInt(raw, 10, 64)
		case strings.HasPrefix(field, providerField):
			s.ByProvider[strings.TrimPrefix(field, providerField)], err = parseFloat(raw)
		case strings.HasPrefix(field, modelField):
			s.ByModel[strings.TrimPrefix(field, modelField)], err = parseFloat(raw)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s.%s: %w", key, field, err)
		}
	}
	return s, nil
}

// GetTotal returns the user's all-time spend.
func (t *Tracker) GetTotal(ctx context.Context, userID string) (float64, error) {
	raw, err := t.store.Get(ctx, t.totalKey(userID))
	if errors.Is(err, aggregate.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseFloat(raw)
}

// RecentRecords returns up to limit detail records, newest first.
func (t *Tracker) RecentRecords(ctx context.Context, userID string, limit int) ([]api.CostRecord, error) {
	prefix := fmt.Sprintf("%sdetail:%s:", t.opts.KeyPrefix, userID)
	keys, err := t.store.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("scan cost records: %w", err)
	}

	type keyed struct {
		key string
		ts  int64
	}
	ordered := make([]keyed, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		tsPart, _, _ := strings.Cut(rest, ":")
		ts, err := strconv.ParseInt(tsPart, 10, 64)
		if err != nil {
			continue
		}
		ordered = append(ordered, keyed{k, ts})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ts > ordered[j].ts })
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}

	out := make([]api.CostRecord, 0, len(ordered))
	for _, k := range ordered {
		raw, err := t.store.Get(ctx, k.key)
		if errors.Is(err, aggregate.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec api.CostRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			t.log.Debug("skipping unreadable cost record", zap.String("key", k.key), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
