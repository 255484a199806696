package api

import "time"

// Response is the result of a non-streaming generation.
type Response struct {
	ID               string         `json:"id"`
	Content          string         `json:"content"`
	Reasoning        string         `json:"reasoning,omitempty"`
	Model            string         `json:"model"`
	Provider         string         `json:"provider"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	Cost             float64        `json:"cost"`
	FinishReason     string         `json:"finish_reason,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// StreamChunk is one increment of a streaming generation. Usage fields are
// only populated on the final chunk, and only when the backend reports them.
type StreamChunk struct {
	Content          string `json:"content,omitempty"`
	Reasoning        string `json:"reasoning,omitempty"`
	IsFinal          bool   `json:"is_final"`
	FinishReason     string `json:"finish_reason,omitempty"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	TotalTokens      int    `json:"total_tokens,omitempty"`
}

// StreamResult carries either a chunk or a terminal error.
type StreamResult struct {
	Chunk *StreamChunk
	Err   error
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthCheck is the outcome of the latest liveness probe for a provider.
type HealthCheck struct {
	ProviderID          string        `json:"provider_id"`
	Status              HealthStatus  `json:"status"`
	CheckedAt           time.Time     `json:"checked_at"`
	Latency             time.Duration `json:"latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Error               string        `json:"error,omitempty"`
}

// CostRecord is one billable event. Records are append-only.
type CostRecord struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	ProviderID       string    `json:"provider_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	UserID           string    `json:"user_id"`
	Timestamp        time.Time `json:"timestamp"`
}

type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodMonthly BudgetPeriod = "monthly"
	PeriodTotal   BudgetPeriod = "total"
)

// Budget is a spend ceiling for one user. AlertThreshold is a fraction of
// Limit (0.8 alerts at 80%).
type Budget struct {
	Limit          float64      `json:"limit" binding:"gt=0"`
	Period         BudgetPeriod `json:"period" binding:"required,oneof=daily monthly total"`
	AlertThreshold float64      `json:"alert_threshold" binding:"gte=0,lte=1"`
}

// CostSummary aggregates spend for one user over one period bucket.
type CostSummary struct {
	UserID        string             `json:"user_id"`
	Period        BudgetPeriod       `json:"period"`
	Bucket        string             `json:"bucket"`
	TotalCost     float64            `json:"total_cost"`
	TotalRequests int64              `json:"total_requests"`
	TotalTokens   int64              `json:"total_tokens"`
	ByProvider    map[string]float64 `json:"by_provider"`
	ByModel       map[string]float64 `json:"by_model"`
}

// ProviderInfo describes a registered provider for listing.
type ProviderInfo struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Name         string       `json:"name,omitempty"`
	IsDefault    bool         `json:"is_default"`
	Initialized  bool         `json:"initialized"`
	Health       HealthStatus `json:"health"`
	Capabilities []string     `json:"capabilities"`
}

// UsageQuery narrows a vendor usage or cost report.
type UsageQuery struct {
	StartingAt  time.Time `form:"starting_at" time_format:"2006-01-02"`
	EndingAt    time.Time `form:"ending_at" time_format:"2006-01-02"`
	BucketWidth string    `form:"bucket_width"`
	GroupBy     []string  `form:"group_by"`
}

// Report is vendor-reported metadata (usage, costs, workspaces, credits)
// passed through with minimal reshaping.
type Report struct {
	Provider string         `json:"provider"`
	Kind     string         `json:"kind"`
	Data     any            `json:"data"`
	Meta     map[string]any `json:"meta,omitempty"`
}
