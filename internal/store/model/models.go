package model

import (
	"database/sql"
	"time"
)

// ProviderRecord is one stored provider: identity plus the JSON config blob.
// Credentials are stored in plaintext; the database is inside the local
// trust boundary.
type ProviderRecord struct {
	ID         string    `db:"id" json:"id"`
	Type       string    `db:"type" json:"type"`
	UserID     string    `db:"user_id" json:"user_id"`
	IsDefault  bool      `db:"is_default" json:"is_default"`
	ConfigJSON string    `db:"config_json" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// ProviderMetadata is a ProviderRecord without its config.
type ProviderMetadata struct {
	ID        string    `db:"id" json:"id"`
	Type      string    `db:"type" json:"type"`
	UserID    string    `db:"user_id" json:"user_id"`
	IsDefault bool      `db:"is_default" json:"is_default"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// RequestLog captures one completed or failed generation.
type RequestLog struct {
	ID              string        `db:"id" json:"id"`
	UserID          string        `db:"user_id" json:"user_id"`
	ProviderID      string        `db:"provider_id" json:"provider_id"`
	ProviderType    string        `db:"provider_type" json:"provider_type"`
	ModelID         string        `db:"model_id" json:"model_id"`
	Strategy        string        `db:"strategy" json:"strategy"`
	FinishReason    string        `db:"finish_reason" json:"finish_reason"`
	InputTokens     int           `db:"input_tokens" json:"input_tokens"`
	OutputTokens    int           `db:"output_tokens" json:"output_tokens"`
	LatencyMS       int64         `db:"latency_ms" json:"latency_ms"`
	TTFTMS          sql.NullInt64 `db:"ttft_ms" json:"ttft_ms,omitempty"`
	StatusCode      int           `db:"status_code" json:"status_code"`
	ErrorKind       string        `db:"error_kind" json:"error_kind,omitempty"`
	TotalCostMicros int64         `db:"total_cost_micros" json:"total_cost_micros"`
	IsStreamed      bool          `db:"is_streamed" json:"is_streamed"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
}

// DailyStats represents aggregated usage data for a specific day.
type DailyStats struct {
	Date            string  `db:"date" json:"date"`
	TotalRequests   int     `db:"total_requests" json:"total_requests"`
	TotalTokens     int     `db:"total_tokens" json:"total_tokens"`
	TotalCostMicros int64   `db:"total_cost_micros" json:"total_cost_micros"`
	AverageLatency  float64 `db:"avg_latency" json:"avg_latency"`
	Errors          int     `db:"errors" json:"errors"`
}

// Micros converts a USD amount to integer micro-dollars.
func Micros(usd float64) int64 {
	return int64(usd*1e6 + 0.5)
}
