package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/nulzo/provider-gateway/internal/store"
	"github.com/nulzo/provider-gateway/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Repository implements store.Repository
type Repository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func New(db *sqlx.DB) *Repository {
	return &Repository{
		db:       db,
		executor: db,
	}
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	if _, inTx := r.executor.(*sqlx.Tx); inTx {
		return fn(r)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &Repository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *Repository) Providers() store.ProviderRepository {
	return &providerRepo{repo: r, db: r.executor}
}

func (r *Repository) Requests() store.RequestRepository {
	return &requestRepo{db: r.executor}
}

type providerRepo struct {
	repo *Repository
	db   DB
}

func (r *providerRepo) Add(ctx context.Context, id, providerType string, config map[string]any, isDefault bool, userID string) error {
	blob, err := marshalConfig(config)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec := model.ProviderRecord{
		ID:         id,
		Type:       providerType,
		UserID:     userID,
		IsDefault:  isDefault,
		ConfigJSON: blob,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	return r.repo.WithTx(ctx, func(tx store.Repository) error {
		db := tx.(*Repository).executor
		if isDefault {
			if err := clearDefault(ctx, db, userID); err != nil {
				return err
			}
		}
		query := `
		INSERT INTO providers (id, type, user_id, is_default, config_json, created_at, updated_at)
		VALUES (:id, :type, :user_id, :is_default, :config_json, :created_at, :updated_at)`
		if _, err := db.NamedExecContext(ctx, query, rec); err != nil {
			if isConstraint(err) {
				return fmt.Errorf("provider %s: %w", id, store.ErrDuplicate)
			}
			return err
		}
		return nil
	})
}

func (r *providerRepo) GetConfig(ctx context.Context, id string) (map[string]any, error) {
	var blob string
	err := r.db.GetContext(ctx, &blob, `SELECT config_json FROM providers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	cfg := make(map[string]any)
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, fmt.Errorf("decode config of provider %s: %w", id, err)
	}
	return cfg, nil
}

func (r *providerRepo) GetMetadata(ctx context.Context, id string) (*model.ProviderMetadata, error) {
	var meta model.ProviderMetadata
	query := `SELECT id, type, user_id, is_default, created_at, updated_at FROM providers WHERE id = ?`
	err := r.db.GetContext(ctx, &meta, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (r *providerRepo) List(ctx context.Context, userID string) ([]model.ProviderMetadata, error) {
	var out []model.ProviderMetadata
	query := `SELECT id, type, user_id, is_default, created_at, updated_at FROM providers`
	var args []interface{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, rowid`
	err := r.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

func (r *providerRepo) Update(ctx context.Context, id string, config map[string]any, isDefault *bool) error {
	return r.repo.WithTx(ctx, func(tx store.Repository) error {
		db := tx.(*Repository).executor

		var meta model.ProviderMetadata
		err := db.GetContext(ctx, &meta, `SELECT id, type, user_id, is_default, created_at, updated_at FROM providers WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("provider %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if config != nil {
			blob, err := marshalConfig(config)
			if err != nil {
				return err
			}
			if _, err := db.ExecContext(ctx, `UPDATE providers SET config_json = ?, updated_at = ? WHERE id = ?`, blob, now, id); err != nil {
				return err
			}
		}
		if isDefault != nil {
			if *isDefault {
				if err := clearDefault(ctx, db, meta.UserID); err != nil {
					return err
				}
			}
			if _, err := db.ExecContext(ctx, `UPDATE providers SET is_default = ?, updated_at = ? WHERE id = ?`, *isDefault, now, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *providerRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("provider %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func clearDefault(ctx context.Context, db DB, userID string) error {
	_, err := db.ExecContext(ctx, `UPDATE providers SET is_default = 0 WHERE user_id = ? AND is_default = 1`, userID)
	return err
}

func marshalConfig(config map[string]any) (string, error) {
	if config == nil {
		return "{}", nil
	}
	b, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("encode provider config: %w", err)
	}
	return string(b), nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type requestRepo struct {
	db DB
}

func (r *requestRepo) Log(ctx context.Context, log *model.RequestLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	query := `
	INSERT INTO request_logs (
		id, user_id, provider_id, provider_type, model_id, strategy, finish_reason,
		input_tokens, output_tokens, latency_ms, ttft_ms, status_code, error_kind,
		total_cost_micros, is_streamed, created_at
	) VALUES (
		:id, :user_id, :provider_id, :provider_type, :model_id, :strategy, :finish_reason,
		:input_tokens, :output_tokens, :latency_ms, :ttft_ms, :status_code, :error_kind,
		:total_cost_micros, :is_streamed, :created_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, log)
	return err
}

func (r *requestRepo) GetRecent(ctx context.Context, userID string, limit int) ([]model.RequestLog, error) {
	var logs []model.RequestLog
	query := `SELECT * FROM request_logs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
	err := r.db.SelectContext(ctx, &logs, query, userID, limit)
	return logs, err
}

func (r *requestRepo) GetDailyStats(ctx context.Context, days int) ([]model.DailyStats, error) {
	var stats []model.DailyStats
	query := `
		SELECT
			DATE(created_at) as date,
			COUNT(*) as total_requests,
			COALESCE(SUM(input_tokens + output_tokens), 0) as total_tokens,
			COALESCE(SUM(total_cost_micros), 0) as total_cost_micros,
			COALESCE(AVG(latency_ms), 0) as avg_latency,
			COALESCE(SUM(CASE WHEN error_kind != '' THEN 1 ELSE 0 END), 0) as errors
		FROM request_logs
		WHERE created_at >= DATE('now', ?)
		GROUP BY date
		ORDER BY date DESC
	`
	// SQLite date offset format is '-7 days'
	err := r.db.SelectContext(ctx, &stats, query, fmt.Sprintf("-%d days", days))
	return stats, err
}
