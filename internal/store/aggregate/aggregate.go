// Package aggregate is the counter store behind cost tracking. It needs
// atomic increments, per-key TTLs and plain get/set; Redis provides them
// across processes and Memory within one.
package aggregate

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = errors.New("aggregate: key not found")

type Store interface {
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// IncrFloat atomically adds by to a float counter and returns the result.
	IncrFloat(ctx context.Context, key string, by float64) (float64, error)
	// HIncr atomically increments several hash fields and refreshes the
	// key's TTL in one round trip.
	HIncr(ctx context.Context, key string, ints map[string]int64, floats map[string]float64, ttl time.Duration) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// Scan returns every key starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
