package aggregate

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     string
	hash      map[string]string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is a process-local Store. Expired keys are dropped lazily.
type Memory struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

func (m *Memory) lookup(key string) (entry, bool) {
	e, ok := m.items[key]
	if ok && e.expired(m.now()) {
		delete(m.items, key)
		return entry{}, false
	}
	return e, ok
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = entry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || e.hash != nil {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) IncrFloat(ctx context.Context, key string, by float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.lookup(key)
	cur, err := parseFloat(e.value)
	if err != nil {
		return 0, err
	}
	cur += by
	e.value = strconv.FormatFloat(cur, 'f', -1, 64)
	m.items[key] = e
	return cur, nil
}

func (m *Memory) HIncr(ctx context.Context, key string, ints map[string]int64, floats map[string]float64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || e.hash == nil {
		e = entry{hash: make(map[string]string)}
	}
	for field, v := range ints {
		cur, err := strconv.ParseInt(orZero(e.hash[field]), 10, 64)
		if err != nil {
			return err
		}
		e.hash[field] = strconv.FormatInt(cur+v, 10)
	}
	for field, v := range floats {
		cur, err := parseFloat(e.hash[field])
		if err != nil {
			return err
		}
		e.hash[field] = strconv.FormatFloat(cur+v, 'f', -1, 64)
	}
	if ttl > 0 {
		e.expiresAt = m.expiry(ttl)
	}
	m.items[key] = e
	return nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	e, ok := m.lookup(key)
	if !ok {
		return out, nil
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Scan(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var keys []string
	for k, e := range m.items {
		if e.expired(now) {
			delete(m.items, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(orZero(s), 64)
}
