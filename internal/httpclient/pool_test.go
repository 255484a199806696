package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Roundtrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	pool := NewPool(PoolOptions{MaxConnsPerHost: 2, DrainDelay: 10 * time.Millisecond})

	var out map[string]bool
	require.NoError(t, SendRequest(context.Background(), pool.Client(), http.MethodGet, server.URL, nil, nil, &out))
	assert.True(t, out["ok"])

	resp, err := OpenStream(context.Background(), pool.StreamClient(), http.MethodGet, server.URL, nil, nil, "")
	require.NoError(t, err)
	_ = resp.Body.Close()

	pool.Close()
	pool.Close()
}

func TestPool_RateLimitHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	pool := NewPool(PoolOptions{RequestsPerSecond: 0.001, Burst: 1})
	defer pool.Close()

	require.NoError(t, SendRequest(context.Background(), pool.Client(), http.MethodGet, server.URL, nil, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := SendRequest(ctx, pool.Client(), http.MethodGet, server.URL, nil, nil, nil)
	assert.Error(t, err)
}

func TestPoolOptions_Defaults(t *testing.T) {
	o := PoolOptions{}.withDefaults()
	assert.Equal(t, DefaultTimeout, o.Timeout)
	assert.Equal(t, DefaultDrainDelay, o.DrainDelay)
	assert.Equal(t, DefaultMaxConnsPerHost, o.MaxConnsPerHost)

	o = PoolOptions{DrainDelay: -1}.withDefaults()
	assert.Zero(t, o.DrainDelay)
}
