package llm

import (
	"context"
	"testing"
	"time"

	"github.com/nulzo/provider-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBase_Lifecycle(t *testing.T) {
	b := NewBase(Config{ID: "p", Type: Ollama, Timeout: time.Second}, CapLocal, zap.NewNop())
	ctx := context.Background()

	assert.False(t, b.Initialized())
	_, err := b.Client()
	assert.Equal(t, api.KindNotInitialized, api.KindOf(err))

	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))
	assert.True(t, b.Initialized())

	c, err := b.Client()
	require.NoError(t, err)
	assert.NotNil(t, c)

	require.NoError(t, b.Cleanup(ctx))
	require.NoError(t, b.Cleanup(ctx))
	assert.False(t, b.Initialized())

	_, err = b.StreamClient()
	assert.Equal(t, api.KindNotInitialized, api.KindOf(err))
}

func TestBase_BaseURL(t *testing.T) {
	b := NewBase(Config{ID: "p", BaseURL: "http://h:1/v1/"}, 0, nil)
	assert.Equal(t, "http://h:1/v1", b.BaseURL("http://fallback"))

	b = NewBase(Config{ID: "p"}, 0, nil)
	assert.Equal(t, "http://fallback", b.BaseURL("http://fallback/"))
}

func TestEmit_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan api.StreamResult)
	cancel()
	assert.False(t, EmitChunk(ctx, out, &api.StreamChunk{Content: "x"}))
}
