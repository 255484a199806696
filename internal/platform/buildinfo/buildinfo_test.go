package buildinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOutdated(t *testing.T) {
	newer, err := Outdated("v1.2.0", "v1.10.0")
	require.NoError(t, err)
	assert.True(t, newer)

	newer, err = Outdated("1.10.0", "v1.2.0")
	require.NoError(t, err)
	assert.False(t, newer)

	_, err = Outdated("dev", "v1.0.0")
	assert.Error(t, err)
}

func TestCheckForUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"v9.0.0"}`))
	}))
	defer srv.Close()

	core, logs := observer.New(zap.DebugLevel)
	CheckForUpdates(context.Background(), srv.URL, zap.New(core))

	warned := logs.FilterMessage("a newer release is available").All()
	require.Len(t, warned, 1)
	assert.Equal(t, "v9.0.0", warned[0].ContextMap()["latest"])
}
