package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/nulzo/provider-gateway/internal/httpclient"
	"github.com/nulzo/provider-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapError_StatusTable(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		want      api.Kind
		retryable bool
	}{
		{400, `{"error":{"message":"bad"}}`, api.KindInvalidRequest, false},
		{401, `{"error":"nope"}`, api.KindAuthentication, false},
		{403, ``, api.KindPermission, false},
		{404, `{"message":"not here"}`, api.KindNotFound, false},
		{404, `{"error":{"message":"model 'x' not found"}}`, api.KindModelNotFound, false},
		{429, `{}`, api.KindRateLimit, true},
		{500, `oops`, api.KindServerError, true},
		{503, ``, api.KindServerError, true},
		{418, ``, api.KindUpstream, false},
	}

	for _, tt := range tests {
		err := MapError("p", &httpclient.UpstreamError{StatusCode: tt.status, Body: []byte(tt.body)}, "x")
		p := api.AsProblem(err)
		assert.Equal(t, tt.want, p.Kind, "status %d", tt.status)
		assert.Equal(t, tt.retryable, p.Retryable, "status %d", tt.status)
		assert.Equal(t, tt.status, p.Status)
		assert.Equal(t, "p", p.Provider)
		assert.Equal(t, "x", p.Model)
	}
}

func TestMapError_Refiner(t *testing.T) {
	err := MapError("or", &httpclient.UpstreamError{StatusCode: 402, Body: []byte(`{"error":{"message":"Insufficient credits"}}`)}, "", PaymentRequired)
	p := api.AsProblem(err)
	assert.Equal(t, api.KindInsufficientCredits, p.Kind)
	assert.Equal(t, "Insufficient credits", p.Detail)
}

func TestMapError_RetryAfter(t *testing.T) {
	err := MapError("p", &httpclient.UpstreamError{
		StatusCode: 429,
		Header:     http.Header{"Retry-After": []string{"3"}},
	}, "")
	assert.Equal(t, 3*time.Second, api.AsProblem(err).RetryAfter)
}

func TestMapError_Transport(t *testing.T) {
	err := MapError("p", context.DeadlineExceeded, "m")
	assert.Equal(t, api.KindTimeout, api.KindOf(err))

	err = MapError("p", errors.New("connection refused"), "m")
	assert.Equal(t, api.KindConnection, api.KindOf(err))
	assert.True(t, api.IsRetryable(err))
}

func TestMapError_ProblemPassesThrough(t *testing.T) {
	orig := api.NotInitializedError("p")
	require.Same(t, orig, MapError("p", orig, "m"))
	assert.NoError(t, MapError("p", nil, "m"))
}

func TestErrorDetail(t *testing.T) {
	assert.Equal(t, "quota", ErrorDetail([]byte(`[{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}]`)))
	assert.Equal(t, "plain", ErrorDetail([]byte("plain")))
	assert.Empty(t, ErrorDetail(nil))
}
