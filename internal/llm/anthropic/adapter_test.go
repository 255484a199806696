package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, extras map[string]string, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a := New(llm.Config{
		ID:      "claude",
		Type:    llm.Anthropic,
		APIKey:  "sk-ant",
		BaseURL: server.URL + "/v1",
		Timeout: 5 * time.Second,
		Extras:  extras,
	})
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Cleanup(context.Background()) })
	return a
}

var conversation = &api.GenerateRequest{
	Model: "claude-3-5-sonnet-20241022",
	Messages: []api.Message{
		{Role: api.System, Content: "be brief"},
		{Role: api.User, Content: "hi"},
		{Role: api.Assistant, Content: "hello"},
		{Role: api.Tool, Content: "tool output"},
	},
}

func TestAnthropicGenerate(t *testing.T) {
	a := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, DefaultVersion, r.Header.Get("anthropic-version"))

		var body Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "be brief", body.System)
		assert.Equal(t, defaultMaxTokens, body.MaxTokens)
		if assert.Len(t, body.Messages, 3) {
			assert.Equal(t, "user", body.Messages[2].Role)
		}

		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-sonnet-20241022",
			"content": [
				{"type": "thinking", "thinking": "short answer"},
				{"type": "text", "text": "Hi!"}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1000, "output_tokens": 1000}
		}`))
	})

	resp, err := a.Generate(context.Background(), conversation)
	require.NoError(t, err)
	assert.Equal(t, "Hi!", resp.Content)
	assert.Equal(t, "short answer", resp.Reasoning)
	assert.Equal(t, 2000, resp.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.InDelta(t, 0.003+0.015, resp.Cost, 1e-12)
}

func TestAnthropicStream(t *testing.T) {
	fixture := `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-3-5-sonnet-20241022","stop_reason":null,"usage":{"input_tokens":25,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: ping
data: {"type": "ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"!"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":15}}

event: message_stop
data: {"type":"message_stop"}

`
	a := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		var body Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		_, _ = w.Write([]byte(fixture))
	})

	ch, err := a.GenerateStream(context.Background(), conversation)
	require.NoError(t, err)

	var chunks []*api.StreamChunk
	for res := range ch {
		require.NoError(t, res.Err)
		chunks = append(chunks, res.Chunk)
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, "Hello", chunks[0].Content)
	assert.Equal(t, "!", chunks[1].Content)

	final := chunks[2]
	assert.True(t, final.IsFinal)
	assert.Empty(t, final.Content)
	assert.Equal(t, 25, final.PromptTokens)
	assert.Equal(t, 15, final.CompletionTokens)
	assert.Equal(t, 40, final.TotalTokens)
	assert.Equal(t, "end_turn", final.FinishReason)
}

func TestAnthropicStream_ErrorEvent(t *testing.T) {
	fixture := "event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"par\"}}\n\n" +
		"event: error\n" +
		"data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"

	a := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fixture))
	})

	ch, err := a.GenerateStream(context.Background(), conversation)
	require.NoError(t, err)

	first := <-ch
	require.NoError(t, first.Err)

	second := <-ch
	require.Error(t, second.Err)
	assert.Equal(t, api.KindStreaming, api.KindOf(second.Err))
	assert.Contains(t, second.Err.Error(), "Overloaded")
}

func TestAnthropicAuthError(t *testing.T) {
	a := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	})

	_, err := a.Generate(context.Background(), conversation)
	p := api.AsProblem(err)
	assert.Equal(t, api.KindAuthentication, p.Kind)
	assert.Equal(t, "invalid x-api-key", p.Detail)

	ok, err := a.ValidateCredentials(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestAnthropicAdminReports(t *testing.T) {
	a := newTestAdapter(t, map[string]string{"admin_key": "sk-ant-admin"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-ant-admin", r.Header.Get("x-api-key"))
		switch r.URL.Path {
		case "/v1/organizations/usage_report/messages":
			assert.Equal(t, "2025-01-01T00:00:00Z", r.URL.Query().Get("starting_at"))
			assert.Equal(t, []string{"model"}, r.URL.Query()["group_by[]"])
			_, _ = w.Write([]byte(`{"data":[{"starting_at":"2025-01-01T00:00:00Z","results":[]}],"has_more":false,"next_page":null}`))
		case "/v1/organizations/cost_report":
			_, _ = w.Write([]byte(`{"data":[],"has_more":true,"next_page":"page_2"}`))
		case "/v1/organizations/workspaces":
			_, _ = w.Write([]byte(`{"data":[{"id":"wrkspc_1","name":"Default"}],"has_more":false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	require.True(t, a.Capabilities().Has(llm.CapUsageReport|llm.CapCostReport|llm.CapWorkspaces))

	usage, err := a.GetUsage(context.Background(), api.UsageQuery{
		StartingAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		GroupBy:    []string{"model"},
	})
	require.NoError(t, err)
	assert.Equal(t, "usage", usage.Kind)

	costs, err := a.GetCosts(context.Background(), api.UsageQuery{})
	require.NoError(t, err)
	assert.Equal(t, "page_2", costs.Meta["next_page"])

	ws, err := a.GetWorkspaces(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"wrkspc_1","name":"Default"}]`, string(ws.Data.(json.RawMessage)))
}

func TestAnthropicAdminWithoutKey(t *testing.T) {
	a := New(llm.Config{ID: "c", Type: llm.Anthropic, APIKey: "k", Timeout: time.Second})
	assert.False(t, a.Capabilities().Has(llm.CapWorkspaces))

	_, err := a.GetWorkspaces(context.Background())
	p := api.AsProblem(err)
	assert.Equal(t, api.KindNotSupported, p.Kind)
	assert.Equal(t, http.StatusNotImplemented, p.Status)
}
