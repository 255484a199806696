package ollama

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

	a, err := New(llm.Config{
		ID:      "local",
		Type:    llm.Ollama,
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
		Extras:  extras,
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Cleanup(context.Background()) })
	return a
}

var prompt = &api.GenerateRequest{
	Model:     "llama3.2",
	Messages:  []api.Message{{Role: api.User, Content: "why is the sky blue?"}},
	MaxTokens: 128,
	Options:   map[string]any{"top_k": 40.0, "ignored": true},
}

func TestOllamaStream(t *testing.T) {
	fixture := `{"model":"llama3.2","created_at":"2024-07-22T20:33:28.123Z","message":{"role":"assistant","content":"The"},"done":false}
{"model":"llama3.2","created_at":"2024-07-22T20:33:28.223Z","message":{"role":"assistant","content":" sky"},"done":false}

not json at all
{"model":"llama3.2","created_at":"2024-07-22T20:33:28.323Z","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","total_duration":4883583458,"prompt_eval_count":26,"eval_count":290}
`
	a := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		opts, _ := body["options"].(map[string]any)
		assert.EqualValues(t, 128, opts["num_predict"])
		assert.EqualValues(t, 40, opts["top_k"])
		assert.NotContains(t, opts, "ignored")

		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(fixture))
	})

	ch, err := a.GenerateStream(context.Background(), prompt)
	require.NoError(t, err)

	var chunks []*api.StreamChunk
	for res := range ch {
		require.NoError(t, res.Err)
		chunks = append(chunks, res.Chunk)
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, "The", chunks[0].Content)
	assert.Equal(t, " sky", chunks[1].Content)

	final := chunks[2]
	assert.True(t, final.IsFinal)
	assert.Equal(t, 26, final.PromptTokens)
	assert.Equal(t, 290, final.CompletionTokens)
	assert.Equal(t, 26+290, final.TotalTokens)
	assert.Equal(t, "stop", final.FinishReason)
}

func TestOllamaStream_ThinkingSplit(t *testing.T) {
	fixture := `{"message":{"content":"<thi"},"done":false}
{"message":{"content":"nk>hmm</think>"},"done":false}
{"message":{"content":"Answer"},"done":false}
{"message":{"content":""},"done":true,"prompt_eval_count":1,"eval_count":2}
`
	a := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fixture))
	})

	ch, err := a.GenerateStream(context.Background(), prompt)
	require.NoError(t, err)

	var content, reasoning string
	finals := 0
	for res := range ch {
		require.NoError(t, res.Err)
		content += res.Chunk.Content
		reasoning += res.Chunk.Reasoning
		if res.Chunk.IsFinal {
			finals++
		}
	}
	assert.Equal(t, "Answer", content)
	assert.Equal(t, "hmm", reasoning)
	assert.Equal(t, 1, finals)
}

func TestOllamaStream_TruncatedEndsWithFinal(t *testing.T) {
	a := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"The"},"done":false}
{"model":"llama3.2","message":{"role":"assistant","content":" sky"},"done":false}
`))
	})

	ch, err := a.GenerateStream(context.Background(), prompt)
	require.NoError(t, err)

	var chunks []*api.StreamChunk
	for res := range ch {
		require.NoError(t, res.Err)
		chunks = append(chunks, res.Chunk)
	}

	require.Len(t, chunks, 3)
	final := chunks[2]
	assert.True(t, final.IsFinal)
	assert.Equal(t, "llama3.2", final.Model)
	assert.Zero(t, final.TotalTokens)
	assert.Empty(t, final.FinishReason)
}

func TestOllamaStream_ErrorLine(t *testing.T) {
	a := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model 'nope' not found"}` + "\n"))
	})

	ch, err := a.GenerateStream(context.Background(), prompt)
	require.NoError(t, err)

	res := <-ch
	require.Error(t, res.Err)
	assert.Equal(t, api.KindStreaming, api.KindOf(res.Err))
}

func TestOllamaGenerate_ZeroCost(t *testing.T) {
	a := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"<think>blue light</think>Rayleigh scattering."},"done":true,"done_reason":"stop","prompt_eval_count":10,"eval_count":5}`))
	})

	resp, err := a.Generate(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, "Rayleigh scattering.", resp.Content)
	assert.Equal(t, "blue light", resp.Reasoning)
	assert.Equal(t, 15, resp.TotalTokens)
	assert.Zero(t, resp.Cost)
	assert.Zero(t, a.EstimateCost(1e6, 1e6, "llama3.2"))
	assert.True(t, a.Capabilities().Has(llm.CapLocal))
}

func TestOllamaModelNotFound(t *testing.T) {
	a := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"nope\" not found, try pulling it first"}`))
	})

	_, err := a.Generate(context.Background(), &api.GenerateRequest{Model: "nope", Messages: prompt.Messages})
	assert.Equal(t, api.KindModelNotFound, api.KindOf(err))
}

func TestOllamaValidateCredentials_VersionGate(t *testing.T) {
	ver := "0.5.7"
	a := newTestAdapter(t, map[string]string{"min_version": "0.3.0"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		_, _ = w.Write([]byte(`{"version":"` + ver + `"}`))
	})

	ok, err := a.ValidateCredentials(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ver = "0.2.9"
	ok, err = a.ValidateCredentials(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	ver = "garbage"
	_, err = a.ValidateCredentials(context.Background())
	assert.Error(t, err)
}

func TestOllamaListModels(t *testing.T) {
	a := newTestAdapter(t, nil, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[
			{"name":"llama3.2:latest","size":2019393189,"details":{"family":"llama","families":["llama"],"parameter_size":"3.2B"}},
			{"name":"llava:7b","details":{"family":"llama","families":["llama","clip"],"parameter_size":"7B"}}
		]}`))
	})

	models, err := a.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3.2:latest (3.2B)", models[0].Name)
	assert.Zero(t, models[0].InputCostPer1K)
	assert.True(t, models[1].HasCapability("vision"))
}

func TestOllamaBadMinVersion(t *testing.T) {
	_, err := New(llm.Config{ID: "x", Type: llm.Ollama, Timeout: time.Second, Extras: map[string]string{"min_version": "not-a-version"}})
	assert.Equal(t, api.KindConfiguration, api.KindOf(err))
}

func TestOllamaBaseURLStripsV1(t *testing.T) {
	a, err := New(llm.Config{ID: "x", Type: llm.Ollama, Timeout: time.Second, BaseURL: "http://host:11434/v1/"})
	require.NoError(t, err)
	assert.Equal(t, "http://host:11434/api/chat", a.url("/api/chat"))
}
