package anthropic

import (
	"strings"

	"github.com/nulzo/provider-gateway/pkg/api"
)

const defaultMaxTokens = 1024

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model         string    `json:"model"`
	Messages      []Message `json:"messages"`
	System        string    `json:"system,omitempty"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	TopK          *int      `json:"top_k,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Response struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	Content    []Content `json:"content"`
	StopReason string    `json:"stop_reason"`
	Usage      Usage     `json:"usage"`
}

type Delta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Thinking   string `json:"thinking"`
	StopReason string `json:"stop_reason"`
}

type StreamEvent struct {
	Type    string    `json:"type"`
	Message *Response `json:"message,omitempty"`
	Delta   *Delta    `json:"delta,omitempty"`
	Usage   *Usage    `json:"usage,omitempty"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// toRequest folds system turns into the top-level system prompt and maps
// tool and function turns onto the user role, the only other role the
// Messages API accepts besides assistant.
func toRequest(req *api.GenerateRequest, model string, stream bool) Request {
	out := Request{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case api.System:
			system = append(system, m.Content)
		case api.Assistant:
			out.Messages = append(out.Messages, Message{Role: "assistant", Content: m.Content})
		default:
			out.Messages = append(out.Messages, Message{Role: "user", Content: m.Content})
		}
	}
	out.System = strings.Join(system, "\n")

	if v, ok := api.Option[float64](req, "top_p"); ok {
		out.TopP = &v
	}
	if v, ok := api.Option[float64](req, "top_k"); ok {
		k := int(v)
		out.TopK = &k
	}
	if v, ok := api.Option[string](req, "stop"); ok {
		out.StopSequences = []string{v}
	}
	return out
}
