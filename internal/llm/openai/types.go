package openai

import "github.com/nulzo/provider-gateway/pkg/api"

// Wire types for the chat completions API. OpenRouter and Mistral speak the
// same dialect, so the fields they add live here too.

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// UsageAccounting asks OpenRouter to report cost in the usage block.
type UsageAccounting struct {
	Include bool `json:"include"`
}

type ChatRequest struct {
	Model            string           `json:"model"`
	Messages         []ChatMessage    `json:"messages"`
	Temperature      *float64         `json:"temperature,omitempty"`
	MaxTokens        int              `json:"max_tokens,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	Stop             []string         `json:"stop,omitempty"`
	Seed             *int             `json:"seed,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	User             string           `json:"user,omitempty"`
	Stream           bool             `json:"stream,omitempty"`
	StreamOptions    *StreamOptions   `json:"stream_options,omitempty"`
	Usage            *UsageAccounting `json:"usage,omitempty"`
	Transforms       []string         `json:"transforms,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	// Cost is only sent by OpenRouter with usage accounting enabled.
	Cost *float64 `json:"cost,omitempty"`
}

type wireError struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Code    interface{} `json:"code"`
}

type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage     `json:"usage"`
	Error *wireError `json:"error"`
}

type modelList struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// BuildRequest maps the neutral request to the wire shape. Only options the
// dialect understands are forwarded.
func BuildRequest(req *api.GenerateRequest, model string) *ChatRequest {
	msgs := make([]ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, ChatMessage{Role: string(m.Role), Content: m.Content, Name: m.Name})
	}

	out := &ChatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		User:        req.UserID,
	}
	if v, ok := api.Option[float64](req, "top_p"); ok {
		out.TopP = &v
	}
	if v, ok := api.Option[float64](req, "presence_penalty"); ok {
		out.PresencePenalty = &v
	}
	if v, ok := api.Option[float64](req, "frequency_penalty"); ok {
		out.FrequencyPenalty = &v
	}
	if v, ok := api.Option[float64](req, "seed"); ok {
		seed := int(v)
		out.Seed = &seed
	}
	if v, ok := api.Option[string](req, "stop"); ok {
		out.Stop = []string{v}
	} else if vs, ok := api.Option[[]interface{}](req, "stop"); ok {
		for _, s := range vs {
			if str, ok := s.(string); ok {
				out.Stop = append(out.Stop, str)
			}
		}
	}
	return out
}
