package google

import (
	"strings"

	"github.com/nulzo/provider-gateway/pkg/api"
)

type Part struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type Request struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Response is both the unary body and one element of a streamed array.
type Response struct {
	Candidates []struct {
		Content      Content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata"`
	ModelVersion  string         `json:"modelVersion"`
	ResponseID    string         `json:"responseId"`
	Error         *APIError      `json:"error"`
}

// split separates visible text from thought parts.
func (r *Response) split() (text, thought, finish string) {
	var tb, rb strings.Builder
	for _, c := range r.Candidates {
		for _, p := range c.Content.Parts {
			if p.Thought {
				rb.WriteString(p.Text)
			} else {
				tb.WriteString(p.Text)
			}
		}
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	return tb.String(), rb.String(), finish
}

// toRequest maps roles onto Gemini's user/model pair and lifts system turns
// into systemInstruction.
func toRequest(req *api.GenerateRequest) Request {
	var out Request
	var system []Part

	for _, m := range req.Messages {
		switch m.Role {
		case api.System:
			system = append(system, Part{Text: m.Content})
		case api.Assistant:
			out.Contents = append(out.Contents, Content{Role: "model", Parts: []Part{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, Content{Role: "user", Parts: []Part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &Content{Parts: system}
	}

	gc := &GenerationConfig{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens}
	if v, ok := api.Option[float64](req, "top_p"); ok {
		gc.TopP = &v
	}
	if v, ok := api.Option[float64](req, "top_k"); ok {
		k := int(v)
		gc.TopK = &k
	}
	if v, ok := api.Option[string](req, "stop"); ok {
		gc.StopSequences = []string{v}
	}
	if gc.Temperature != nil || gc.MaxOutputTokens > 0 || gc.TopP != nil || gc.TopK != nil || len(gc.StopSequences) > 0 {
		out.GenerationConfig = gc
	}
	return out
}
