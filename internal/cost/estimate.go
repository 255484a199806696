package cost

import "github.com/nulzo/provider-gateway/pkg/api"

// DefaultCompletionTokens is assumed when a request sets no max_tokens.
const DefaultCompletionTokens = 1024

// EstimatePromptTokens uses the four-characters-per-token rule of thumb.
func EstimatePromptTokens(req *api.GenerateRequest) int {
	chars := req.PromptChars()
	if chars == 0 {
		return 0
	}
	n := chars / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateTokens returns the prompt and completion estimates used for the
// budget pre-check.
func EstimateTokens(req *api.GenerateRequest) (prompt, completion int) {
	completion = req.MaxTokens
	if completion <= 0 {
		completion = DefaultCompletionTokens
	}
	return EstimatePromptTokens(req), completion
}

// SplitTotal divides a reported total into prompt and completion parts when
// the backend only reports the sum. The prompt side gets the estimate,
// capped at the total.
func SplitTotal(req *api.GenerateRequest, total int) (prompt, completion int) {
	prompt = EstimatePromptTokens(req)
	if prompt > total {
		prompt = total
	}
	return prompt, total - prompt
}
