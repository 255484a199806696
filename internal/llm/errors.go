package llm

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nulzo/provider-gateway/internal/httpclient"
	"github.com/nulzo/provider-gateway/pkg/api"
)

// Refiner lets an adapter override the status-derived kind for
// vendor-specific cases.
type Refiner func(status int, detail string) (api.Kind, bool)

// PaymentRequired maps 402 to insufficient_credits.
func PaymentRequired(status int, _ string) (api.Kind, bool) {
	if status == http.StatusPaymentRequired {
		return api.KindInsufficientCredits, true
	}
	return "", false
}

// MapError converts err into a Problem. Problems pass through untouched,
// *httpclient.UpstreamError goes through the shared status table and
// everything else is treated as a transport failure.
func MapError(provider string, err error, model string, refiners ...Refiner) error {
	if err == nil {
		return nil
	}

	var p *api.Problem
	if errors.As(err, &p) {
		return err
	}

	var up *httpclient.UpstreamError
	if errors.As(err, &up) {
		detail := ErrorDetail(up.Body)
		if detail == "" {
			detail = http.StatusText(up.StatusCode)
		}

		kind := api.CategorizeStatus(up.StatusCode)
		if kind == api.KindNotFound && model != "" && strings.Contains(strings.ToLower(detail), "model") {
			kind = api.KindModelNotFound
		}
		for _, refine := range refiners {
			if k, ok := refine(up.StatusCode, detail); ok {
				kind = k
			}
		}

		opts := []api.ProblemOption{api.WithModel(model), api.WithLog(err)}
		if ra := up.RetryAfter(); ra > 0 {
			opts = append(opts, api.WithRetryAfter(ra))
		}
		return api.UpstreamErrorKind(up.StatusCode, kind, provider, detail, opts...)
	}

	te := api.TransportError(provider, err)
	te.Model = model
	return te
}

// CredentialResult turns a credential probe error into the (valid, error)
// pair: an auth rejection is a clean false, anything else stays an error.
func CredentialResult(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case api.IsKind(err, api.KindAuthentication), api.IsKind(err, api.KindPermission):
		return false, nil
	default:
		return false, err
	}
}

type errorEnvelope struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Detail  string          `json:"detail"`
}

// ErrorDetail pulls a human readable message out of the common vendor error
// payloads: {"error":{"message":..}}, {"error":".."}, {"message":".."} and
// Gemini's single-element array form.
func ErrorDetail(body []byte) string {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return ""
	}

	if body[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(body, &arr); err == nil && len(arr) > 0 {
			return ErrorDetail(arr[0])
		}
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		if len(env.Error) > 0 {
			var s string
			if json.Unmarshal(env.Error, &s) == nil && s != "" {
				return s
			}
			var obj struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(env.Error, &obj) == nil && obj.Message != "" {
				return obj.Message
			}
		}
		if env.Message != "" {
			return env.Message
		}
		if env.Detail != "" {
			return env.Detail
		}
	}

	const limit = 512
	s := string(body)
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
