package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Kind is the machine-readable error type carried by every Problem.
type Kind string

const (
	KindAuthentication      Kind = "authentication"
	KindPermission          Kind = "permission"
	KindRateLimit           Kind = "rate_limit"
	KindInvalidRequest      Kind = "invalid_request"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindModelNotFound       Kind = "model_not_found"
	KindNotFound            Kind = "not_found"
	KindServerError         Kind = "server_error"
	KindConnection          Kind = "connection"
	KindTimeout             Kind = "timeout"
	KindStreaming           Kind = "streaming"
	KindNotInitialized      Kind = "not_initialized"
	KindConfiguration       Kind = "configuration"
	KindProviderNotFound    Kind = "provider_not_found"
	KindNoDefaultProvider   Kind = "no_default_provider"
	KindProviderUnhealthy   Kind = "provider_unhealthy"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindNotSupported        Kind = "not_supported"
	KindUpstream            Kind = "upstream"
	KindInternal            Kind = "internal"
)

// Retryable reports whether a request that failed with this kind may succeed
// if repeated unchanged.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServerError, KindConnection, KindTimeout:
		return true
	}
	return false
}

// CategorizeStatus maps an upstream HTTP status to a Kind. Every adapter
// uses this table regardless of the vendor's payload shape.
func CategorizeStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest:
		return KindInvalidRequest
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindPermission
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500 && status <= 599:
		return KindServerError
	default:
		return KindUpstream
	}
}

// Problem implements RFC 9457 and is the concrete type of every expected
// failure in the gateway.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Kind       Kind          `json:"kind"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"-"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`

	Extensions map[string]interface{} `json:"-"`

	// Log is the internal cause. It is never serialized.
	Log error `json:"-"`
}

func (p *Problem) Error() string {
	msg := fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
	if p.Provider != "" {
		msg = fmt.Sprintf("%s (provider=%s", msg, p.Provider)
		if p.Model != "" {
			msg += ", model=" + p.Model
		}
		msg += ")"
	}
	return msg
}

func (p *Problem) Unwrap() error {
	return p.Log
}

func (p *Problem) MarshalJSON() ([]byte, error) {
	type Alias Problem

	data := make(map[string]interface{})

	for k, v := range p.Extensions {
		data[k] = v
	}
	if p.RetryAfter > 0 {
		data["retry_after_seconds"] = p.RetryAfter.Seconds()
	}

	stdJSON, _ := json.Marshal(Alias(*p))
	_ = json.Unmarshal(stdJSON, &data)

	return json.Marshal(data)
}

type ProblemOption func(*Problem)

// NewError creates a Problem with the RFC default type.
func NewError(status int, kind Kind, title, detail string, opts ...ProblemOption) *Problem {
	p := &Problem{
		Type:       "about:blank",
		Title:      title,
		Status:     status,
		Detail:     detail,
		Kind:       kind,
		Retryable:  kind.Retryable(),
		Extensions: make(map[string]interface{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// WithExtension adds a custom key-value pair to the response
func WithExtension(key string, value interface{}) ProblemOption {
	return func(p *Problem) {
		p.Extensions[key] = value
	}
}

// WithLog attaches an internal error for server-side logging
func WithLog(err error) ProblemOption {
	return func(p *Problem) {
		p.Log = err
	}
}

// WithType sets the RFC "type" URI
func WithType(uri string) ProblemOption {
	return func(p *Problem) {
		p.Type = uri
	}
}

func WithProvider(id string) ProblemOption {
	return func(p *Problem) {
		p.Provider = id
	}
}

func WithModel(model string) ProblemOption {
	return func(p *Problem) {
		p.Model = model
	}
}

func WithRetryAfter(d time.Duration) ProblemOption {
	return func(p *Problem) {
		p.RetryAfter = d
	}
}

// UpstreamError builds a Problem from a non-2xx backend response using the
// shared status table.
func UpstreamError(status int, provider, detail string, opts ...ProblemOption) *Problem {
	kind := CategorizeStatus(status)
	return UpstreamErrorKind(status, kind, provider, detail, opts...)
}

// UpstreamErrorKind is UpstreamError with an adapter-refined kind.
func UpstreamErrorKind(status int, kind Kind, provider, detail string, opts ...ProblemOption) *Problem {
	opts = append([]ProblemOption{WithProvider(provider), WithExtension("upstream_status", status)}, opts...)
	return NewError(status, kind, "Upstream Provider Error", detail, opts...)
}

// TransportError classifies a failure to talk to the backend at all.
// The request URL is left out of the detail and the logged cause since it
// may carry a credential.
func TransportError(provider string, err error) *Problem {
	detail, cause := transportDetail(err), err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		cause = fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return NewError(http.StatusGatewayTimeout, KindTimeout, "Upstream Timeout", detail,
			WithProvider(provider), WithLog(cause))
	}
	return NewError(http.StatusBadGateway, KindConnection, "Upstream Unreachable", detail,
		WithProvider(provider), WithLog(cause))
}

func transportDetail(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Op + ": " + urlErr.Err.Error()
	}
	return err.Error()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StreamingError reports a failure after part of the output was delivered.
func StreamingError(provider string, err error) *Problem {
	return NewError(http.StatusBadGateway, KindStreaming, "Streaming Error", err.Error(),
		WithProvider(provider), WithLog(err))
}

func NotInitializedError(provider string) *Problem {
	return NewError(http.StatusInternalServerError, KindNotInitialized, "Provider Not Initialized",
		fmt.Sprintf("provider '%s' must be initialized before use", provider), WithProvider(provider))
}

func ConfigurationError(detail string, opts ...ProblemOption) *Problem {
	return NewError(http.StatusBadRequest, KindConfiguration, "Configuration Error", detail, opts...)
}

// ValidationError creates a rich validation error
func ValidationError(validationErrors map[string]string) *Problem {
	return NewError(
		http.StatusBadRequest,
		KindInvalidRequest,
		"Validation Error",
		"One or more fields failed validation",
		WithExtension("errors", validationErrors),
	)
}

func BadRequestError(detail string, opts ...ProblemOption) *Problem {
	return NewError(http.StatusBadRequest, KindInvalidRequest, "Bad Request", detail, opts...)
}

func ProviderNotFoundError(id string) *Problem {
	return NewError(http.StatusNotFound, KindProviderNotFound, "Provider Not Found",
		fmt.Sprintf("provider '%s' is not registered", id), WithProvider(id))
}

func NoDefaultProviderError() *Problem {
	return NewError(http.StatusServiceUnavailable, KindNoDefaultProvider, "No Default Provider",
		"no provider is registered as default")
}

func ProviderUnhealthyError(id string) *Problem {
	return NewError(http.StatusServiceUnavailable, KindProviderUnhealthy, "Provider Unhealthy",
		fmt.Sprintf("provider '%s' is marked unhealthy", id), WithProvider(id))
}

func BudgetExceededError(userID string, limit, current, estimated float64) *Problem {
	return NewError(http.StatusPaymentRequired, KindBudgetExceeded, "Budget Exceeded",
		fmt.Sprintf("request would exceed the budget for user '%s'", userID),
		WithExtension("limit", limit),
		WithExtension("current", current),
		WithExtension("estimated", estimated),
	)
}

func NotSupportedError(provider, capability string) *Problem {
	return NewError(http.StatusNotImplemented, KindNotSupported, "Not Supported",
		fmt.Sprintf("provider '%s' does not support %s", provider, capability),
		WithProvider(provider), WithExtension("capability", capability))
}

func InternalError(detail string, err error) *Problem {
	return NewError(http.StatusInternalServerError, KindInternal, "Internal Server Error", detail, WithLog(err))
}

// KindOf returns the Kind of the first Problem in err's chain, or
// KindInternal for foreign errors.
func KindOf(err error) Kind {
	var p *Problem
	if errors.As(err, &p) {
		return p.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a Problem marked retryable.
func IsRetryable(err error) bool {
	var p *Problem
	return errors.As(err, &p) && p.Retryable
}

// AsProblem converts any error into a Problem, preserving an existing one.
func AsProblem(err error) *Problem {
	if err == nil {
		return nil
	}
	var p *Problem
	if errors.As(err, &p) {
		return p
	}
	return InternalError(err.Error(), err)
}

// Wrap returns a copy of err's Problem annotated with provider and model
// context. Foreign errors are wrapped as upstream failures.
func Wrap(err error, provider, model string) error {
	if err == nil {
		return nil
	}
	var p *Problem
	if !errors.As(err, &p) {
		return NewError(http.StatusBadGateway, KindUpstream, "Provider Error", err.Error(),
			WithProvider(provider), WithModel(model), WithLog(err))
	}
	cp := *p
	if cp.Provider == "" {
		cp.Provider = provider
	}
	if cp.Model == "" {
		cp.Model = model
	}
	cp.Log = err
	return &cp
}
