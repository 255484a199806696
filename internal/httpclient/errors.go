package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// UpstreamError represents a non-2xx response from an upstream service.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	URL        string
	Header     http.Header
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status %d from %s", e.StatusCode, RedactURL(e.URL))
}

// RedactURL drops the query string and any userinfo, where credentials
// tend to live.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.User = nil
	return u.String()
}

// RetryAfter parses the Retry-After header, accepting both delta-seconds and
// HTTP-date forms. Zero means the upstream gave no hint.
func (e *UpstreamError) RetryAfter() time.Duration {
	if e.Header == nil {
		return 0
	}
	v := e.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
