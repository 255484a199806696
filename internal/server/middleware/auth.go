package middleware

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/provider-gateway/pkg/api"
)

// Auth requires a bearer token from keys. An empty key list disables the
// check, which is only sensible for local development.
func Auth(keys []string) gin.HandlerFunc {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			allowed = append(allowed, []byte(k))
		}
	}

	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			abort(c, api.NewError(http.StatusUnauthorized, api.KindAuthentication, "Unauthorized",
				"missing Authorization header"))
			return
		}

		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			abort(c, api.NewError(http.StatusUnauthorized, api.KindAuthentication, "Unauthorized",
				"invalid Authorization header format"))
			return
		}

		for _, k := range allowed {
			if subtle.ConstantTimeCompare(k, []byte(token)) == 1 {
				c.Next()
				return
			}
		}
		abort(c, api.NewError(http.StatusUnauthorized, api.KindAuthentication, "Unauthorized", "invalid API key"))
	}
}

// abort writes p as the response and stops the chain.
func abort(c *gin.Context, p *api.Problem) {
	if p.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(p.RetryAfter.Seconds()))))
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(p.Status, p)
}
