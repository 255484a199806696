package middleware

import (
	"github.com/gin-gonic/gin"
)

const (
	UserHeader = "X-User-ID"
	userKey    = "user_id"
)

// Identity stores the caller's user id, taken from X-User-ID, falling back
// to fallback.
func Identity(fallback string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.GetHeader(UserHeader)
		if user == "" {
			user = fallback
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// UserID returns the id stored by Identity.
func UserID(c *gin.Context) string {
	return c.GetString(userKey)
}
