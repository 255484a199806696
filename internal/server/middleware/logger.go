package middleware

import (
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger logs one line per request through ginzap. Probe endpoints are
// skipped and the level follows the response status.
func Logger(logger *zap.Logger, skip ...string) gin.HandlerFunc {
	return ginzap.GinzapWithConfig(logger, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  skip,
		Context: func(c *gin.Context) []zapcore.Field {
			fields := []zapcore.Field{zap.String("user", UserID(c))}
			if len(c.Errors) > 0 {
				fields = append(fields, zap.String("errors", c.Errors.String()))
			}
			return fields
		},
		DefaultLevel: zapcore.InfoLevel,
	})
}

// Recovery turns panics into 500s and logs them with a stack trace.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return ginzap.RecoveryWithZap(logger, true)
}
