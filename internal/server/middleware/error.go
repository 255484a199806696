package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/nulzo/provider-gateway/pkg/api"
	"go.uber.org/zap"
)

// ErrorHandler renders the last error attached with c.Error as an RFC 9457
// problem document. Foreign errors become a generic 500.
func ErrorHandler(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		problem := api.AsProblem(c.Errors.Last().Err)
		if problem.Instance == "" {
			problem.Instance = c.Request.URL.Path
		}

		fields := []zap.Field{
			zap.String("kind", string(problem.Kind)),
			zap.Int("status", problem.Status),
			zap.String("path", c.Request.URL.Path),
		}
		if problem.Provider != "" {
			fields = append(fields, zap.String("provider", problem.Provider))
		}
		if problem.Log != nil {
			fields = append(fields, zap.Error(problem.Log))
		}
		if problem.Status >= 500 {
			log.Error(problem.Title, fields...)
		} else {
			log.Debug(problem.Title, fields...)
		}

		// internal causes never reach the client
		if problem.Kind == api.KindInternal {
			problem = api.NewError(problem.Status, api.KindInternal, problem.Title, "an unexpected error occurred")
			problem.Instance = c.Request.URL.Path
		}
		abort(c, problem)
	}
}
