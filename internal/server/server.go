// Package server exposes the manager over HTTP.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/provider-gateway/internal/analytics"
	"github.com/nulzo/provider-gateway/internal/config"
	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/nulzo/provider-gateway/internal/server/middleware"
	v1 "github.com/nulzo/provider-gateway/internal/server/v1"
	"github.com/nulzo/provider-gateway/internal/server/validator"
	"github.com/nulzo/provider-gateway/internal/telemetry/metrics"
	"go.uber.org/zap"
)

type Options struct {
	Config    *config.Config
	Logger    *zap.Logger
	Gateway   v1.Gateway
	Analytics analytics.Service
	Metrics   *metrics.Metrics
	Version   string
	// DefaultUser is used when a request carries no X-User-ID.
	DefaultUser string
}

type Server struct {
	router    *gin.Engine
	config    *config.Config
	logger    *zap.Logger
	gateway   v1.Gateway
	analytics analytics.Service
	metrics   *metrics.Metrics
	limiter   *middleware.RateLimiter
	version   string
	user      string
}

func New(opts Options) *Server {
	cfg := opts.Config
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	log := logger.OrDefault(opts.Logger).Named("http")

	engine := gin.New()
	engine.Use(middleware.Recovery(log))
	if cfg.Tracing.Enabled {
		engine.Use(middleware.Tracing(cfg.Tracing.ServiceName))
	}
	engine.Use(middleware.CORS())
	engine.Use(middleware.Identity(opts.DefaultUser))
	engine.Use(middleware.Logger(log, "/health", "/metrics"))
	engine.Use(middleware.ErrorHandler(log))

	s := &Server{
		router:    engine,
		config:    cfg,
		logger:    log,
		gateway:   opts.Gateway,
		analytics: opts.Analytics,
		metrics:   opts.Metrics,
		limiter:   middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log),
		version:   opts.Version,
		user:      opts.DefaultUser,
	}

	validator.New()
	s.SetupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Limiter is exposed so the caller can sweep idle client buckets.
func (s *Server) Limiter() *middleware.RateLimiter {
	return s.limiter
}
