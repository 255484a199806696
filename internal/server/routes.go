package server

import (
	"github.com/gin-gonic/gin"
	"github.com/nulzo/provider-gateway/internal/server/middleware"
	v1 "github.com/nulzo/provider-gateway/internal/server/v1"
	"github.com/nulzo/provider-gateway/internal/server/validator"
)

func (s *Server) SetupRoutes() {
	health := v1.NewHealthHandler(s.version)
	s.router.GET("/health", health.Health)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	h := v1.NewHandler(s.gateway, validator.New())

	api := s.router.Group("/v1")
	api.Use(middleware.Auth(s.config.Server.APIKeys))
	api.Use(s.limiter.Middleware())
	{
		api.POST("/chat/completions", h.CreateCompletion)
		api.GET("/models", h.ListModels)

		providers := api.Group("/providers")
		providers.GET("", h.ListProviders)
		providers.POST("", h.CreateProvider)
		providers.GET("/health", h.ProvidersHealth)
		providers.POST("/health", h.CheckHealth)
		providers.GET("/:id", h.GetProvider)
		providers.PATCH("/:id", h.UpdateProvider)
		providers.DELETE("/:id", h.DeleteProvider)
		providers.POST("/:id/default", h.SetDefaultProvider)
		providers.GET("/:id/health", h.ProviderHealth)
		providers.POST("/:id/health", h.CheckHealth)
		providers.GET("/:id/usage", h.GetUsage)
		providers.GET("/:id/costs", h.GetCosts)
		providers.GET("/:id/workspaces", h.GetWorkspaces)
		providers.GET("/:id/capabilities", h.GetCapabilities)

		api.GET("/costs/:user", h.GetCostSummary)
		api.GET("/costs/:user/records", h.GetCostRecords)
		api.GET("/budgets/:user", h.GetBudget)
		api.PUT("/budgets/:user", h.SetBudget)

		if s.analytics != nil {
			a := v1.NewAnalyticsHandler(s.analytics)
			api.GET("/analytics/usage", a.GetUsage)
			api.GET("/analytics/requests/:user", a.GetRequests)
		}
	}
}
