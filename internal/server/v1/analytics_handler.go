package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/provider-gateway/internal/analytics"
	"github.com/nulzo/provider-gateway/pkg/api"
)

type AnalyticsHandler struct {
	service analytics.Service
}

func NewAnalyticsHandler(service analytics.Service) *AnalyticsHandler {
	return &AnalyticsHandler{service: service}
}

// GET /v1/analytics/usage
func (h *AnalyticsHandler) GetUsage(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days <= 0 {
		_ = c.Error(api.BadRequestError("invalid 'days' parameter"))
		return
	}

	stats, err := h.service.GetUsageOverview(c.Request.Context(), days)
	if err != nil {
		_ = c.Error(api.InternalError("failed to fetch analytics", err))
		return
	}
	c.JSON(http.StatusOK, list(stats))
}

// GET /v1/analytics/requests/:user
func (h *AnalyticsHandler) GetRequests(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		_ = c.Error(api.BadRequestError("invalid 'limit' parameter"))
		return
	}

	logs, err := h.service.GetRecentRequests(c.Request.Context(), user(c, c.Param("user")), limit)
	if err != nil {
		_ = c.Error(api.InternalError("failed to fetch request logs", err))
		return
	}
	c.JSON(http.StatusOK, list(logs))
}
