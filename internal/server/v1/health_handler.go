package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves the unauthenticated liveness endpoint.
type HealthHandler struct {
	startTime time.Time
	version   string
}

func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{startTime: time.Now(), version: version}
}

// Health reports that the process is up. Provider health lives under
// /v1/providers/health.
//
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": h.version,
		"uptime":  time.Since(h.startTime).String(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// ProvidersHealth returns the last probe of every provider.
//
// GET /v1/providers/health
func (h *Handler) ProvidersHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.gateway.HealthStatus()})
}

// GET /v1/providers/:id/health
func (h *Handler) ProviderHealth(c *gin.Context) {
	hc, err := h.gateway.ProviderHealth(c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, hc)
}

// CheckHealth probes now. Under /v1/providers/health it probes everything.
//
// POST /v1/providers/:id/health
func (h *Handler) CheckHealth(c *gin.Context) {
	results, err := h.gateway.ForceHealthCheck(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": results})
}
