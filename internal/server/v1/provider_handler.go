package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/provider-gateway/internal/manager"
	"github.com/nulzo/provider-gateway/pkg/api"
)

func (h *Handler) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, list(h.gateway.ListProviders()))
}

func (h *Handler) GetProvider(c *gin.Context) {
	info, err := h.gateway.GetProvider(c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// CreateProvider persists and registers a provider. With ?dry_run=true the
// config is only validated.
//
// POST /v1/providers
func (h *Handler) CreateProvider(c *gin.Context) {
	var req manager.CreateProviderRequest
	if !h.bind(c, &req) {
		return
	}

	if c.Query("dry_run") == "true" {
		if req.Config == nil {
			req.Config = map[string]any{}
		}
		req.Config["id"] = req.ID
		if err := h.gateway.ValidateProviderConfig(req.Type, req.Config); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true})
		return
	}

	info, err := h.gateway.CreateProvider(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// PATCH /v1/providers/:id
func (h *Handler) UpdateProvider(c *gin.Context) {
	var req manager.UpdateProviderRequest
	if !h.bind(c, &req) {
		return
	}
	info, err := h.gateway.UpdateProvider(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// DELETE /v1/providers/:id
func (h *Handler) DeleteProvider(c *gin.Context) {
	if err := h.gateway.RemoveProvider(c.Request.Context(), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /v1/providers/:id/default
func (h *Handler) SetDefaultProvider(c *gin.Context) {
	id := c.Param("id")
	if err := h.gateway.SetDefaultProvider(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	info, err := h.gateway.GetProvider(id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) usageQuery(c *gin.Context) (api.UsageQuery, bool) {
	var q api.UsageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(api.BadRequestError("invalid report query: " + err.Error()))
		return q, false
	}
	return q, true
}

// GET /v1/providers/:id/usage
func (h *Handler) GetUsage(c *gin.Context) {
	q, ok := h.usageQuery(c)
	if !ok {
		return
	}
	rep, err := h.gateway.GetUsage(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// GET /v1/providers/:id/costs
func (h *Handler) GetCosts(c *gin.Context) {
	q, ok := h.usageQuery(c)
	if !ok {
		return
	}
	rep, err := h.gateway.GetCosts(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// GET /v1/providers/:id/workspaces
func (h *Handler) GetWorkspaces(c *gin.Context) {
	rep, err := h.gateway.GetWorkspaces(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// GET /v1/providers/:id/capabilities
func (h *Handler) GetCapabilities(c *gin.Context) {
	caps, err := h.gateway.GetMetadataCapabilities(c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, caps)
}
