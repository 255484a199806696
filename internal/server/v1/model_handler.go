package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListModels aggregates models across providers, or lists one provider's
// models when ?provider= is set.
//
// GET /v1/models
func (h *Handler) ListModels(c *gin.Context) {
	models, err := h.gateway.ListModels(c.Request.Context(), c.Query("provider"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, list(models))
}
