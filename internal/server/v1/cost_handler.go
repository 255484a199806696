package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/provider-gateway/pkg/api"
)

// GetCostSummary returns a user's spend. ?period=daily|monthly|total picks
// the bucket and ?date=YYYY-MM-DD the day or month within it.
//
// GET /v1/costs/:user
func (h *Handler) GetCostSummary(c *gin.Context) {
	at := time.Now().UTC()
	if d := c.Query("date"); d != "" {
		parsed, err := time.Parse(time.DateOnly, d)
		if err != nil {
			_ = c.Error(api.BadRequestError("date must be formatted YYYY-MM-DD"))
			return
		}
		at = parsed
	}

	period := api.BudgetPeriod(c.DefaultQuery("period", string(api.PeriodDaily)))
	switch period {
	case api.PeriodDaily, api.PeriodMonthly, api.PeriodTotal:
	default:
		_ = c.Error(api.BadRequestError("period must be one of [daily, monthly, total]"))
		return
	}

	summary, err := h.gateway.CostSummary(c.Request.Context(), user(c, c.Param("user")), period, at)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GET /v1/costs/:user/records
func (h *Handler) GetCostRecords(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		_ = c.Error(api.BadRequestError("limit must be a positive integer"))
		return
	}
	recs, err := h.gateway.RecentCosts(c.Request.Context(), user(c, c.Param("user")), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, list(recs))
}

// PUT /v1/budgets/:user
func (h *Handler) SetBudget(c *gin.Context) {
	var b api.Budget
	if !h.bind(c, &b) {
		return
	}
	id := user(c, c.Param("user"))
	if err := h.gateway.SetBudget(id, b); err != nil {
		_ = c.Error(err)
		return
	}
	status, err := h.gateway.BudgetStatus(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GET /v1/budgets/:user
func (h *Handler) GetBudget(c *gin.Context) {
	status, err := h.gateway.BudgetStatus(c.Request.Context(), user(c, c.Param("user")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}
