// Package v1 holds the HTTP handlers of the /v1 API.
package v1

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/provider-gateway/internal/cost"
	"github.com/nulzo/provider-gateway/internal/manager"
	"github.com/nulzo/provider-gateway/internal/server/middleware"
	"github.com/nulzo/provider-gateway/internal/server/validator"
	"github.com/nulzo/provider-gateway/pkg/api"
)

// Gateway is the part of the manager the handlers use.
type Gateway interface {
	Generate(ctx context.Context, req *api.GenerateRequest) (*api.Response, error)
	GenerateStream(ctx context.Context, req *api.GenerateRequest) (<-chan api.StreamResult, error)
	ListModels(ctx context.Context, providerID string) ([]api.ModelInfo, error)

	ListProviders() []api.ProviderInfo
	GetProvider(id string) (*api.ProviderInfo, error)
	CreateProvider(ctx context.Context, req manager.CreateProviderRequest) (*api.ProviderInfo, error)
	UpdateProvider(ctx context.Context, id string, req manager.UpdateProviderRequest) (*api.ProviderInfo, error)
	RemoveProvider(ctx context.Context, id string) error
	SetDefaultProvider(ctx context.Context, id string) error
	ValidateProviderConfig(providerType string, settings map[string]any) error

	GetUsage(ctx context.Context, providerID string, q api.UsageQuery) (*api.Report, error)
	GetCosts(ctx context.Context, providerID string, q api.UsageQuery) (*api.Report, error)
	GetWorkspaces(ctx context.Context, providerID string) (*api.Report, error)
	GetMetadataCapabilities(providerID string) (*manager.MetadataCapabilities, error)

	HealthStatus() map[string]api.HealthCheck
	ProviderHealth(providerID string) (api.HealthCheck, error)
	ForceHealthCheck(ctx context.Context, providerID string) (map[string]api.HealthCheck, error)

	CostSummary(ctx context.Context, userID string, period api.BudgetPeriod, at time.Time) (*api.CostSummary, error)
	RecentCosts(ctx context.Context, userID string, limit int) ([]api.CostRecord, error)
	SetBudget(userID string, b api.Budget) error
	BudgetStatus(ctx context.Context, userID string) (*cost.BudgetStatus, error)
}

var _ Gateway = (*manager.Manager)(nil)

type Handler struct {
	gateway   Gateway
	validator *validator.Validator
}

func NewHandler(g Gateway, v *validator.Validator) *Handler {
	return &Handler{gateway: g, validator: v}
}

// bind decodes the JSON body into dst and attaches a validation problem on
// failure.
func (h *Handler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		_ = c.Error(api.ValidationError(h.validator.ParseError(err)))
		return false
	}
	return true
}

// user resolves the caller, preferring an explicit value.
func user(c *gin.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return middleware.UserID(c)
}

func list(data any) gin.H {
	return gin.H{"object": "list", "data": data}
}
