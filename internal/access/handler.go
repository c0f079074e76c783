package access

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/researchportal/internal/domain/tier"
	"github.com/ehr/researchportal/internal/platform/apperror"
)

// Handler exposes the caller's view of the tier catalog.
type Handler struct {
	policy *Policy
}

func NewHandler(policy *Policy) *Handler {
	return &Handler{policy: policy}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/tiers", h.ListTiers)
	api.GET("/me", h.Me)
}

func (h *Handler) ListTiers(c echo.Context) error {
	p, ok := PrincipalFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	tiers, err := h.policy.VisibleTiers(c.Request().Context(), p)
	if err != nil {
		return apperror.Internal("list visible tiers", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":   len(tiers),
		"results": tiers,
	})
}

type meResponse struct {
	*Principal
	Ceiling *int         `json:"tier_ceiling"`
	Tiers   []*tier.Tier `json:"visible_tiers"`
}

func (h *Handler) Me(c echo.Context) error {
	p, ok := PrincipalFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	tiers, err := h.policy.VisibleTiers(c.Request().Context(), p)
	if err != nil {
		return apperror.Internal("list visible tiers", err)
	}
	resp := meResponse{Principal: p, Tiers: tiers}
	if ceil, ok := VisibleTierCeiling(p); ok {
		level := tier.MaxLevel
		if !ceil.Unbounded {
			level = ceil.Level
		}
		resp.Ceiling = &level
	}
	return c.JSON(http.StatusOK, resp)
}
