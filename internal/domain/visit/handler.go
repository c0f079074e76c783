package visit

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/filterspec"
	"github.com/ehr/researchportal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/visits/search", h.Search)
}

// SearchRequest is the body of a visit search.
type SearchRequest struct {
	Filters any `json:"filters"`
	Sort    any `json:"sort"`
}

// SearchResponse is a page of visits.
type SearchResponse struct {
	pagination.Page
	FilterSummary FilterSummary `json:"filter_summary"`
}

func (h *Handler) Search(c echo.Context) error {
	p, ok := access.PrincipalFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	spec, err := h.svc.Validator().Validate(req.Filters, req.Sort)
	if err != nil {
		return err
	}
	return h.Respond(c, p, spec)
}

// Respond runs spec for p and writes a paginated search response. Cohort
// browsing reuses it with stored filters.
func (h *Handler) Respond(c echo.Context, p *access.Principal, spec *filterspec.Spec) error {
	pg := pagination.FromContext(c)
	res, err := h.svc.Search(c.Request().Context(), p, spec, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SearchResponse{
		Page: pagination.NewPage(c, res.Visits, res.Filtered, pg),
		FilterSummary: FilterSummary{
			TotalVisits:    res.Total,
			FilteredVisits: res.Filtered,
			ActiveFilters:  spec.ActiveCount(),
		},
	})
}
