package cohort

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/filterspec"
	"github.com/ehr/researchportal/pkg/pagination"
)

// VisitResponder writes a page of visits matching spec.
type VisitResponder interface {
	Respond(c echo.Context, p *access.Principal, spec *filterspec.Spec) error
}

type Handler struct {
	svc    *Service
	visits VisitResponder
}

func NewHandler(svc *Service, visits VisitResponder) *Handler {
	return &Handler{svc: svc, visits: visits}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/cohorts")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.PATCH("/:id", h.Patch)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/duplicate", h.Duplicate)
	g.GET("/:id/visits", h.Visits)
}

func principal(c echo.Context) (*access.Principal, error) {
	p, ok := access.PrincipalFrom(c)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return p, nil
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid cohort id")
	}
	return id, nil
}

func (h *Handler) List(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), p, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, items, total, pg))
}

func (h *Handler) Create(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	created, err := h.svc.Create(c.Request().Context(), p, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) Get(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	co, err := h.svc.Get(c.Request().Context(), p, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, co)
}

func (h *Handler) Update(c echo.Context) error {
	return h.update(c, false)
}

func (h *Handler) Patch(c echo.Context) error {
	return h.update(c, true)
}

func (h *Handler) update(c echo.Context, partial bool) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	co, err := h.svc.Update(c.Request().Context(), p, id, in, partial)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, co)
}

func (h *Handler) Delete(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), p, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type duplicateRequest struct {
	Name string `json:"name"`
}

func (h *Handler) Duplicate(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req duplicateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	dup, err := h.svc.Duplicate(c.Request().Context(), p, id, req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, dup)
}

// Visits browses the visits matching the cohort's stored filters under the
// caller's current tier access.
func (h *Handler) Visits(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	co, err := h.svc.Get(c.Request().Context(), p, id)
	if err != nil {
		return err
	}
	spec, err := h.svc.Spec(co)
	if err != nil {
		return err
	}
	return h.visits.Respond(c, p, spec)
}
