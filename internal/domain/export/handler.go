package export

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/researchportal/internal/access"
)

// AuditEventHeader carries the event id of the audit entry covering an
// export.
const AuditEventHeader = "X-Audit-Event-ID"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the export endpoints. Callers that throttle
// exports wrap them with mw.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	g := api.Group("/exports")
	g.GET("/tables", h.ListTables)
	g.POST("/single-table", h.SingleTable, mw...)
	g.POST("/all-tables", h.AllTables, mw...)
}

type singleTableRequest struct {
	CohortID    any    `json:"cohort_id"`
	TableID     string `json:"table_id"`
	IncludeDocs bool   `json:"include_docs"`
	Format      string `json:"format"`
}

type allTablesRequest struct {
	CohortID    any  `json:"cohort_id"`
	IncludeDocs bool `json:"include_docs"`
}

func (h *Handler) ListTables(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"tables": Tables()})
}

func (h *Handler) SingleTable(c echo.Context) error {
	p, ok := access.PrincipalFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	var body singleTableRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := ParseCohortID(body.CohortID)
	if err != nil {
		return err
	}
	res, err := h.svc.ExportSingle(c.Request().Context(), p, SingleRequest{
		CohortID:    id,
		TableID:     body.TableID,
		IncludeDocs: body.IncludeDocs,
		Format:      body.Format,
	}, clientOf(c))
	if err != nil {
		return err
	}
	return send(c, res)
}

func (h *Handler) AllTables(c echo.Context) error {
	p, ok := access.PrincipalFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	var body allTablesRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := ParseCohortID(body.CohortID)
	if err != nil {
		return err
	}
	res, err := h.svc.ExportAll(c.Request().Context(), p, AllRequest{
		CohortID:    id,
		IncludeDocs: body.IncludeDocs,
	}, clientOf(c))
	if err != nil {
		return err
	}
	return send(c, res)
}

func clientOf(c echo.Context) Client {
	return Client{IPAddress: c.RealIP(), UserAgent: c.Request().UserAgent()}
}

func send(c echo.Context, res *Result) error {
	h := c.Response().Header()
	h.Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", res.Filename))
	h.Set("Cache-Control", "no-store")
	if res.Audit != nil {
		h.Set(AuditEventHeader, res.Audit.EventID.String())
	}
	return c.Blob(http.StatusOK, res.ContentType, res.Body)
}
