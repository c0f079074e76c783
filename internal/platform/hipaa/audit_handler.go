package hipaa

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/researchportal/internal/platform/apperror"
	"github.com/ehr/researchportal/pkg/pagination"
)

// MaxCSVRows bounds a single audit CSV download.
const MaxCSVRows = 10000

// Searcher queries the audit trail.
type Searcher interface {
	Search(ctx context.Context, p SearchParams) ([]*Entry, int64, error)
}

// AuditHandler serves the audit trail to administrators. Callers mount it
// behind a superuser check.
type AuditHandler struct {
	searcher Searcher
}

func NewAuditHandler(searcher Searcher) *AuditHandler {
	return &AuditHandler{searcher: searcher}
}

func (h *AuditHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit", h.HandleSearch)
	g.GET("/audit/export/csv", h.HandleExportCSV)
}

// parseSearchParams reads user_id, event_type, category, since and until.
func parseSearchParams(c echo.Context) (SearchParams, error) {
	var p SearchParams
	verr := &apperror.ValidationError{}

	if v := c.QueryParam("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			verr.Add("user_id", "must be an integer")
		} else {
			p.UserID = &id
		}
	}
	p.EventType = c.QueryParam("event_type")
	p.Category = c.QueryParam("category")
	for _, b := range []struct {
		name string
		dst  **time.Time
	}{{"since", &p.Since}, {"until", &p.Until}} {
		v := c.QueryParam(b.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			verr.Add(b.name, "must be an RFC 3339 timestamp")
			continue
		}
		*b.dst = &t
	}
	return p, verr.OrNil()
}

// HandleSearch handles GET /audit.
func (h *AuditHandler) HandleSearch(c echo.Context) error {
	p, err := parseSearchParams(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	p.Limit, p.Offset = pg.Limit, pg.Offset

	entries, total, err := h.searcher.Search(c.Request().Context(), p)
	if err != nil {
		return apperror.Internal("search audit trail", err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, entries, total, pg))
}

// HandleExportCSV handles GET /audit/export/csv.
func (h *AuditHandler) HandleExportCSV(c echo.Context) error {
	p, err := parseSearchParams(c)
	if err != nil {
		return err
	}
	p.Limit = MaxCSVRows

	entries, _, err := h.searcher.Search(c.Request().Context(), p)
	if err != nil {
		return apperror.Internal("export audit trail", err)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"audit_export_%s.csv\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)

	w := csv.NewWriter(c.Response())
	if err := w.Write([]string{
		"id", "event_id", "created_at", "user_id", "event_type", "category",
		"description", "ip_address", "user_agent", "metadata",
	}); err != nil {
		return err
	}
	for _, e := range entries {
		user := ""
		if e.UserID != nil {
			user = strconv.FormatInt(*e.UserID, 10)
		}
		meta, _ := json.Marshal(e.Metadata)
		if err := w.Write([]string{
			strconv.FormatInt(e.ID, 10), e.EventID.String(), e.CreatedAt.UTC().Format(time.RFC3339),
			user, e.EventType, e.Category, e.Description, e.IPAddress, e.UserAgent, string(meta),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
