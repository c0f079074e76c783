package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveQuery("page", time.Millisecond)
	m.ExportOutcome("single", "ok")
	m.ExportedRows("person", 3)
	m.AuditWrite("DATA_EXPORT", nil)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	called := false
	err := m.Middleware()(func(echo.Context) error { called = true; return nil })(c)
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestCounters(t *testing.T) {
	m := New()
	m.ExportOutcome("all", "ok")
	m.ExportOutcome("all", "ok")
	m.ExportOutcome("single", "rejected")
	m.ExportedRows("visit_occurrence", 10)
	m.AuditWrite("DATA_EXPORT", errors.New("db down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.exports.WithLabelValues("all", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exports.WithLabelValues("single", "rejected")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.exportedRows.WithLabelValues("visit_occurrence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditWrites.WithLabelValues("DATA_EXPORT", "error")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/tiers", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/api/v1/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "no")
	})
	e.GET("/metrics", m.Handler())

	for _, path := range []string{"/api/v1/tiers", "/api/v1/tiers", "/api/v1/fail"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/tiers", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/fail", "403")))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "research_portal_http_requests_total"))
}
