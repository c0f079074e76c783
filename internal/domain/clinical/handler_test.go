package clinical

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/platform/apperror"
)

func newTestServer(p *access.Principal) (*echo.Echo, *fakeRepo) {
	svc, repo := newTestService()
	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		status, body := apperror.Status(err)
		_ = c.JSON(status, body)
	}
	api := e.Group("/api/v1")
	if p != nil {
		api.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				access.SetPrincipal(c, p)
				return next(c)
			}
		})
	}
	NewHandler(svc).RegisterRoutes(api)
	return e, repo
}

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_GetEncounter(t *testing.T) {
	e, _ := newTestServer(tier2)

	rec := serve(e, http.MethodGet, "/api/v1/clinical/encounters/1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got Encounter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "outpatient", got.EncounterType)
	assert.Len(t, got.Files, 1)

	hidden := serve(e, http.MethodGet, "/api/v1/clinical/encounters/2", "")
	missing := serve(e, http.MethodGet, "/api/v1/clinical/encounters/99", "")
	assert.Equal(t, http.StatusNotFound, hidden.Code)
	assert.Equal(t, missing.Code, hidden.Code)
	assert.JSONEq(t, missing.Body.String(), hidden.Body.String())

	rec = serve(e, http.MethodGet, "/api/v1/clinical/encounters/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ListEncounterFiles(t *testing.T) {
	e, repo := newTestServer(tier2)

	rec := serve(e, http.MethodGet, "/api/v1/clinical/encounter-files?encounter_id=1&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"results":[]`)
	assert.Equal(t, int64(1), repo.last.Args()[0])

	rec = serve(e, http.MethodGet, "/api/v1/clinical/encounter-files?encounter_id=-2", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_CreatePatientRequiresSuperuser(t *testing.T) {
	body := `{"mrn":"MRN-7","address":"1 Elm Rd, Unit 2","tier_id":1}`

	e, _ := newTestServer(tier2)
	rec := serve(e, http.MethodPost, "/api/v1/clinical/patients", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	e, repo := newTestServer(admin)
	rec = serve(e, http.MethodPost, "/api/v1/clinical/patients", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"address":"1 Elm Rd, Unit 2"`)
	require.Len(t, repo.patients, 1)
	assert.Equal(t, "Unit 2", repo.patients[0].AddressLine2)
}

func TestHandler_RequiresPrincipal(t *testing.T) {
	e, _ := newTestServer(nil)
	for _, path := range []string{
		"/api/v1/clinical/patients",
		"/api/v1/clinical/providers",
		"/api/v1/clinical/encounters",
		"/api/v1/clinical/encounter-files",
		"/api/v1/clinical/encounters/1",
	} {
		rec := serve(e, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}
