package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/researchportal/internal/config"
	"github.com/ehr/researchportal/internal/platform/db"
	"github.com/ehr/researchportal/internal/platform/telemetry"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Env:                 env,
		DevUserID:           "1",
		AuthSigningKey:      "test-signing-key",
		CORSOrigins:         []string{"http://localhost:3000"},
		RateLimitRPS:        100,
		RateLimitBurst:      200,
		ExportRatePerMinute: 10,
		ExportRateBurst:     3,
		BodyLimit:           "1M",
		RequestTimeout:      time.Second,
		FilterMaxLeaves:     100,
		FilterMaxDepth:      5,
		ExportMaxRecords:    100000,
	}
}

func TestStoreNames(t *testing.T) {
	all, err := storeNames("all")
	require.NoError(t, err)
	assert.Equal(t, []string{db.StoreAccounts, db.StoreClinical, db.StoreResearch}, all)

	one, err := storeNames("research")
	require.NoError(t, err)
	assert.Equal(t, []string{"research"}, one)

	_, err = storeNames("billing")
	assert.Error(t, err)
}

func TestStoreURL(t *testing.T) {
	cfg := &config.Config{
		AccountsDatabaseURL: "postgres://a",
		ClinicalDatabaseURL: "postgres://c",
		ResearchDatabaseURL: "postgres://r",
	}
	assert.Equal(t, "postgres://a", storeURL(cfg, db.StoreAccounts))
	assert.Equal(t, "postgres://c", storeURL(cfg, db.StoreClinical))
	assert.Equal(t, "postgres://r", storeURL(cfg, db.StoreResearch))
	assert.Empty(t, storeURL(cfg, "other"))
}

func TestNewServer_Routes(t *testing.T) {
	e := newServer(testConfig("production"), zerolog.Nop(), &db.Stores{}, telemetry.New())

	routes := map[string]bool{}
	for _, r := range e.Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"GET /health/db",
		"GET /metrics",
		"GET /api/v1/tiers",
		"GET /api/v1/me",
		"POST /api/v1/visits/search",
		"GET /api/v1/cohorts",
		"POST /api/v1/cohorts",
		"GET /api/v1/cohorts/:id",
		"PATCH /api/v1/cohorts/:id",
		"DELETE /api/v1/cohorts/:id",
		"POST /api/v1/cohorts/:id/duplicate",
		"GET /api/v1/cohorts/:id/visits",
		"GET /api/v1/exports/tables",
		"POST /api/v1/exports/single-table",
		"POST /api/v1/exports/all-tables",
		"GET /api/v1/clinical/encounters/:id",
		"GET /api/v1/admin/audit",
	} {
		assert.True(t, routes[want], "missing route %s", want)
	}
}

func TestNewServer_PublicAndProtected(t *testing.T) {
	e := newServer(testConfig("production"), zerolog.Nop(), &db.Stores{}, telemetry.New())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	for _, path := range []string{"/api/v1/cohorts", "/api/v1/exports/tables", "/api/v1/admin/audit"} {
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}
