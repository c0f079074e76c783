package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/platform/hipaa"
)

const (
	auditPrefix  = "/api/v1/"
	auditTimeout = 2 * time.Second
)

// Audit records a DATA_ACCESS entry for every authenticated /api/v1/ request
// and always emits a "phi_access" log line. Persisting the entry is
// best-effort: a failed write is logged and the response is unaffected.
// Exports write their own entries synchronously.
func Audit(logger zerolog.Logger, recorder hipaa.Recorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, auditPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			rid, _ := c.Get("request_id").(string)
			resource := resourceOf(path)
			action := actionOf(req.Method, resource)

			evt := logger.Info().
				Str("type", "hipaa_audit").
				Str("request_id", rid).
				Str("resource", resource).
				Str("action", action).
				Str("method", req.Method).
				Str("path", path).
				Str("remote_ip", c.RealIP()).
				Int("status", status)

			p, ok := access.PrincipalFrom(c)
			if !ok {
				evt.Bool("authenticated", false).Msg("phi_access")
				return err
			}
			evt.Int64("user_id", p.UserID).Msg("phi_access")

			if recorder == nil {
				return err
			}
			uid := p.UserID
			entry := &hipaa.Entry{
				UserID:      &uid,
				EventType:   hipaa.CategoryDataAccess,
				Category:    hipaa.CategoryDataAccess,
				Description: req.Method + " " + path,
				Metadata: map[string]any{
					"request_id": rid,
					"resource":   resource,
					"action":     action,
					"route":      c.Path(),
					"status":     status,
					"query":      req.URL.RawQuery,
				},
				IPAddress: c.RealIP(),
				UserAgent: req.UserAgent(),
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), auditTimeout)
			defer cancel()
			if recErr := recorder.Record(ctx, entry); recErr != nil {
				logger.Error().Err(recErr).
					Str("request_id", rid).
					Msg("failed to record audit entry")
			}
			return err
		}
	}
}

// actionOf maps the request to an audit action. Searches and exports are
// POSTs that only read.
func actionOf(method, resource string) string {
	switch {
	case strings.HasSuffix(resource, ".search"):
		return "search"
	case strings.HasPrefix(resource, "exports."):
		return "export"
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceOf returns the resource named by path, e.g. "cohorts" for
// /api/v1/cohorts/12/visits. Searches, exports and clinical paths keep their
// second segment: "visits.search", "exports.all-tables", "clinical.patients".
func resourceOf(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, auditPrefix), "/")
	if segments[0] == "" {
		return "unknown"
	}
	if len(segments) > 1 && segments[1] != "" &&
		(segments[1] == "search" || segments[0] == "exports" || segments[0] == "clinical") {
		return segments[0] + "." + segments[1]
	}
	return segments[0]
}
