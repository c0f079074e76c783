// Package apperror defines the error taxonomy shared by the portal's
// services and the echo error handler that renders it. Services return these
// types; handlers never build HTTP errors for them by hand.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ValidationError carries per-field messages so clients can render
// feedback next to the offending input.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidation returns a ValidationError with a single field message.
func NewValidation(field, format string, args ...any) *ValidationError {
	v := &ValidationError{}
	v.Add(field, fmt.Sprintf(format, args...))
	return v
}

// Add appends a message for field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// Merge copies every message of other into e.
func (e *ValidationError) Merge(other *ValidationError) {
	if other == nil {
		return
	}
	for f, msgs := range other.Fields {
		for _, m := range msgs {
			e.Add(f, m)
		}
	}
}

// Empty reports whether no field messages were recorded.
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// OrNil returns e when it holds messages and nil otherwise, so callers can
// accumulate into a ValidationError and return it unconditionally.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// NotFoundError is returned both for absent resources and for resources
// owned by someone else; the two are indistinguishable to the caller.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

// NotFound returns a NotFoundError for resource.
func NotFound(resource string) error {
	return &NotFoundError{Resource: resource}
}

// PermissionError is returned when existence is not hidden but the caller
// may not act on the resource.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string {
	return e.Reason
}

// Forbidden returns a PermissionError.
func Forbidden(format string, args ...any) error {
	return &PermissionError{Reason: fmt.Sprintf(format, args...)}
}

// ResourceLimitError reports that a request would exceed a hard ceiling.
type ResourceLimitError struct {
	Resource string
	Actual   int64
	Maximum  int64
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("%s count %d exceeds the maximum of %d; narrow the cohort filters and try again",
		e.Resource, e.Actual, e.Maximum)
}

// InternalError wraps an unexpected failure. It is logged server-side and
// rendered to the caller as a generic message.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *InternalError) Unwrap() error { return e.Err }

// Internal wraps err as an InternalError for operation op.
func Internal(op string, err error) error {
	return &InternalError{Op: op, Err: err}
}

type errorBody struct {
	Error   string              `json:"error"`
	Detail  string              `json:"detail,omitempty"`
	Fields  map[string][]string `json:"fields,omitempty"`
	Actual  *int64              `json:"actual,omitempty"`
	Maximum *int64              `json:"maximum,omitempty"`
}

// Status returns the HTTP status and response body for err. Unknown errors
// map to a generic 500 body that never includes err's text.
func Status(err error) (int, any) {
	var (
		ve  *ValidationError
		nfe *NotFoundError
		pe  *PermissionError
		rle *ResourceLimitError
		he  *echo.HTTPError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorBody{Error: "validation_error", Fields: ve.Fields}
	case errors.As(err, &nfe):
		return http.StatusNotFound, errorBody{Error: "not_found", Detail: nfe.Error()}
	case errors.As(err, &pe):
		return http.StatusForbidden, errorBody{Error: "forbidden", Detail: pe.Reason}
	case errors.As(err, &rle):
		return http.StatusBadRequest, errorBody{
			Error: "resource_limit", Detail: rle.Error(),
			Actual: &rle.Actual, Maximum: &rle.Maximum,
		}
	case errors.As(err, &he):
		return he.Code, errorBody{Error: http.StatusText(he.Code), Detail: fmt.Sprint(he.Message)}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal_error", Detail: "an internal error occurred"}
	}
}

// Handler returns an echo.HTTPErrorHandler rendering the taxonomy. 5xx
// errors are logged with full detail.
func Handler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := Status(err)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}
