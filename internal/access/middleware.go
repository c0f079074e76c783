package access

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/researchportal/internal/platform/auth"
)

// PrincipalMiddleware loads the principal for the user id set by the auth
// middleware and attaches it to the request.
func PrincipalMiddleware(loader PrincipalLoader, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			uid, err := strconv.ParseInt(auth.UserIDFromContext(ctx), 10, 64)
			if err != nil || uid <= 0 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject")
			}
			p, err := loader.LoadPrincipal(ctx, uid)
			if errors.Is(err, ErrUnknownUser) {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown user")
			}
			if err != nil {
				logger.Error().Err(err).Int64("user_id", uid).Msg("failed to load principal")
				return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}
			SetPrincipal(c, p)
			return next(c)
		}
	}
}

// RequireSuperuser rejects principals without the superuser flag.
func RequireSuperuser() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFrom(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if !p.IsSuperuser {
				return echo.NewHTTPError(http.StatusForbidden, "superuser required")
			}
			return next(c)
		}
	}
}
