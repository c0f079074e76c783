package access

import (
	"context"

	"github.com/labstack/echo/v4"
)

// PrincipalTier is the tier assigned to a principal through its profile.
type PrincipalTier struct {
	ID    int `json:"id"`
	Level int `json:"level"`
}

// Principal is an authenticated user as seen by the access policy.
type Principal struct {
	UserID       int64          `json:"user_id"`
	Username     string         `json:"username"`
	IsSuperuser  bool           `json:"is_superuser"`
	Tier         *PrincipalTier `json:"tier,omitempty"`
	Organization string         `json:"organization,omitempty"`
}

type principalKey struct{}

const principalEchoKey = "principal"

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// PrincipalFrom returns the principal attached to the request by
// PrincipalMiddleware.
func PrincipalFrom(c echo.Context) (*Principal, bool) {
	if p, ok := c.Get(principalEchoKey).(*Principal); ok && p != nil {
		return p, true
	}
	return PrincipalFromContext(c.Request().Context())
}

// SetPrincipal attaches p to both the echo context and the request context.
func SetPrincipal(c echo.Context, p *Principal) {
	c.Set(principalEchoKey, p)
	c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
}
