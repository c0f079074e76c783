package access

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/researchportal/internal/platform/db"
)

// ErrUnknownUser is returned when the authenticated subject has no active
// account.
var ErrUnknownUser = errors.New("unknown or inactive user")

// PrincipalLoader resolves an authenticated user id into a Principal.
type PrincipalLoader interface {
	LoadPrincipal(ctx context.Context, userID int64) (*Principal, error)
}

type loaderPG struct{ q db.Querier }

// NewLoaderPG returns a PrincipalLoader reading the accounts store.
func NewLoaderPG(q db.Querier) PrincipalLoader {
	return &loaderPG{q: q}
}

// LoadPrincipal joins the profile and its tier. A profile whose tier_id no
// longer exists in the catalog yields a principal without a tier.
func (l *loaderPG) LoadPrincipal(ctx context.Context, userID int64) (*Principal, error) {
	var (
		p         Principal
		active    bool
		org       *string
		tierID    *int
		tierLevel *int
	)
	err := l.q.QueryRow(ctx, `
		SELECT u.id, u.username, u.is_superuser, u.is_active, p.organization, t.id, t.level
		FROM app_user u
		LEFT JOIN user_profile p ON p.user_id = u.id
		LEFT JOIN tier t ON t.id = p.tier_id
		WHERE u.id = $1`, userID,
	).Scan(&p.UserID, &p.Username, &p.IsSuperuser, &active, &org, &tierID, &tierLevel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrUnknownUser
	}
	if org != nil {
		p.Organization = *org
	}
	if tierID != nil && tierLevel != nil {
		p.Tier = &PrincipalTier{ID: *tierID, Level: *tierLevel}
	}
	return &p, nil
}
