package tier

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/researchportal/internal/platform/db"
)

type repoPG struct{ q db.Querier }

// NewRepoPG returns a Repository backed by the accounts store.
func NewRepoPG(q db.Querier) Repository {
	return &repoPG{q: q}
}

const tierCols = `id, level, name, description, deidentification_required,
	obscure_faces_voices, external_access, dua_required, created_at`

func scanTier(row pgx.Row) (*Tier, error) {
	var t Tier
	err := row.Scan(&t.ID, &t.Level, &t.Name, &t.Description, &t.DeidentificationRequired,
		&t.ObscureFacesVoices, &t.ExternalAccess, &t.DUARequired, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &t, err
}

func (r *repoPG) list(ctx context.Context, sql string, args ...any) ([]*Tier, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Tier
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *repoPG) List(ctx context.Context) ([]*Tier, error) {
	return r.list(ctx, `SELECT `+tierCols+` FROM tier ORDER BY level`)
}

func (r *repoPG) ListByMaxLevel(ctx context.Context, levelLte int) ([]*Tier, error) {
	return r.list(ctx, `SELECT `+tierCols+` FROM tier WHERE level <= $1 ORDER BY level`, levelLte)
}

func (r *repoPG) GetByID(ctx context.Context, id int) (*Tier, error) {
	return scanTier(r.q.QueryRow(ctx, `SELECT `+tierCols+` FROM tier WHERE id = $1`, id))
}

func (r *repoPG) Upsert(ctx context.Context, t *Tier) error {
	return r.q.QueryRow(ctx, `
		INSERT INTO tier (level, name, description, deidentification_required,
			obscure_faces_voices, external_access, dua_required)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (level) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			deidentification_required = EXCLUDED.deidentification_required,
			obscure_faces_voices = EXCLUDED.obscure_faces_voices,
			external_access = EXCLUDED.external_access,
			dua_required = EXCLUDED.dua_required
		RETURNING id, created_at`,
		t.Level, t.Name, t.Description, t.DeidentificationRequired,
		t.ObscureFacesVoices, t.ExternalAccess, t.DUARequired,
	).Scan(&t.ID, &t.CreatedAt)
}
