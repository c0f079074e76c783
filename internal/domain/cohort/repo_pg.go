package cohort

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

const cohortCols = `id, owner_id, name, description, filters, visit_count, created_at, updated_at`

func scanCohort(row pgx.Row) (*Cohort, error) {
	var c Cohort
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Description, &c.Filters,
		&c.VisitCount, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Filters == nil {
		c.Filters = map[string]any{}
	}
	return &c, nil
}

func (r *repoPG) Create(ctx context.Context, c *Cohort) error {
	return r.q.QueryRow(ctx, `
		INSERT INTO cohort (owner_id, name, description, filters, visit_count)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		c.OwnerID, c.Name, c.Description, c.Filters, c.VisitCount,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (r *repoPG) Get(ctx context.Context, ownerID, id int64) (*Cohort, error) {
	return scanCohort(r.q.QueryRow(ctx,
		`SELECT `+cohortCols+` FROM cohort WHERE id = $1 AND owner_id = $2`, id, ownerID))
}

func (r *repoPG) Find(ctx context.Context, id int64) (*Cohort, error) {
	return scanCohort(r.q.QueryRow(ctx, `SELECT `+cohortCols+` FROM cohort WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, ownerID int64, limit, offset int) ([]*Cohort, int64, error) {
	var total int64
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM cohort WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.q.Query(ctx, `SELECT `+cohortCols+` FROM cohort WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []*Cohort{}
	for rows.Next() {
		c, err := scanCohort(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, c *Cohort) error {
	err := r.q.QueryRow(ctx, `
		UPDATE cohort SET name = $3, description = $4, filters = $5, visit_count = $6, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2
		RETURNING updated_at`,
		c.ID, c.OwnerID, c.Name, c.Description, c.Filters, c.VisitCount,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) Delete(ctx context.Context, ownerID, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM cohort WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
