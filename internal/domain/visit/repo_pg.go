package visit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/researchportal/internal/platform/db"
	"github.com/ehr/researchportal/internal/platform/sqlq"
)

type repoPG struct{ q db.Querier }

// NewRepoPG returns a Repository backed by the research store.
func NewRepoPG(q db.Querier) Repository {
	return &repoPG{q: q}
}

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.PersonID, &v.ProviderID, &v.VisitType,
		&v.VisitStartDate, &v.VisitEndDate, &v.VisitSourceValue, &v.TierID)
	return &v, err
}

func (r *repoPG) List(ctx context.Context, q *sqlq.Select, limit, offset int) ([]*Visit, error) {
	sql, args := q.Page(limit, offset)
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()
	items := []*Visit{}
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *repoPG) Count(ctx context.Context, q *sqlq.Select) (int64, error) {
	sql, args := q.Count(IDColumn)
	var n int64
	if err := r.q.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visits: %w", err)
	}
	return n, nil
}

func (r *repoPG) IDs(ctx context.Context, q *sqlq.Select) (*IDSet, error) {
	inner, args := q.Columns("v.id", "v.person_id", "v.provider_id")
	sql := `SELECT
		COALESCE(array_agg(DISTINCT s.id), '{}'),
		COALESCE(array_agg(DISTINCT s.person_id), '{}'),
		COALESCE(array_agg(DISTINCT s.provider_id) FILTER (WHERE s.provider_id IS NOT NULL), '{}')
		FROM (` + inner + `) s`
	ids := &IDSet{}
	if err := r.q.QueryRow(ctx, sql, args...).Scan(&ids.Visits, &ids.Persons, &ids.Providers); err != nil {
		return nil, fmt.Errorf("derive visit ids: %w", err)
	}
	return ids, nil
}
