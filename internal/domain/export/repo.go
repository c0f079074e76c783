package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/researchportal/internal/platform/db"
)

// Row is one exported record. Values are text renderings of the table's
// columns in registry order; nil is a SQL NULL.
type Row []*string

// Repository fetches table rows for a derived id set.
type Repository interface {
	Rows(ctx context.Context, t Table, ids []int64) ([]Row, error)
}

type repoPG struct{ q db.Querier }

// NewRepoPG returns a Repository backed by the research store.
func NewRepoPG(q db.Querier) Repository {
	return &repoPG{q: q}
}

// rowsSQL renders the fetch statement for t. Table and column names come
// from the registry only.
func rowsSQL(t Table) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c + "::text"
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + t.ID +
		" WHERE " + t.FilterColumn + " = ANY($1) ORDER BY id"
}

func (r *repoPG) Rows(ctx context.Context, t Table, ids []int64) ([]Row, error) {
	if len(ids) == 0 {
		return []Row{}, nil
	}
	rows, err := r.q.Query(ctx, rowsSQL(t), ids)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.ID, err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		row := make(Row, len(t.Columns))
		dest := make([]any, len(row))
		for i := range row {
			dest[i] = &row[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.ID, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", t.ID, err)
	}
	return out, nil
}
