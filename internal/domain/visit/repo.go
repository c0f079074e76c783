package visit

import (
	"context"

	"github.com/ehr/researchportal/internal/platform/sqlq"
)

// Repository executes visit queries against the research store.
type Repository interface {
	List(ctx context.Context, q *sqlq.Select, limit, offset int) ([]*Visit, error)
	Count(ctx context.Context, q *sqlq.Select) (int64, error)
	// IDs returns the distinct person, provider and visit ids of q's rows.
	// Providers are omitted when NULL.
	IDs(ctx context.Context, q *sqlq.Select) (*IDSet, error)
}

// IDSet holds the identifiers derived from a visit set.
type IDSet struct {
	Visits    []int64
	Persons   []int64
	Providers []int64
}
