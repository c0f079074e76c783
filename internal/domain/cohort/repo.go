package cohort

import "context"

// Repository persists cohorts. Every method except Find is scoped to
// ownerID; a cohort owned by someone else behaves exactly like a missing one.
type Repository interface {
	Create(ctx context.Context, c *Cohort) error
	Get(ctx context.Context, ownerID, id int64) (*Cohort, error)
	List(ctx context.Context, ownerID int64, limit, offset int) ([]*Cohort, int64, error)
	Update(ctx context.Context, c *Cohort) error
	Delete(ctx context.Context, ownerID, id int64) error
	// Find loads a cohort regardless of owner. Exports use it to tell a
	// missing cohort from someone else's.
	Find(ctx context.Context, id int64) (*Cohort, error)
}
