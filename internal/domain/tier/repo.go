package tier

import "context"

// Repository reads and writes the tier catalog.
type Repository interface {
	// List returns every tier ordered by level.
	List(ctx context.Context) ([]*Tier, error)
	// ListByMaxLevel returns the tiers with level <= levelLte ordered by level.
	ListByMaxLevel(ctx context.Context, levelLte int) ([]*Tier, error)
	// GetByID returns ErrNotFound when id does not exist.
	GetByID(ctx context.Context, id int) (*Tier, error)
	// Upsert inserts t or updates the tier with the same level.
	Upsert(ctx context.Context, t *Tier) error
}
