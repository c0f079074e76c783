// Package access decides which tier-bearing rows a principal may read.
//
// Every read of clinical or research data goes through Policy: queries are
// narrowed with FilterByTier and single objects are checked with CanAccess.
// Both reduce to HasAccessToTier.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/researchportal/internal/domain/tier"
	"github.com/ehr/researchportal/internal/platform/sqlq"
)

// Catalog is the tier reference data consulted by the policy.
type Catalog interface {
	List(ctx context.Context) ([]*tier.Tier, error)
	GetByID(ctx context.Context, id int) (*tier.Tier, error)
}

// Ceiling is the highest tier level a principal may see.
type Ceiling struct {
	Level     int
	Unbounded bool
}

// VisibleTierCeiling returns the principal's ceiling. ok is false when the
// principal may see nothing.
func VisibleTierCeiling(p *Principal) (c Ceiling, ok bool) {
	switch {
	case p == nil:
		return Ceiling{}, false
	case p.IsSuperuser:
		return Ceiling{Unbounded: true}, true
	case p.Tier != nil:
		return Ceiling{Level: p.Tier.Level}, true
	}
	return Ceiling{}, false
}

// HasAccessToTier reports whether p may see rows at tier t. It is the only
// tier comparison in the codebase.
func HasAccessToTier(p *Principal, t *tier.Tier) bool {
	c, ok := VisibleTierCeiling(p)
	if !ok {
		return false
	}
	if c.Unbounded {
		return true
	}
	return t != nil && t.Level <= c.Level
}

// Policy applies tier gating using the catalog.
type Policy struct {
	catalog Catalog
}

func NewPolicy(catalog Catalog) *Policy {
	return &Policy{catalog: catalog}
}

// VisibleTiers returns the catalog tiers p may see, ordered as the catalog
// lists them.
func (pol *Policy) VisibleTiers(ctx context.Context, p *Principal) ([]*tier.Tier, error) {
	if _, ok := VisibleTierCeiling(p); !ok {
		return []*tier.Tier{}, nil
	}
	all, err := pol.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tiers: %w", err)
	}
	visible := make([]*tier.Tier, 0, len(all))
	for _, t := range all {
		if HasAccessToTier(p, t) {
			visible = append(visible, t)
		}
	}
	return visible, nil
}

// AccessibleTierIDs returns the identifiers of the tiers p may see.
func (pol *Policy) AccessibleTierIDs(ctx context.Context, p *Principal) ([]int, error) {
	tiers, err := pol.VisibleTiers(ctx, p)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(tiers))
	for i, t := range tiers {
		ids[i] = t.ID
	}
	return ids, nil
}

// FilterByTier narrows q to the rows p may see. A superuser gets q back
// untouched. Otherwise a copy of q is returned with the tier predicate
// appended; a principal without a tier gets a predicate that matches
// nothing.
func (pol *Policy) FilterByTier(ctx context.Context, q *sqlq.Select, p *Principal, path TierAccessPath) (*sqlq.Select, error) {
	c, ok := VisibleTierCeiling(p)
	if !ok {
		return q.Clone().Never(), nil
	}
	if c.Unbounded {
		return q, nil
	}
	ids, err := pol.AccessibleTierIDs(ctx, p)
	if err != nil {
		return nil, err
	}
	out := q.Clone()
	if len(ids) == 0 {
		return out.Never(), nil
	}
	return out.Where(path.predicate(out, ids)), nil
}

// CanAccess reports whether p may see a row carrying ref. A reference to a
// tier that is not in the catalog is denied.
func (pol *Policy) CanAccess(ctx context.Context, p *Principal, ref tier.Ref) (bool, error) {
	c, ok := VisibleTierCeiling(p)
	if !ok {
		return false, nil
	}
	if c.Unbounded {
		return true, nil
	}
	t, err := pol.catalog.GetByID(ctx, int(ref))
	if errors.Is(err, tier.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve tier %d: %w", ref, err)
	}
	return HasAccessToTier(p, t), nil
}
