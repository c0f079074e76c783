package cohort

import (
	"errors"
	"time"

	"github.com/ehr/researchportal/internal/filterspec"
)

// MaxNameLength is the longest cohort name, in characters.
const MaxNameLength = 255

// ErrNotFound is returned for missing cohorts and for cohorts owned by
// another user.
var ErrNotFound = errors.New("cohort not found")

// Cohort maps to the cohort table of the accounts store. VisitCount is a
// snapshot taken when the cohort was saved and is not kept current.
type Cohort struct {
	ID            int64               `db:"id" json:"id"`
	OwnerID       int64               `db:"owner_id" json:"owner_id"`
	Name          string              `db:"name" json:"name"`
	Description   string              `db:"description" json:"description"`
	Filters       map[string]any      `db:"filters" json:"filters"`
	VisitCount    int64               `db:"visit_count" json:"visit_count"`
	FilterSummary *filterspec.Summary `db:"-" json:"filter_summary,omitempty"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at" json:"updated_at"`
}

func (c *Cohort) summarize() *Cohort {
	s := filterspec.Summarize(c.Filters)
	c.FilterSummary = &s
	return c
}
