package visit

import (
	"time"

	"github.com/ehr/researchportal/internal/domain/tier"
)

// Visit maps to the visit_occurrence table of the research store.
type Visit struct {
	ID               int64      `db:"id" json:"visit_occurrence_id"`
	PersonID         int64      `db:"person_id" json:"person_id"`
	ProviderID       *int64     `db:"provider_id" json:"provider_id"`
	VisitType        *string    `db:"visit_type" json:"visit_type"`
	VisitStartDate   *time.Time `db:"visit_start_date" json:"visit_start_date"`
	VisitEndDate     *time.Time `db:"visit_end_date" json:"visit_end_date"`
	VisitSourceValue *string    `db:"visit_source_value" json:"visit_source_value"`
	TierID           tier.Ref   `db:"tier_id" json:"tier_id"`
}

// FilterSummary reports how filtering narrowed the accessible visits.
type FilterSummary struct {
	TotalVisits    int64 `json:"total_visits"`
	FilteredVisits int64 `json:"filtered_visits"`
	ActiveFilters  int   `json:"active_filters"`
}

// SearchResult is one page of a visit search.
type SearchResult struct {
	Visits   []*Visit
	Filtered int64
	Total    int64
}
