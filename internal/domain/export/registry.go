package export

import (
	"sort"

	"github.com/ehr/researchportal/internal/domain/visit"
)

// Source names the derived id set a table is filtered by.
type Source string

const (
	ByVisit    Source = "visit"
	ByPerson   Source = "person"
	ByProvider Source = "provider"
)

// Table describes one exportable research table. Columns are exported in
// order and double as the CSV header, so an empty export still has one.
type Table struct {
	ID           string   `json:"table_id"`
	Description  string   `json:"description"`
	FilterColumn string   `json:"-"`
	Source       Source   `json:"filtered_by"`
	Columns      []string `json:"columns"`
}

var registry = []Table{
	{
		ID:           "person",
		Description:  "Patients with at least one visit in the cohort",
		FilterColumn: "id",
		Source:       ByPerson,
		Columns:      []string{"id", "year_of_birth", "gender_source_value", "race_source_value", "ethnicity_source_value"},
	},
	{
		ID:           "provider",
		Description:  "Providers attending the cohort's visits",
		FilterColumn: "id",
		Source:       ByProvider,
		Columns: []string{"id", "year_of_birth", "gender_source_value", "race_source_value",
			"ethnicity_source_value", "specialty_source_value"},
	},
	{
		ID:           "visit_occurrence",
		Description:  "The cohort's visits",
		FilterColumn: "id",
		Source:       ByVisit,
		Columns: []string{"id", "person_id", "provider_id", "visit_type", "visit_start_date",
			"visit_end_date", "visit_source_value", "tier_id"},
	},
	{
		ID:           "condition_occurrence",
		Description:  "Conditions recorded during the cohort's visits",
		FilterColumn: "visit_occurrence_id",
		Source:       ByVisit,
		Columns: []string{"id", "visit_occurrence_id", "condition_concept_id",
			"condition_source_value", "condition_start_date"},
	},
	{
		ID:           "drug_exposure",
		Description:  "Drug exposures recorded during the cohort's visits",
		FilterColumn: "visit_occurrence_id",
		Source:       ByVisit,
		Columns: []string{"id", "visit_occurrence_id", "drug_concept_id", "drug_source_value",
			"drug_exposure_start_date", "quantity"},
	},
	{
		ID:           "procedure_occurrence",
		Description:  "Procedures performed during the cohort's visits",
		FilterColumn: "visit_occurrence_id",
		Source:       ByVisit,
		Columns: []string{"id", "visit_occurrence_id", "procedure_concept_id",
			"procedure_source_value", "procedure_date"},
	},
	{
		ID:           "measurement",
		Description:  "Measurements taken during the cohort's visits",
		FilterColumn: "visit_occurrence_id",
		Source:       ByVisit,
		Columns: []string{"id", "visit_occurrence_id", "measurement_concept_id",
			"measurement_source_value", "value_as_number", "unit_source_value", "measurement_date"},
	},
	{
		ID:           "observation",
		Description:  "Observations recorded during the cohort's visits",
		FilterColumn: "visit_occurrence_id",
		Source:       ByVisit,
		Columns: []string{"id", "visit_occurrence_id", "observation_concept_id",
			"observation_source_value", "value_as_string", "observation_date"},
	},
	{
		ID:           "note",
		Description:  "Clinical notes written during the cohort's visits",
		FilterColumn: "visit_occurrence_id",
		Source:       ByVisit,
		Columns:      []string{"id", "visit_occurrence_id", "note_date", "note_title", "note_text"},
	},
	{
		ID:           "image_occurrence",
		Description:  "Imaging studies acquired during the cohort's visits",
		FilterColumn: "visit_occurrence_id",
		Source:       ByVisit,
		Columns:      []string{"id", "visit_occurrence_id", "modality", "image_date", "image_path"},
	},
	{
		ID:           "labs",
		Description:  "Lab results of the cohort's patients",
		FilterColumn: "person_id",
		Source:       ByPerson,
		Columns:      []string{"id", "person_id", "lab_name", "lab_value", "lab_unit", "lab_date"},
	},
}

var byID = func() map[string]Table {
	m := make(map[string]Table, len(registry))
	for _, t := range registry {
		m[t.ID] = t
	}
	return m
}()

// Tables returns every exportable table in export order.
func Tables() []Table {
	return append([]Table(nil), registry...)
}

// LookupTable returns the table registered under id.
func LookupTable(id string) (Table, bool) {
	t, ok := byID[id]
	return t, ok
}

// TableIDs returns the registered table ids, sorted.
func TableIDs() []string {
	ids := make([]string, 0, len(registry))
	for _, t := range registry {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

// ids selects the id set t is filtered by.
func (t Table) ids(set *visit.IDSet) []int64 {
	switch t.Source {
	case ByPerson:
		return set.Persons
	case ByProvider:
		return set.Providers
	default:
		return set.Visits
	}
}
