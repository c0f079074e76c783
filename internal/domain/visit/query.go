package visit

import (
	"fmt"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/filterspec"
	"github.com/ehr/researchportal/internal/platform/sqlq"
)

// IDColumn is the visit key, used for COUNT(DISTINCT) and id derivation.
const IDColumn = "v.id"

// Columns are the selected visit columns in scan order.
var Columns = []string{
	"v.id", "v.person_id", "v.provider_id", "v.visit_type",
	"v.visit_start_date", "v.visit_end_date", "v.visit_source_value", "v.tier_id",
}

// TierPath locates the tier reference of a visit.
var TierPath = access.Direct("v.tier_id")

// Base selects every visit, before tier gating.
func Base() *sqlq.Select {
	return sqlq.From("visit_occurrence v", Columns...)
}

// Query is the result of Build.
type Query struct {
	// Total is the tier-gated set without caller filters.
	Total *sqlq.Select
	// Filtered adds the caller's filters and ordering to Total.
	Filtered *sqlq.Select
}

// Build layers spec on top of base, which must already be tier-gated.
// Building twice from the same inputs renders the same SQL.
func Build(base *sqlq.Select, spec *filterspec.Spec) Query {
	b := &builder{q: base.Clone(), joined: map[string]bool{}}
	spec.Each(func(f filterspec.Field, v filterspec.Value) {
		if tr, ok := translations[f.ID()]; ok {
			tr(b, v)
		}
	})
	b.q.OrderBy(Order(spec.Sort)...)
	return Query{Total: base, Filtered: b.q}
}

// DefaultOrder is most recent visit first.
var DefaultOrder = []sqlq.OrderTerm{sqlq.Desc("v.visit_start_date"), sqlq.Desc("v.id")}

var sortColumns = map[string]string{
	"visit_start_date":    "v.visit_start_date",
	"visit_end_date":      "v.visit_end_date",
	"visit_occurrence_id": "v.id",
	"person_id":           "v.person_id",
	"provider_id":         "v.provider_id",
	"tier_id":             "v.tier_id",
	"visit_type":          "v.visit_type",
}

// Order maps a validated sort to ORDER BY terms. v.id breaks ties in the
// requested direction.
func Order(s filterspec.Sort) []sqlq.OrderTerm {
	if s.IsDefault() {
		return DefaultOrder
	}
	col, ok := sortColumns[s.Field]
	if !ok {
		return DefaultOrder
	}
	term := func(c string) sqlq.OrderTerm {
		if s.Descending {
			return sqlq.Desc(c)
		}
		return sqlq.Asc(c)
	}
	if col == IDColumn {
		return []sqlq.OrderTerm{term(col)}
	}
	return []sqlq.OrderTerm{term(col), term(IDColumn)}
}

type builder struct {
	q      *sqlq.Select
	joined map[string]bool
	n      int
}

func (b *builder) joinOnce(clause string) {
	if !b.joined[clause] {
		b.joined[clause] = true
		b.q.Join(clause)
	}
}

func (b *builder) alias() string {
	a := fmt.Sprintf("j%d", b.n)
	b.n++
	return a
}

type translate func(b *builder, v filterspec.Value)

type predicate func(q *sqlq.Select, col string, v filterspec.Value)

func ints(q *sqlq.Select, col string, v filterspec.Value) { q.WhereAny(col, v.Ints) }

func codes(q *sqlq.Select, col string, v filterspec.Value) {
	q.WhereAnyOrNull(col, v.Strings, v.IncludeNull)
}

func contains(q *sqlq.Select, col string, v filterspec.Value) { q.WhereContains(col, v.Text) }

func yearFrom(q *sqlq.Select, col string, v filterspec.Value) { q.WhereGTE(col, v.Year) }

func yearTo(q *sqlq.Select, col string, v filterspec.Value) { q.WhereLTE(col, v.Year) }

func dateFrom(q *sqlq.Select, col string, v filterspec.Value) { q.WhereGTE(col, v.Date) }

func dateTo(q *sqlq.Select, col string, v filterspec.Value) { q.WhereLTE(col, v.Date) }

func onVisit(col string, p predicate) translate {
	return func(b *builder, v filterspec.Value) { p(b.q, "v."+col, v) }
}

// Demographic joins are outer so the "__unspecified__" sentinel also matches
// visits without a person or provider row.
const (
	personJoin   = "LEFT JOIN person p ON p.id = v.person_id"
	providerJoin = "LEFT JOIN provider pr ON pr.id = v.provider_id"
)

func onPerson(col string, p predicate) translate {
	return func(b *builder, v filterspec.Value) {
		b.joinOnce(personJoin)
		p(b.q, "p."+col, v)
	}
}

func onProvider(col string, p predicate) translate {
	return func(b *builder, v filterspec.Value) {
		b.joinOnce(providerJoin)
		p(b.q, "pr."+col, v)
	}
}

// related joins a one-to-many table under a fresh alias. Matching several
// related rows would repeat the visit, so the query becomes DISTINCT.
func related(table, fk, parent, col string, p predicate) translate {
	return func(b *builder, v filterspec.Value) {
		a := b.alias()
		b.q.Join(fmt.Sprintf("JOIN %s %s ON %s.%s = %s", table, a, a, fk, parent))
		b.q.Distinct()
		p(b.q, a+"."+col, v)
	}
}

func byVisit(table, col string, p predicate) translate {
	return related(table, "visit_occurrence_id", "v.id", col, p)
}

func demographics(on func(string, predicate) translate) map[string]translate {
	return map[string]translate{
		"gender":             on("gender_source_value", codes),
		"race":               on("race_source_value", codes),
		"ethnicity":          on("ethnicity_source_value", codes),
		"year_of_birth_from": on("year_of_birth", yearFrom),
		"year_of_birth_to":   on("year_of_birth", yearTo),
	}
}

// translations holds the single SQL translation of every filter field.
var translations = func() map[filterspec.Key]translate {
	m := map[filterspec.Key]translate{}
	add := func(cat filterspec.Category, fields map[string]translate) {
		for name, tr := range fields {
			m[filterspec.Key{Category: cat, Name: name}] = tr
		}
	}
	add(filterspec.Visit, map[string]translate{
		"tier_id":               onVisit("tier_id", ints),
		"visit_type":            onVisit("visit_type", codes),
		"person_id":             onVisit("person_id", ints),
		"provider_id":           onVisit("provider_id", ints),
		"visit_start_date_from": onVisit("visit_start_date", dateFrom),
		"visit_start_date_to":   onVisit("visit_start_date", dateTo),
	})
	add(filterspec.PersonDemographics, demographics(onPerson))
	add(filterspec.ProviderDemographics, demographics(onProvider))
	add(filterspec.Clinical, map[string]translate{
		"condition_source_value":   byVisit("condition_occurrence", "condition_source_value", contains),
		"condition_concept_id":     byVisit("condition_occurrence", "condition_concept_id", ints),
		"drug_source_value":        byVisit("drug_exposure", "drug_source_value", contains),
		"drug_concept_id":          byVisit("drug_exposure", "drug_concept_id", ints),
		"procedure_source_value":   byVisit("procedure_occurrence", "procedure_source_value", contains),
		"measurement_source_value": byVisit("measurement", "measurement_source_value", contains),
		"observation_source_value": byVisit("observation", "observation_source_value", contains),
		"note_text":                byVisit("note", "note_text", contains),
		// Labs belong to the patient, not to a visit.
		"lab_name": related("labs", "person_id", "v.person_id", "lab_name", contains),
	})
	return m
}()
