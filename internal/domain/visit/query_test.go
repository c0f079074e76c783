package visit

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/researchportal/internal/filterspec"
	"github.com/ehr/researchportal/internal/platform/sqlq"
)

func validator() *filterspec.Validator {
	return filterspec.NewValidator(filterspec.DefaultLimits()).WithClock(func() time.Time {
		return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	})
}

func mustSpec(t *testing.T, filters, sort string) *filterspec.Spec {
	t.Helper()
	var f, s any
	require.NoError(t, json.Unmarshal([]byte(filters), &f))
	if sort != "" {
		require.NoError(t, json.Unmarshal([]byte(sort), &s))
	}
	spec, err := validator().Validate(f, s)
	require.NoError(t, err)
	return spec
}

func gated() *sqlq.Select {
	return Base().WhereAny("v.tier_id", []int{1, 2, 3, 4, 5})
}

func TestEveryFieldHasTranslation(t *testing.T) {
	for _, f := range filterspec.Fields() {
		_, ok := translations[f.ID()]
		assert.True(t, ok, "no translation for %s", f.Path())
	}
	assert.Len(t, translations, len(filterspec.Fields()))
}

func TestEverySortFieldHasColumn(t *testing.T) {
	for _, name := range filterspec.SortFields() {
		_, ok := sortColumns[name]
		assert.True(t, ok, "no column for sort field %s", name)
	}
}

func TestBuild_NoFilters(t *testing.T) {
	base := gated()
	q := Build(base, mustSpec(t, `{}`, ""))

	sql, args := q.Filtered.SQL()
	assert.Equal(t, "SELECT v.id, v.person_id, v.provider_id, v.visit_type, v.visit_start_date, v.visit_end_date, v.visit_source_value, v.tier_id"+
		" FROM visit_occurrence v WHERE v.tier_id = ANY($1)"+
		" ORDER BY v.visit_start_date DESC NULLS LAST, v.id DESC NULLS LAST", sql)
	assert.Len(t, args, 1)
	assert.False(t, q.Filtered.IsDistinct())
	assert.Same(t, base, q.Total)
}

func TestBuild_TierFilterWithSort(t *testing.T) {
	q := Build(gated(), mustSpec(t,
		`{"visit": {"tier_id": [1, 2]}}`,
		`{"field": "visit_start_date", "direction": "desc"}`))

	sql, args := q.Filtered.SQL()
	assert.Contains(t, sql, "WHERE v.tier_id = ANY($1) AND v.tier_id = ANY($2)")
	assert.True(t, strings.HasSuffix(sql, "ORDER BY v.visit_start_date DESC NULLS LAST, v.id DESC NULLS LAST"))
	assert.Equal(t, []int64{1, 2}, args[1])

	// Tier gating is the first predicate regardless of caller filters.
	assert.Equal(t, "v.tier_id = ANY($1)", q.Filtered.Predicates()[0])
}

func TestBuild_Demographics(t *testing.T) {
	q := Build(gated(), mustSpec(t, `{
		"person_demographics": {"gender": ["F", "__unspecified__"], "year_of_birth": {"from": 1950, "to": 1960}},
		"provider_demographics": {"race": ["Asian"]}
	}`, ""))

	assert.Equal(t, []string{
		"LEFT JOIN person p ON p.id = v.person_id",
		"LEFT JOIN provider pr ON pr.id = v.provider_id",
	}, q.Filtered.Joins())
	assert.Equal(t, []string{
		"v.tier_id = ANY($1)",
		"(p.gender_source_value = ANY($2) OR p.gender_source_value IS NULL)",
		"p.year_of_birth >= $3",
		"p.year_of_birth <= $4",
		"pr.race_source_value = ANY($5)",
	}, q.Filtered.Predicates())
	assert.False(t, q.Filtered.IsDistinct(), "many-to-one joins do not repeat visits")
}

func TestBuild_UnspecifiedProviderMatchesVisitsWithoutProvider(t *testing.T) {
	q := Build(gated(), mustSpec(t, `{"provider_demographics": {"gender": ["__unspecified__"]}}`, ""))

	sql, _ := q.Filtered.SQL()
	assert.Contains(t, sql, "FROM visit_occurrence v LEFT JOIN provider pr ON pr.id = v.provider_id")
	assert.Contains(t, sql, "pr.gender_source_value IS NULL")
	assert.NotContains(t, sql, "DISTINCT")
}

func TestBuild_ClinicalJoinsAreDistinct(t *testing.T) {
	q := Build(gated(), mustSpec(t, `{
		"clinical": {"condition_source_value": "diab", "condition_concept_id": [201826], "lab_name": "a1c"}
	}`, ""))

	assert.Equal(t, []string{
		"JOIN condition_occurrence j0 ON j0.visit_occurrence_id = v.id",
		"JOIN labs j1 ON j1.person_id = v.person_id",
		"JOIN condition_occurrence j2 ON j2.visit_occurrence_id = v.id",
	}, q.Filtered.Joins())
	assert.True(t, q.Filtered.IsDistinct())

	sql, _ := q.Filtered.Count(IDColumn)
	assert.True(t, strings.HasPrefix(sql, "SELECT COUNT(DISTINCT v.id) FROM visit_occurrence v JOIN"))

	totalSQL, _ := q.Total.Count(IDColumn)
	assert.Equal(t, "SELECT COUNT(*) FROM visit_occurrence v WHERE v.tier_id = ANY($1)", totalSQL)
}

func TestBuild_Idempotent(t *testing.T) {
	spec := mustSpec(t, `{
		"visit": {"visit_type": ["inpatient"], "visit_start_date_from": "2020-01-01"},
		"clinical": {"note_text": "fever", "drug_concept_id": [1, 2]}
	}`, `{"field": "person_id"}`)

	a, argsA := Build(gated(), spec).Filtered.SQL()
	b, argsB := Build(gated(), spec).Filtered.SQL()
	assert.Equal(t, a, b)
	assert.Equal(t, argsA, argsB)
}

func TestOrder(t *testing.T) {
	tests := []struct {
		sort filterspec.Sort
		want string
	}{
		{filterspec.Sort{}, " ORDER BY v.visit_start_date DESC NULLS LAST, v.id DESC NULLS LAST"},
		{filterspec.Sort{Field: "tier_id"}, " ORDER BY v.tier_id ASC NULLS LAST, v.id ASC NULLS LAST"},
		{filterspec.Sort{Field: "visit_end_date", Descending: true}, " ORDER BY v.visit_end_date DESC NULLS LAST, v.id DESC NULLS LAST"},
		{filterspec.Sort{Field: "visit_occurrence_id", Descending: true}, " ORDER BY v.id DESC NULLS LAST"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sqlq.OrderClause(Order(tt.sort)), tt.sort.Field)
	}
}
