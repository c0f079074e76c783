package filterspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/researchportal/internal/platform/apperror"
)

func fixedValidator(limits Limits) *Validator {
	return NewValidator(limits).WithClock(func() time.Time {
		return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	})
}

func decode(t *testing.T, doc string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(doc), &v))
	return v
}

func fieldErrors(t *testing.T, err error) map[string][]string {
	t.Helper()
	require.Error(t, err)
	var ve *apperror.ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %T", err)
	return ve.Fields
}

func TestValidate_EmptyFilters(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	for _, raw := range []any{nil, map[string]any{}} {
		spec, err := v.Validate(raw, nil)
		require.NoError(t, err)
		assert.True(t, spec.Empty())
		assert.True(t, spec.Sort.IsDefault())
		assert.Equal(t, 0, spec.ActiveCount())
	}
}

func TestValidate_FiltersMustBeObject(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	for _, raw := range []string{`[]`, `"visit"`, `3`} {
		fields := fieldErrors(t, func() error { _, err := v.Validate(decode(t, raw), nil); return err }())
		assert.Contains(t, fields, "filters")
	}
}

func TestValidate_Nested(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	spec, err := v.Validate(decode(t, `{
		"visit": {"tier_id": [1, 2], "visit_type": ["inpatient"], "visit_start_date": {"from": "2020-01-01", "to": "2020-12-31"}},
		"person_demographics": {"gender": ["F", "__unspecified__"], "year_of_birth_from": 1950, "year_of_birth_to": "1990"},
		"provider_demographics": {"race": []},
		"clinical": {"condition_source_value": "diabetes", "drug_concept_id": 42}
	}`), decode(t, `{"field": "visit_start_date", "direction": "DESC"}`))
	require.NoError(t, err)

	assert.Equal(t, Nested, spec.Shape)
	tiers, ok := spec.Get(Visit, "tier_id")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, tiers.Ints)

	from, _ := spec.Get(Visit, "visit_start_date_from")
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), from.Date)

	gender, _ := spec.Get(PersonDemographics, "gender")
	assert.Equal(t, []string{"F"}, gender.Strings)
	assert.True(t, gender.IncludeNull)

	yob, _ := spec.Get(PersonDemographics, "year_of_birth_to")
	assert.Equal(t, 1990, yob.Year)

	_, ok = spec.Get(ProviderDemographics, "race")
	assert.False(t, ok, "empty lists are not active filters")

	drug, _ := spec.Get(Clinical, "drug_concept_id")
	assert.Equal(t, []int64{42}, drug.Ints)

	assert.Equal(t, Sort{Field: "visit_start_date", Descending: true}, spec.Sort)
	assert.Equal(t, Summary{Visit: 4, PersonDemographics: 3, Clinical: 2, Total: 9}, spec.Summary())
}

func TestValidate_Flat(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	spec, err := v.Validate(decode(t, `{
		"tier_id": 3, "date_from": "2021-03-04", "provider_gender": ["M"], "lab": "a1c"
	}`), nil)
	require.NoError(t, err)

	assert.Equal(t, Flat, spec.Shape)
	tiers, _ := spec.Get(Visit, "tier_id")
	assert.Equal(t, []int64{3}, tiers.Ints)
	_, ok := spec.Get(Visit, "visit_start_date_from")
	assert.True(t, ok)
	pg, _ := spec.Get(ProviderDemographics, "gender")
	assert.Equal(t, []string{"M"}, pg.Strings)
	lab, _ := spec.Get(Clinical, "lab_name")
	assert.Equal(t, "a1c", lab.Text)

	doc := spec.Document()
	assert.Contains(t, doc, "visit")
	assert.Contains(t, doc, "clinical")
}

func TestValidate_MixedShapes(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	_, err := v.Validate(decode(t, `{"visit": {"tier_id": 1}, "gender": ["F"]}`), nil)
	fields := fieldErrors(t, err)
	assert.Contains(t, fields["filters"][0], "cannot mix")
}

func TestValidate_UnknownKeys(t *testing.T) {
	v := fixedValidator(DefaultLimits())

	_, err := v.Validate(decode(t, `{"visit": {}, "billing": {"x": 1}}`), nil)
	fields := fieldErrors(t, err)
	assert.Contains(t, fields["filters"][0], "billing")
	assert.Contains(t, fields["filters"][0], "person_demographics")

	_, err = v.Validate(decode(t, `{"visit": {"tier_id": 1, "ssn": "x"}}`), nil)
	fields = fieldErrors(t, err)
	assert.Contains(t, fields["filters.visit"][0], "ssn")
	assert.Contains(t, fields["filters.visit"][0], "tier_id")

	_, err = v.Validate(decode(t, `{"tier_id": 1, "zip": "02139"}`), nil)
	fields = fieldErrors(t, err)
	assert.Contains(t, fields["filters"][0], "zip")
	assert.Contains(t, fields["filters"][0], "provider_gender")
}

func TestValidate_TierBounds(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	for _, doc := range []string{
		`{"visit": {"tier_id": 0}}`,
		`{"visit": {"tier_id": 6}}`,
		`{"visit": {"tier_id": [1, 0]}}`,
		`{"visit": {"tier_id": [6]}}`,
		`{"visit": {"tier_id": "high"}}`,
		`{"visit": {"tier_id": 2.5}}`,
	} {
		_, err := v.Validate(decode(t, doc), nil)
		fields := fieldErrors(t, err)
		assert.Contains(t, fields, "filters.visit.tier_id", doc)
	}
	for level := 1; level <= 5; level++ {
		for _, doc := range []string{
			fmt.Sprintf(`{"visit": {"tier_id": %d}}`, level),
			fmt.Sprintf(`{"visit": {"tier_id": [%d]}}`, level),
			fmt.Sprintf(`{"tier_id": "%d"}`, level),
		} {
			_, err := v.Validate(decode(t, doc), nil)
			assert.NoError(t, err, doc)
		}
	}
}

func TestValidate_YearOfBirth(t *testing.T) {
	v := fixedValidator(DefaultLimits())

	_, err := v.Validate(decode(t, `{"person_demographics": {"year_of_birth_from": 2000, "year_of_birth_to": 1999}}`), nil)
	fields := fieldErrors(t, err)
	assert.Contains(t, fields, "filters.person_demographics.year_of_birth_from")

	_, err = v.Validate(decode(t, `{"year_of_birth_from": 2000, "year_of_birth_to": 1999}`), nil)
	fields = fieldErrors(t, err)
	assert.Contains(t, fields, "filters.year_of_birth_from")

	for _, doc := range []string{
		`{"person_demographics": {"year_of_birth_from": 1899}}`,
		`{"person_demographics": {"year_of_birth_to": 2028}}`,
		`{"person_demographics": {"year_of_birth_to": "nineteen"}}`,
	} {
		_, err := v.Validate(decode(t, doc), nil)
		assert.Error(t, err, doc)
	}

	_, err = v.Validate(decode(t, `{"provider_demographics": {"year_of_birth": {"from": 1900, "to": 2027}}}`), nil)
	assert.NoError(t, err)
}

func TestValidate_RangeObjects(t *testing.T) {
	v := fixedValidator(DefaultLimits())

	_, err := v.Validate(decode(t, `{"visit": {"visit_start_date": {"from": "2020-01-01", "until": "2021-01-01"}}}`), nil)
	fields := fieldErrors(t, err)
	assert.Contains(t, fields, "filters.visit.visit_start_date")

	_, err = v.Validate(decode(t, `{"visit": {"visit_start_date": {"from": "2020-01-01"}, "visit_start_date_from": "2019-01-01"}}`), nil)
	fields = fieldErrors(t, err)
	assert.Contains(t, fields, "filters.visit.visit_start_date_from")

	_, err = v.Validate(decode(t, `{"visit": {"visit_start_date": {"from": "2021-01-01", "to": "2020-01-01"}}}`), nil)
	fieldErrors(t, err)

	_, err = v.Validate(decode(t, `{"visit": {"visit_start_date_to": "31/12/2020"}}`), nil)
	fields = fieldErrors(t, err)
	assert.Contains(t, fields, "filters.visit.visit_start_date_to")
}

func TestValidate_ObjectValuesRejected(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	_, err := v.Validate(decode(t, `{"visit": {"person_id": {"from": 1, "to": 5}}}`), nil)
	fields := fieldErrors(t, err)
	assert.Contains(t, fields["filters.visit.person_id"][0], "not an object")

	_, err = v.Validate(decode(t, `{"clinical": {"note_text": ["a", "b"]}}`), nil)
	fieldErrors(t, err)

	_, err = v.Validate(decode(t, `{"person_demographics": {"gender": [["F"]]}}`), nil)
	fieldErrors(t, err)
}

func TestValidate_CodesAndSentinel(t *testing.T) {
	v := fixedValidator(DefaultLimits())

	spec, err := v.Validate(decode(t, `{"person_demographics": {"race": ["__unspecified__"]}}`), nil)
	require.NoError(t, err)
	race, _ := spec.Get(PersonDemographics, "race")
	assert.Empty(t, race.Strings)
	assert.True(t, race.IncludeNull)

	_, err = v.Validate(decode(t, `{"person_demographics": {"gender": "F"}}`), nil)
	fields := fieldErrors(t, err)
	assert.Equal(t, []string{"must be a list of strings"}, fields["filters.person_demographics.gender"])

	_, err = v.Validate(decode(t, `{"person_demographics": {"gender": ["F", 1]}}`), nil)
	fieldErrors(t, err)
}

func TestValidate_FieldScopedErrors(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	_, err := v.Validate(
		decode(t, `{"visit": {"tier_id": 9, "person_id": -1}, "clinical": {"lab_name": "   "}}`),
		decode(t, `{"field": "ssn", "direction": "sideways", "limit": 3}`),
	)
	fields := fieldErrors(t, err)
	for _, key := range []string{
		"filters.visit.tier_id",
		"filters.visit.person_id",
		"filters.clinical.lab_name",
		"sort",
		"sort.field",
		"sort.direction",
	} {
		assert.Contains(t, fields, key)
	}
}

func TestValidate_Sort(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	tests := []struct {
		doc  string
		want Sort
	}{
		{`{"field": "tier_id"}`, Sort{Field: "tier_id"}},
		{`{"field": "person_id", "direction": "Desc"}`, Sort{Field: "person_id", Descending: true}},
		{`{"direction": "asc"}`, Sort{Field: "visit_start_date"}},
		{`{}`, Sort{}},
	}
	for _, tt := range tests {
		spec, err := v.Validate(nil, decode(t, tt.doc))
		require.NoError(t, err, tt.doc)
		assert.Equal(t, tt.want, spec.Sort, tt.doc)
	}

	_, err := v.Validate(nil, decode(t, `"visit_start_date"`))
	assert.Contains(t, fieldErrors(t, err), "sort")
}

func TestValidate_Idempotent(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	inputs := []struct{ filters, sort string }{
		{`{"visit": {"tier_id": [2, 1, 2], "visit_start_date": {"from": "2020-01-01"}}, "person_demographics": {"ethnicity": ["__unspecified__", "Hispanic"]}}`, `{"field": "tier_id", "direction": "desc"}`},
		{`{"gender": ["F"], "year_of_birth_from": "1950", "condition": "asthma"}`, `null`},
		{`{"clinical": {"condition_concept_id": [3, 4], "note_text": "chest pain"}}`, `{"direction": "asc"}`},
	}
	for _, in := range inputs {
		first, err := v.Validate(decode(t, in.filters), decode(t, in.sort))
		require.NoError(t, err)

		second, err := v.Validate(first.Document(), first.Sort.Document())
		require.NoError(t, err)
		assert.Equal(t, first.Document(), second.Document())
		assert.Equal(t, first.Sort, second.Sort)
		assert.Equal(t, first.ActiveCount(), second.ActiveCount())

		// A stored document survives a JSON round trip as well.
		raw, err := json.Marshal(first.Document())
		require.NoError(t, err)
		third, err := v.Validate(decode(t, string(raw)), nil)
		require.NoError(t, err)
		assert.Equal(t, first.Document(), third.Document())
	}
}

func TestValidate_FlatDocumentRevalidatesAsNested(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	flat, err := v.Validate(decode(t, `{"tier_id": [1, 2], "gender": ["F"], "lab": "a1c"}`), nil)
	require.NoError(t, err)
	require.Equal(t, Flat, flat.Shape)

	again, err := v.Validate(flat.Document(), nil)
	require.NoError(t, err)
	assert.Equal(t, Nested, again.Shape)
	assert.Equal(t, flat.Document(), again.Document())
	assert.Equal(t, flat.Summary(), again.Summary())
}

func TestValidate_ActiveCountMatchesLeafCount(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	raw := decode(t, `{
		"visit": {"tier_id": [1], "visit_start_date": {"from": "2020-01-01", "to": "2020-02-01"}, "visit_type": []},
		"person_demographics": {"race": ["__unspecified__"], "gender": null},
		"clinical": {"drug_source_value": "", "lab_name": "potassium"}
	}`)
	spec, err := v.Validate(raw, nil)
	require.NoError(t, err)

	leaves, err := CountLeaves(raw, DefaultMaxDepth)
	require.NoError(t, err)
	assert.Equal(t, 5, leaves)
	assert.Equal(t, leaves, spec.ActiveCount())
}

func TestValidate_LeafLimitInjected(t *testing.T) {
	v := fixedValidator(Limits{MaxLeaves: 3, MaxDepth: DefaultMaxDepth})

	_, err := v.Validate(decode(t, `{"visit": {"tier_id": 1, "person_id": 2}, "clinical": {"lab_name": "x"}}`), nil)
	assert.NoError(t, err)

	_, err = v.Validate(decode(t, `{"visit": {"tier_id": 1, "person_id": 2, "provider_id": 3}, "clinical": {"lab_name": "x"}}`), nil)
	fields := fieldErrors(t, err)
	assert.Contains(t, fields["filters"][0], "too many filters: 4 (maximum 3)")
}

func TestValidate_DepthGuard(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	_, err := v.Validate(decode(t, `{"visit": {"tier_id": {"a": {"b": {"c": {"d": 1}}}}}}`), nil)
	fields := fieldErrors(t, err)
	assert.Contains(t, fields["filters"][0], "nested deeper than 5")
}

func TestValidate_LeafLimitDefault(t *testing.T) {
	v := fixedValidator(DefaultLimits())
	doc := map[string]any{}
	for i := 0; i < 51; i++ {
		doc[fmt.Sprintf("k%d", i)] = "x"
	}
	_, err := v.Validate(doc, nil)
	fields := fieldErrors(t, err)
	assert.True(t, strings.HasPrefix(fields["filters"][0], "too many filters: 51"))
}

func TestFlatKeysMapToRegisteredFields(t *testing.T) {
	targets := map[Key]string{}
	for flat, id := range flatKeys {
		_, ok := Lookup(id.Category, id.Name)
		assert.True(t, ok, "flat key %s maps to unknown field %v", flat, id)
		if prev, dup := targets[id]; dup {
			t.Errorf("flat keys %s and %s map to the same field", prev, flat)
		}
		targets[id] = flat
		assert.False(t, isCategory(flat))
	}
}
