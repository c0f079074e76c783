package filterspec

import "sort"

// Category is a top-level section of a nested filter document.
type Category string

const (
	Visit                Category = "visit"
	PersonDemographics   Category = "person_demographics"
	ProviderDemographics Category = "provider_demographics"
	Clinical             Category = "clinical"
)

// Categories lists the nested categories in canonical order.
var Categories = []Category{Visit, PersonDemographics, ProviderDemographics, Clinical}

// NullSentinel in a code list matches rows whose column is NULL.
const NullSentinel = "__unspecified__"

// Kind selects how a filter value is parsed and translated.
type Kind int

const (
	// KindIDs is an integer or list of positive integers.
	KindIDs Kind = iota
	// KindTiers is a KindIDs value restricted to tier levels.
	KindTiers
	// KindCodes is a list of strings that may include NullSentinel.
	KindCodes
	// KindText is a case-insensitive substring.
	KindText
	// KindYear is one bound of an inclusive year range.
	KindYear
	// KindDate is one bound of an inclusive YYYY-MM-DD range.
	KindDate
)

// Bound marks a KindYear or KindDate field as the lower or upper end.
type Bound int

const (
	NoBound Bound = iota
	From
	To
)

// Field is one allow-listed (category, key) pair.
type Field struct {
	Category Category
	Key      string
	Kind     Kind
	Bound    Bound
	// Range is the shared prefix of a _from/_to pair, e.g. "year_of_birth".
	Range string
}

// Path is the error key for the field in nested form.
func (f Field) Path() string {
	return "filters." + string(f.Category) + "." + f.Key
}

// Key identifies a field independently of its metadata.
type Key struct {
	Category Category
	Name     string
}

func (f Field) ID() Key { return Key{Category: f.Category, Name: f.Key} }

func rangeFields(cat Category, prefix string, kind Kind) []Field {
	return []Field{
		{Category: cat, Key: prefix + "_from", Kind: kind, Bound: From, Range: prefix},
		{Category: cat, Key: prefix + "_to", Kind: kind, Bound: To, Range: prefix},
	}
}

func demographicFields(cat Category) []Field {
	return append([]Field{
		{Category: cat, Key: "gender", Kind: KindCodes},
		{Category: cat, Key: "race", Kind: KindCodes},
		{Category: cat, Key: "ethnicity", Kind: KindCodes},
	}, rangeFields(cat, "year_of_birth", KindYear)...)
}

var fieldList = func() []Field {
	var fs []Field
	fs = append(fs,
		Field{Category: Visit, Key: "tier_id", Kind: KindTiers},
		Field{Category: Visit, Key: "visit_type", Kind: KindCodes},
		Field{Category: Visit, Key: "person_id", Kind: KindIDs},
		Field{Category: Visit, Key: "provider_id", Kind: KindIDs},
	)
	fs = append(fs, rangeFields(Visit, "visit_start_date", KindDate)...)
	fs = append(fs, demographicFields(PersonDemographics)...)
	fs = append(fs, demographicFields(ProviderDemographics)...)
	for _, k := range []string{
		"condition_source_value", "drug_source_value", "procedure_source_value",
		"measurement_source_value", "observation_source_value", "note_text", "lab_name",
	} {
		fs = append(fs, Field{Category: Clinical, Key: k, Kind: KindText})
	}
	fs = append(fs,
		Field{Category: Clinical, Key: "condition_concept_id", Kind: KindIDs},
		Field{Category: Clinical, Key: "drug_concept_id", Kind: KindIDs},
	)
	return fs
}()

var fieldIndex = func() map[Key]Field {
	m := make(map[Key]Field, len(fieldList))
	for _, f := range fieldList {
		m[f.ID()] = f
	}
	return m
}()

// Fields returns every allow-listed field in canonical order.
func Fields() []Field {
	return append([]Field(nil), fieldList...)
}

// Lookup returns the field registered for (cat, key).
func Lookup(cat Category, key string) (Field, bool) {
	f, ok := fieldIndex[Key{Category: cat, Name: key}]
	return f, ok
}

// rangeKey reports whether key is a range object key such as
// "year_of_birth".
func rangeKey(cat Category, key string) bool {
	from, ok := Lookup(cat, key+"_from")
	return ok && from.Range == key
}

// allowedKeys lists the keys accepted under cat, range object keys included.
func allowedKeys(cat Category) []string {
	seen := map[string]bool{}
	var keys []string
	for _, f := range fieldList {
		if f.Category != cat {
			continue
		}
		keys = append(keys, f.Key)
		if f.Range != "" && !seen[f.Range] {
			seen[f.Range] = true
			keys = append(keys, f.Range)
		}
	}
	sort.Strings(keys)
	return keys
}

// flatKeys maps each legacy flat key to its nested field.
var flatKeys = map[string]Key{
	"tier_id":            {Visit, "tier_id"},
	"visit_type":         {Visit, "visit_type"},
	"date_from":          {Visit, "visit_start_date_from"},
	"date_to":            {Visit, "visit_start_date_to"},
	"gender":             {PersonDemographics, "gender"},
	"race":               {PersonDemographics, "race"},
	"ethnicity":          {PersonDemographics, "ethnicity"},
	"year_of_birth_from": {PersonDemographics, "year_of_birth_from"},
	"year_of_birth_to":   {PersonDemographics, "year_of_birth_to"},
	"provider_gender":    {ProviderDemographics, "gender"},
	"condition":          {Clinical, "condition_source_value"},
	"drug":               {Clinical, "drug_source_value"},
	"procedure":          {Clinical, "procedure_source_value"},
	"lab":                {Clinical, "lab_name"},
}

func isFlatKey(key string) bool {
	_, ok := flatKeys[key]
	return ok
}

// FlatKeys returns the legacy flat keys in sorted order.
func FlatKeys() []string {
	keys := make([]string, 0, len(flatKeys))
	for k := range flatKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func categoryNames() []string {
	out := make([]string, len(Categories))
	for i, c := range Categories {
		out[i] = string(c)
	}
	return out
}

func isCategory(key string) bool {
	for _, c := range Categories {
		if string(c) == key {
			return true
		}
	}
	return false
}

// Sortable fields accepted in a sort document.
var sortFields = []string{
	"visit_start_date",
	"visit_end_date",
	"visit_occurrence_id",
	"person_id",
	"provider_id",
	"tier_id",
	"visit_type",
}

// SortFields returns the sortable field names.
func SortFields() []string {
	return append([]string(nil), sortFields...)
}
