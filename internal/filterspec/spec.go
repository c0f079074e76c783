package filterspec

import (
	"strings"
	"time"
)

// DateLayout is the wire format of date filters.
const DateLayout = "2006-01-02"

// Shape is the structure a filter document was submitted in. It describes the
// input only: Document always renders the nested form, so validating that
// document again reports Nested for a Spec that was submitted Flat.
type Shape int

const (
	Nested Shape = iota
	Flat
)

// Value is a parsed filter value. Which members are set depends on the
// field's Kind.
type Value struct {
	Ints        []int64
	Strings     []string
	IncludeNull bool
	Text        string
	Year        int
	Date        time.Time
}

// Sort is a validated sort request. The zero value means the default order.
type Sort struct {
	Field      string
	Descending bool
}

// IsDefault reports whether no explicit sort was requested.
func (s Sort) IsDefault() bool { return s.Field == "" }

// Document renders the sort in its wire form, or nil for the default.
func (s Sort) Document() map[string]any {
	if s.IsDefault() {
		return nil
	}
	dir := "asc"
	if s.Descending {
		dir = "desc"
	}
	return map[string]any{"field": s.Field, "direction": dir}
}

// Spec is a validated filter document in canonical nested form. Range
// objects are split into their _from/_to fields and empty values are
// dropped.
type Spec struct {
	// Shape records how the caller submitted the filters. It does not affect
	// which visits match.
	Shape  Shape
	Sort   Sort
	values map[Key]Value
}

func newSpec(shape Shape) *Spec {
	return &Spec{Shape: shape, values: make(map[Key]Value)}
}

// Empty reports whether no filter is active.
func (s *Spec) Empty() bool { return len(s.values) == 0 }

// Get returns the value of (cat, key) if it is active.
func (s *Spec) Get(cat Category, key string) (Value, bool) {
	v, ok := s.values[Key{Category: cat, Name: key}]
	return v, ok
}

// Each calls fn for every active field in canonical order.
func (s *Spec) Each(fn func(Field, Value)) {
	for _, f := range fieldList {
		if v, ok := s.values[f.ID()]; ok {
			fn(f, v)
		}
	}
}

// Document renders s as a nested filter document. Validating the
// document again yields an equal Spec.
func (s *Spec) Document() map[string]any {
	doc := map[string]any{}
	s.Each(func(f Field, v Value) {
		cat, ok := doc[string(f.Category)].(map[string]any)
		if !ok {
			cat = map[string]any{}
			doc[string(f.Category)] = cat
		}
		cat[f.Key] = v.document(f.Kind)
	})
	return doc
}

func (v Value) document(kind Kind) any {
	switch kind {
	case KindIDs, KindTiers:
		out := make([]any, len(v.Ints))
		for i, n := range v.Ints {
			out[i] = n
		}
		return out
	case KindCodes:
		out := make([]any, 0, len(v.Strings)+1)
		for _, s := range v.Strings {
			out = append(out, s)
		}
		if v.IncludeNull {
			out = append(out, NullSentinel)
		}
		return out
	case KindText:
		return v.Text
	case KindYear:
		return int64(v.Year)
	case KindDate:
		return v.Date.Format(DateLayout)
	}
	return nil
}

// ActiveCount is the number of active filters, counted with the same
// traversal that enforces the leaf limit.
func (s *Spec) ActiveCount() int {
	n, _ := CountLeaves(s.Document(), DefaultMaxDepth)
	return n
}

// Summary breaks ActiveCount down by category.
func (s *Spec) Summary() Summary {
	return Summarize(s.Document())
}

// Describe renders the active filters as "category.key" names, for logs
// and audit descriptions.
func (s *Spec) Describe() string {
	var parts []string
	s.Each(func(f Field, _ Value) {
		parts = append(parts, string(f.Category)+"."+f.Key)
	})
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
