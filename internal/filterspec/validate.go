// Package filterspec validates and normalizes the filter documents used by
// visit search, cohorts and exports.
package filterspec

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/researchportal/internal/domain/tier"
	"github.com/ehr/researchportal/internal/platform/apperror"
)

const (
	DefaultMaxLeaves = 50
	DefaultMaxDepth  = 5
	MinYear          = 1900
	maxTextLength    = 255
)

// Limits bounds the size of a filter document.
type Limits struct {
	MaxLeaves int
	MaxDepth  int
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{MaxLeaves: DefaultMaxLeaves, MaxDepth: DefaultMaxDepth}
}

// Validator checks raw filter and sort documents. It is safe for concurrent
// use.
type Validator struct {
	limits Limits
	now    func() time.Time
}

// NewValidator returns a Validator enforcing limits. Zero limits fall back
// to the defaults.
func NewValidator(limits Limits) *Validator {
	if limits.MaxLeaves <= 0 {
		limits.MaxLeaves = DefaultMaxLeaves
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = DefaultMaxDepth
	}
	return &Validator{limits: limits, now: time.Now}
}

// WithClock returns a copy of v using now to derive the current year.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	c := *v
	c.now = now
	return &c
}

// Limits returns the limits v enforces.
func (v *Validator) Limits() Limits { return v.limits }

// Validate parses rawFilters and rawSort, both as decoded from JSON. All
// problems are reported together in an *apperror.ValidationError.
func (v *Validator) Validate(rawFilters, rawSort any) (*Spec, error) {
	verr := &apperror.ValidationError{}
	spec := v.parseFilters(rawFilters, verr)
	s := parseSort(rawSort, verr)
	if !verr.Empty() {
		return nil, verr
	}
	spec.Sort = s
	return spec, nil
}

// ValidateFilters validates a filter document without a sort.
func (v *Validator) ValidateFilters(rawFilters any) (*Spec, error) {
	return v.Validate(rawFilters, nil)
}

func (v *Validator) parseFilters(raw any, verr *apperror.ValidationError) *Spec {
	if raw == nil {
		return newSpec(Nested)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		verr.Add("filters", "must be an object")
		return nil
	}
	n, err := CountLeaves(m, v.limits.MaxDepth)
	if err != nil {
		verr.Add("filters", err.Error())
		return nil
	}
	if n > v.limits.MaxLeaves {
		verr.Add("filters", fmt.Sprintf("too many filters: %d (maximum %d)", n, v.limits.MaxLeaves))
		return nil
	}

	var nested, flat, unknown []string
	for key := range m {
		switch {
		case isCategory(key):
			nested = append(nested, key)
		case isFlatKey(key):
			flat = append(flat, key)
		default:
			unknown = append(unknown, key)
		}
	}
	sort.Strings(nested)
	sort.Strings(flat)
	sort.Strings(unknown)

	switch {
	case len(nested) > 0 && len(flat) > 0:
		verr.Add("filters", fmt.Sprintf(
			"cannot mix nested categories (%s) with flat keys (%s)",
			strings.Join(nested, ", "), strings.Join(flat, ", ")))
		return nil
	case len(unknown) > 0:
		allowed := categoryNames()
		if len(flat) > 0 {
			allowed = FlatKeys()
		}
		verr.Add("filters", fmt.Sprintf("unknown keys: %s; allowed: %s",
			strings.Join(unknown, ", "), strings.Join(allowed, ", ")))
		return nil
	}

	p := &parser{spec: newSpec(Nested), verr: verr, paths: map[Key]string{}, year: v.now().Year()}
	if len(flat) > 0 {
		p.spec.Shape = Flat
		p.parseFlat(m, flat)
	} else {
		p.parseNested(m, nested)
	}
	p.checkRanges()
	return p.spec
}

type parser struct {
	spec *Spec
	verr *apperror.ValidationError
	// paths records the error key each value was read from.
	paths map[Key]string
	year  int
}

func (p *parser) parseNested(m map[string]any, cats []string) {
	for _, name := range cats {
		cat := Category(name)
		raw := m[name]
		if raw == nil {
			continue
		}
		section, ok := raw.(map[string]any)
		if !ok {
			p.verr.Add("filters."+name, "must be an object")
			continue
		}
		keys := make([]string, 0, len(section))
		for k := range section {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var unknown []string
		for _, key := range keys {
			path := "filters." + name + "." + key
			if rangeKey(cat, key) {
				p.parseRangeObject(cat, key, section[key], path)
				continue
			}
			f, ok := Lookup(cat, key)
			if !ok {
				unknown = append(unknown, key)
				continue
			}
			p.set(f, section[key], path)
		}
		if len(unknown) > 0 {
			p.verr.Add("filters."+name, fmt.Sprintf("unknown keys: %s; allowed: %s",
				strings.Join(unknown, ", "), strings.Join(allowedKeys(cat), ", ")))
		}
	}
}

func (p *parser) parseFlat(m map[string]any, keys []string) {
	for _, key := range keys {
		id := flatKeys[key]
		f, _ := Lookup(id.Category, id.Name)
		p.set(f, m[key], "filters."+key)
	}
}

// parseRangeObject splits {"from": a, "to": b} under key into the key_from
// and key_to fields.
func (p *parser) parseRangeObject(cat Category, key string, raw any, path string) {
	if raw == nil {
		return
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		p.verr.Add(path, "must be an object with from and/or to")
		return
	}
	var extra []string
	for k := range obj {
		if k != "from" && k != "to" {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		p.verr.Add(path, fmt.Sprintf("unknown keys: %s; allowed: from, to", strings.Join(extra, ", ")))
		return
	}
	for _, bound := range []string{"from", "to"} {
		f, _ := Lookup(cat, key+"_"+bound)
		p.set(f, obj[bound], path+"."+bound)
	}
}

// set parses raw for f and stores it unless it is empty.
func (p *parser) set(f Field, raw any, path string) {
	if isEmpty(raw) {
		return
	}
	if prev, dup := p.paths[f.ID()]; dup {
		p.verr.Add(path, fmt.Sprintf("conflicts with %s", prev))
		return
	}
	v, msg := parseValue(f, raw, p.year)
	if msg != "" {
		p.verr.Add(path, msg)
		return
	}
	p.paths[f.ID()] = path
	p.spec.values[f.ID()] = v
}

// checkRanges verifies from <= to for every complete pair.
func (p *parser) checkRanges() {
	for _, f := range fieldList {
		if f.Bound != From {
			continue
		}
		from, okFrom := p.spec.values[f.ID()]
		toKey := Key{Category: f.Category, Name: f.Range + "_to"}
		to, okTo := p.spec.values[toKey]
		if !okFrom || !okTo {
			continue
		}
		var inverted bool
		switch f.Kind {
		case KindYear:
			inverted = from.Year > to.Year
		case KindDate:
			inverted = from.Date.After(to.Date)
		}
		if inverted {
			p.verr.Add(p.paths[f.ID()], fmt.Sprintf("must not be after %s", f.Range+"_to"))
		}
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func parseValue(f Field, raw any, year int) (Value, string) {
	if _, isObj := raw.(map[string]any); isObj {
		return Value{}, "must be a scalar or a list, not an object"
	}
	switch f.Kind {
	case KindIDs:
		ints, msg := parseInts(raw, 1, math.MaxInt64)
		return Value{Ints: ints}, msg
	case KindTiers:
		ints, msg := parseInts(raw, tier.MinLevel, tier.MaxLevel)
		return Value{Ints: ints}, msg
	case KindCodes:
		return parseCodes(raw)
	case KindText:
		s, ok := raw.(string)
		if !ok {
			return Value{}, "must be a string"
		}
		if strings.TrimSpace(s) == "" {
			return Value{}, "must not be blank"
		}
		if len(s) > maxTextLength {
			return Value{}, fmt.Sprintf("must be at most %d characters", maxTextLength)
		}
		return Value{Text: s}, ""
	case KindYear:
		n, ok := toInt(raw)
		if !ok {
			return Value{}, "must be an integer year"
		}
		if n < MinYear || n > int64(year+1) {
			return Value{}, fmt.Sprintf("must be between %d and %d", MinYear, year+1)
		}
		return Value{Year: int(n)}, ""
	case KindDate:
		s, ok := raw.(string)
		if !ok {
			return Value{}, "must be a date in YYYY-MM-DD format"
		}
		d, err := time.Parse(DateLayout, s)
		if err != nil {
			return Value{}, "must be a date in YYYY-MM-DD format"
		}
		return Value{Date: d}, ""
	}
	return Value{}, "unsupported filter"
}

// parseInts accepts a single integer or a list of integers within
// [lo, hi]. Duplicates are dropped; order is preserved.
func parseInts(raw any, lo, hi int64) ([]int64, string) {
	items, isList := asList(raw)
	if !isList {
		items = []any{raw}
	}
	seen := make(map[int64]bool, len(items))
	out := make([]int64, 0, len(items))
	for _, item := range items {
		n, ok := toInt(item)
		if !ok {
			return nil, fmt.Sprintf("invalid integer %s", describe(item))
		}
		if n < lo || n > hi {
			if hi == math.MaxInt64 {
				return nil, fmt.Sprintf("must be positive integers, got %d", n)
			}
			return nil, fmt.Sprintf("must be integers between %d and %d, got %d", lo, hi, n)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, ""
}

func parseCodes(raw any) (Value, string) {
	items, ok := asList(raw)
	if !ok {
		return Value{}, "must be a list of strings"
	}
	var v Value
	seen := map[string]bool{}
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return Value{}, "must be a list of strings"
		}
		switch {
		case s == NullSentinel:
			v.IncludeNull = true
		case strings.TrimSpace(s) == "":
			return Value{}, "must not contain blank strings"
		case !seen[s]:
			seen[s] = true
			v.Strings = append(v.Strings, s)
		}
	}
	return v, ""
}

func asList(raw any) ([]any, bool) {
	switch t := raw.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []int64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

// toInt converts JSON numbers, Go integers and numeric strings.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func describe(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "list"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%q", fmt.Sprint(v))
}

func parseSort(raw any, verr *apperror.ValidationError) Sort {
	if raw == nil {
		return Sort{}
	}
	m, ok := raw.(map[string]any)
	if !ok {
		verr.Add("sort", "must be an object")
		return Sort{}
	}
	var unknown []string
	for k := range m {
		if k != "field" && k != "direction" {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		verr.Add("sort", fmt.Sprintf("unknown keys: %s; allowed: direction, field", strings.Join(unknown, ", ")))
	}

	var s Sort
	if raw, ok := m["field"]; ok && raw != nil {
		name, _ := raw.(string)
		valid := false
		for _, f := range sortFields {
			if f == name {
				valid = true
				break
			}
		}
		if valid {
			s.Field = name
		} else {
			verr.Add("sort.field", fmt.Sprintf("unsupported sort field %s; allowed: %s",
				describe(raw), strings.Join(sortFields, ", ")))
		}
	}
	if raw, ok := m["direction"]; ok && raw != nil {
		dir, _ := raw.(string)
		switch strings.ToLower(dir) {
		case "asc":
		case "desc":
			s.Descending = true
		default:
			verr.Add("sort.direction", "must be asc or desc")
		}
		if s.Field == "" {
			s.Field = "visit_start_date"
		}
	}
	return s
}
