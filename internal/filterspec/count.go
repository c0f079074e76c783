package filterspec

import "fmt"

// DepthError reports a document nested deeper than allowed.
type DepthError struct{ Max int }

func (e *DepthError) Error() string {
	return fmt.Sprintf("filters are nested deeper than %d levels", e.Max)
}

// CountLeaves returns the number of non-empty leaf values in v. The root
// container is at depth 1 and each nested object or list adds one level;
// any container deeper than maxDepth fails with a DepthError.
//
// A leaf is any value other than null, an empty string or an empty list. A
// non-empty list of scalars is a single leaf.
func CountLeaves(v any, maxDepth int) (int, error) {
	return walk(v, 1, maxDepth)
}

func walk(v any, depth, maxDepth int) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		if t == "" {
			return 0, nil
		}
		return 1, nil
	case map[string]any:
		if depth > maxDepth {
			return 0, &DepthError{Max: maxDepth}
		}
		n := 0
		for _, child := range t {
			c, err := walk(child, depth+1, maxDepth)
			if err != nil {
				return 0, err
			}
			n += c
		}
		return n, nil
	case []any:
		if depth > maxDepth {
			return 0, &DepthError{Max: maxDepth}
		}
		if len(t) == 0 {
			return 0, nil
		}
		n := 1
		for _, child := range t {
			switch child.(type) {
			case map[string]any, []any:
				c, err := walk(child, depth+1, maxDepth)
				if err != nil {
					return 0, err
				}
				n += c
			}
		}
		return n, nil
	case []string:
		if len(t) == 0 {
			return 0, nil
		}
		return 1, nil
	default:
		return 1, nil
	}
}

// Summary is the number of active filters per category.
type Summary struct {
	Visit                int `json:"visit"`
	PersonDemographics   int `json:"person_demographics"`
	ProviderDemographics int `json:"provider_demographics"`
	Clinical             int `json:"clinical"`
	Total                int `json:"total"`
}

// Summarize counts the active filters of a stored nested document using the
// same traversal as validation. Unknown categories count toward Total only.
func Summarize(doc map[string]any) Summary {
	var s Summary
	for key, v := range doc {
		n, err := CountLeaves(v, DefaultMaxDepth)
		if err != nil {
			continue
		}
		switch Category(key) {
		case Visit:
			s.Visit = n
		case PersonDemographics:
			s.PersonDemographics = n
		case ProviderDemographics:
			s.ProviderDemographics = n
		case Clinical:
			s.Clinical = n
		}
		s.Total += n
	}
	return s
}
