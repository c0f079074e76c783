package sqlq

import "strings"

// OrderTerm is a single ORDER BY directive.
type OrderTerm struct {
	Column     string
	Descending bool
}

// Asc returns an ascending term.
func Asc(col string) OrderTerm { return OrderTerm{Column: col} }

// Desc returns a descending term.
func Desc(col string) OrderTerm { return OrderTerm{Column: col, Descending: true} }

// OrderClause renders terms as " ORDER BY ...". NULLs sort last in both
// directions so that sortable fields behave the same regardless of which
// direction is requested.
func OrderClause(terms []OrderTerm) string {
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		dir := "ASC"
		if t.Descending {
			dir = "DESC"
		}
		parts = append(parts, t.Column+" "+dir+" NULLS LAST")
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}
