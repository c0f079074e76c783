// Package sqlq builds parameterized PostgreSQL SELECT statements. Values are
// always bound as positional arguments; only column and table names, which
// come from fixed registries, are interpolated.
package sqlq

import (
	"fmt"
	"strings"
)

// Select is a composable SELECT statement. The zero value is not usable;
// create one with From.
type Select struct {
	from     string
	cols     []string
	joins    []string
	where    []string
	args     []any
	distinct bool
	order    []OrderTerm
}

// From starts a statement over table (which may carry an alias, e.g.
// "visit_occurrence v") selecting cols.
func From(table string, cols ...string) *Select {
	return &Select{from: table, cols: append([]string(nil), cols...)}
}

// Clone returns an independent copy of q.
func (q *Select) Clone() *Select {
	return &Select{
		from:     q.from,
		cols:     append([]string(nil), q.cols...),
		joins:    append([]string(nil), q.joins...),
		where:    append([]string(nil), q.where...),
		args:     append([]any(nil), q.args...),
		distinct: q.distinct,
		order:    append([]OrderTerm(nil), q.order...),
	}
}

// Arg binds v and returns its placeholder.
func (q *Select) Arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

// Where appends a raw predicate. Values inside clause must come from Arg.
func (q *Select) Where(clause string) *Select {
	q.where = append(q.where, clause)
	return q
}

// WhereEq appends "col = v".
func (q *Select) WhereEq(col string, v any) *Select {
	return q.Where(col + " = " + q.Arg(v))
}

// WhereAny appends "col = ANY(values)".
func (q *Select) WhereAny(col string, values any) *Select {
	return q.Where(col + " = ANY(" + q.Arg(values) + ")")
}

// WhereAnyOrNull appends "(col = ANY(values) OR col IS NULL)". With no
// values it reduces to "col IS NULL".
func (q *Select) WhereAnyOrNull(col string, values []string, includeNull bool) *Select {
	switch {
	case len(values) == 0 && includeNull:
		return q.Where(col + " IS NULL")
	case !includeNull:
		return q.WhereAny(col, values)
	default:
		return q.Where("(" + col + " = ANY(" + q.Arg(values) + ") OR " + col + " IS NULL)")
	}
}

// WhereGTE appends an inclusive lower bound.
func (q *Select) WhereGTE(col string, v any) *Select {
	return q.Where(col + " >= " + q.Arg(v))
}

// WhereLTE appends an inclusive upper bound.
func (q *Select) WhereLTE(col string, v any) *Select {
	return q.Where(col + " <= " + q.Arg(v))
}

// WhereContains appends a case-insensitive substring match. LIKE wildcards
// in v are escaped so user input is matched literally.
func (q *Select) WhereContains(col string, v string) *Select {
	return q.Where(col + " ILIKE '%' || " + q.Arg(EscapeLike(v)) + " || '%'")
}

// Never appends a predicate that matches no row.
func (q *Select) Never() *Select {
	return q.Where("FALSE")
}

// Join appends a JOIN clause, e.g. "JOIN person p ON p.id = v.person_id".
func (q *Select) Join(clause string) *Select {
	q.joins = append(q.joins, clause)
	return q
}

// Distinct makes the statement SELECT DISTINCT.
func (q *Select) Distinct() *Select {
	q.distinct = true
	return q
}

// IsDistinct reports whether Distinct was applied.
func (q *Select) IsDistinct() bool { return q.distinct }

// OrderBy replaces the ORDER BY terms.
func (q *Select) OrderBy(terms ...OrderTerm) *Select {
	q.order = append([]OrderTerm(nil), terms...)
	return q
}

// Args returns the bound arguments in placeholder order.
func (q *Select) Args() []any {
	return append([]any(nil), q.args...)
}

// Predicates returns the WHERE predicates in the order they were added.
func (q *Select) Predicates() []string {
	return append([]string(nil), q.where...)
}

// Joins returns the JOIN clauses.
func (q *Select) Joins() []string {
	return append([]string(nil), q.joins...)
}

func (q *Select) body() string {
	var b strings.Builder
	b.WriteString(" FROM ")
	b.WriteString(q.from)
	for _, j := range q.joins {
		b.WriteString(" ")
		b.WriteString(j)
	}
	if len(q.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.where, " AND "))
	}
	return b.String()
}

func (q *Select) head(cols []string) string {
	if q.distinct {
		return "SELECT DISTINCT " + strings.Join(cols, ", ")
	}
	return "SELECT " + strings.Join(cols, ", ")
}

// SQL renders the full statement with ORDER BY and no LIMIT.
func (q *Select) SQL() (string, []any) {
	return q.head(q.cols) + q.body() + OrderClause(q.order), q.Args()
}

// Page renders the statement with ORDER BY, LIMIT and OFFSET.
func (q *Select) Page(limit, offset int) (string, []any) {
	args := q.Args()
	n := len(args)
	args = append(args, limit, offset)
	return q.head(q.cols) + q.body() + OrderClause(q.order) +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2), args
}

// Columns renders the statement selecting cols instead of the configured
// columns, without ORDER BY.
func (q *Select) Columns(cols ...string) (string, []any) {
	return q.head(cols) + q.body(), q.Args()
}

// Count renders a COUNT over the statement. When the statement is DISTINCT
// the count is COUNT(DISTINCT key), otherwise COUNT(*).
func (q *Select) Count(key string) (string, []any) {
	expr := "COUNT(*)"
	if q.distinct {
		expr = "COUNT(DISTINCT " + key + ")"
	}
	return "SELECT " + expr + q.body(), q.Args()
}

// EscapeLike escapes LIKE metacharacters using the default backslash escape.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
