package access

import (
	"fmt"

	"github.com/ehr/researchportal/internal/platform/sqlq"
)

// TierAccessPath describes how a query's rows reach their tier reference.
// It is either Direct or OneHop.
type TierAccessPath interface {
	predicate(q *sqlq.Select, ids []int) string
}

type direct struct {
	column string
}

// Direct is a tier reference stored on the row itself. column is qualified
// with the query alias, e.g. "v.tier_id".
func Direct(column string) TierAccessPath {
	return direct{column: column}
}

func (d direct) predicate(q *sqlq.Select, ids []int) string {
	return d.column + " = ANY(" + q.Arg(ids) + ")"
}

func (d direct) String() string { return "direct(" + d.column + ")" }

// Relation is a single hop from the queried row to a related row in the
// same store. LocalKey is qualified with the outer alias, e.g.
// "f.encounter_id"; RemoteKey is the matching column of Table.
type Relation struct {
	Table     string
	Alias     string
	LocalKey  string
	RemoteKey string
}

type oneHop struct {
	rel    Relation
	column string
}

// OneHop is a tier reference stored on the row reached through rel.
// column is the unqualified tier column of rel.Table.
func OneHop(rel Relation, column string) TierAccessPath {
	return oneHop{rel: rel, column: column}
}

func (o oneHop) predicate(q *sqlq.Select, ids []int) string {
	a := o.rel.Alias
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s.%s = %s AND %s.%s = ANY(%s))",
		o.rel.Table, a, a, o.rel.RemoteKey, o.rel.LocalKey, a, o.column, q.Arg(ids))
}

func (o oneHop) String() string {
	return "one_hop(" + o.rel.Table + "." + o.column + ")"
}
