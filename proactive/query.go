package proactive

import (
	"fmt"
	"strings"
)

// query builds a SELECT by appending predicates. Optional filters append an
// AND clause with a bound argument; they never emit the
// ($N IS NULL OR col = $N) shape, which defeats index usage. Each $? marker
// in a condition is replaced with the next placeholder ordinal.
type query struct {
	base    string
	conds   []string
	orderBy string
	limit   int
	args    []any
}

func newQuery(base string) *query {
	return &query{base: base}
}

// And appends one predicate. Markers and arguments must pair up.
func (q *query) And(cond string, args ...any) *query {
	q.args = append(q.args, args...)
	q.conds = append(q.conds, cond)
	return q
}

// OrderBy sets the ORDER BY clause. Null-able sort keys use NULLS LAST
// rather than COALESCE wrappers.
func (q *query) OrderBy(clause string) *query {
	q.orderBy = clause
	return q
}

// Limit caps the result set.
func (q *query) Limit(n int) *query {
	q.limit = n
	return q
}

// Build renders the statement and its arguments.
func (q *query) Build() (string, []any) {
	var b strings.Builder
	b.WriteString(q.base)
	next := 1
	for i, cond := range q.conds {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		for strings.Contains(cond, "$?") {
			cond = strings.Replace(cond, "$?", fmt.Sprintf("$%d", next), 1)
			next++
		}
		b.WriteString(cond)
	}
	if q.orderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.orderBy)
	}
	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	return b.String(), q.args
}
