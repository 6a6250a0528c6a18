// Package storetest provides a scriptable in-memory Querier for subsystem
// tests: statements are recorded, results are scripted per statement pattern,
// and no Postgres instance is required.
package storetest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noesislabs/noesis/store"
)

type (
	// Call is one recorded statement with its arguments.
	Call struct {
		SQL  string
		Args []any
	}

	// ResultSet scripts the rows returned for statements matching Contains.
	ResultSet struct {
		// Contains selects statements by substring match. Empty matches all.
		Contains string
		// Cols and Rows form the result set.
		Cols []string
		Rows [][]any
		// Err fails the call instead of returning rows.
		Err error
	}

	// Querier is the scriptable fake. The zero value returns empty results
	// for every statement.
	Querier struct {
		mu      sync.Mutex
		calls   []Call
		results []ResultSet
	}

	fakeRows struct {
		cols []string
		rows [][]any
		idx  int
	}
)

// New constructs an empty fake Querier.
func New() *Querier { return &Querier{} }

// NewStore wraps the fake in a store facade with retries disabled.
func NewStore(q *Querier, opts ...store.Option) *store.Store {
	return store.New(q, append([]store.Option{store.WithMaxRetries(0)}, opts...)...)
}

// Script appends a scripted result set. Later scripts win over earlier ones
// when both match.
func (q *Querier) Script(rs ResultSet) {
	q.mu.Lock()
	q.results = append(q.results, rs)
	q.mu.Unlock()
}

// Calls returns every recorded statement.
func (q *Querier) Calls() []Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Call(nil), q.calls...)
}

// CallsMatching returns the recorded statements containing the substring.
func (q *Querier) CallsMatching(substr string) []Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Call
	for _, c := range q.calls {
		if strings.Contains(c.SQL, substr) {
			out = append(out, c)
		}
	}
	return out
}

// Exec records the statement and applies any matching scripted error.
func (q *Querier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	rs := q.record(sql, args)
	if rs != nil && rs.Err != nil {
		return pgconn.CommandTag{}, rs.Err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

// Query records the statement and returns the matching scripted rows.
func (q *Querier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	rs := q.record(sql, args)
	if rs == nil {
		return &fakeRows{}, nil
	}
	if rs.Err != nil {
		return nil, rs.Err
	}
	return &fakeRows{cols: rs.Cols, rows: rs.Rows}, nil
}

func (q *Querier) record(sql string, args []any) *ResultSet {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, Call{SQL: sql, Args: append([]any(nil), args...)})
	for i := len(q.results) - 1; i >= 0; i-- {
		if strings.Contains(sql, q.results[i].Contains) {
			return &q.results[i]
		}
	}
	return nil
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		fds[i] = pgconn.FieldDescription{Name: c}
	}
	return fds
}
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(...any) error      { return errors.New("scan not supported by fake") }
func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx-1], nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }
