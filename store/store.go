// Package store provides the resilient Postgres facade the runtime persists
// through: bounded retry on transient connection faults and a DDL
// kill-switch that rejects schema-changing statements before they reach the
// pool. Schema changes are applied exclusively by the offline migration
// tool.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noesislabs/noesis/telemetry"
)

var (
	// ErrBlockedDDL reports that the kill-switch rejected a schema-changing
	// statement. No store round trip is made.
	ErrBlockedDDL = errors.New("store: runtime DDL blocked")

	// ErrTransient wraps a connection-class failure that persisted through
	// every retry attempt.
	ErrTransient = errors.New("store: transient failure")
)

// DefaultMaxRetries is the number of retries after the initial attempt.
const DefaultMaxRetries = 2

// defaultRetryDelay is the base unit of the arithmetic backoff: attempt n
// sleeps n+1 units.
const defaultRetryDelay = 200 * time.Millisecond

type (
	// Row is a single result row keyed by column name.
	Row = map[string]any

	// Querier is the narrow pool surface the facade depends on. *pgxpool.Pool
	// satisfies it; tests substitute fakes.
	Querier interface {
		Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	}

	// Store wraps a Querier with retry and the DDL kill-switch.
	Store struct {
		pool       Querier
		production bool
		allowDDL   bool
		maxRetries int
		retryDelay time.Duration
		logger     telemetry.Logger
		metrics    telemetry.Metrics
	}

	// Option customizes a Store.
	Option func(*Store)
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithProductionPolicy marks the environment as production/staging, where
// runtime DDL is always blocked regardless of the opt-in flag.
func WithProductionPolicy(production bool) Option {
	return func(s *Store) { s.production = production }
}

// WithRuntimeDDL opts into runtime DDL. Ignored in production/staging.
func WithRuntimeDDL(allow bool) Option {
	return func(s *Store) { s.allowDDL = allow }
}

// WithMaxRetries sets the default retry budget for every call.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryDelay overrides the backoff unit. Tests use this to avoid real
// sleeps.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// New constructs a Store over an existing Querier.
func New(pool Querier, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		maxRetries: DefaultMaxRetries,
		retryDelay: defaultRetryDelay,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pgx pool for the DSN and wraps it in a Store.
func Connect(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return New(pool, opts...), nil
}

// WithRetries returns a handle sharing the pool and policy but with its own
// retry budget. Use it for per-call overrides:
//
//	st.WithRetries(0).Execute(ctx, "DELETE FROM opportunities WHERE expires_at < now()")
func (s *Store) WithRetries(n int) *Store {
	c := *s
	if n >= 0 {
		c.maxRetries = n
	}
	return &c
}

// Execute runs a statement and returns the number of affected rows.
func (s *Store) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	if err := s.guard(sql); err != nil {
		return 0, err
	}
	var affected int64
	err := s.retry(ctx, "execute", func() error {
		tag, err := s.pool.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// FetchRows runs a query and returns every row as a column-keyed map.
func (s *Store) FetchRows(ctx context.Context, sql string, args ...any) ([]Row, error) {
	if err := s.guard(sql); err != nil {
		return nil, err
	}
	var out []Row
	err := s.retry(ctx, "fetch_rows", func() error {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		out, err = collectRows(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchOne runs a query and returns the first row, or nil when the result
// set is empty.
func (s *Store) FetchOne(ctx context.Context, sql string, args ...any) (Row, error) {
	rows, err := s.FetchRows(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FetchScalar runs a query and returns the first column of the first row,
// or nil when the result set is empty.
func (s *Store) FetchScalar(ctx context.Context, sql string, args ...any) (any, error) {
	if err := s.guard(sql); err != nil {
		return nil, err
	}
	var val any
	err := s.retry(ctx, "fetch_scalar", func() error {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		val = nil
		if rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			if len(vals) > 0 {
				val = vals[0]
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Ping measures a round trip through the pool. The awareness subsystem uses
// the duration as its store latency sample.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := s.FetchScalar(ctx, "SELECT 1")
	return time.Since(start), err
}

// guard applies the DDL kill-switch before any round trip.
func (s *Store) guard(sql string) error {
	word, ok := DetectDDL(sql)
	if !ok {
		return nil
	}
	if s.production || !s.allowDDL {
		return fmt.Errorf("%w: %s statement rejected; run schema changes through the migration tool", ErrBlockedDDL, word)
	}
	return nil
}

// retry runs op with the arithmetic backoff policy: transient failures sleep
// delay*(attempt+1) and retry up to the budget; cancellation and
// non-transient errors surface immediately.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			return fn()
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.maxRetries)+1),
		retry.RetryIf(Transient),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return s.retryDelay * time.Duration(n+1)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.metrics.IncCounter("store_retries_total", 1, "op", op)
			s.logger.Warn(ctx, "retrying store call", "op", op, "attempt", n+1, "err", err.Error())
		}),
	)
	s.metrics.RecordTimer("store_call_duration", time.Since(start), "op", op)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if Transient(err) {
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrTransient, op, attempts, err)
	}
	return err
}

// Transient reports whether the error is in the declared transient set:
// connection-class SQLSTATEs, administrative shutdowns, network faults, and
// requests pgx marks safe to retry. Cancellation is never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		switch pgErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// collectRows drains rows into column-keyed maps and closes the iterator.
func collectRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()
	fds := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		r := make(Row, len(fds))
		for i := range fds {
			if i < len(vals) {
				r[fds[i].Name] = vals[i]
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
