// Package supervisor owns background task lifetimes. Every spawned task has
// its terminal state inspected: errors are logged with the task name, never
// silently lost, and shutdown cancels everything with a hard-stop deadline
// for stragglers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/noesislabs/noesis/telemetry"
)

// DefaultHardStop bounds how long Shutdown waits for in-flight tasks after
// cancellation.
const DefaultHardStop = 10 * time.Second

type (
	// Supervisor runs named background tasks until shutdown.
	Supervisor struct {
		ctx      context.Context
		cancel   context.CancelFunc
		wg       sync.WaitGroup
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		hardStop time.Duration

		mu       sync.Mutex
		names    []string
		stopping bool
	}

	// Option customizes a Supervisor.
	Option func(*Supervisor)
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithHardStop overrides the straggler deadline applied during Shutdown.
func WithHardStop(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.hardStop = d
		}
	}
}

// New constructs a Supervisor whose tasks descend from parent.
func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		hardStop: DefaultHardStop,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts fn as a supervised task. The completion hook classifies the
// terminal state: a non-cancellation error is logged at error level with the
// task name; cancellation returns silently; a clean exit before shutdown is
// logged as a warning because long-running loops are not expected to stop on
// their own. Spawn after Shutdown is a no-op.
func (s *Supervisor) Spawn(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.logger.Warn(s.ctx, "spawn after shutdown ignored", "task", name)
		return
	}
	s.names = append(s.names, name)
	s.mu.Unlock()

	s.wg.Add(1)
	s.metrics.IncCounter("supervisor_tasks_spawned_total", 1, "task", name)
	go func() {
		defer s.wg.Done()
		err := s.run(name, fn)
		switch {
		case err == nil:
			if s.ctx.Err() == nil {
				s.logger.Warn(s.ctx, "background task exited cleanly before shutdown", "task", name)
			}
		case errors.Is(err, context.Canceled):
			// Cooperative shutdown.
		default:
			s.metrics.IncCounter("supervisor_task_errors_total", 1, "task", name)
			s.logger.Error(s.ctx, "background task failed", "task", name, "err", fmt.Sprintf("%+v", err))
		}
	}()
}

// SpawnLoop starts a ticker-driven task that invokes tick every interval
// until shutdown. Tick errors are logged and the loop continues; the loop
// itself never returns an error except on cancellation.
func (s *Supervisor) SpawnLoop(name string, interval time.Duration, tick func(ctx context.Context) error) {
	s.Spawn(name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := tick(ctx); err != nil {
					if errors.Is(err, context.Canceled) || ctx.Err() != nil {
						return ctx.Err()
					}
					s.metrics.IncCounter("supervisor_tick_errors_total", 1, "task", name)
					s.logger.Error(ctx, "loop tick failed", "task", name, "err", err.Error())
				}
			}
		}
	})
}

// run executes fn, converting panics into errors so a panicking loop is
// reported like any other failure instead of killing the process.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()
	return fn(s.ctx)
}

// Shutdown cancels every task and waits for all to settle, ignoring
// cancellation results. Tasks still running after the hard-stop deadline are
// abandoned with an error log; their context is already cancelled so they
// terminate as soon as they reach a suspension point.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	names := append([]string(nil), s.names...)
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	deadline := s.hardStop
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < deadline {
			deadline = until
		}
	}
	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		s.logger.Error(ctx, "background tasks did not settle before hard stop",
			"deadline", deadline.String(), "tasks", fmt.Sprintf("%v", names))
		return fmt.Errorf("supervisor: %d tasks still running after %s", len(names), deadline)
	}
}

// Done returns a channel closed when the supervisor context is cancelled.
func (s *Supervisor) Done() <-chan struct{} {
	return s.ctx.Done()
}
