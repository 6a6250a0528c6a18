// Package selfopt watches process memory and sheds load when it breaches the
// configured threshold: non-essential caches are dropped, the oldest working
// memory entries are evicted, and the runtime is asked to return freed pages
// to the OS. Every pass leaves an optimization record behind.
package selfopt

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noesislabs/noesis/hooks"
	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/subsystem"
	"github.com/noesislabs/noesis/telemetry"
	"github.com/noesislabs/noesis/thought"
)

const (
	// DefaultThresholdBytes is the heap size that triggers a pass.
	DefaultThresholdBytes = 512 << 20

	// DefaultEvictBatch is how many working-memory entries one pass sheds.
	DefaultEvictBatch = 25

	// minInterval spaces automatic passes so a stubborn heap does not cause
	// a drop-and-free busy loop.
	minInterval = time.Minute
)

type (
	// CacheDropper is anything holding a droppable cache. DropCache returns
	// how many entries were discarded.
	CacheDropper interface {
		DropCache() int
	}

	// WorkingEvictor sheds working-memory entries.
	WorkingEvictor interface {
		EvictWorking(n int) int
	}

	// Result describes one completed optimization pass.
	Result struct {
		ID          string
		Reason      string
		BeforeBytes uint64
		AfterBytes  uint64
		Improvement float64
		Actions     []string
	}

	target struct {
		name    string
		dropper CacheDropper
	}

	// Optimizer is the self-optimization subsystem.
	Optimizer struct {
		ctrl      subsystem.Controller
		st        *store.Store
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		threshold uint64
		batch     int
		targets   []target
		evictor   WorkingEvictor

		readHeap func() uint64
		freeOS   func()

		mu      sync.Mutex
		lastRun time.Time
		passes  uint64
	}

	// Option customizes the optimizer.
	Option func(*Optimizer)
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *Optimizer) { o.metrics = m }
}

// WithThreshold sets the heap size in bytes that triggers a pass.
func WithThreshold(bytes uint64) Option {
	return func(o *Optimizer) {
		if bytes > 0 {
			o.threshold = bytes
		}
	}
}

// WithCacheTarget registers a droppable cache under a name used in the
// recorded actions.
func WithCacheTarget(name string, d CacheDropper) Option {
	return func(o *Optimizer) { o.targets = append(o.targets, target{name: name, dropper: d}) }
}

// WithWorkingEvictor registers the working-memory evictor.
func WithWorkingEvictor(e WorkingEvictor) Option {
	return func(o *Optimizer) { o.evictor = e }
}

// WithEvictBatch overrides how many working-memory entries one pass sheds.
func WithEvictBatch(n int) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.batch = n
		}
	}
}

// New constructs the self-optimization subsystem.
func New(ctrl subsystem.Controller, opts ...Option) *Optimizer {
	o := &Optimizer{
		ctrl:      ctrl,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		threshold: DefaultThresholdBytes,
		batch:     DefaultEvictBatch,
		readHeap:  heapAlloc,
		freeOS:    debug.FreeOSMemory,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name implements subsystem.Subsystem.
func (o *Optimizer) Name() string { return "selfopt" }

// Initialize implements subsystem.Subsystem.
func (o *Optimizer) Initialize(_ context.Context, st *store.Store) error {
	o.st = st
	return nil
}

// Health reports degraded while the heap sits above the threshold.
func (o *Optimizer) Health(context.Context) subsystem.Report {
	heap := o.readHeap()
	report := subsystem.Report{
		Status: subsystem.Healthy,
		Score:  1,
		Details: map[string]any{
			"heap_bytes":      heap,
			"threshold_bytes": o.threshold,
		},
	}
	if heap > o.threshold {
		report.Status = subsystem.Degraded
		report.Score = 0.5
	}
	return report
}

// Shutdown implements subsystem.Subsystem.
func (o *Optimizer) Shutdown(context.Context) error { return nil }

// Handle processes optimization_request thoughts.
func (o *Optimizer) Handle(ctx context.Context, t *thought.Thought) (map[string]any, error) {
	reason, _ := t.Payload["reason"].(string)
	if reason == "" {
		reason = "requested"
	}
	res, err := o.Optimize(ctx, reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"optimization_id": res.ID,
		"before_bytes":    res.BeforeBytes,
		"after_bytes":     res.AfterBytes,
		"improvement":     res.Improvement,
		"actions":         res.Actions,
	}, nil
}

// Check runs a pass when the heap is above the threshold and the last
// automatic pass is old enough. The metrics loop calls it periodically.
func (o *Optimizer) Check(ctx context.Context) (*Result, error) {
	heap := o.readHeap()
	o.metrics.RecordGauge("selfopt_heap_bytes", float64(heap))
	if heap <= o.threshold {
		return nil, nil
	}
	o.mu.Lock()
	if time.Since(o.lastRun) < minInterval {
		o.mu.Unlock()
		return nil, nil
	}
	o.lastRun = time.Now()
	o.mu.Unlock()
	return o.Optimize(ctx, "memory_threshold")
}

// Optimize runs one pass: drop caches, evict working memory, free OS pages,
// and record the result.
func (o *Optimizer) Optimize(ctx context.Context, reason string) (*Result, error) {
	before := o.readHeap()
	var actions []string
	for _, tgt := range o.targets {
		dropped := tgt.dropper.DropCache()
		actions = append(actions, fmt.Sprintf("drop_%s_cache:%d", tgt.name, dropped))
	}
	if o.evictor != nil {
		evicted := o.evictor.EvictWorking(o.batch)
		actions = append(actions, fmt.Sprintf("evict_working_memory:%d", evicted))
	}
	o.freeOS()
	actions = append(actions, "free_os_memory")
	after := o.readHeap()

	var improvement float64
	if before > after && before > 0 {
		improvement = float64(before-after) / float64(before)
	}
	res := &Result{
		ID:          uuid.NewString(),
		Reason:      reason,
		BeforeBytes: before,
		AfterBytes:  after,
		Improvement: improvement,
		Actions:     actions,
	}

	o.mu.Lock()
	o.passes++
	o.mu.Unlock()

	if err := o.record(ctx, res); err != nil {
		return nil, err
	}
	o.ctrl.PublishEvent(ctx, hooks.NewOptimizationEvent(before, after, improvement, actions))
	o.logger.Info(ctx, "optimization pass complete",
		"reason", reason, "before_bytes", before, "after_bytes", after, "improvement", improvement)
	o.metrics.IncCounter("selfopt_passes_total", 1, "reason", reason)
	return res, nil
}

// Passes returns how many passes have run.
func (o *Optimizer) Passes() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.passes
}

func (o *Optimizer) record(ctx context.Context, res *Result) error {
	now := time.Now().UTC()
	if _, err := o.st.Execute(ctx, `
		INSERT INTO optimizations (id, reason, before_bytes, after_bytes, improvement, actions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.ID, res.Reason, int64(res.BeforeBytes), int64(res.AfterBytes), res.Improvement, res.Actions, now,
	); err != nil {
		return fmt.Errorf("selfopt: record optimization: %w", err)
	}
	if _, err := o.st.Execute(ctx, `
		INSERT INTO self_healing_events (id, component, action, detail, created_at)
		VALUES ($1, 'selfopt', 'memory_reclaim', $2, $3)`,
		uuid.NewString(), fmt.Sprintf("reclaimed %.1f%% of heap", res.Improvement*100), now,
	); err != nil {
		o.logger.Warn(ctx, "self healing event append failed", "err", err.Error())
	}
	return nil
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
