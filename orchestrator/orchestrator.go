// Package orchestrator is the metacognitive scheduler: it drains the thought
// stream on a fixed cycle, routes each thought to its subsystem handler,
// maintains the coarse consciousness state, and persists thoughts and
// periodic state snapshots. It is also the public API surface of the
// runtime.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/noesislabs/noesis/attention"
	"github.com/noesislabs/noesis/awareness"
	"github.com/noesislabs/noesis/config"
	"github.com/noesislabs/noesis/gateway"
	"github.com/noesislabs/noesis/goals"
	"github.com/noesislabs/noesis/hooks"
	"github.com/noesislabs/noesis/learning"
	"github.com/noesislabs/noesis/memory"
	"github.com/noesislabs/noesis/neural"
	"github.com/noesislabs/noesis/proactive"
	"github.com/noesislabs/noesis/reasoning"
	"github.com/noesislabs/noesis/selfopt"
	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/subsystem"
	"github.com/noesislabs/noesis/supervisor"
	"github.com/noesislabs/noesis/telemetry"
	"github.com/noesislabs/noesis/thought"
)

// Consciousness states.
const (
	StateAwake      = "awake"
	StateFocused    = "focused"
	StateProcessing = "processing"
	StateReflecting = "reflecting"
	StateResting    = "resting"
)

const (
	// DefaultBatch is how many thoughts one cycle drains at most.
	DefaultBatch = 10

	// reflectionMinRate is the success rate below which a reflection pass
	// emits a learning thought.
	reflectionMinRate = 0.7

	// restAfter is how long without work before the state drops to resting.
	restAfter = 30 * time.Second

	// scanInterval paces the proactive business-table scans.
	scanInterval = 5 * time.Minute

	// hebbianInterval paces the neural plasticity batches.
	hebbianInterval = time.Hour

	// decideTimeout bounds a synchronous Decide when the caller's context
	// carries no deadline.
	decideTimeout = 30 * time.Second
)

type (
	// Orchestrator wires the subsystems together and runs the scheduler.
	Orchestrator struct {
		cfg      config.Config
		st       *store.Store
		gw       *gateway.Gateway
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		bus      hooks.Bus
		stream   *thought.Stream
		registry *subsystem.Registry
		attn     *attention.Manager
		valid    *thought.Validator
		batch    int

		aware   *awareness.Awareness
		mem     *memory.Memory
		goals   *goals.Goals
		learn   *learning.Learning
		pro     *proactive.Proactive
		reason  *reasoning.Reasoner
		opt     *selfopt.Optimizer
		graph   *neural.Graph
		decided *decisionQueue

		sup       *supervisor.Supervisor
		startedAt time.Time

		mu       sync.Mutex
		state    string
		lastWork time.Time
		stopping bool
	}

	// Option customizes the orchestrator.
	Option func(*Orchestrator)
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer. Defaults to a noop tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithBatch overrides how many thoughts one cycle drains.
func WithBatch(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batch = n
		}
	}
}

// New wires the runtime: subsystems are constructed against the
// orchestrator's Controller surface, bound into the routing table, and the
// attention manager merges the goal and opportunity streams. The embedder may
// be nil; memory then uses its hash fallback.
func New(cfg config.Config, st *store.Store, gw *gateway.Gateway, embedder memory.Embedder, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:     cfg,
		st:      st,
		gw:      gw,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
		batch:   DefaultBatch,
		state:   StateAwake,
		decided: newDecisionQueue(),
	}
	for _, opt := range opts {
		opt(o)
	}

	valid, err := thought.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: compile payload schemas: %w", err)
	}
	o.valid = valid
	o.bus = hooks.NewBus()
	o.stream = thought.NewStream(0)

	o.aware = awareness.New(o, cfg.Thresholds, cfg.BreachWindowSize,
		awareness.WithLogger(o.logger), awareness.WithMetrics(o.metrics))
	o.mem = memory.New(embedder, cfg.EmbeddingDimension,
		memory.WithLogger(o.logger), memory.WithMetrics(o.metrics))
	o.goals = goals.New(goals.WithLogger(o.logger), goals.WithMetrics(o.metrics))
	o.learn = learning.New(o, learning.WithLogger(o.logger), learning.WithMetrics(o.metrics))
	o.pro = proactive.New(o, proactive.WithLogger(o.logger), proactive.WithMetrics(o.metrics))
	o.reason = reasoning.New(gw, reasoning.WithLogger(o.logger), reasoning.WithMetrics(o.metrics))
	o.opt = selfopt.New(o,
		selfopt.WithLogger(o.logger),
		selfopt.WithMetrics(o.metrics),
		selfopt.WithCacheTarget("reasoning", o.reason),
		selfopt.WithCacheTarget("gateway", gw),
		selfopt.WithWorkingEvictor(o.mem),
	)
	o.graph = neural.New(neural.WithLogger(o.logger), neural.WithMetrics(o.metrics))

	o.registry = subsystem.NewRegistry()
	for _, bind := range []struct {
		h     subsystem.Handler
		kinds []thought.Kind
	}{
		{o.aware, []thought.Kind{thought.KindAlert}},
		{o.mem, []thought.Kind{thought.KindMemoryRequest}},
		{o.goals, []thought.Kind{thought.KindGoalUpdate}},
		{o.learn, []thought.Kind{thought.KindLearningEvent}},
		{o.pro, []thought.Kind{thought.KindPrediction}},
		{o.reason, []thought.Kind{thought.KindReasoningRequest}},
		{o.opt, []thought.Kind{thought.KindOptimizationRequest}},
	} {
		if err := o.registry.Bind(bind.h, bind.kinds...); err != nil {
			return nil, fmt.Errorf("orchestrator: bind handlers: %w", err)
		}
	}
	o.registry.Track(o.graph)

	o.attn = attention.New(st, []attention.Source{o.goals, o.pro},
		attention.WithLogger(o.logger), attention.WithMetrics(o.metrics))
	return o, nil
}

// Bus exposes the event bus for subscriber registration (sinks, tests).
func (o *Orchestrator) Bus() hooks.Bus { return o.bus }

// Start initializes every subsystem and spawns the scheduler and its
// subordinate loops under the supervisor.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.registry.InitializeAll(ctx, o.st); err != nil {
		return wrapError(err)
	}
	o.startedAt = time.Now()
	o.mu.Lock()
	o.lastWork = o.startedAt
	o.mu.Unlock()

	o.sup = supervisor.New(ctx,
		supervisor.WithLogger(o.logger), supervisor.WithMetrics(o.metrics))
	o.sup.SpawnLoop("scheduler", o.cfg.Loops.Tick, o.tick)
	o.sup.SpawnLoop("attention", o.cfg.Loops.Attention, func(ctx context.Context) error {
		o.attn.Recompute(ctx)
		return nil
	})
	o.sup.Spawn("decision-queue", o.decisionLoop)
	o.sup.SpawnLoop("reflection", o.cfg.Loops.Reflection, o.reflectTick)
	o.sup.SpawnLoop("snapshot", o.cfg.Loops.Snapshot, o.snapshotTick)
	o.sup.SpawnLoop("metrics", o.cfg.Loops.Metrics, o.metricsTick)
	o.sup.SpawnLoop("proactive-scan", scanInterval, func(ctx context.Context) error {
		_, err := o.pro.Scan(ctx)
		return err
	})
	o.sup.SpawnLoop("hebbian", hebbianInterval, o.graph.Hebbian)

	o.logger.Info(ctx, "orchestrator started",
		"tick", o.cfg.Loops.Tick.String(), "batch", o.batch)
	return nil
}

// tick is one scheduler cycle: drain up to the batch limit in priority
// order, dispatch, persist, and emit the consciousness tick. Pacing comes
// from the supervisor's ticker, which drops ticks on overrun instead of
// queueing them.
func (o *Orchestrator) tick(ctx context.Context) error {
	start := time.Now()
	batch := o.stream.Next(o.batch)
	if len(batch) == 0 {
		o.idleState()
	} else {
		o.setState(StateProcessing, "thoughts pending")
		o.mu.Lock()
		o.lastWork = time.Now()
		o.mu.Unlock()
	}

	for _, t := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		outcome := o.dispatch(ctx, t)
		o.stream.Complete(t, outcome)
		o.persistThought(ctx, t)
		o.metrics.IncCounter("thoughts_processed_total", 1, "kind", string(t.Kind))
	}

	elapsed := time.Since(start)
	o.metrics.RecordTimer("scheduler_cycle", elapsed)
	o.PublishEvent(ctx, hooks.NewTickEvent(
		o.State(), o.attn.Focus(), o.stream.Pending(), o.stream.Handled(), elapsed))
	return nil
}

// dispatch routes one thought. Terminal kinds are acknowledged without
// touching any handler so an alert can never re-trigger the alert pathway.
// Handler failures become the outcome; they never stop the cycle.
func (o *Orchestrator) dispatch(ctx context.Context, t *thought.Thought) map[string]any {
	if t.Kind.Terminal() {
		return map[string]any{"status": "acknowledged"}
	}

	if t.Kind == thought.KindAlert {
		if sev, _ := t.Payload["severity"].(string); sev == awareness.SeverityCritical {
			o.attn.PreemptCritical(ctx, alertKind(t.Payload))
			o.setState(StateFocused, "critical alert")
			defer func() {
				o.attn.Release()
				o.setState(StateProcessing, "critical alert handled")
			}()
		}
	}

	handler := o.registry.HandlerFor(t.Kind)
	if handler == nil {
		return o.defaultProcess(ctx, t)
	}

	ctx, span := o.tracer.Start(ctx, "handle."+string(t.Kind))
	out, err := handler.Handle(ctx, t)
	span.End()
	if err != nil {
		o.logger.Error(ctx, "handler failed",
			"kind", string(t.Kind), "thought_id", t.ID, "err", err.Error())
		o.metrics.IncCounter("handler_errors_total", 1, "kind", string(t.Kind))
		return map[string]any{"error": err.Error()}
	}
	return out
}

// defaultProcess handles external thoughts no subsystem claims: the payload
// is stored as a low-importance episodic memory so it remains recallable.
func (o *Orchestrator) defaultProcess(ctx context.Context, t *thought.Thought) map[string]any {
	id, err := o.mem.Store(ctx, t.Payload, 0.3, memory.TypeEpisodic)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{"status": "observed", "memory_id": id}
}

// persistThought appends the processed thought to the durable log. Best
// effort: the ring retains it in memory regardless.
func (o *Orchestrator) persistThought(ctx context.Context, t *thought.Thought) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	outcome, err := json.Marshal(t.Outcome)
	if err != nil {
		outcome = []byte("{}")
	}
	if _, err := o.st.Execute(ctx, `
		INSERT INTO thought_stream (id, kind, payload, source, priority, processed, outcome, created_at, processed_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, TRUE, $6::jsonb, $7, $8)`,
		t.ID, string(t.Kind), string(payload), t.Source, t.Priority.String(),
		string(outcome), t.CreatedAt, time.Now().UTC(),
	); err != nil {
		o.logger.Error(ctx, "thought persist failed", "thought_id", t.ID, "err", err.Error())
	}
}

// decisionLoop drains the decision queue in urgency order.
func (o *Orchestrator) decisionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.decided.notify:
		}
		for req := o.decided.pop(); req != nil; req = o.decided.pop() {
			d, err := o.reason.Decide(ctx, req.context, req.options)
			if err == nil {
				o.persistDecision(ctx, req, d)
			}
			req.result <- decisionResult{decision: d, err: err}
		}
	}
}

func (o *Orchestrator) persistDecision(ctx context.Context, req *decisionRequest, d *reasoning.Decision) {
	options, _ := json.Marshal(req.options)
	if _, err := o.st.Execute(ctx, `
		INSERT INTO decisions (id, context, options, selected_option, confidence, reasoning, urgency, created_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8)`,
		newID(), req.context, string(options), d.SelectedOption, d.Confidence,
		d.Reasoning, req.urgency.String(), time.Now().UTC(),
	); err != nil {
		o.logger.Warn(ctx, "decision persist failed", "err", err.Error())
	}
}

// reflectTick runs the periodic reflection: summarize recent outcomes and,
// when the success rate is poor, hand the evidence to the learning
// subsystem.
func (o *Orchestrator) reflectTick(ctx context.Context) error {
	prev := o.State()
	o.setState(StateReflecting, "periodic reflection")
	defer o.setState(prev, "reflection complete")

	ref, err := o.Reflect(ctx, "periodic")
	if err != nil {
		return err
	}
	if ref.SuccessRate < reflectionMinRate && ref.Handled > 0 {
		if _, err := o.RecordThought(ctx, thought.KindLearningEvent, map[string]any{
			"action":       "extract_patterns",
			"success_rate": ref.SuccessRate,
		}, "reflection", thought.Low); err != nil {
			o.logger.Warn(ctx, "reflection learning thought failed", "err", err.Error())
		}
	}
	return nil
}

// snapshotTick persists the periodic state snapshot.
func (o *Orchestrator) snapshotTick(ctx context.Context) error {
	reports := o.registry.HealthAll(ctx)
	metrics, err := json.Marshal(map[string]any{
		"pending":          o.stream.Pending(),
		"processed":        o.stream.Handled(),
		"attention_shifts": o.attn.Shifts(),
		"uptime_seconds":   time.Since(o.startedAt).Seconds(),
	})
	if err != nil {
		metrics = []byte("{}")
	}
	if _, err := o.st.Execute(ctx, `
		INSERT INTO metacognitive_state_snapshots (id, state, focus, health_score, metrics, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		newID(), o.State(), o.attn.Focus(), subsystem.Score(reports), string(metrics), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("orchestrator: snapshot: %w", err)
	}
	return nil
}

// metricsTick refreshes derived gauges and runs the awareness probes, the
// memory-pressure check, and the regression detector.
func (o *Orchestrator) metricsTick(ctx context.Context) error {
	o.metrics.RecordGauge("thought_stream_pending", float64(o.stream.Pending()))
	o.metrics.RecordGauge("uptime_seconds", time.Since(o.startedAt).Seconds())
	gw := o.gw.Metrics()
	o.metrics.RecordGauge("gateway_cache_size", float64(gw.CacheSize))

	if err := o.aware.Probe(ctx); err != nil {
		o.logger.Warn(ctx, "awareness probe failed", "err", err.Error())
	}
	if _, err := o.opt.Check(ctx); err != nil {
		o.logger.Warn(ctx, "memory pressure check failed", "err", err.Error())
	}
	if err := o.learn.DetectRegressions(ctx); err != nil {
		o.logger.Warn(ctx, "regression scan failed", "err", err.Error())
	}
	return nil
}

// idleState lowers the state to resting when nothing has arrived for a
// while.
func (o *Orchestrator) idleState() {
	o.mu.Lock()
	idle := time.Since(o.lastWork)
	o.mu.Unlock()
	if idle > restAfter {
		o.setState(StateResting, "no pending work")
	} else {
		o.setState(StateAwake, "idle")
	}
}

// State returns the current consciousness state.
func (o *Orchestrator) State() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(to, reason string) {
	o.mu.Lock()
	from := o.state
	if from == to {
		o.mu.Unlock()
		return
	}
	o.state = to
	o.mu.Unlock()
	o.PublishEvent(context.Background(), hooks.NewStateChangedEvent(from, to, reason))
}

// RecordThought implements subsystem.Controller: internally generated
// thoughts skip payload validation.
func (o *Orchestrator) RecordThought(_ context.Context, kind thought.Kind, payload map[string]any, source string, priority thought.Priority) (string, error) {
	t := thought.New(kind, payload, source, priority)
	if err := o.stream.Enqueue(t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// PublishEvent implements subsystem.Controller. Subscriber failures are
// logged, never surfaced.
func (o *Orchestrator) PublishEvent(ctx context.Context, event hooks.Event) {
	if err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Warn(ctx, "event publish failed",
			"event", string(event.Type()), "err", err.Error())
	}
}

// Store implements subsystem.Controller.
func (o *Orchestrator) Store() *store.Store { return o.st }

func alertKind(payload map[string]any) string {
	if k, _ := payload["alert_type"].(string); k != "" {
		return k
	}
	if k, _ := payload["type"].(string); k != "" {
		return k
	}
	return "external"
}
