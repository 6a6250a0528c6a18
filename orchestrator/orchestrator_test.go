package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noesislabs/noesis/config"
	"github.com/noesislabs/noesis/gateway"
	"github.com/noesislabs/noesis/goals"
	"github.com/noesislabs/noesis/hooks"
	"github.com/noesislabs/noesis/store/storetest"
	"github.com/noesislabs/noesis/thought"
)

type stubDriver struct {
	mu       sync.Mutex
	response string
	prompts  []string
}

func (d *stubDriver) Generate(_ context.Context, prompt string, _ gateway.Options) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prompts = append(d.prompts, prompt)
	return d.response, nil
}

const decisionResponse = `Step 1: Compare the options against the situation.
Conclusion: The second option fits best.
Confidence: 0.8
Answer: option-b`

func newTestOrchestrator(t *testing.T, response string) (*Orchestrator, *storetest.Querier) {
	t.Helper()
	q := storetest.New()
	st := storetest.NewStore(q)
	gw, err := gateway.New([]gateway.ProviderSpec{
		{Name: "stub", Rank: 1, Driver: &stubDriver{response: response}},
	}, nil)
	require.NoError(t, err)

	o, err := New(config.Defaults(), st, gw, nil)
	require.NoError(t, err)
	require.NoError(t, o.registry.InitializeAll(context.Background(), st))
	o.startedAt = time.Now()
	o.lastWork = o.startedAt
	return o, q
}

func TestTickRoutesAlertToAwareness(t *testing.T) {
	o, q := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	_, err := o.Think(ctx, thought.KindAlert, map[string]any{
		"severity": "warning",
		"message":  "disk filling up",
	}, "test", thought.High)
	require.NoError(t, err)

	require.NoError(t, o.tick(ctx))

	assert.Len(t, q.CallsMatching("INSERT INTO alerts"), 1)
	persisted := q.CallsMatching("INSERT INTO thought_stream")
	require.Len(t, persisted, 1)
	assert.Equal(t, string(thought.KindAlert), persisted[0].Args[1])
	assert.Equal(t, 0, o.stream.Pending())
	assert.Equal(t, uint64(1), o.stream.Handled())
}

func TestTerminalThoughtAcknowledgedWithoutHandler(t *testing.T) {
	o, q := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	_, err := o.RecordThought(ctx, thought.KindAlertRaised, map[string]any{
		"alert_type": "high_cpu",
		"severity":   "critical",
	}, "awareness", thought.Critical)
	require.NoError(t, err)

	require.NoError(t, o.tick(ctx))

	recent := o.stream.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, map[string]any{"status": "acknowledged"}, recent[0].Outcome)
	assert.Empty(t, q.CallsMatching("INSERT INTO alerts"),
		"acknowledging an alert_raised thought must not re-enter the alert pathway")
}

func TestHandlerErrorBecomesOutcome(t *testing.T) {
	o, _ := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	// track_outcome without action_type makes the learning handler fail.
	_, err := o.RecordThought(ctx, thought.KindLearningEvent, map[string]any{
		"action": "track_outcome",
	}, "test", thought.Normal)
	require.NoError(t, err)

	require.NoError(t, o.tick(ctx))

	recent := o.stream.Recent(1)
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0].Outcome, "error")
	assert.True(t, recent[0].Processed)
}

func TestExternalThoughtStoredAsEpisodicMemory(t *testing.T) {
	o, q := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	_, err := o.RecordThought(ctx, thought.KindExternal, map[string]any{
		"note": "customer called about invoice 42",
	}, "webhook", thought.Normal)
	require.NoError(t, err)

	require.NoError(t, o.tick(ctx))

	recent := o.stream.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "observed", recent[0].Outcome["status"])
	assert.NotEmpty(t, q.CallsMatching("INSERT INTO unified_memory"))
}

func TestCriticalAlertPreemptsAttention(t *testing.T) {
	o, q := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	_, err := o.Think(ctx, thought.KindAlert, map[string]any{
		"severity":   "critical",
		"message":    "database unreachable",
		"alert_type": "slow_database",
	}, "test", thought.Critical)
	require.NoError(t, err)

	require.NoError(t, o.tick(ctx))

	assert.GreaterOrEqual(t, o.attn.Shifts(), int64(1))
	assert.NotEmpty(t, q.CallsMatching("INSERT INTO attention_log"))

	// Release lifts the preemption; the next recompute clears the focus.
	o.attn.Recompute(ctx)
	assert.Empty(t, o.attn.Focus())
}

func TestThinkRejectsInvalidPayload(t *testing.T) {
	o, _ := newTestOrchestrator(t, "ok")

	_, err := o.Think(context.Background(), thought.KindAlert, map[string]any{
		"message": "no severity",
	}, "test", thought.Normal)
	require.Error(t, err)
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, KindValidation, oerr.Kind)
	assert.Equal(t, 0, o.stream.Pending())
}

func TestDecideDrainsQueueByUrgency(t *testing.T) {
	o, q := newTestOrchestrator(t, decisionResponse)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.decisionLoop(ctx) }()

	d, err := o.Decide(ctx, "pick a vendor", []string{"option-a", "option-b"}, thought.High)
	require.NoError(t, err)
	assert.Equal(t, "option-b", d.SelectedOption)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
	assert.NotEmpty(t, q.CallsMatching("INSERT INTO decisions"))
}

func TestDecideRequiresContextAndOptions(t *testing.T) {
	o, _ := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	_, err := o.Decide(ctx, "", []string{"a"}, thought.Normal)
	require.Error(t, err)
	_, err = o.Decide(ctx, "pick", nil, thought.Normal)
	require.Error(t, err)
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, KindValidation, oerr.Kind)
}

func TestDecisionQueueOrdersByUrgencyThenFIFO(t *testing.T) {
	dq := newDecisionQueue()
	dq.push(&decisionRequest{context: "low-1", urgency: thought.Low})
	dq.push(&decisionRequest{context: "crit", urgency: thought.Critical})
	dq.push(&decisionRequest{context: "low-2", urgency: thought.Low})
	dq.push(&decisionRequest{context: "norm", urgency: thought.Normal})

	var order []string
	for req := dq.pop(); req != nil; req = dq.pop() {
		order = append(order, req.context)
	}
	assert.Equal(t, []string{"crit", "norm", "low-1", "low-2"}, order)
	assert.Equal(t, 0, dq.len())
}

func TestHealthAggregatesSubsystems(t *testing.T) {
	o, _ := newTestOrchestrator(t, "ok")

	snap := o.Health(context.Background())
	assert.Equal(t, StateAwake, snap.ConsciousnessState)
	assert.InDelta(t, 1.0, snap.HealthScore, 0.01)
	for _, name := range []string{"awareness", "memory", "goals", "learning", "proactive", "reasoning", "selfopt", "neural"} {
		assert.Contains(t, snap.Subsystems, name)
	}
}

func TestReflectComputesSuccessRate(t *testing.T) {
	o, q := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	// Three failures out of four handled thoughts.
	for i := 0; i < 3; i++ {
		_, err := o.RecordThought(ctx, thought.KindLearningEvent, map[string]any{
			"action": "track_outcome",
		}, "test", thought.Normal)
		require.NoError(t, err)
	}
	_, err := o.RecordThought(ctx, thought.KindExternal, map[string]any{"n": float64(1)}, "test", thought.Normal)
	require.NoError(t, err)
	require.NoError(t, o.tick(ctx))

	ref, err := o.Reflect(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 4, ref.Handled)
	assert.InDelta(t, 0.25, ref.SuccessRate, 1e-9)
	assert.Contains(t, ref.SelfAssessment, "struggling")
	assert.NotEmpty(t, q.CallsMatching("INSERT INTO reflections"))
}

func TestReflectTickEmitsLearningThoughtOnLowRate(t *testing.T) {
	o, _ := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := o.RecordThought(ctx, thought.KindLearningEvent, map[string]any{
			"action": "track_outcome",
		}, "test", thought.Normal)
		require.NoError(t, err)
	}
	require.NoError(t, o.tick(ctx))
	require.Equal(t, 0, o.stream.Pending())

	require.NoError(t, o.reflectTick(ctx))

	require.Equal(t, 1, o.stream.Pending(), "poor success rate queues a pattern extraction")
	batch := o.stream.Next(1)
	require.Len(t, batch, 1)
	assert.Equal(t, thought.KindLearningEvent, batch[0].Kind)
	assert.Equal(t, "extract_patterns", batch[0].Payload["action"])
}

func TestTickPublishesConsciousnessTick(t *testing.T) {
	o, _ := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	var mu sync.Mutex
	var ticks []*hooks.TickEvent
	_, err := o.Bus().Register(hooks.SubscriberFunc(func(_ context.Context, evt hooks.Event) error {
		if te, ok := evt.(*hooks.TickEvent); ok {
			mu.Lock()
			ticks = append(ticks, te)
			mu.Unlock()
		}
		return nil
	}))
	require.NoError(t, err)

	_, err = o.RecordThought(ctx, thought.KindExternal, map[string]any{"n": float64(1)}, "test", thought.Normal)
	require.NoError(t, err)
	require.NoError(t, o.tick(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ticks, 1)
	assert.Equal(t, uint64(1), ticks[0].Processed)
	assert.Equal(t, 0, ticks[0].Pending)
}

func TestStateTransitions(t *testing.T) {
	o, _ := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	require.NoError(t, o.tick(ctx))
	assert.Equal(t, StateAwake, o.State())

	o.mu.Lock()
	o.lastWork = time.Now().Add(-time.Minute)
	o.mu.Unlock()
	require.NoError(t, o.tick(ctx))
	assert.Equal(t, StateResting, o.State())

	_, err := o.RecordThought(ctx, thought.KindExternal, map[string]any{"n": float64(1)}, "test", thought.Normal)
	require.NoError(t, err)
	require.NoError(t, o.tick(ctx))
	assert.Equal(t, StateProcessing, o.State())
}

func TestSetGoalValidation(t *testing.T) {
	o, q := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	g, err := o.SetGoal(ctx, goals.Input{Title: "close the quarter"})
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.NotEmpty(t, q.CallsMatching("INSERT INTO goals"))

	_, err = o.SetGoal(ctx, goals.Input{})
	require.Error(t, err)
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, KindValidation, oerr.Kind)
}

func TestSnapshotTickPersistsState(t *testing.T) {
	o, q := newTestOrchestrator(t, "ok")

	require.NoError(t, o.snapshotTick(context.Background()))
	calls := q.CallsMatching("INSERT INTO metacognitive_state_snapshots")
	require.Len(t, calls, 1)
	assert.Equal(t, StateAwake, calls[0].Args[1])
}

func TestShutdownIsIdempotentAndWritesFinalSnapshot(t *testing.T) {
	o, q := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	require.NoError(t, o.Shutdown(ctx))
	require.NoError(t, o.Shutdown(ctx))
	assert.Len(t, q.CallsMatching("INSERT INTO metacognitive_state_snapshots"), 1)
}

func TestTickBatchLimit(t *testing.T) {
	o, _ := newTestOrchestrator(t, "ok")
	ctx := context.Background()

	for i := 0; i < DefaultBatch+3; i++ {
		_, err := o.RecordThought(ctx, thought.KindExternal, map[string]any{"i": fmt.Sprint(i)}, "test", thought.Normal)
		require.NoError(t, err)
	}
	require.NoError(t, o.tick(ctx))
	assert.Equal(t, 3, o.stream.Pending())
	assert.Equal(t, uint64(DefaultBatch), o.stream.Handled())
}
