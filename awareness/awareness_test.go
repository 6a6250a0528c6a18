package awareness

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noesislabs/noesis/config"
	"github.com/noesislabs/noesis/hooks"
	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/store/storetest"
	"github.com/noesislabs/noesis/thought"
)

// fakeController records thoughts and events instead of routing them.
type fakeController struct {
	mu       sync.Mutex
	st       *store.Store
	thoughts []*thought.Thought
	events   []hooks.Event
}

func (c *fakeController) RecordThought(_ context.Context, kind thought.Kind, payload map[string]any, source string, priority thought.Priority) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := thought.New(kind, payload, source, priority)
	c.thoughts = append(c.thoughts, t)
	return t.ID, nil
}

func (c *fakeController) PublishEvent(_ context.Context, event hooks.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *fakeController) Store() *store.Store { return c.st }

func (c *fakeController) recorded() []*thought.Thought {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*thought.Thought(nil), c.thoughts...)
}

func newTestAwareness(t *testing.T, thresholds config.Thresholds) (*Awareness, *storetest.Querier, *fakeController) {
	t.Helper()
	q := storetest.New()
	q.Script(storetest.ResultSet{
		Contains: "INSERT INTO alerts",
		Cols:     []string{"occurrence_count"},
		Rows:     [][]any{{int64(1)}},
	})
	st := storetest.NewStore(q)
	ctrl := &fakeController{st: st}
	a := New(ctrl, thresholds, 3)
	require.NoError(t, a.Initialize(context.Background(), st))
	return a, q, ctrl
}

func TestHandleAlertUpsertsAndSpawnsAlertRaised(t *testing.T) {
	a, q, ctrl := newTestAwareness(t, config.Thresholds{})

	tt := thought.New(thought.KindAlert, map[string]any{
		"alert_type": "slow_database",
		"severity":   "warning",
		"message":    "p95 latency elevated",
	}, "external", thought.High)
	outcome, err := a.Handle(context.Background(), tt)
	require.NoError(t, err)
	assert.Equal(t, "recorded", outcome["status"])
	assert.Equal(t, "slow_database", outcome["kind"])

	upserts := q.CallsMatching("ON CONFLICT (kind, severity)")
	require.Len(t, upserts, 1)
	assert.Len(t, q.CallsMatching("INSERT INTO alert_history"), 1)

	spawned := ctrl.recorded()
	require.Len(t, spawned, 1)
	assert.Equal(t, thought.KindAlertRaised, spawned[0].Kind)
	require.Len(t, ctrl.events, 1)
	assert.Equal(t, hooks.AlertRaised, ctrl.events[0].Type())
}

func TestAlertCategoryFallback(t *testing.T) {
	a, _, _ := newTestAwareness(t, config.Thresholds{})

	out, err := a.Handle(context.Background(), thought.New(thought.KindAlert,
		map[string]any{"type": "legacy_kind", "severity": "info", "message": "m"}, "external", thought.Normal))
	require.NoError(t, err)
	assert.Equal(t, "legacy_kind", out["kind"])

	out, err = a.Handle(context.Background(), thought.New(thought.KindAlert,
		map[string]any{"severity": "info", "message": "m"}, "external", thought.Normal))
	require.NoError(t, err)
	assert.Equal(t, "external", out["kind"])
}

func TestInfoAlertsAreRecordedOnly(t *testing.T) {
	a, q, ctrl := newTestAwareness(t, config.Thresholds{})

	_, err := a.Raise(context.Background(), Alert{Kind: "heartbeat", Severity: "info", Message: "m"})
	require.NoError(t, err)
	assert.Len(t, q.CallsMatching("INSERT INTO alerts"), 1)
	assert.Empty(t, ctrl.recorded(), "info alerts spawn no thoughts")
	assert.Empty(t, ctrl.events)
}

func TestCriticalAlertSpawnsCriticalThought(t *testing.T) {
	a, _, ctrl := newTestAwareness(t, config.Thresholds{})

	_, err := a.Raise(context.Background(), Alert{Kind: "slow_database", Severity: "critical", Message: "m"})
	require.NoError(t, err)
	spawned := ctrl.recorded()
	require.Len(t, spawned, 1)
	assert.Equal(t, thought.Critical, spawned[0].Priority)
}

func TestUnknownSeverityNormalizesToWarning(t *testing.T) {
	a, q, _ := newTestAwareness(t, config.Thresholds{})

	_, err := a.Raise(context.Background(), Alert{Kind: "odd", Severity: "catastrophic", Message: "m"})
	require.NoError(t, err)
	calls := q.CallsMatching("INSERT INTO alerts")
	require.Len(t, calls, 1)
	assert.Equal(t, "warning", calls[0].Args[1])
}

func TestSustainedBreachSequence(t *testing.T) {
	a, _, ctrl := newTestAwareness(t, config.Thresholds{CPU: 95})

	samples := []float64{96, 97, 80, 96, 97, 98}
	var raisedAt []int
	for i, v := range samples {
		if a.ObserveMetric(context.Background(), "high_cpu", v, 95, SeverityWarning) {
			raisedAt = append(raisedAt, i)
		}
	}
	assert.Equal(t, []int{5}, raisedAt, "exactly one alert, at the sixth sample")
	assert.Len(t, ctrl.recorded(), 1)
}

func TestSingleNormalSampleClearsWindow(t *testing.T) {
	w := newBreachWindow(3)
	assert.False(t, w.Observe(true))
	assert.False(t, w.Observe(true))
	assert.False(t, w.Observe(false))
	assert.False(t, w.Observe(true))
	assert.False(t, w.Observe(true))
	assert.True(t, w.Observe(true))
}

func TestZeroThresholdDisablesProbe(t *testing.T) {
	a, _, ctrl := newTestAwareness(t, config.Thresholds{})
	for i := 0; i < 10; i++ {
		assert.False(t, a.ObserveMetric(context.Background(), "high_cpu", 99, 0, SeverityWarning))
	}
	assert.Empty(t, ctrl.recorded())
}
