package goals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noesislabs/noesis/store/storetest"
	"github.com/noesislabs/noesis/thought"
)

func newTestGoals(t *testing.T, opts ...Option) (*Goals, *storetest.Querier) {
	t.Helper()
	q := storetest.New()
	g := New(opts...)
	require.NoError(t, g.Initialize(context.Background(), storetest.NewStore(q)))
	return g, q
}

func TestCreatePersistsWithDefaults(t *testing.T) {
	g, q := newTestGoals(t)

	id, err := g.Create(context.Background(), Input{Title: "ship release"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	goal := g.Get(id)
	require.NotNil(t, goal)
	assert.Equal(t, LevelOperational, goal.Level)
	assert.Equal(t, "medium", goal.Priority)
	assert.Equal(t, StatusPending, goal.Status)
	assert.Zero(t, goal.Progress)
	assert.Len(t, q.CallsMatching("INSERT INTO goals"), 1)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	g, _ := newTestGoals(t)

	_, err := g.Create(context.Background(), Input{})
	require.Error(t, err, "title is required")

	_, err = g.Create(context.Background(), Input{Title: "x", Level: "cosmic"})
	require.Error(t, err)

	_, err = g.Create(context.Background(), Input{Title: "x", ParentID: "no-such-parent"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDecomposeCreatesChildren(t *testing.T) {
	g, _ := newTestGoals(t)
	parentID, err := g.Create(context.Background(), Input{Title: "migrate database", Level: LevelTactical})
	require.NoError(t, err)

	ids, err := g.Decompose(context.Background(), parentID, []Input{
		{Title: "write migrations"},
		{Title: "run backfill"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	parent := g.Get(parentID)
	assert.ElementsMatch(t, ids, parent.Children)
	for _, id := range ids {
		assert.Equal(t, parentID, g.Get(id).ParentID)
	}

	_, err = g.Decompose(context.Background(), parentID, nil)
	require.Error(t, err)
}

func TestInProgressGatedOnDependencies(t *testing.T) {
	g, _ := newTestGoals(t)
	depID, err := g.Create(context.Background(), Input{Title: "provision cluster"})
	require.NoError(t, err)
	id, err := g.Create(context.Background(), Input{Title: "deploy service", Dependencies: []string{depID}})
	require.NoError(t, err)

	err = g.UpdateStatus(context.Background(), id, StatusInProgress)
	require.ErrorIs(t, err, ErrDependenciesIncomplete)

	require.NoError(t, g.UpdateStatus(context.Background(), depID, StatusCompleted))
	require.NoError(t, g.UpdateStatus(context.Background(), id, StatusInProgress))
	assert.Equal(t, StatusInProgress, g.Get(id).Status)
}

func TestCompletedIsTerminalAndClampsProgress(t *testing.T) {
	g, _ := newTestGoals(t)
	id, err := g.Create(context.Background(), Input{Title: "close the books"})
	require.NoError(t, err)

	require.NoError(t, g.UpdateProgress(context.Background(), id, 0.4))
	require.NoError(t, g.UpdateStatus(context.Background(), id, StatusCompleted))
	assert.Equal(t, 1.0, g.Get(id).Progress)

	require.ErrorIs(t, g.UpdateStatus(context.Background(), id, StatusActive), ErrTerminal)
	require.ErrorIs(t, g.UpdateProgress(context.Background(), id, 0.5), ErrTerminal)
}

func TestParentProgressIsMeanOfChildren(t *testing.T) {
	g, q := newTestGoals(t)
	rootID, err := g.Create(context.Background(), Input{Title: "quarter plan", Level: LevelStrategic})
	require.NoError(t, err)
	ids, err := g.Decompose(context.Background(), rootID, []Input{
		{Title: "a"}, {Title: "b"}, {Title: "c"}, {Title: "d"},
	})
	require.NoError(t, err)

	require.NoError(t, g.UpdateProgress(context.Background(), ids[0], 1))
	require.NoError(t, g.UpdateProgress(context.Background(), ids[1], 0.5))
	assert.InDelta(t, 0.375, g.Get(rootID).Progress, 1e-9)

	require.NoError(t, g.UpdateStatus(context.Background(), ids[2], StatusCompleted))
	assert.InDelta(t, 0.625, g.Get(rootID).Progress, 1e-9)

	assert.NotEmpty(t, q.CallsMatching("INSERT INTO goal_progress"))
}

func TestRollupClimbsThroughGrandparent(t *testing.T) {
	g, _ := newTestGoals(t)
	rootID, _ := g.Create(context.Background(), Input{Title: "root"})
	midIDs, err := g.Decompose(context.Background(), rootID, []Input{{Title: "mid"}})
	require.NoError(t, err)
	leafIDs, err := g.Decompose(context.Background(), midIDs[0], []Input{{Title: "leaf-1"}, {Title: "leaf-2"}})
	require.NoError(t, err)

	require.NoError(t, g.UpdateProgress(context.Background(), leafIDs[0], 0.8))
	assert.InDelta(t, 0.4, g.Get(midIDs[0]).Progress, 1e-9)
	assert.InDelta(t, 0.4, g.Get(rootID).Progress, 1e-9)
}

func TestProgressClampedToUnitInterval(t *testing.T) {
	g, _ := newTestGoals(t)
	id, _ := g.Create(context.Background(), Input{Title: "x"})
	require.NoError(t, g.UpdateProgress(context.Background(), id, 1.7))
	assert.Equal(t, 1.0, g.Get(id).Progress)
	require.NoError(t, g.UpdateProgress(context.Background(), id, -0.3))
	assert.Equal(t, 0.0, g.Get(id).Progress)
}

func TestTopOrdersByPriorityThenDeadline(t *testing.T) {
	g, _ := newTestGoals(t)
	soon := time.Now().Add(time.Hour)
	later := time.Now().Add(48 * time.Hour)

	lowID, _ := g.Create(context.Background(), Input{Title: "low", Priority: "low"})
	critLater, _ := g.Create(context.Background(), Input{Title: "crit-later", Priority: "critical", Deadline: &later})
	critSoon, _ := g.Create(context.Background(), Input{Title: "crit-soon", Priority: "critical", Deadline: &soon})
	doneID, _ := g.Create(context.Background(), Input{Title: "done", Priority: "critical"})
	require.NoError(t, g.UpdateStatus(context.Background(), doneID, StatusCompleted))

	top := g.Top(10)
	require.Len(t, top, 3, "completed goals are excluded")
	assert.Equal(t, critSoon, top[0].ID)
	assert.Equal(t, critLater, top[1].ID)
	assert.Equal(t, lowID, top[2].ID)

	assert.Len(t, g.Top(2), 2)
}

func TestAttentionItemsCapAndRank(t *testing.T) {
	g, _ := newTestGoals(t)
	for i := 0; i < 12; i++ {
		_, err := g.Create(context.Background(), Input{Title: "g", Priority: "high"})
		require.NoError(t, err)
	}
	deadline := time.Now().Add(30 * time.Minute)
	_, err := g.Create(context.Background(), Input{Title: "incident", Priority: "critical", Deadline: &deadline})
	require.NoError(t, err)

	items := g.AttentionItems(context.Background())
	require.Len(t, items, 10)
	assert.Equal(t, "incident", items[0].Description)
	assert.Equal(t, 0, items[0].Rank)
	assert.Greater(t, items[0].Urgency, 0.5)
}

func TestPriorityRank(t *testing.T) {
	assert.Equal(t, 0, PriorityRank("critical"))
	assert.Equal(t, 1, PriorityRank("high"))
	assert.Equal(t, 2, PriorityRank("medium"))
	assert.Equal(t, 3, PriorityRank("low"))
	assert.Equal(t, 3, PriorityRank(""))
}

func TestHandleGoalUpdateActions(t *testing.T) {
	g, _ := newTestGoals(t)

	out, err := g.Handle(context.Background(), thought.New(thought.KindGoalUpdate, map[string]any{
		"action": "create", "title": "respond to lead", "priority": "high",
	}, "external", thought.Normal))
	require.NoError(t, err)
	id, _ := out["goal_id"].(string)
	require.NotEmpty(t, id)

	_, err = g.Handle(context.Background(), thought.New(thought.KindGoalUpdate, map[string]any{
		"action": "update_status", "goal_id": id, "status": StatusActive,
	}, "external", thought.Normal))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, g.Get(id).Status)

	_, err = g.Handle(context.Background(), thought.New(thought.KindGoalUpdate, map[string]any{
		"action": "update_progress", "goal_id": id, "progress": 0.25,
	}, "external", thought.Normal))
	require.NoError(t, err)
	assert.Equal(t, 0.25, g.Get(id).Progress)

	out, err = g.Handle(context.Background(), thought.New(thought.KindGoalUpdate, map[string]any{
		"action": "decompose", "goal_id": id,
		"children": []any{map[string]any{"title": "draft reply"}},
	}, "external", thought.Normal))
	require.NoError(t, err)
	assert.Len(t, out["children"], 1)

	_, err = g.Handle(context.Background(), thought.New(thought.KindGoalUpdate, map[string]any{
		"action": "abandon",
	}, "external", thought.Normal))
	require.Error(t, err)
}

func TestInitializeLoadsOpenGraph(t *testing.T) {
	q := storetest.New()
	now := time.Now().UTC()
	q.Script(storetest.ResultSet{
		Contains: "FROM goals",
		Cols:     []string{"id", "title", "description", "level", "priority", "status", "parent_id", "progress", "deadline", "dependencies", "updated_at"},
		Rows: [][]any{
			{"g-1", "root", "", "strategic", "high", "active", "", 0.5, nil, "[]", now},
			{"g-2", "child", "", "operational", "high", "pending", "g-1", 0.0, nil, `["g-3"]`, now},
		},
	})
	g := New()
	require.NoError(t, g.Initialize(context.Background(), storetest.NewStore(q)))

	root := g.Get("g-1")
	require.NotNil(t, root)
	assert.Equal(t, []string{"g-2"}, root.Children)
	assert.Equal(t, []string{"g-3"}, g.Get("g-2").Dependencies)
}
