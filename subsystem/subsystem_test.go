package subsystem

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/thought"
)

type stubSubsystem struct {
	name     string
	status   Status
	score    float64
	initErr  error
	inited   bool
	shutdown bool
}

func (s *stubSubsystem) Name() string { return s.name }
func (s *stubSubsystem) Initialize(context.Context, *store.Store) error {
	s.inited = true
	return s.initErr
}
func (s *stubSubsystem) Health(context.Context) Report {
	return Report{Status: s.status, Score: s.score}
}
func (s *stubSubsystem) Shutdown(context.Context) error {
	s.shutdown = true
	return nil
}
func (s *stubSubsystem) Handle(context.Context, *thought.Thought) (map[string]any, error) {
	return map[string]any{"handled_by": s.name}, nil
}

func TestRegistryBindAndRoute(t *testing.T) {
	r := NewRegistry()
	mem := &stubSubsystem{name: "memory", status: Healthy}
	require.NoError(t, r.Bind(mem, thought.KindMemoryRequest))

	assert.Equal(t, Handler(mem), r.HandlerFor(thought.KindMemoryRequest))
	assert.Nil(t, r.HandlerFor(thought.KindAlert))
	assert.Nil(t, r.HandlerFor(thought.KindAlertRaised))
}

func TestRegistryRejectsTerminalAndDuplicateKinds(t *testing.T) {
	r := NewRegistry()
	s := &stubSubsystem{name: "awareness"}
	require.Error(t, r.Bind(s, thought.KindAlertRaised))
	require.Error(t, r.Bind(s, thought.Kind("bogus")))
	require.NoError(t, r.Bind(s, thought.KindAlert))
	require.Error(t, r.Bind(&stubSubsystem{name: "other"}, thought.KindAlert))
}

func TestRegistryTracksHandlerOncePerManyKinds(t *testing.T) {
	r := NewRegistry()
	s := &stubSubsystem{name: "proactive"}
	require.NoError(t, r.Bind(s, thought.KindPrediction, thought.KindExternal))
	assert.Len(t, r.Subsystems(), 1)
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	a := &stubSubsystem{name: "a"}
	b := &stubSubsystem{name: "b"}
	require.NoError(t, r.Bind(a, thought.KindAlert))
	r.Track(b)

	require.NoError(t, r.InitializeAll(context.Background(), nil))
	assert.True(t, a.inited)
	assert.True(t, b.inited)

	require.NoError(t, r.ShutdownAll(context.Background()))
	assert.True(t, a.shutdown)
	assert.True(t, b.shutdown)
}

func TestRegistryInitializeStopsAtFirstFailure(t *testing.T) {
	r := NewRegistry()
	a := &stubSubsystem{name: "a", initErr: errors.New("no store")}
	b := &stubSubsystem{name: "b"}
	require.NoError(t, r.Bind(a, thought.KindAlert))
	r.Track(b)

	err := r.InitializeAll(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subsystem a")
	assert.False(t, b.inited)
}

func TestGradeThresholds(t *testing.T) {
	mk := func(healthy, total int) map[string]Report {
		reports := make(map[string]Report, total)
		for i := 0; i < total; i++ {
			status := Unhealthy
			if i < healthy {
				status = Healthy
			}
			reports[string(rune('a'+i))] = Report{Status: status}
		}
		return reports
	}

	assert.Equal(t, Healthy, Grade(nil))
	assert.Equal(t, Healthy, Grade(mk(8, 10)))
	assert.Equal(t, Degraded, Grade(mk(7, 10)))
	assert.Equal(t, Degraded, Grade(mk(5, 10)))
	assert.Equal(t, Unhealthy, Grade(mk(4, 10)))
}

func TestScoreMean(t *testing.T) {
	reports := map[string]Report{
		"a": {Score: 1.0},
		"b": {Score: 0.5},
	}
	assert.InDelta(t, 0.75, Score(reports), 1e-9)
	assert.Equal(t, 1.0, Score(nil))
}
