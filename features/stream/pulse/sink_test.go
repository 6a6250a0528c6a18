package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/noesislabs/noesis/features/stream/pulse/clients/pulse"
	"github.com/noesislabs/noesis/hooks"
)

type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	err     error
}

type fakeStream struct {
	mu      sync.Mutex
	entries []fakeEntry
	addErr  error
}

type fakeEntry struct {
	event   string
	payload []byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, fakeEntry{event: event, payload: payload})
	return "0-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return nil, errors.New("not supported by fake")
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) snapshot() []fakeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fakeEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func TestSinkPublishesEnvelope(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	evt := hooks.NewTickEvent("processing", "goal: close q3 books", 3, 42, 0)
	require.NoError(t, sink.HandleEvent(context.Background(), evt))

	entries := client.streams[DefaultStream].snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, string(hooks.ConsciousnessTick), entries[0].event)

	var env Envelope
	require.NoError(t, json.Unmarshal(entries[0].payload, &env))
	assert.Equal(t, string(hooks.ConsciousnessTick), env.Type)
	assert.Equal(t, evt.Timestamp(), env.Timestamp)
	assert.Equal(t, "processing", env.Payload["state"])
	assert.Equal(t, float64(3), env.Payload["pending"])
	assert.Equal(t, float64(42), env.Payload["processed"])
}

func TestSinkTranslatesEveryEventType(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	ctx := context.Background()
	events := []hooks.Event{
		hooks.NewTickEvent("awake", "", 0, 0, 0),
		hooks.NewAlertRaisedEvent("high_cpu", "critical", "cpu over threshold", 2),
		hooks.NewStateChangedEvent("awake", "processing", "thoughts pending"),
		hooks.NewFocusShiftedEvent("goal: ship release", "critical goal"),
		hooks.NewOptimizationEvent(1000, 600, 0.4, []string{"drop_reasoning_cache:3"}),
	}
	for _, evt := range events {
		require.NoError(t, sink.HandleEvent(ctx, evt))
	}

	entries := client.streams[DefaultStream].snapshot()
	require.Len(t, entries, len(events))
	for i, evt := range events {
		var env Envelope
		require.NoError(t, json.Unmarshal(entries[i].payload, &env))
		assert.Equal(t, string(evt.Type()), env.Type)
		assert.NotEmpty(t, env.Payload)
	}
}

func TestSinkCustomStreamName(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client, Stream: "ops/alerts"})
	require.NoError(t, err)

	require.NoError(t, sink.HandleEvent(context.Background(),
		hooks.NewAlertRaisedEvent("slow_database", "warning", "ping over threshold", 1)))
	assert.Len(t, client.streams["ops/alerts"].snapshot(), 1)
}

func TestSinkSwallowsDeliveryFailures(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	client.streams[DefaultStream].addErr = errors.New("redis down")

	ctx := context.Background()
	require.NoError(t, sink.HandleEvent(ctx, hooks.NewTickEvent("awake", "", 0, 0, 0)))
	require.NoError(t, sink.HandleEvent(ctx, hooks.NewTickEvent("awake", "", 1, 0, 0)))
	assert.Equal(t, uint64(2), sink.Dropped())

	// Once Redis comes back events flow again.
	client.streams[DefaultStream].addErr = nil
	require.NoError(t, sink.HandleEvent(ctx, hooks.NewTickEvent("processing", "", 2, 1, 0)))
	assert.Len(t, client.streams[DefaultStream].snapshot(), 1)
	assert.Equal(t, uint64(2), sink.Dropped())
}

func TestSinkOutageDoesNotStarveLaterSubscribers(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	client.streams[DefaultStream].addErr = errors.New("redis down")

	bus := hooks.NewBus()
	_, err = bus.Register(sink)
	require.NoError(t, err)
	var delivered int
	_, err = bus.Register(hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
		delivered++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), hooks.NewTickEvent("awake", "", 0, 0, 0)))
	assert.Equal(t, 1, delivered)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
}

// Compile-time check that the sink satisfies the bus subscriber contract.
var _ hooks.Subscriber = (*Sink)(nil)
