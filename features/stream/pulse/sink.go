// Package pulse publishes runtime bus events to goa.design/pulse streams so
// external observers can follow the scheduler over Redis. The sink registers
// as a bus subscriber; the reader consumes the stream from another process.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	clientspulse "github.com/noesislabs/noesis/features/stream/pulse/clients/pulse"
	"github.com/noesislabs/noesis/hooks"
	"github.com/noesislabs/noesis/telemetry"
)

// DefaultStream is the Pulse stream events are published to.
const DefaultStream = "noesis/events"

type (
	// Options configures the sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// Stream overrides the target stream name. Defaults to DefaultStream.
		Stream string
		// Logger receives the first delivery failure. Defaults to noop.
		Logger telemetry.Logger
	}

	// Sink publishes bus events into a Pulse stream. It implements
	// hooks.Subscriber; delivery failures are logged once and swallowed so a
	// Redis outage never halts bus publication or starves subscribers
	// registered after the sink.
	Sink struct {
		client   clientspulse.Client
		stream   clientspulse.Stream
		logger   telemetry.Logger
		failOnce sync.Once
		dropped  atomic.Uint64
	}

	// Envelope is the wire format events travel in.
	Envelope struct {
		// Type is the event type constant, e.g. "consciousness_tick".
		Type string `json:"type"`
		// Timestamp is the event creation time in Unix milliseconds.
		Timestamp int64 `json:"timestamp"`
		// Published records when the sink forwarded the event (UTC).
		Published time.Time `json:"published"`
		// Payload carries the event fields.
		Payload map[string]any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.Stream
	if name == "" {
		name = DefaultStream
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	stream, err := opts.Client.Stream(name)
	if err != nil {
		return nil, err
	}
	return &Sink{client: opts.Client, stream: stream, logger: logger}, nil
}

// HandleEvent implements hooks.Subscriber.
func (s *Sink) HandleEvent(ctx context.Context, event hooks.Event) error {
	env := Envelope{
		Type:      string(event.Type()),
		Timestamp: event.Timestamp(),
		Published: time.Now().UTC(),
		Payload:   eventPayload(event),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := s.stream.Add(ctx, env.Type, data); err != nil {
		s.dropped.Add(1)
		s.failOnce.Do(func() {
			s.logger.Warn(ctx, "event sink delivery failing, dropping events",
				"err", err.Error())
		})
		return nil
	}
	return nil
}

// Dropped reports how many events failed delivery and were discarded.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// eventPayload flattens the typed event into the envelope payload. Unknown
// event types travel with an empty payload; the type and timestamp still
// reach the stream.
func eventPayload(event hooks.Event) map[string]any {
	switch e := event.(type) {
	case *hooks.TickEvent:
		return map[string]any{
			"state":     e.State,
			"focus":     e.Focus,
			"pending":   e.Pending,
			"processed": e.Processed,
			"cycle_ms":  e.CycleMS,
		}
	case *hooks.AlertRaisedEvent:
		return map[string]any{
			"kind":        e.Kind,
			"severity":    e.Severity,
			"message":     e.Message,
			"occurrences": e.Occurrences,
		}
	case *hooks.StateChangedEvent:
		return map[string]any{
			"from":   e.From,
			"to":     e.To,
			"reason": e.Reason,
		}
	case *hooks.FocusShiftedEvent:
		return map[string]any{
			"focus":  e.Focus,
			"reason": e.Reason,
		}
	case *hooks.OptimizationEvent:
		return map[string]any{
			"before_bytes": e.BeforeBytes,
			"after_bytes":  e.AfterBytes,
			"improvement":  e.Improvement,
			"actions":      e.Actions,
		}
	default:
		return nil
	}
}
