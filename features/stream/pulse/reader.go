package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "github.com/noesislabs/noesis/features/stream/pulse/clients/pulse"
)

const (
	defaultSinkName = "noesis_reader"
	defaultBuffer   = 64
)

type (
	// ReaderOptions configures a Pulse-backed event reader.
	ReaderOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// Stream overrides the source stream name. Defaults to DefaultStream.
		Stream string
		// SinkName identifies the Pulse consumer group. Defaults to
		// "noesis_reader".
		SinkName string
		// Buffer is the envelope channel capacity. Defaults to 64.
		Buffer int
	}

	// Reader consumes the event stream and decodes envelopes. Each event is
	// acknowledged after it is handed to the channel, so a crashed reader
	// re-reads unacknowledged events on restart.
	Reader struct {
		client clientspulse.Client
		stream string
		name   string
		buffer int
	}
)

// NewReader constructs a reader over the event stream.
func NewReader(opts ReaderOptions) (*Reader, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	r := &Reader{
		client: opts.Client,
		stream: opts.Stream,
		name:   opts.SinkName,
		buffer: opts.Buffer,
	}
	if r.stream == "" {
		r.stream = DefaultStream
	}
	if r.name == "" {
		r.name = defaultSinkName
	}
	if r.buffer <= 0 {
		r.buffer = defaultBuffer
	}
	return r, nil
}

// Run consumes envelopes until ctx is cancelled, sending each decoded
// envelope to out. Undecodable payloads are acknowledged and skipped so one
// bad entry cannot wedge the consumer group.
func (r *Reader) Run(ctx context.Context, out chan<- Envelope) error {
	stream, err := r.client.Stream(r.stream)
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, r.name)
	if err != nil {
		return fmt.Errorf("pulse sink %q: %w", r.name, err)
	}
	defer sink.Close(context.WithoutCancel(ctx))

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal(ev.Payload, &env); err != nil {
				_ = sink.Ack(ctx, ev)
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := sink.Ack(ctx, ev); err != nil {
				return fmt.Errorf("pulse ack: %w", err)
			}
		}
	}
}
