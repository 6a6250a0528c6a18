// Package hooks provides the in-process event bus the runtime publishes its
// lifecycle events on. Subscribers observe scheduler ticks, alerts, state
// transitions, and optimization passes without coupling to the orchestrator.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes runtime events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register, and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, and
	// iteration stops at the first subscriber error. Subscribers that should
	// never halt publication (e.g. best-effort sinks) must swallow and log
	// their own failures.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber
		// in registration order, stopping at the first error.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber to the bus and returns a Subscription
		// that can be closed to unregister. Register returns an error if sub
		// is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published runtime events. Implementations must be
	// thread-safe if the same instance is registered with multiple buses.
	//
	// HandleEvent should return an error only if processing failed in a way
	// that should halt publication; non-critical failures should be logged
	// and ignored so other subscribers still receive the event.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Close removes
	// the subscriber; it is idempotent and always returns nil.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu sync.RWMutex
		// entries preserves registration order so delivery order is stable.
		entries []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// HandleEvent invokes the wrapped function.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs a new in-memory event bus. The returned bus is
// thread-safe and ready for immediate use.
//
// Typical usage:
//
//	bus := hooks.NewBus()
//	sub, _ := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    return nil
//	}))
//	defer sub.Close()
//	bus.Publish(ctx, hooks.NewTickEvent("awake", "", 0, 0, 0))
func NewBus() Bus {
	return &bus{}
}

// Publish delivers the event to a snapshot of the current subscribers taken
// under the read lock, so registrations and closes during Publish do not
// affect the in-flight delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	entries := make([]*subscription, len(b.entries))
	copy(entries, b.entries)
	b.mu.RUnlock()
	for _, e := range entries {
		if err := e.sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber and returns its Subscription handle.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.entries = append(b.entries, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Safe to call multiple times.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, e := range s.bus.entries {
			if e == s {
				s.bus.entries = append(s.bus.entries[:i], s.bus.entries[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
