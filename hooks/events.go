package hooks

import "time"

type (
	// EventType identifies the lifecycle phase an event describes. Subscribers
	// use it to filter or route events without type assertions.
	EventType string

	// Event is the interface all runtime events implement. The orchestrator
	// publishes events through the Bus; subscribers receive them via
	// HandleEvent and type-switch on the concrete type for payload access:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *hooks.TickEvent:
	//	        log.Printf("state=%s pending=%d", e.State, e.Pending)
	//	    case *hooks.AlertRaisedEvent:
	//	        log.Printf("alert %s/%s", e.Kind, e.Severity)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant (e.g. ConsciousnessTick).
		Type() EventType
		// Timestamp returns the Unix timestamp in milliseconds when the event
		// was created. Events are timestamped at creation, not delivery.
		Timestamp() int64
	}

	baseEvent struct {
		ts int64
	}

	// TickEvent fires once per scheduler cycle. It is the heartbeat of the
	// runtime: external observers derive liveness and load from it.
	TickEvent struct {
		baseEvent
		// State is the coarse consciousness state at the end of the cycle.
		State string
		// Focus is the current attention focus, empty when idle.
		Focus string
		// Pending is the number of unprocessed thoughts across all buckets.
		Pending int
		// Processed is the cumulative number of thoughts handled since start.
		Processed uint64
		// CycleMS is the wall-clock duration of the cycle in milliseconds.
		CycleMS int64
	}

	// AlertRaisedEvent fires when the awareness subsystem records a new or
	// re-occurring alert of severity warning or critical.
	AlertRaisedEvent struct {
		baseEvent
		// Kind is the alert kind, e.g. "slow_database".
		Kind string
		// Severity is one of info, warning, critical.
		Severity string
		// Message is the human-readable alert message.
		Message string
		// Occurrences is the updated occurrence count after dedup.
		Occurrences int64
	}

	// StateChangedEvent fires on consciousness state transitions.
	StateChangedEvent struct {
		baseEvent
		From   string
		To     string
		Reason string
	}

	// FocusShiftedEvent fires when the attention manager changes the focus.
	FocusShiftedEvent struct {
		baseEvent
		Focus  string
		Reason string
	}

	// OptimizationEvent fires after a self-optimization pass completes.
	OptimizationEvent struct {
		baseEvent
		// BeforeBytes and AfterBytes are heap sizes around the pass.
		BeforeBytes uint64
		AfterBytes  uint64
		// Improvement is the fraction of heap reclaimed, in [0,1].
		Improvement float64
		// Actions lists what the pass did, e.g. "drop_reasoning_cache".
		Actions []string
	}
)

const (
	// ConsciousnessTick is emitted once per scheduler cycle.
	ConsciousnessTick EventType = "consciousness_tick"
	// AlertRaised is emitted when an alert is recorded.
	AlertRaised EventType = "alert_raised"
	// StateChanged is emitted on consciousness state transitions.
	StateChanged EventType = "state_changed"
	// FocusShifted is emitted when attention focus changes.
	FocusShifted EventType = "focus_shifted"
	// OptimizationApplied is emitted after a self-optimization pass.
	OptimizationApplied EventType = "optimization_applied"
)

func newBase() baseEvent {
	return baseEvent{ts: time.Now().UnixMilli()}
}

// Timestamp returns the Unix timestamp in milliseconds at event creation.
func (b baseEvent) Timestamp() int64 { return b.ts }

// NewTickEvent constructs a TickEvent stamped with the current time.
func NewTickEvent(state, focus string, pending int, processed uint64, cycle time.Duration) *TickEvent {
	return &TickEvent{
		baseEvent: newBase(),
		State:     state,
		Focus:     focus,
		Pending:   pending,
		Processed: processed,
		CycleMS:   cycle.Milliseconds(),
	}
}

// NewAlertRaisedEvent constructs an AlertRaisedEvent stamped with the current time.
func NewAlertRaisedEvent(kind, severity, message string, occurrences int64) *AlertRaisedEvent {
	return &AlertRaisedEvent{
		baseEvent:   newBase(),
		Kind:        kind,
		Severity:    severity,
		Message:     message,
		Occurrences: occurrences,
	}
}

// NewStateChangedEvent constructs a StateChangedEvent stamped with the current time.
func NewStateChangedEvent(from, to, reason string) *StateChangedEvent {
	return &StateChangedEvent{baseEvent: newBase(), From: from, To: to, Reason: reason}
}

// NewFocusShiftedEvent constructs a FocusShiftedEvent stamped with the current time.
func NewFocusShiftedEvent(focus, reason string) *FocusShiftedEvent {
	return &FocusShiftedEvent{baseEvent: newBase(), Focus: focus, Reason: reason}
}

// NewOptimizationEvent constructs an OptimizationEvent stamped with the current time.
func NewOptimizationEvent(before, after uint64, improvement float64, actions []string) *OptimizationEvent {
	return &OptimizationEvent{
		baseEvent:   newBase(),
		BeforeBytes: before,
		AfterBytes:  after,
		Improvement: improvement,
		Actions:     actions,
	}
}

// Type returns ConsciousnessTick.
func (e *TickEvent) Type() EventType { return ConsciousnessTick }

// Type returns AlertRaised.
func (e *AlertRaisedEvent) Type() EventType { return AlertRaised }

// Type returns StateChanged.
func (e *StateChangedEvent) Type() EventType { return StateChanged }

// Type returns FocusShifted.
func (e *FocusShiftedEvent) Type() EventType { return FocusShifted }

// Type returns OptimizationApplied.
func (e *OptimizationEvent) Type() EventType { return OptimizationApplied }
