// Package thought defines the unit of work the scheduler drains: typed,
// prioritized work items with an opaque payload. The package also provides
// the in-memory stream (priority buckets plus a ring of processed thoughts)
// and JSON Schema validation for externally submitted payloads.
package thought

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Kind tags a thought with the subsystem pathway that handles it. The
	// set is closed; the scheduler routes by exhaustive switch.
	Kind string

	// Priority orders thoughts across buckets. Lower values are drained
	// first.
	Priority int

	// Thought is a unit of work in the scheduler. Payload is opaque at this
	// boundary; the handler for each kind decodes the fields it needs.
	Thought struct {
		ID        string
		CreatedAt time.Time
		Kind      Kind
		Payload   map[string]any
		Source    string
		Priority  Priority
		Processed bool
		// Outcome is set iff Processed is true. Use Complete to mark both.
		Outcome map[string]any
		// Linked lists ids of thoughts this one causally spawned.
		Linked []string
	}
)

const (
	KindAlert               Kind = "alert"
	KindMemoryRequest       Kind = "memory_request"
	KindGoalUpdate          Kind = "goal_update"
	KindLearningEvent       Kind = "learning_event"
	KindPrediction          Kind = "prediction"
	KindReasoningRequest    Kind = "reasoning_request"
	KindOptimizationRequest Kind = "optimization_request"
	KindExternal            Kind = "external"
	// KindAlertRaised is terminal: the scheduler acknowledges these thoughts
	// without re-dispatching them to any handler, so raising an alert can
	// never re-trigger the alert pathway.
	KindAlertRaised Kind = "alert_raised"
)

const (
	Critical Priority = iota
	Urgent
	High
	Normal
	Low
	Maintenance

	numPriorities = int(Maintenance) + 1
)

var kindNames = map[Kind]bool{
	KindAlert:               true,
	KindMemoryRequest:       true,
	KindGoalUpdate:          true,
	KindLearningEvent:       true,
	KindPrediction:          true,
	KindReasoningRequest:    true,
	KindOptimizationRequest: true,
	KindExternal:            true,
	KindAlertRaised:         true,
}

var priorityNames = [numPriorities]string{"critical", "urgent", "high", "normal", "low", "maintenance"}

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool { return kindNames[k] }

// Terminal reports whether thoughts of this kind are acknowledged without
// handler dispatch.
func (k Kind) Terminal() bool { return k == KindAlertRaised }

// Valid reports whether p is within the defined priority range.
func (p Priority) Valid() bool { return p >= Critical && int(p) < numPriorities }

// String returns the lowercase priority name, or "unknown" out of range.
func (p Priority) String() string {
	if !p.Valid() {
		return "unknown"
	}
	return priorityNames[p]
}

// ParsePriority maps a priority name to its value. The empty string maps to
// Normal so callers can pass through optional API fields unchanged.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return Normal, nil
	}
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return Normal, fmt.Errorf("unknown priority %q", s)
}

// New constructs an unprocessed thought with a fresh id and UTC creation
// timestamp.
func New(kind Kind, payload map[string]any, source string, priority Priority) *Thought {
	return &Thought{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Kind:      kind,
		Payload:   payload,
		Source:    source,
		Priority:  priority,
	}
}

// Complete marks the thought processed with the given outcome. A nil outcome
// is replaced with an empty record so the processed/outcome invariant holds.
func (t *Thought) Complete(outcome map[string]any) {
	if outcome == nil {
		outcome = map[string]any{}
	}
	t.Processed = true
	t.Outcome = outcome
}

// Link records that this thought causally spawned the given thought id.
func (t *Thought) Link(id string) {
	t.Linked = append(t.Linked, id)
}
