// Package subsystem defines the contract every specialized subsystem
// implements and the routing table the scheduler dispatches through.
// Subsystems never hold a pointer back to the orchestrator; they receive an
// opaque Controller handle exposing only the operations they need.
package subsystem

import (
	"context"
	"fmt"

	"github.com/noesislabs/noesis/hooks"
	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/thought"
)

type (
	// Status grades a subsystem's health.
	Status string

	// Report is a subsystem health snapshot.
	Report struct {
		Status  Status
		Score   float64
		Details map[string]any
	}

	// Controller is the narrow orchestrator surface handed to subsystems.
	// It inverts the controller-subsystem relationship so no subsystem holds
	// a parent pointer.
	Controller interface {
		// RecordThought enqueues a new thought and returns its id.
		RecordThought(ctx context.Context, kind thought.Kind, payload map[string]any, source string, priority thought.Priority) (string, error)
		// PublishEvent emits a runtime event on the hooks bus. Best effort:
		// subscriber failures are logged, never surfaced.
		PublishEvent(ctx context.Context, event hooks.Event)
		// Store returns the resilient store facade.
		Store() *store.Store
	}

	// Subsystem is the lifecycle every subsystem implements.
	Subsystem interface {
		// Name identifies the subsystem in health reports and logs.
		Name() string
		// Initialize prepares the subsystem. Called once before the scheduler
		// starts dispatching.
		Initialize(ctx context.Context, st *store.Store) error
		// Health reports the subsystem's current condition.
		Health(ctx context.Context) Report
		// Shutdown releases subsystem resources.
		Shutdown(ctx context.Context) error
	}

	// Handler is a subsystem that processes thoughts of its bound kinds.
	Handler interface {
		Subsystem
		// Handle processes one thought and returns its outcome. Errors are
		// recorded as the thought's outcome; they never crash the scheduler.
		Handle(ctx context.Context, t *thought.Thought) (map[string]any, error)
	}

	// Registry binds thought kinds to handlers. The binding is exhaustive
	// over the routable kind set; terminal kinds are never bound.
	Registry struct {
		handlers map[thought.Kind]Handler
		all      []Subsystem
	}
)

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	// Errored means the health probe itself failed.
	Errored Status = "error"
)

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[thought.Kind]Handler)}
}

// Bind routes thoughts of the given kinds to the handler and tracks the
// subsystem for lifecycle and health fan-out. Terminal kinds and duplicate
// bindings are rejected.
func (r *Registry) Bind(h Handler, kinds ...thought.Kind) error {
	if h == nil {
		return fmt.Errorf("subsystem: handler is required")
	}
	for _, k := range kinds {
		if !k.Valid() {
			return fmt.Errorf("subsystem: unknown kind %q", k)
		}
		if k.Terminal() {
			return fmt.Errorf("subsystem: kind %s is terminal and cannot be bound", k)
		}
		if existing, ok := r.handlers[k]; ok {
			return fmt.Errorf("subsystem: kind %s already bound to %s", k, existing.Name())
		}
		r.handlers[k] = h
	}
	r.track(h)
	return nil
}

// Track registers a subsystem that handles no thought kinds (for example the
// neural graph) so it still participates in lifecycle and health fan-out.
func (r *Registry) Track(s Subsystem) {
	if s != nil {
		r.track(s)
	}
}

// HandlerFor returns the handler bound to the kind, or nil. Terminal kinds
// have no handler.
func (r *Registry) HandlerFor(k thought.Kind) Handler {
	return r.handlers[k]
}

// Subsystems returns every tracked subsystem in registration order.
func (r *Registry) Subsystems() []Subsystem {
	return r.all
}

// InitializeAll initializes every tracked subsystem, stopping at the first
// failure.
func (r *Registry) InitializeAll(ctx context.Context, st *store.Store) error {
	for _, s := range r.all {
		if err := s.Initialize(ctx, st); err != nil {
			return fmt.Errorf("subsystem %s: initialize: %w", s.Name(), err)
		}
	}
	return nil
}

// ShutdownAll shuts every tracked subsystem down in reverse registration
// order, collecting the first error but visiting all.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	var first error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Shutdown(ctx); err != nil && first == nil {
			first = fmt.Errorf("subsystem %s: shutdown: %w", r.all[i].Name(), err)
		}
	}
	return first
}

// HealthAll collects every tracked subsystem's report keyed by name.
func (r *Registry) HealthAll(ctx context.Context) map[string]Report {
	out := make(map[string]Report, len(r.all))
	for _, s := range r.all {
		out[s.Name()] = s.Health(ctx)
	}
	return out
}

func (r *Registry) track(s Subsystem) {
	for _, existing := range r.all {
		if existing == s {
			return
		}
	}
	r.all = append(r.all, s)
}

// Grade folds per-subsystem reports into the overall status: healthy when at
// least 80% of subsystems are healthy, degraded at 50%, unhealthy below.
func Grade(reports map[string]Report) Status {
	if len(reports) == 0 {
		return Healthy
	}
	healthy := 0
	for _, rep := range reports {
		if rep.Status == Healthy {
			healthy++
		}
	}
	ratio := float64(healthy) / float64(len(reports))
	switch {
	case ratio >= 0.8:
		return Healthy
	case ratio >= 0.5:
		return Degraded
	default:
		return Unhealthy
	}
}

// Score folds per-subsystem reports into a [0,1] health score, the mean of
// the individual scores.
func Score(reports map[string]Report) float64 {
	if len(reports) == 0 {
		return 1
	}
	var sum float64
	for _, rep := range reports {
		sum += rep.Score
	}
	return sum / float64(len(reports))
}
