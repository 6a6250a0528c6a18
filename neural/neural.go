// Package neural maintains the dynamic routing graph of neurons and
// synapses: co-activations are recorded as they happen and a periodic
// Hebbian batch strengthens frequently co-active pairs while stale synapses
// decay toward dormancy.
package neural

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/subsystem"
	"github.com/noesislabs/noesis/telemetry"
)

// Neuron types.
const (
	TypeSensory     = "sensory"
	TypeMotor       = "motor"
	TypeInterneuron = "interneuron"
	TypeModulatory  = "modulatory"
)

// Synapse states, minted from weight after each Hebbian batch.
const (
	StateActive      = "active"
	StatePotentiated = "potentiated"
	StateDepressed   = "depressed"
	StateDormant     = "dormant"
)

// Weight bounds: strengthened synapses approach 1.0, decayed synapses settle
// at the floor instead of vanishing so a pair can recover.
const (
	WeightCeiling = 1.0
	WeightFloor   = 0.01
)

const (
	// defaultLearnRate scales strengthening per co-activation batch.
	defaultLearnRate = 0.1

	// defaultDecayRate is the per-batch decay applied to stale synapses.
	defaultDecayRate = 0.05

	// defaultStaleAfter is how long without firing counts as stale.
	defaultStaleAfter = time.Hour

	// coActivationFloor is the count a pair needs inside the batch window
	// before it is strengthened.
	coActivationFloor = 3
)

type (
	// Neuron is one node of the routing graph.
	Neuron struct {
		ID         string
		Name       string
		Type       string
		Activation float64
		Threshold  float64
		Bias       float64
		AgentID    string
	}

	// Synapse is one directed edge.
	Synapse struct {
		ID         string
		Source     string
		Target     string
		Weight     float64
		Plasticity float64
		State      string
	}

	// Graph is the neural subsystem. It carries no handler; the scheduler
	// tracks it for lifecycle and health only.
	Graph struct {
		st         *store.Store
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		learnRate  float64
		decayRate  float64
		staleAfter time.Duration
	}

	// Option customizes the graph.
	Option func(*Graph)
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(g *Graph) { g.metrics = m }
}

// WithRates overrides the learning and decay rates.
func WithRates(learn, decay float64) Option {
	return func(g *Graph) {
		if learn > 0 {
			g.learnRate = learn
		}
		if decay > 0 {
			g.decayRate = decay
		}
	}
}

// WithStaleAfter overrides how long without firing counts as stale.
func WithStaleAfter(d time.Duration) Option {
	return func(g *Graph) {
		if d > 0 {
			g.staleAfter = d
		}
	}
}

// New constructs the neural graph subsystem.
func New(opts ...Option) *Graph {
	g := &Graph{
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		learnRate:  defaultLearnRate,
		decayRate:  defaultDecayRate,
		staleAfter: defaultStaleAfter,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name implements subsystem.Subsystem.
func (g *Graph) Name() string { return "neural" }

// Initialize implements subsystem.Subsystem.
func (g *Graph) Initialize(_ context.Context, st *store.Store) error {
	g.st = st
	return nil
}

// Health implements subsystem.Subsystem.
func (g *Graph) Health(ctx context.Context) subsystem.Report {
	count, err := g.st.FetchScalar(ctx, `SELECT COUNT(*) FROM synapses WHERE state <> 'dormant'`)
	if err != nil {
		return subsystem.Report{
			Status:  subsystem.Degraded,
			Score:   0.5,
			Details: map[string]any{"error": err.Error()},
		}
	}
	return subsystem.Report{
		Status:  subsystem.Healthy,
		Score:   1,
		Details: map[string]any{"live_synapses": count},
	}
}

// Shutdown implements subsystem.Subsystem.
func (g *Graph) Shutdown(context.Context) error { return nil }

// EnsureNeuron upserts a neuron by name and returns its id.
func (g *Graph) EnsureNeuron(ctx context.Context, name, neuronType string) (string, error) {
	id, err := g.st.FetchScalar(ctx, `
		INSERT INTO neurons (id, name, type, activation, threshold, bias)
		VALUES ($1, $2, $3, 0, 0.5, 0)
		ON CONFLICT (name) DO UPDATE SET type = EXCLUDED.type
		RETURNING id`,
		uuid.NewString(), name, neuronType)
	if err != nil {
		return "", fmt.Errorf("neural: ensure neuron %s: %w", name, err)
	}
	s, _ := id.(string)
	return s, nil
}

// Activate records a neuron's activation level, clamped to [0, 1].
func (g *Graph) Activate(ctx context.Context, neuronID string, activation float64) error {
	if activation < 0 {
		activation = 0
	}
	if activation > 1 {
		activation = 1
	}
	if _, err := g.st.Execute(ctx, `
		UPDATE neurons SET activation = $2, last_fired_at = $3 WHERE id = $1`,
		neuronID, activation, time.Now().UTC()); err != nil {
		return fmt.Errorf("neural: activate %s: %w", neuronID, err)
	}
	return nil
}

// RecordCoActivation bumps the co-activation count for a pair. The pair key
// is order-normalized so (a,b) and (b,a) hit the same row.
func (g *Graph) RecordCoActivation(ctx context.Context, a, b string) error {
	if a == b {
		return fmt.Errorf("neural: self co-activation for %s", a)
	}
	if a > b {
		a, b = b, a
	}
	if _, err := g.st.Execute(ctx, `
		INSERT INTO co_activations (neuron_a, neuron_b, count, last_seen)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (neuron_a, neuron_b) DO UPDATE
		SET count = co_activations.count + 1,
		    last_seen = EXCLUDED.last_seen`,
		a, b, time.Now().UTC()); err != nil {
		return fmt.Errorf("neural: record co-activation: %w", err)
	}
	g.metrics.IncCounter("neural_co_activations_total", 1)
	return nil
}

// Hebbian runs one plasticity batch: pairs co-active at least three times in
// the window strengthen toward the ceiling, synapses that have not fired
// within the stale window decay toward the floor, and states are re-minted
// from the resulting weights.
func (g *Graph) Hebbian(ctx context.Context) error {
	now := time.Now().UTC()
	window := now.Add(-g.staleAfter)

	strengthened, err := g.st.Execute(ctx, `
		UPDATE synapses s
		SET weight = LEAST($1, s.weight + s.plasticity * $2 * c.count),
		    last_fired_at = $3
		FROM co_activations c
		WHERE ((s.source = c.neuron_a AND s.target = c.neuron_b)
		    OR (s.source = c.neuron_b AND s.target = c.neuron_a))
		  AND c.last_seen > $4
		  AND c.count >= $5`,
		WeightCeiling, g.learnRate, now, window, coActivationFloor)
	if err != nil {
		return fmt.Errorf("neural: strengthen: %w", err)
	}

	decayed, err := g.st.Execute(ctx, `
		UPDATE synapses
		SET weight = GREATEST($1, weight * (1 - $2))
		WHERE last_fired_at < $3 OR last_fired_at IS NULL`,
		WeightFloor, g.decayRate, window)
	if err != nil {
		return fmt.Errorf("neural: decay: %w", err)
	}

	if _, err := g.st.Execute(ctx, `
		UPDATE synapses
		SET state = CASE
		    WHEN weight >= 0.8 THEN 'potentiated'
		    WHEN weight >= 0.3 THEN 'active'
		    WHEN weight > $1 THEN 'depressed'
		    ELSE 'dormant'
		END`,
		WeightFloor); err != nil {
		return fmt.Errorf("neural: mint states: %w", err)
	}

	g.logger.Debug(ctx, "hebbian batch complete", "strengthened", strengthened, "decayed", decayed)
	g.metrics.IncCounter("neural_hebbian_batches_total", 1)
	return nil
}

// Connect upserts a directed synapse.
func (g *Graph) Connect(ctx context.Context, source, target string, plasticity float64) error {
	if _, err := g.st.Execute(ctx, `
		INSERT INTO synapses (id, source, target, weight, plasticity, state)
		VALUES ($1, $2, $3, 0.3, $4, 'active')
		ON CONFLICT (source, target) DO UPDATE SET plasticity = EXCLUDED.plasticity`,
		uuid.NewString(), source, target, plasticity); err != nil {
		return fmt.Errorf("neural: connect %s->%s: %w", source, target, err)
	}
	return nil
}
