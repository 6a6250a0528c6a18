package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noesislabs/noesis/goals"
	"github.com/noesislabs/noesis/memory"
	"github.com/noesislabs/noesis/reasoning"
	"github.com/noesislabs/noesis/subsystem"
	"github.com/noesislabs/noesis/thought"
)

type (
	// Snapshot is the aggregate health view returned by Health.
	Snapshot struct {
		Status             subsystem.Status            `json:"status"`
		HealthScore        float64                     `json:"health_score"`
		ConsciousnessState string                      `json:"consciousness_state"`
		Focus              string                      `json:"focus"`
		Pending            int                         `json:"pending"`
		Processed          uint64                      `json:"processed"`
		UptimeSeconds      float64                     `json:"uptime_seconds"`
		Subsystems         map[string]subsystem.Report `json:"subsystems"`
	}

	// Reflection is the result of one self-assessment pass.
	Reflection struct {
		Observations   []string `json:"observations"`
		Insights       []string `json:"insights"`
		SelfAssessment string   `json:"self_assessment"`
		SuccessRate    float64  `json:"success_rate"`
		Handled        int      `json:"handled"`
	}
)

// reflectionWindow is how many recent thoughts one reflection examines.
const reflectionWindow = 100

// Think validates an externally submitted thought payload and enqueues it.
// It returns the assigned thought ID.
func (o *Orchestrator) Think(ctx context.Context, kind thought.Kind, payload map[string]any, source string, priority thought.Priority) (string, error) {
	if err := o.valid.Validate(kind, payload); err != nil {
		return "", validationError(err)
	}
	if source == "" {
		source = "external"
	}
	id, err := o.RecordThought(ctx, kind, payload, source, priority)
	if err != nil {
		return "", wrapError(err)
	}
	o.metrics.IncCounter("thoughts_submitted_total", 1, "kind", string(kind))
	return id, nil
}

// Decide queues a decision request and waits for the decision loop to reason
// over it. More urgent requests jump the queue. When the caller's context
// carries no deadline a default timeout applies.
func (o *Orchestrator) Decide(ctx context.Context, decisionCtx string, options []string, urgency thought.Priority) (*reasoning.Decision, error) {
	if decisionCtx == "" {
		return nil, validationError(fmt.Errorf("decision context is required"))
	}
	if len(options) == 0 {
		return nil, validationError(fmt.Errorf("at least one option is required"))
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, decideTimeout)
		defer cancel()
	}

	req := &decisionRequest{
		context: decisionCtx,
		options: options,
		urgency: urgency,
		result:  make(chan decisionResult, 1),
	}
	o.decided.push(req)

	select {
	case <-ctx.Done():
		return nil, wrapError(ctx.Err())
	case res := <-req.result:
		if res.err != nil {
			return nil, wrapError(res.err)
		}
		return res.decision, nil
	}
}

// Remember stores content directly in unified memory.
func (o *Orchestrator) Remember(ctx context.Context, content map[string]any, importance float64, memType string) (string, error) {
	id, err := o.mem.Store(ctx, content, importance, memType)
	if err != nil {
		return "", wrapError(err)
	}
	return id, nil
}

// Recall searches unified memory by semantic similarity.
func (o *Orchestrator) Recall(ctx context.Context, query string, limit int, memType string, minImportance float64) ([]memory.Entry, error) {
	entries, err := o.mem.Recall(ctx, query, limit, memType, minImportance)
	if err != nil {
		return nil, wrapError(err)
	}
	return entries, nil
}

// SetGoal creates a goal directly, bypassing the thought stream.
func (o *Orchestrator) SetGoal(ctx context.Context, in goals.Input) (*goals.Goal, error) {
	id, err := o.goals.Create(ctx, in)
	if err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			return nil, validationError(err)
		}
		return nil, wrapError(err)
	}
	return o.goals.Get(id), nil
}

// Health aggregates subsystem reports into the overall snapshot.
func (o *Orchestrator) Health(ctx context.Context) Snapshot {
	reports := o.registry.HealthAll(ctx)
	return Snapshot{
		Status:             subsystem.Grade(reports),
		HealthScore:        subsystem.Score(reports),
		ConsciousnessState: o.State(),
		Focus:              o.attn.Focus(),
		Pending:            o.stream.Pending(),
		Processed:          o.stream.Handled(),
		UptimeSeconds:      time.Since(o.startedAt).Seconds(),
		Subsystems:         reports,
	}
}

// Reflect examines the recent thought window and produces a self-assessment.
// The reflection is persisted; persistence failures surface to the caller.
func (o *Orchestrator) Reflect(ctx context.Context, trigger string) (*Reflection, error) {
	recent := o.stream.Recent(reflectionWindow)

	var handled, failed int
	byKind := make(map[thought.Kind]int)
	for _, t := range recent {
		if !t.Processed {
			continue
		}
		handled++
		byKind[t.Kind]++
		if _, ok := t.Outcome["error"]; ok {
			failed++
		}
	}
	rate := 1.0
	if handled > 0 {
		rate = float64(handled-failed) / float64(handled)
	}

	ref := &Reflection{
		SuccessRate: rate,
		Handled:     handled,
	}
	for kind, n := range byKind {
		ref.Observations = append(ref.Observations,
			fmt.Sprintf("handled %d %s thoughts", n, kind))
	}
	if failed > 0 {
		ref.Observations = append(ref.Observations,
			fmt.Sprintf("%d of %d recent thoughts failed", failed, handled))
	}
	if pending := o.stream.Pending(); pending > o.batch*2 {
		ref.Insights = append(ref.Insights,
			fmt.Sprintf("backlog of %d thoughts exceeds twice the cycle batch", pending))
	}
	switch {
	case handled == 0:
		ref.SelfAssessment = "no recent activity to assess"
	case rate >= 0.9:
		ref.SelfAssessment = fmt.Sprintf("operating well: %.0f%% of recent thoughts succeeded", rate*100)
	case rate >= reflectionMinRate:
		ref.SelfAssessment = fmt.Sprintf("operating adequately: %.0f%% success rate", rate*100)
	default:
		ref.SelfAssessment = fmt.Sprintf("struggling: only %.0f%% of recent thoughts succeeded", rate*100)
	}

	body, err := json.Marshal(map[string]any{
		"observations": ref.Observations,
		"insights":     ref.Insights,
	})
	if err != nil {
		body = []byte("{}")
	}
	if _, err := o.st.Execute(ctx, `
		INSERT INTO reflections (id, triggered_by, assessment, success_rate, handled, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		newID(), trigger, ref.SelfAssessment, ref.SuccessRate, handled, string(body), time.Now().UTC(),
	); err != nil {
		return nil, wrapError(fmt.Errorf("orchestrator: persist reflection: %w", err))
	}
	o.metrics.RecordGauge("reflection_success_rate", rate)
	return ref, nil
}

// Shutdown stops the loops, shuts the subsystems down in reverse
// initialization order, and writes a final state snapshot.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return nil
	}
	o.stopping = true
	o.mu.Unlock()

	if o.sup != nil {
		if err := o.sup.Shutdown(ctx); err != nil {
			o.logger.Warn(ctx, "supervisor shutdown incomplete", "err", err.Error())
		}
	}
	if err := o.registry.ShutdownAll(ctx); err != nil {
		o.logger.Warn(ctx, "subsystem shutdown incomplete", "err", err.Error())
	}
	if err := o.snapshotTick(ctx); err != nil {
		o.logger.Warn(ctx, "final snapshot failed", "err", err.Error())
	}
	o.logger.Info(ctx, "orchestrator stopped",
		"processed", o.stream.Handled(), "uptime", time.Since(o.startedAt).String())
	return nil
}

func newID() string { return uuid.NewString() }
