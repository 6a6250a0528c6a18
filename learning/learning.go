// Package learning tracks outcomes of actions against expectations, distills
// recurring patterns out of them, and watches for performance regressions.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/subsystem"
	"github.com/noesislabs/noesis/telemetry"
	"github.com/noesislabs/noesis/thought"
)

// Pattern categories.
const (
	CategorySuccessful = "successful"
	CategoryAnomalous  = "anomalous"
	CategoryBehavioral = "behavioral"
	CategoryTemporal   = "temporal"
	CategoryCausal     = "causal"
)

const (
	// numericTolerance is the relative deviation still counted as success.
	numericTolerance = 0.2

	// minPatternSamples is the outcome count before a pattern is minted.
	minPatternSamples = 5

	// regressionDrop is the success-rate drop that counts as a regression.
	regressionDrop = 0.10

	// regressionMinSamples is the recent sample floor for a regression.
	regressionMinSamples = 10
)

type (
	// Outcome is one tracked action result.
	Outcome struct {
		ID         string
		DecisionID string
		ActionType string
		Expected   map[string]any
		Actual     map[string]any
		Success    bool
		Feedback   float64
		Context    map[string]any
		CreatedAt  time.Time
	}

	// Learning is the outcome-tracking subsystem.
	Learning struct {
		ctrl    subsystem.Controller
		st      *store.Store
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu       sync.Mutex
		lastEmit map[string]time.Time
	}

	// Option customizes the subsystem.
	Option func(*Learning)
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(ln *Learning) { ln.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(ln *Learning) { ln.metrics = m }
}

// New constructs the learning subsystem.
func New(ctrl subsystem.Controller, opts ...Option) *Learning {
	ln := &Learning{
		ctrl:     ctrl,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		lastEmit: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(ln)
	}
	return ln
}

// Name implements subsystem.Subsystem.
func (ln *Learning) Name() string { return "learning" }

// Initialize implements subsystem.Subsystem.
func (ln *Learning) Initialize(_ context.Context, st *store.Store) error {
	ln.st = st
	return nil
}

// Health implements subsystem.Subsystem.
func (ln *Learning) Health(context.Context) subsystem.Report {
	return subsystem.Report{Status: subsystem.Healthy, Score: 1}
}

// Shutdown implements subsystem.Subsystem.
func (ln *Learning) Shutdown(context.Context) error { return nil }

// Handle processes learning_event thoughts.
func (ln *Learning) Handle(ctx context.Context, t *thought.Thought) (map[string]any, error) {
	action, _ := t.Payload["action"].(string)
	switch action {
	case "extract_patterns":
		n, err := ln.ExtractPatterns(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"patterns": n}, nil
	case "performance_regression":
		// Emitted by DetectRegressions. Record-only: the report must never
		// re-enter outcome tracking, or it would inflate the success rate of
		// the action type it flagged.
		actionType, _ := t.Payload["action_type"].(string)
		drop, _ := t.Payload["drop"].(float64)
		return map[string]any{
			"status":      "recorded",
			"action_type": actionType,
			"drop":        drop,
		}, nil
	case "", "track_outcome":
		actionType, _ := t.Payload["action_type"].(string)
		if actionType == "" {
			return nil, fmt.Errorf("learning: missing action_type")
		}
		decisionID, _ := t.Payload["decision_id"].(string)
		expected, _ := t.Payload["expected"].(map[string]any)
		actual, _ := t.Payload["actual"].(map[string]any)
		octx, _ := t.Payload["context"].(map[string]any)
		out, err := ln.TrackOutcome(ctx, decisionID, actionType, expected, actual, octx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"outcome_id": out.ID,
			"success":    out.Success,
			"feedback":   out.Feedback,
		}, nil
	default:
		return nil, fmt.Errorf("learning: unknown action %q", action)
	}
}

// TrackOutcome derives success and feedback from expected versus actual and
// persists the outcome.
func (ln *Learning) TrackOutcome(ctx context.Context, decisionID, actionType string, expected, actual, outcomeCtx map[string]any) (*Outcome, error) {
	success, feedback := Evaluate(expected, actual)
	out := &Outcome{
		ID:         uuid.NewString(),
		DecisionID: decisionID,
		ActionType: actionType,
		Expected:   expected,
		Actual:     actual,
		Success:    success,
		Feedback:   feedback,
		Context:    outcomeCtx,
		CreatedAt:  time.Now().UTC(),
	}
	expectedJSON, err := json.Marshal(expected)
	if err != nil {
		return nil, fmt.Errorf("learning: encode expected: %w", err)
	}
	actualJSON, err := json.Marshal(actual)
	if err != nil {
		return nil, fmt.Errorf("learning: encode actual: %w", err)
	}
	ctxJSON, _ := json.Marshal(outcomeCtx)
	if _, err := ln.st.Execute(ctx, `
		INSERT INTO learning_outcomes (id, decision_id, action_type, expected, actual, success, feedback_score, context, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4::jsonb, $5::jsonb, $6, $7, $8::jsonb, $9)`,
		out.ID, out.DecisionID, out.ActionType, string(expectedJSON), string(actualJSON),
		out.Success, out.Feedback, string(ctxJSON), out.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("learning: persist outcome: %w", err)
	}
	ln.metrics.IncCounter("learning_outcomes_total", 1, "action_type", actionType, "success", fmt.Sprint(success))
	return out, nil
}

// Evaluate derives (success, feedback) from the expected and actual payloads.
//
// An error key in actual fails the outcome outright with feedback -1. An
// explicit actual.success wins over numeric comparison. Otherwise the numeric
// fields score, value and result must each land within 20% of the expected
// value. Feedback is the mean over common keys: numeric pairs contribute
// clamp(1 - |diff_ratio|, -1, 1), other pairs 1.0 on equality and 0.0
// otherwise. With nothing to compare the feedback is 0.5 on success, -0.5 on
// failure.
func Evaluate(expected, actual map[string]any) (bool, float64) {
	if _, failed := actual["error"]; failed {
		return false, -1
	}

	success := true
	explicit := false
	if v, ok := actual["success"].(bool); ok {
		success = v
		explicit = true
	}

	var scores []float64
	for _, key := range commonKeys(expected, actual) {
		if key == "success" || key == "error" {
			continue
		}
		e, eNum := toFloat(expected[key])
		a, aNum := toFloat(actual[key])
		switch {
		case eNum && aNum:
			ratio := diffRatio(e, a)
			scores = append(scores, clamp(1-ratio, -1, 1))
			if !explicit && isScoreKey(key) && ratio > numericTolerance {
				success = false
			}
		case fmt.Sprint(expected[key]) == fmt.Sprint(actual[key]):
			scores = append(scores, 1)
		default:
			scores = append(scores, 0)
		}
	}

	if len(scores) == 0 {
		if success {
			return true, 0.5
		}
		return false, -0.5
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return success, sum / float64(len(scores))
}

// ExtractPatterns clusters recent outcomes by action_type and upserts
// successful and anomalous patterns. It returns the number of patterns
// written.
func (ln *Learning) ExtractPatterns(ctx context.Context) (int, error) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	rows, err := ln.st.FetchRows(ctx, `
		SELECT action_type,
		       COUNT(*) AS samples,
		       AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END) AS success_rate
		FROM learning_outcomes
		WHERE created_at > $1
		GROUP BY action_type`,
		since)
	if err != nil {
		return 0, fmt.Errorf("learning: cluster outcomes: %w", err)
	}
	written := 0
	for _, row := range rows {
		actionType, _ := row["action_type"].(string)
		samples := toInt(row["samples"])
		rate, _ := toFloat(row["success_rate"])
		if samples < minPatternSamples {
			continue
		}
		var category string
		switch {
		case rate >= 0.8:
			category = CategorySuccessful
		case rate <= 0.3:
			category = CategoryAnomalous
		default:
			continue
		}
		if err := ln.upsertPattern(ctx, category, actionType, rate, samples); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// DetectRegressions compares the recent hour's success rate per action_type
// against the prior 24 hours and emits a performance_regression thought for
// drops over ten points across at least ten recent samples. Each action_type
// is reported at most once per hour.
func (ln *Learning) DetectRegressions(ctx context.Context) error {
	now := time.Now().UTC()
	hourAgo := now.Add(-time.Hour)
	dayBefore := hourAgo.Add(-24 * time.Hour)
	rows, err := ln.st.FetchRows(ctx, `
		SELECT action_type,
		       COUNT(*) FILTER (WHERE created_at > $1) AS recent_samples,
		       AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END) FILTER (WHERE created_at > $1) AS recent_rate,
		       COUNT(*) FILTER (WHERE created_at <= $1) AS prior_samples,
		       AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END) FILTER (WHERE created_at <= $1) AS prior_rate
		FROM learning_outcomes
		WHERE created_at > $2
		GROUP BY action_type`,
		hourAgo, dayBefore)
	if err != nil {
		return fmt.Errorf("learning: regression scan: %w", err)
	}
	for _, row := range rows {
		actionType, _ := row["action_type"].(string)
		recentSamples := toInt(row["recent_samples"])
		priorSamples := toInt(row["prior_samples"])
		recentRate, _ := toFloat(row["recent_rate"])
		priorRate, _ := toFloat(row["prior_rate"])
		if recentSamples < regressionMinSamples || priorSamples == 0 {
			continue
		}
		drop := priorRate - recentRate
		if drop <= regressionDrop {
			continue
		}
		if !ln.markEmitted(actionType, now) {
			continue
		}
		ln.logger.Warn(ctx, "performance regression detected",
			"action_type", actionType, "recent_rate", recentRate, "prior_rate", priorRate)
		if _, err := ln.ctrl.RecordThought(ctx, thought.KindLearningEvent, map[string]any{
			"action":      "performance_regression",
			"action_type": actionType,
			"recent_rate": recentRate,
			"prior_rate":  priorRate,
			"drop":        drop,
			"samples":     recentSamples,
		}, "learning", thought.High); err != nil {
			ln.logger.Error(ctx, "regression thought failed", "err", err.Error())
		}
		ln.metrics.IncCounter("learning_regressions_total", 1, "action_type", actionType)
	}
	return nil
}

func (ln *Learning) upsertPattern(ctx context.Context, category, actionType string, rate float64, samples int) error {
	conditions, _ := json.Marshal(map[string]any{"action_type": actionType})
	if _, err := ln.st.Execute(ctx, `
		INSERT INTO learned_patterns (id, category, action_type, conditions, confidence, occurrence_count, last_seen)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		ON CONFLICT (category, action_type) DO UPDATE
		SET confidence = EXCLUDED.confidence,
		    occurrence_count = learned_patterns.occurrence_count + EXCLUDED.occurrence_count,
		    last_seen = EXCLUDED.last_seen`,
		uuid.NewString(), category, actionType, string(conditions), rate, samples, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("learning: upsert pattern %s/%s: %w", category, actionType, err)
	}
	return nil
}

// markEmitted records the emission time unless one happened within the hour.
func (ln *Learning) markEmitted(actionType string, now time.Time) bool {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if last, ok := ln.lastEmit[actionType]; ok && now.Sub(last) < time.Hour {
		return false
	}
	ln.lastEmit[actionType] = now
	return true
}

func isScoreKey(key string) bool {
	return key == "score" || key == "value" || key == "result"
}

func commonKeys(expected, actual map[string]any) []string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		if _, ok := actual[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// diffRatio is |actual-expected| relative to |expected|; a zero expectation
// matches only a zero actual.
func diffRatio(expected, actual float64) float64 {
	if expected == 0 {
		if actual == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(actual-expected) / math.Abs(expected)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v any) int {
	f, ok := toFloat(v)
	if !ok {
		return 0
	}
	return int(f)
}
