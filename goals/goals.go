// Package goals manages the goal graph: creation, decomposition into
// children, status transitions gated on dependencies, and progress rollup
// where a parent's progress is the mean of its children's.
package goals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noesislabs/noesis/attention"
	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/subsystem"
	"github.com/noesislabs/noesis/telemetry"
	"github.com/noesislabs/noesis/thought"
)

// Levels.
const (
	LevelStrategic   = "strategic"
	LevelTactical    = "tactical"
	LevelOperational = "operational"
)

// Statuses. Completed is terminal.
const (
	StatusPending    = "pending"
	StatusActive     = "active"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

var (
	// ErrNotFound reports an unknown goal id.
	ErrNotFound = errors.New("goals: goal not found")

	// ErrDependenciesIncomplete blocks the in_progress transition while any
	// dependency is not completed.
	ErrDependenciesIncomplete = errors.New("goals: dependencies not completed")

	// ErrTerminal rejects transitions out of a completed goal.
	ErrTerminal = errors.New("goals: goal is completed")
)

type (
	// Goal is one node in the goal graph.
	Goal struct {
		ID           string
		Title        string
		Description  string
		Level        string
		Priority     string
		Status       string
		ParentID     string
		Children     []string
		Progress     float64
		Deadline     *time.Time
		Dependencies []string
		UpdatedAt    time.Time
	}

	// Input declares a goal to create.
	Input struct {
		Title        string `validate:"required"`
		Description  string
		Level        string `validate:"omitempty,oneof=strategic tactical operational"`
		Priority     string `validate:"omitempty,oneof=critical high medium low"`
		ParentID     string
		Deadline     *time.Time
		Dependencies []string
	}

	// Goals is the goal subsystem. The in-memory graph is authoritative for
	// rollup; every mutation is persisted.
	Goals struct {
		st       *store.Store
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		validate *validator.Validate

		mu    sync.Mutex
		graph map[string]*Goal
	}

	// Option customizes the subsystem.
	Option func(*Goals)
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(g *Goals) { g.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(g *Goals) { g.metrics = m }
}

// New constructs the goal subsystem.
func New(opts ...Option) *Goals {
	g := &Goals{
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		graph:    make(map[string]*Goal),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name implements subsystem.Subsystem.
func (g *Goals) Name() string { return "goals" }

// Initialize loads the persisted open goal graph.
func (g *Goals) Initialize(ctx context.Context, st *store.Store) error {
	g.st = st
	rows, err := st.FetchRows(ctx, `
		SELECT id, title, description, level, priority, status, parent_id, progress, deadline, dependencies, updated_at
		FROM goals
		WHERE status NOT IN ('completed', 'failed', 'cancelled')`)
	if err != nil {
		return fmt.Errorf("goals: load: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, row := range rows {
		goal := parseGoal(row)
		g.graph[goal.ID] = goal
	}
	for _, goal := range g.graph {
		if goal.ParentID != "" {
			if parent, ok := g.graph[goal.ParentID]; ok {
				parent.Children = append(parent.Children, goal.ID)
			}
		}
	}
	return nil
}

// Health implements subsystem.Subsystem.
func (g *Goals) Health(context.Context) subsystem.Report {
	g.mu.Lock()
	total := len(g.graph)
	g.mu.Unlock()
	return subsystem.Report{
		Status:  subsystem.Healthy,
		Score:   1,
		Details: map[string]any{"open_goals": total},
	}
}

// Shutdown implements subsystem.Subsystem.
func (g *Goals) Shutdown(context.Context) error { return nil }

// Handle processes goal_update thoughts by action.
func (g *Goals) Handle(ctx context.Context, t *thought.Thought) (map[string]any, error) {
	action, _ := t.Payload["action"].(string)
	switch action {
	case "create":
		in := inputFromPayload(t.Payload)
		id, err := g.Create(ctx, in)
		if err != nil {
			return nil, err
		}
		return map[string]any{"goal_id": id}, nil
	case "update_status":
		id, _ := t.Payload["goal_id"].(string)
		status, _ := t.Payload["status"].(string)
		if err := g.UpdateStatus(ctx, id, status); err != nil {
			return nil, err
		}
		return map[string]any{"goal_id": id, "status": status}, nil
	case "update_progress":
		id, _ := t.Payload["goal_id"].(string)
		progress, _ := t.Payload["progress"].(float64)
		if err := g.UpdateProgress(ctx, id, progress); err != nil {
			return nil, err
		}
		return map[string]any{"goal_id": id, "progress": progress}, nil
	case "decompose":
		parentID, _ := t.Payload["goal_id"].(string)
		var inputs []Input
		if raw, ok := t.Payload["children"].([]any); ok {
			for _, c := range raw {
				if cm, ok := c.(map[string]any); ok {
					inputs = append(inputs, inputFromPayload(cm))
				}
			}
		}
		ids, err := g.Decompose(ctx, parentID, inputs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"goal_id": parentID, "children": ids}, nil
	default:
		return nil, fmt.Errorf("goals: unknown action %q", action)
	}
}

// Create validates and persists a new goal.
func (g *Goals) Create(ctx context.Context, in Input) (string, error) {
	if err := g.validate.Struct(in); err != nil {
		return "", fmt.Errorf("goals: invalid input: %w", err)
	}
	if in.Level == "" {
		in.Level = LevelOperational
	}
	if in.Priority == "" {
		in.Priority = "medium"
	}
	goal := &Goal{
		ID:           uuid.NewString(),
		Title:        in.Title,
		Description:  in.Description,
		Level:        in.Level,
		Priority:     in.Priority,
		Status:       StatusPending,
		ParentID:     in.ParentID,
		Deadline:     in.Deadline,
		Dependencies: in.Dependencies,
		UpdatedAt:    time.Now().UTC(),
	}

	g.mu.Lock()
	if in.ParentID != "" {
		parent, ok := g.graph[in.ParentID]
		if !ok {
			g.mu.Unlock()
			return "", fmt.Errorf("%w: parent %s", ErrNotFound, in.ParentID)
		}
		parent.Children = append(parent.Children, goal.ID)
	}
	g.graph[goal.ID] = goal
	if in.ParentID != "" {
		g.rollupLocked(in.ParentID)
	}
	g.mu.Unlock()

	if err := g.persist(ctx, goal); err != nil {
		return "", err
	}
	g.metrics.IncCounter("goals_created_total", 1, "level", goal.Level)
	return goal.ID, nil
}

// Decompose creates child goals under a parent.
func (g *Goals) Decompose(ctx context.Context, parentID string, inputs []Input) ([]string, error) {
	if len(inputs) == 0 {
		return nil, errors.New("goals: decompose requires children")
	}
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		in.ParentID = parentID
		id, err := g.Create(ctx, in)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UpdateStatus transitions a goal. Entering in_progress requires every
// dependency completed; completed is terminal and clamps progress to 1.
func (g *Goals) UpdateStatus(ctx context.Context, id, status string) error {
	if !validStatus(status) {
		return fmt.Errorf("goals: unknown status %q", status)
	}
	g.mu.Lock()
	goal, ok := g.graph[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if goal.Status == StatusCompleted {
		g.mu.Unlock()
		return ErrTerminal
	}
	if status == StatusInProgress {
		for _, dep := range goal.Dependencies {
			d, ok := g.graph[dep]
			if !ok || d.Status != StatusCompleted {
				g.mu.Unlock()
				return fmt.Errorf("%w: %s waits on %s", ErrDependenciesIncomplete, id, dep)
			}
		}
	}
	goal.Status = status
	if status == StatusCompleted {
		goal.Progress = 1
	}
	goal.UpdatedAt = time.Now().UTC()
	snapshot := *goal
	dirty := g.rollupLocked(goal.ParentID)
	g.mu.Unlock()

	if err := g.persist(ctx, &snapshot); err != nil {
		return err
	}
	g.persistProgress(ctx, dirty, snapshot)
	return nil
}

// UpdateProgress sets a leaf goal's progress (clamped to [0,1]) and rolls the
// change up through its ancestors.
func (g *Goals) UpdateProgress(ctx context.Context, id string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	g.mu.Lock()
	goal, ok := g.graph[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if goal.Status == StatusCompleted {
		g.mu.Unlock()
		return ErrTerminal
	}
	goal.Progress = progress
	goal.UpdatedAt = time.Now().UTC()
	snapshot := *goal
	dirty := g.rollupLocked(goal.ParentID)
	g.mu.Unlock()

	if err := g.persist(ctx, &snapshot); err != nil {
		return err
	}
	g.persistProgress(ctx, dirty, snapshot)
	return nil
}

// Get returns a snapshot of the goal, or nil.
func (g *Goals) Get(id string) *Goal {
	g.mu.Lock()
	defer g.mu.Unlock()
	goal, ok := g.graph[id]
	if !ok {
		return nil
	}
	c := *goal
	c.Children = append([]string(nil), goal.Children...)
	c.Dependencies = append([]string(nil), goal.Dependencies...)
	return &c
}

// Top returns up to n open goals ordered by priority rank then deadline.
func (g *Goals) Top(n int) []Goal {
	g.mu.Lock()
	out := make([]Goal, 0, len(g.graph))
	for _, goal := range g.graph {
		switch goal.Status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			continue
		}
		out = append(out, *goal)
	}
	g.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := PriorityRank(out[i].Priority), PriorityRank(out[j].Priority)
		if ri != rj {
			return ri < rj
		}
		switch {
		case out[i].Deadline == nil:
			return false
		case out[j].Deadline == nil:
			return true
		default:
			return out[i].Deadline.Before(*out[j].Deadline)
		}
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// AttentionItems contributes the top ten open goals to the attention merge.
func (g *Goals) AttentionItems(ctx context.Context) []attention.Item {
	top := g.Top(10)
	items := make([]attention.Item, 0, len(top))
	now := time.Now().UTC()
	for _, goal := range top {
		item := attention.Item{
			Description: goal.Title,
			Rank:        PriorityRank(goal.Priority),
			Urgency:     0.5,
			Deadline:    goal.Deadline,
		}
		if goal.Deadline != nil {
			hours := goal.Deadline.Sub(now).Hours()
			if hours < 1 {
				hours = 1
			}
			item.Urgency = 1 / hours
		}
		items = append(items, item)
	}
	return items
}

// PriorityRank maps a goal priority to its attention rank; 0 is critical.
func PriorityRank(priority string) int {
	switch priority {
	case "critical":
		return 0
	case "high":
		return 1
	case "medium":
		return 2
	default:
		return 3
	}
}

// rollupLocked recomputes ancestor progress starting at id: each non-leaf's
// progress is the arithmetic mean of its children's. It returns snapshots of
// every recomputed goal. Callers hold g.mu.
func (g *Goals) rollupLocked(id string) []Goal {
	var dirty []Goal
	for id != "" {
		goal, ok := g.graph[id]
		if !ok || len(goal.Children) == 0 {
			break
		}
		var sum float64
		for _, childID := range goal.Children {
			if child, ok := g.graph[childID]; ok {
				sum += child.Progress
			}
		}
		goal.Progress = sum / float64(len(goal.Children))
		goal.UpdatedAt = time.Now().UTC()
		dirty = append(dirty, *goal)
		id = goal.ParentID
	}
	return dirty
}

// persist upserts one goal row.
func (g *Goals) persist(ctx context.Context, goal *Goal) error {
	deps, err := json.Marshal(goal.Dependencies)
	if err != nil {
		deps = []byte("[]")
	}
	if _, err := g.st.Execute(ctx, `
		INSERT INTO goals (id, title, description, level, priority, status, parent_id, progress, deadline, dependencies, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10::jsonb, $11)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    progress = EXCLUDED.progress,
		    deadline = EXCLUDED.deadline,
		    dependencies = EXCLUDED.dependencies,
		    updated_at = EXCLUDED.updated_at`,
		goal.ID, goal.Title, goal.Description, goal.Level, goal.Priority, goal.Status,
		goal.ParentID, goal.Progress, goal.Deadline, string(deps), goal.UpdatedAt,
	); err != nil {
		return fmt.Errorf("goals: persist %s: %w", goal.ID, err)
	}
	return nil
}

// persistProgress appends progress samples for the changed goal and its
// rolled-up ancestors, and upserts the ancestor rows. Best effort.
func (g *Goals) persistProgress(ctx context.Context, parents []Goal, leaf Goal) {
	for _, goal := range append(parents, leaf) {
		if _, err := g.st.Execute(ctx, `
			INSERT INTO goal_progress (goal_id, progress, status, recorded_at)
			VALUES ($1, $2, $3, $4)`,
			goal.ID, goal.Progress, goal.Status, goal.UpdatedAt,
		); err != nil {
			g.logger.Warn(ctx, "goal progress append failed", "goal_id", goal.ID, "err", err.Error())
		}
	}
	for _, goal := range parents {
		if err := g.persist(ctx, &goal); err != nil {
			g.logger.Warn(ctx, "goal rollup persist failed", "goal_id", goal.ID, "err", err.Error())
		}
	}
}

func validStatus(s string) bool {
	switch s {
	case StatusPending, StatusActive, StatusInProgress, StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func inputFromPayload(payload map[string]any) Input {
	in := Input{}
	in.Title, _ = payload["title"].(string)
	in.Description, _ = payload["description"].(string)
	in.Level, _ = payload["level"].(string)
	in.Priority, _ = payload["priority"].(string)
	in.ParentID, _ = payload["parent_id"].(string)
	if raw, ok := payload["deadline"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			in.Deadline = &ts
		}
	}
	if deps, ok := payload["dependencies"].([]any); ok {
		for _, d := range deps {
			if s, ok := d.(string); ok {
				in.Dependencies = append(in.Dependencies, s)
			}
		}
	}
	return in
}

func parseGoal(row store.Row) *Goal {
	goal := &Goal{
		ID:          str(row["id"]),
		Title:       str(row["title"]),
		Description: str(row["description"]),
		Level:       str(row["level"]),
		Priority:    str(row["priority"]),
		Status:      str(row["status"]),
		ParentID:    str(row["parent_id"]),
	}
	if p, ok := row["progress"].(float64); ok {
		goal.Progress = p
	}
	if ts, ok := row["deadline"].(time.Time); ok {
		goal.Deadline = &ts
	}
	if ts, ok := row["updated_at"].(time.Time); ok {
		goal.UpdatedAt = ts
	}
	switch deps := row["dependencies"].(type) {
	case string:
		_ = json.Unmarshal([]byte(deps), &goal.Dependencies)
	case []byte:
		_ = json.Unmarshal(deps, &goal.Dependencies)
	case []any:
		for _, d := range deps {
			goal.Dependencies = append(goal.Dependencies, str(d))
		}
	}
	return goal
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
