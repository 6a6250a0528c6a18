// Package attention maintains the single "current focus" of the runtime by
// merging priority streams from goals and proactive opportunities. Critical
// alerts preempt normal focus for the duration of their handling.
package attention

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/telemetry"
)

// DefaultHistorySize caps the in-memory focus shift history.
const DefaultHistorySize = 1000

type (
	// Item is one candidate for attention, normalized across sources.
	Item struct {
		// Description becomes the focus string when the item wins.
		Description string
		// Rank is the priority rank; 0 is critical and lower wins.
		Rank int
		// Urgency breaks rank ties; higher wins.
		Urgency float64
		// Deadline breaks remaining ties; earlier wins, nil sorts last.
		Deadline *time.Time
	}

	// Source contributes prioritized items on each recompute. The goals and
	// proactive subsystems implement it.
	Source interface {
		AttentionItems(ctx context.Context) []Item
	}

	// Shift is one recorded focus change.
	Shift struct {
		At     time.Time
		Focus  string
		Reason string
	}

	// Manager computes and tracks the attention focus.
	Manager struct {
		sources []Source
		st      *store.Store
		logger  telemetry.Logger
		metrics telemetry.Metrics
		histCap int

		mu      sync.Mutex
		focus   string
		preempt string
		history []Shift
		shifts  int64
	}

	// Option customizes a Manager.
	Option func(*Manager)
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithHistorySize overrides the in-memory shift history capacity.
func WithHistorySize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.histCap = n
		}
	}
}

// New constructs a Manager over the given sources. The store persists the
// attention log; it may be nil in tests.
func New(st *store.Store, sources []Source, opts ...Option) *Manager {
	m := &Manager{
		sources: sources,
		st:      st,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		histCap: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Recompute pulls items from every source, picks the winner, and shifts
// focus when a critical item differs from the current focus. When nothing of
// priority high or better remains, the focus clears. An active alert
// preemption suppresses recomputation until Release.
func (m *Manager) Recompute(ctx context.Context) {
	m.mu.Lock()
	if m.preempt != "" {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	var items []Item
	for _, src := range m.sources {
		items = append(items, src.AttentionItems(ctx)...)
	}
	sortItems(items)

	if len(items) == 0 || items[0].Rank > rankHigh {
		m.clear(ctx)
		return
	}
	top := items[0]
	if top.Rank != rankCritical {
		return
	}
	m.mu.Lock()
	if top.Description == m.focus {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.shift(ctx, top.Description, "critical item took priority")
}

// PreemptCritical forces the focus to "CRITICAL: <kind>" while a critical
// alert is being handled. Release restores normal recomputation.
func (m *Manager) PreemptCritical(ctx context.Context, alertKind string) {
	focus := "CRITICAL: " + alertKind
	m.mu.Lock()
	m.preempt = focus
	m.mu.Unlock()
	m.shift(ctx, focus, "critical alert preemption")
}

// Release ends an alert preemption. The next Recompute restores the focus
// from the priority streams.
func (m *Manager) Release() {
	m.mu.Lock()
	m.preempt = ""
	m.mu.Unlock()
}

// Focus returns the current attention focus, empty when idle.
func (m *Manager) Focus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preempt != "" {
		return m.preempt
	}
	return m.focus
}

// Shifts returns the cumulative focus shift count.
func (m *Manager) Shifts() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shifts
}

// History returns up to n most recent shifts, oldest first.
func (m *Manager) History(n int) []Shift {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	return append([]Shift(nil), m.history[len(m.history)-n:]...)
}

const (
	rankCritical = 0
	rankHigh     = 2
)

// shift records a focus change in memory and durably appends it to the
// attention log. The log write is best effort: a store failure is logged and
// the in-memory state still advances.
func (m *Manager) shift(ctx context.Context, focus, reason string) {
	now := time.Now().UTC()
	m.mu.Lock()
	m.focus = focus
	m.shifts++
	m.history = append(m.history, Shift{At: now, Focus: focus, Reason: reason})
	if len(m.history) > m.histCap {
		m.history = m.history[len(m.history)-m.histCap:]
	}
	m.mu.Unlock()

	m.metrics.IncCounter("attention_shifts_total", 1)
	m.logger.Info(ctx, "attention focus shifted", "focus", focus, "reason", reason)
	if m.st != nil {
		if _, err := m.st.Execute(ctx,
			`INSERT INTO attention_log (shifted_at, focus, reason) VALUES ($1, $2, $3)`,
			now, focus, reason,
		); err != nil {
			m.logger.Error(ctx, "attention log append failed", "err", err.Error())
		}
	}
}

// clear drops the focus when nothing of priority high or better remains.
// Clears are not counted as shifts and are not logged durably.
func (m *Manager) clear(ctx context.Context) {
	m.mu.Lock()
	had := m.focus != ""
	m.focus = ""
	m.mu.Unlock()
	if had {
		m.logger.Debug(ctx, "attention focus cleared", "reason", "no high-priority items")
	}
}

// sortItems orders candidates by (rank asc, urgency desc, deadline asc with
// nils last). The sort is stable so equal items keep source order.
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool { return itemLess(items[i], items[j]) })
}

func itemLess(a, b Item) bool {
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	if a.Urgency != b.Urgency {
		return a.Urgency > b.Urgency
	}
	switch {
	case a.Deadline == nil:
		return false
	case b.Deadline == nil:
		return true
	default:
		return a.Deadline.Before(*b.Deadline)
	}
}
