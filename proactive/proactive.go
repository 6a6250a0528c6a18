// Package proactive scans business tables on configured intervals and turns
// what it finds into opportunities (bounded TTL) and predictions. Non-expired
// opportunities are mirrored in an in-process TTL cache so the attention loop
// reads them without a store round trip.
package proactive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/noesislabs/noesis/attention"
	"github.com/noesislabs/noesis/goals"
	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/subsystem"
	"github.com/noesislabs/noesis/telemetry"
	"github.com/noesislabs/noesis/thought"
)

// Opportunity kinds.
const (
	KindStaleLead       = "stale_lead"
	KindDormantCustomer = "dormant_customer"
	KindUpcomingJob     = "upcoming_job"
	KindOverdueJob      = "overdue_job"
)

// DefaultTTL bounds how long an opportunity stays actionable.
const DefaultTTL = 24 * time.Hour

// Scan cutoffs.
const (
	staleLeadAfter       = 3 * 24 * time.Hour
	dormantCustomerAfter = 30 * 24 * time.Hour
	upcomingJobWindow    = 24 * time.Hour
)

type (
	// Opportunity is one actionable finding from a scan.
	Opportunity struct {
		ID          string
		Kind        string
		EntityID    string
		Description string
		Priority    string
		Urgency     float64
		ExpiresAt   time.Time
	}

	// Prediction is a forward-looking estimate about a business entity.
	Prediction struct {
		ID         string
		Subject    string
		EntityID   string
		Statement  string
		Confidence float64
		Horizon    time.Duration
	}

	// Proactive is the opportunity-scanning subsystem.
	Proactive struct {
		ctrl    subsystem.Controller
		st      *store.Store
		logger  telemetry.Logger
		metrics telemetry.Metrics
		ttl     time.Duration
		cache   *gocache.Cache
	}

	// Option customizes the subsystem.
	Option func(*Proactive)
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Proactive) { p.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Proactive) { p.metrics = m }
}

// WithTTL overrides the opportunity TTL.
func WithTTL(d time.Duration) Option {
	return func(p *Proactive) { p.ttl = d }
}

// New constructs the proactive subsystem.
func New(ctrl subsystem.Controller, opts ...Option) *Proactive {
	p := &Proactive{
		ctrl:    ctrl,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		ttl:     DefaultTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cache = gocache.New(p.ttl, p.ttl/2)
	return p
}

// Name implements subsystem.Subsystem.
func (p *Proactive) Name() string { return "proactive" }

// Initialize implements subsystem.Subsystem.
func (p *Proactive) Initialize(_ context.Context, st *store.Store) error {
	p.st = st
	return nil
}

// Health implements subsystem.Subsystem.
func (p *Proactive) Health(context.Context) subsystem.Report {
	return subsystem.Report{
		Status:  subsystem.Healthy,
		Score:   1,
		Details: map[string]any{"open_opportunities": p.cache.ItemCount()},
	}
}

// Shutdown implements subsystem.Subsystem.
func (p *Proactive) Shutdown(context.Context) error {
	p.cache.Flush()
	return nil
}

// Handle processes prediction thoughts.
func (p *Proactive) Handle(ctx context.Context, t *thought.Thought) (map[string]any, error) {
	action, _ := t.Payload["action"].(string)
	switch action {
	case "scan":
		found, err := p.Scan(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"opportunities": found}, nil
	case "act":
		id, _ := t.Payload["opportunity_id"].(string)
		if err := p.MarkActedUpon(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"opportunity_id": id, "acted_upon": true}, nil
	case "", "record":
		pred := Prediction{
			ID:         uuid.NewString(),
			Subject:    stringField(t.Payload, "subject"),
			EntityID:   stringField(t.Payload, "entity_id"),
			Statement:  stringField(t.Payload, "prediction"),
			Confidence: floatField(t.Payload, "confidence"),
		}
		if pred.Statement == "" {
			return nil, fmt.Errorf("proactive: missing prediction")
		}
		if err := p.recordPrediction(ctx, pred); err != nil {
			return nil, err
		}
		return map[string]any{"prediction_id": pred.ID}, nil
	default:
		return nil, fmt.Errorf("proactive: unknown action %q", action)
	}
}

// Scan runs every business-table scan and returns how many opportunities it
// produced.
func (p *Proactive) Scan(ctx context.Context) (int, error) {
	total := 0
	for _, scan := range []func(context.Context) (int, error){
		p.scanLeads,
		p.scanCustomers,
		p.scanJobs,
	} {
		n, err := scan(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	p.metrics.RecordGauge("proactive_open_opportunities", float64(p.cache.ItemCount()))
	return total, nil
}

// scanLeads finds open leads with no recent contact.
func (p *Proactive) scanLeads(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-staleLeadAfter)
	sql, args := newQuery(`SELECT id, name, last_contacted_at FROM leads`).
		And(`status = $?`, "open").
		And(`acted_upon IS NOT TRUE`).
		And(`last_contacted_at < $?`, cutoff).
		OrderBy(`last_contacted_at ASC NULLS LAST`).
		Limit(50).
		Build()
	rows, err := p.st.FetchRows(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("proactive: scan leads: %w", err)
	}
	count := 0
	for _, row := range rows {
		id := stringField(row, "id")
		name := stringField(row, "name")
		op := Opportunity{
			Kind:        KindStaleLead,
			EntityID:    id,
			Description: fmt.Sprintf("follow up lead %s", name),
			Priority:    "high",
			Urgency:     staleness(row["last_contacted_at"], staleLeadAfter),
		}
		created, err := p.open(ctx, op)
		if err != nil {
			return count, err
		}
		if created {
			count++
		}
	}
	return count, nil
}

// scanCustomers finds customers gone quiet and predicts churn for the worst.
func (p *Proactive) scanCustomers(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-dormantCustomerAfter)
	sql, args := newQuery(`SELECT id, name, last_activity_at FROM customers`).
		And(`active IS TRUE`).
		And(`last_activity_at < $?`, cutoff).
		OrderBy(`last_activity_at ASC NULLS LAST`).
		Limit(50).
		Build()
	rows, err := p.st.FetchRows(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("proactive: scan customers: %w", err)
	}
	count := 0
	for _, row := range rows {
		id := stringField(row, "id")
		name := stringField(row, "name")
		urgency := staleness(row["last_activity_at"], dormantCustomerAfter)
		op := Opportunity{
			Kind:        KindDormantCustomer,
			EntityID:    id,
			Description: fmt.Sprintf("re-engage customer %s", name),
			Priority:    "medium",
			Urgency:     urgency,
		}
		created, err := p.open(ctx, op)
		if err != nil {
			return count, err
		}
		if !created {
			continue
		}
		count++
		if urgency > 0.8 {
			pred := Prediction{
				ID:         uuid.NewString(),
				Subject:    "churn",
				EntityID:   id,
				Statement:  fmt.Sprintf("customer %s is at risk of churning", name),
				Confidence: urgency,
				Horizon:    30 * 24 * time.Hour,
			}
			if err := p.recordPrediction(ctx, pred); err != nil {
				p.logger.Warn(ctx, "churn prediction failed", "customer_id", id, "err", err.Error())
			}
		}
	}
	return count, nil
}

// scanJobs finds jobs due within the day and jobs past their schedule.
func (p *Proactive) scanJobs(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	sql, args := newQuery(`SELECT id, title, scheduled_at FROM jobs`).
		And(`status = $?`, "pending").
		And(`scheduled_at < $?`, now.Add(upcomingJobWindow)).
		OrderBy(`scheduled_at ASC NULLS LAST`).
		Limit(50).
		Build()
	rows, err := p.st.FetchRows(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("proactive: scan jobs: %w", err)
	}
	count := 0
	for _, row := range rows {
		id := stringField(row, "id")
		title := stringField(row, "title")
		op := Opportunity{
			Kind:        KindUpcomingJob,
			EntityID:    id,
			Description: fmt.Sprintf("job %s due within 24h", title),
			Priority:    "high",
			Urgency:     0.7,
		}
		if at, ok := row["scheduled_at"].(time.Time); ok && at.Before(now) {
			op.Kind = KindOverdueJob
			op.Description = fmt.Sprintf("job %s is overdue", title)
			op.Priority = "critical"
			op.Urgency = 1
		}
		created, err := p.open(ctx, op)
		if err != nil {
			return count, err
		}
		if created {
			count++
		}
	}
	return count, nil
}

// AttentionItems implements attention.Source with every non-expired
// opportunity.
func (p *Proactive) AttentionItems(context.Context) []attention.Item {
	items := make([]attention.Item, 0, p.cache.ItemCount())
	for _, entry := range p.cache.Items() {
		op, ok := entry.Object.(Opportunity)
		if !ok {
			continue
		}
		deadline := op.ExpiresAt
		items = append(items, attention.Item{
			Description: op.Description,
			Rank:        goals.PriorityRank(op.Priority),
			Urgency:     op.Urgency,
			Deadline:    &deadline,
		})
	}
	return items
}

// Open returns the non-expired opportunities.
func (p *Proactive) Open() []Opportunity {
	out := make([]Opportunity, 0, p.cache.ItemCount())
	for _, entry := range p.cache.Items() {
		if op, ok := entry.Object.(Opportunity); ok {
			out = append(out, op)
		}
	}
	return out
}

// MarkActedUpon flags the opportunity and drops it from the cache.
func (p *Proactive) MarkActedUpon(ctx context.Context, id string) error {
	if _, err := p.st.Execute(ctx, `UPDATE opportunities SET acted_upon = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("proactive: mark acted upon %s: %w", id, err)
	}
	for key, entry := range p.cache.Items() {
		if op, ok := entry.Object.(Opportunity); ok && op.ID == id {
			p.cache.Delete(key)
		}
	}
	return nil
}

// open persists an opportunity unless one for the same (kind, entity) is
// already live, and mirrors it in the TTL cache.
func (p *Proactive) open(ctx context.Context, op Opportunity) (bool, error) {
	key := op.Kind + "/" + op.EntityID
	if _, live := p.cache.Get(key); live {
		return false, nil
	}
	op.ID = uuid.NewString()
	op.ExpiresAt = time.Now().UTC().Add(p.ttl)
	if _, err := p.st.Execute(ctx, `
		INSERT INTO opportunities (id, kind, entity_id, description, priority, urgency, expires_at, acted_upon)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`,
		op.ID, op.Kind, op.EntityID, op.Description, op.Priority, op.Urgency, op.ExpiresAt,
	); err != nil {
		return false, fmt.Errorf("proactive: open opportunity: %w", err)
	}
	p.cache.Set(key, op, time.Until(op.ExpiresAt))
	p.metrics.IncCounter("proactive_opportunities_total", 1, "kind", op.Kind)
	return true, nil
}

func (p *Proactive) recordPrediction(ctx context.Context, pred Prediction) error {
	basis, _ := json.Marshal(map[string]any{"subject": pred.Subject, "entity_id": pred.EntityID})
	if _, err := p.st.Execute(ctx, `
		INSERT INTO predictions (id, subject, entity_id, prediction, confidence, horizon_seconds, basis, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7::jsonb, $8)`,
		pred.ID, pred.Subject, pred.EntityID, pred.Statement, pred.Confidence,
		int64(pred.Horizon.Seconds()), string(basis), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("proactive: record prediction: %w", err)
	}
	p.metrics.IncCounter("proactive_predictions_total", 1, "subject", pred.Subject)
	return nil
}

// staleness maps how far past the cutoff a timestamp is into (0, 1]: exactly
// at the cutoff is near 0, twice the cutoff or older saturates at 1.
func staleness(v any, window time.Duration) float64 {
	ts, ok := v.(time.Time)
	if !ok {
		return 1
	}
	over := time.Since(ts) - window
	if over <= 0 {
		return 0.1
	}
	u := float64(over) / float64(window)
	if u > 1 {
		return 1
	}
	return u
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatField(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}
