// Package memory implements the unified memory subsystem: durable entries
// with vector embeddings, similarity recall, a bounded working set, and
// reinforcement. Embeddings come from an external driver behind a circuit
// breaker; a deterministic hash vector stands in when the driver is down.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/subsystem"
	"github.com/noesislabs/noesis/telemetry"
	"github.com/noesislabs/noesis/thought"
)

// Types a memory entry can carry.
const (
	TypeEpisodic   = "episodic"
	TypeSemantic   = "semantic"
	TypeProcedural = "procedural"
	TypeWorking    = "working"
	TypeLongTerm   = "long_term"
)

type (
	// Entry is one memory record.
	Entry struct {
		ID             string
		Type           string
		Content        map[string]any
		Importance     float64
		AccessCount    int64
		LastAccessedAt time.Time
		Associations   []string
		Archived       bool
		// Similarity is populated on recall results, in [0,1].
		Similarity float64
	}

	// Memory is the memory subsystem.
	Memory struct {
		st       *store.Store
		embedder Embedder
		dim      int
		working  *workingSet
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Option customizes the subsystem.
	Option func(*Memory)
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Memory) { m.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(m *Memory) { m.metrics = mt }
}

// WithWorkingLimit overrides the working-set bound.
func WithWorkingLimit(n int) Option {
	return func(m *Memory) { m.working = newWorkingSet(n) }
}

// New constructs the memory subsystem. embedder may be nil, in which case
// every vector is the deterministic hash fallback.
func New(embedder Embedder, dimension int, opts ...Option) *Memory {
	if dimension <= 0 {
		dimension = 1536
	}
	m := &Memory{
		dim:     dimension,
		working: newWorkingSet(DefaultWorkingLimit),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	if embedder != nil {
		m.embedder = newBreakerEmbedder(embedder)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements subsystem.Subsystem.
func (m *Memory) Name() string { return "memory" }

// Initialize implements subsystem.Subsystem.
func (m *Memory) Initialize(_ context.Context, st *store.Store) error {
	m.st = st
	return nil
}

// Health implements subsystem.Subsystem.
func (m *Memory) Health(context.Context) subsystem.Report {
	return subsystem.Report{
		Status: subsystem.Healthy,
		Score:  1,
		Details: map[string]any{
			"working_size":  m.working.size(),
			"working_limit": m.working.limit,
		},
	}
}

// Shutdown implements subsystem.Subsystem.
func (m *Memory) Shutdown(context.Context) error { return nil }

// Handle processes memory_request thoughts by action.
func (m *Memory) Handle(ctx context.Context, t *thought.Thought) (map[string]any, error) {
	action, _ := t.Payload["action"].(string)
	switch action {
	case "store":
		content, _ := t.Payload["content"].(map[string]any)
		if content == nil {
			content = map[string]any{"value": t.Payload["content"]}
		}
		importance := payloadFloat(t.Payload, "importance", 0.5)
		memType, _ := t.Payload["memory_type"].(string)
		id, err := m.Store(ctx, content, importance, memType)
		if err != nil {
			return nil, err
		}
		return map[string]any{"memory_id": id}, nil
	case "recall":
		query, _ := t.Payload["query"].(string)
		entries, err := m.Recall(ctx, query, 10, "", 0)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		return map[string]any{"memory_ids": ids, "count": len(entries)}, nil
	case "forget":
		id, _ := t.Payload["memory_id"].(string)
		if err := m.Forget(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"status": "archived", "memory_id": id}, nil
	case "reinforce":
		id, _ := t.Payload["memory_id"].(string)
		boost := payloadFloat(t.Payload, "importance", 0.1)
		if err := m.Reinforce(ctx, id, boost); err != nil {
			return nil, err
		}
		return map[string]any{"status": "reinforced", "memory_id": id}, nil
	default:
		return nil, fmt.Errorf("memory: unknown action %q", action)
	}
}

// Store persists a memory entry and returns its id. Working-type entries
// additionally join the bounded working set.
func (m *Memory) Store(ctx context.Context, content map[string]any, importance float64, memType string) (string, error) {
	memType = normalizeType(memType)
	importance = clamp01(importance)
	id := uuid.NewString()
	vector := m.embed(ctx, canonicalContent(content))
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("memory: encode content: %w", err)
	}
	now := time.Now().UTC()
	if _, err := m.st.Execute(ctx, `
		INSERT INTO unified_memory
			(id, memory_type, content, embedding, importance, access_count, last_accessed_at, associations, archived, created_at)
		VALUES ($1, $2, $3::jsonb, $4::vector, $5, 0, $6, '{}', FALSE, $6)`,
		id, memType, string(contentJSON), vectorLiteral(vector), importance, now,
	); err != nil {
		return "", fmt.Errorf("memory: store: %w", err)
	}
	if memType == TypeWorking {
		for _, evicted := range m.working.add(id, importance) {
			// Evicted entries live on durably; they only leave the working set.
			m.logger.Debug(ctx, "working memory evicted", "memory_id", evicted)
		}
	}
	m.metrics.IncCounter("memory_stored_total", 1, "type", memType)
	return id, nil
}

// Recall returns up to limit non-archived entries ranked by cosine
// similarity to the query, highest first. memType and minImportance filter
// when non-zero; filters are appended predicates, never null-test wrappers.
func (m *Memory) Recall(ctx context.Context, query string, limit int, memType string, minImportance float64) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	vector := m.embed(ctx, query)
	sql := strings.Builder{}
	sql.WriteString(`
		SELECT id, memory_type, content, importance, access_count, last_accessed_at, associations, archived,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM unified_memory
		WHERE archived IS NOT TRUE`)
	args := []any{vectorLiteral(vector)}
	if memType != "" {
		args = append(args, memType)
		fmt.Fprintf(&sql, " AND memory_type = $%d", len(args))
	}
	if minImportance > 0 {
		args = append(args, minImportance)
		fmt.Fprintf(&sql, " AND importance >= $%d", len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&sql, " ORDER BY similarity DESC NULLS LAST LIMIT $%d", len(args))

	rows, err := m.st.FetchRows(ctx, sql.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("memory: recall: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		e := parseEntry(row)
		entries = append(entries, e)
		ids = append(ids, e.ID)
		m.working.touch(e.ID)
	}
	if len(ids) > 0 {
		m.bumpAccess(ctx, ids)
	}
	m.metrics.IncCounter("memory_recalls_total", 1)
	return entries, nil
}

// RecallByID returns one entry regardless of similarity, or nil when absent
// or archived.
func (m *Memory) RecallByID(ctx context.Context, id string) (*Entry, error) {
	row, err := m.st.FetchOne(ctx, `
		SELECT id, memory_type, content, importance, access_count, last_accessed_at, associations, archived
		FROM unified_memory
		WHERE id = $1 AND archived IS NOT TRUE`, id)
	if err != nil {
		return nil, fmt.Errorf("memory: recall by id: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	e := parseEntry(row)
	m.bumpAccess(ctx, []any{id})
	return &e, nil
}

// Forget archives an entry. Archived entries never come back from recall.
func (m *Memory) Forget(ctx context.Context, id string) error {
	if _, err := m.st.Execute(ctx,
		`UPDATE unified_memory SET archived = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("memory: forget: %w", err)
	}
	m.working.remove(id)
	return nil
}

// Reinforce raises an entry's importance by boost (clamped to 1) and counts
// the access.
func (m *Memory) Reinforce(ctx context.Context, id string, boost float64) error {
	if _, err := m.st.Execute(ctx, `
		UPDATE unified_memory
		SET importance = LEAST(1.0, importance + $2),
		    access_count = access_count + 1,
		    last_accessed_at = $3
		WHERE id = $1`, id, boost, time.Now().UTC()); err != nil {
		return fmt.Errorf("memory: reinforce: %w", err)
	}
	m.working.touch(id)
	return nil
}

// EvictWorking removes up to n working-set entries in eviction order and
// returns how many went. Used by self-optimization under memory pressure.
func (m *Memory) EvictWorking(n int) int {
	return len(m.working.evictOldest(n))
}

// WorkingSize returns the current working-set population.
func (m *Memory) WorkingSize() int { return m.working.size() }

// embed produces the vector for text: the driver when configured and
// healthy, the deterministic hash fallback otherwise.
func (m *Memory) embed(ctx context.Context, text string) []float32 {
	if m.embedder != nil {
		if v, err := m.embedder.Embed(ctx, text); err == nil && len(v) == m.dim {
			return v
		} else if err != nil {
			m.metrics.IncCounter("memory_embed_fallbacks_total", 1)
			m.logger.Warn(ctx, "embedding driver unavailable, using hash fallback", "err", err.Error())
		}
	}
	return hashVector(text, m.dim)
}

// bumpAccess is best effort: failures are logged, recall still succeeds.
func (m *Memory) bumpAccess(ctx context.Context, ids []any) {
	placeholders := make([]string, len(ids))
	for i := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+2)
	}
	args := append([]any{time.Now().UTC()}, ids...)
	if _, err := m.st.Execute(ctx,
		"UPDATE unified_memory SET access_count = access_count + 1, last_accessed_at = $1 WHERE id IN ("+
			strings.Join(placeholders, ", ")+")", args...); err != nil {
		m.logger.Warn(ctx, "access bump failed", "err", err.Error())
	}
}

func parseEntry(row store.Row) Entry {
	e := Entry{
		ID:         asString(row["id"]),
		Type:       asString(row["memory_type"]),
		Importance: asFloat(row["importance"]),
	}
	switch c := row["content"].(type) {
	case map[string]any:
		e.Content = c
	case string:
		_ = json.Unmarshal([]byte(c), &e.Content)
	case []byte:
		_ = json.Unmarshal(c, &e.Content)
	}
	if n, ok := row["access_count"].(int64); ok {
		e.AccessCount = n
	}
	if ts, ok := row["last_accessed_at"].(time.Time); ok {
		e.LastAccessedAt = ts
	}
	switch assoc := row["associations"].(type) {
	case []string:
		e.Associations = assoc
	case []any:
		for _, v := range assoc {
			e.Associations = append(e.Associations, asString(v))
		}
	}
	if b, ok := row["archived"].(bool); ok {
		e.Archived = b
	}
	e.Similarity = asFloat(row["similarity"])
	return e
}

// vectorLiteral renders a pgvector text literal, e.g. "[0.1,0.2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// canonicalContent renders content deterministically for embedding.
func canonicalContent(content map[string]any) string {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Sprintf("%v", content)
	}
	return string(data)
}

func normalizeType(t string) string {
	switch t {
	case TypeEpisodic, TypeSemantic, TypeProcedural, TypeWorking, TypeLongTerm:
		return t
	default:
		return TypeEpisodic
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func payloadFloat(payload map[string]any, key string, def float64) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
