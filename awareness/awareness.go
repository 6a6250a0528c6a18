// Package awareness records alerts with (kind, severity) deduplication,
// gates metric-derived alerts on sustained threshold breaches, and probes the
// process and store health that feed those metrics.
package awareness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/noesislabs/noesis/config"
	"github.com/noesislabs/noesis/hooks"
	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/subsystem"
	"github.com/noesislabs/noesis/telemetry"
	"github.com/noesislabs/noesis/thought"
)

type (
	// Alert is the normalized alert record the subsystem persists.
	Alert struct {
		Kind     string
		Severity string
		Message  string
		Details  map[string]any
	}

	// Awareness is the alert-handling subsystem.
	Awareness struct {
		ctrl       subsystem.Controller
		st         *store.Store
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		thresholds config.Thresholds

		mu      sync.Mutex
		windows map[string]*breachWindow
		winSize int

		probeErrs int64
	}

	// Option customizes the subsystem.
	Option func(*Awareness)
)

// Severities accepted on alert payloads. Anything else normalizes to warning.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(a *Awareness) { a.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(a *Awareness) { a.metrics = m }
}

// New constructs the awareness subsystem. Thresholds of zero disable the
// corresponding probe.
func New(ctrl subsystem.Controller, thresholds config.Thresholds, windowSize int, opts ...Option) *Awareness {
	a := &Awareness{
		ctrl:       ctrl,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		thresholds: thresholds,
		windows:    make(map[string]*breachWindow),
		winSize:    windowSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements subsystem.Subsystem.
func (a *Awareness) Name() string { return "awareness" }

// Initialize implements subsystem.Subsystem.
func (a *Awareness) Initialize(_ context.Context, st *store.Store) error {
	a.st = st
	return nil
}

// Health reports degraded when recent probes failed.
func (a *Awareness) Health(context.Context) subsystem.Report {
	a.mu.Lock()
	errs := a.probeErrs
	a.mu.Unlock()
	rep := subsystem.Report{Status: subsystem.Healthy, Score: 1, Details: map[string]any{"probe_errors": errs}}
	if errs > 0 {
		rep.Status = subsystem.Degraded
		rep.Score = 0.5
	}
	return rep
}

// Shutdown implements subsystem.Subsystem.
func (a *Awareness) Shutdown(context.Context) error { return nil }

// Handle processes an alert thought: the category comes from the payload's
// alert_type field, falling back to type, defaulting to "external".
func (a *Awareness) Handle(ctx context.Context, t *thought.Thought) (map[string]any, error) {
	alert := Alert{
		Kind:     payloadString(t.Payload, "alert_type"),
		Severity: payloadString(t.Payload, "severity"),
		Message:  payloadString(t.Payload, "message"),
	}
	if alert.Kind == "" {
		alert.Kind = payloadString(t.Payload, "type")
	}
	if alert.Kind == "" {
		alert.Kind = "external"
	}
	if d, ok := t.Payload["details"].(map[string]any); ok {
		alert.Details = d
	}
	occurrences, err := a.Raise(ctx, alert)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":      "recorded",
		"kind":        alert.Kind,
		"severity":    alert.Severity,
		"occurrences": occurrences,
	}, nil
}

// Raise upserts the alert keyed on (kind, severity): a re-raise bumps
// last_seen_at and occurrence_count instead of inserting a duplicate row.
// Severities warning and critical additionally spawn one alert_raised
// thought and publish an AlertRaisedEvent; info is recorded only.
func (a *Awareness) Raise(ctx context.Context, alert Alert) (int64, error) {
	alert.Severity = normalizeSeverity(alert.Severity)
	details, err := json.Marshal(alert.Details)
	if err != nil {
		details = []byte("{}")
	}
	now := time.Now().UTC()
	val, err := a.st.FetchScalar(ctx, `
		INSERT INTO alerts (kind, severity, message, details, first_seen_at, last_seen_at, occurrence_count)
		VALUES ($1, $2, $3, $4::jsonb, $5, $5, 1)
		ON CONFLICT (kind, severity) DO UPDATE
		SET message = EXCLUDED.message,
		    details = EXCLUDED.details,
		    last_seen_at = EXCLUDED.last_seen_at,
		    occurrence_count = alerts.occurrence_count + 1
		RETURNING occurrence_count`,
		alert.Kind, alert.Severity, alert.Message, string(details), now,
	)
	if err != nil {
		return 0, fmt.Errorf("awareness: upsert alert: %w", err)
	}
	occurrences := toInt64(val)

	if _, err := a.st.Execute(ctx, `
		INSERT INTO alert_history (kind, severity, message, details, seen_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)`,
		alert.Kind, alert.Severity, alert.Message, string(details), now,
	); err != nil {
		a.logger.Error(ctx, "alert history append failed", "kind", alert.Kind, "err", err.Error())
	}

	a.metrics.IncCounter("alerts_raised_total", 1, "kind", alert.Kind, "severity", alert.Severity)
	if alert.Severity == SeverityInfo {
		return occurrences, nil
	}

	a.ctrl.PublishEvent(ctx, hooks.NewAlertRaisedEvent(alert.Kind, alert.Severity, alert.Message, occurrences))
	if _, err := a.ctrl.RecordThought(ctx, thought.KindAlertRaised, map[string]any{
		"alert_type": alert.Kind,
		"severity":   alert.Severity,
		"message":    alert.Message,
	}, "awareness", severityPriority(alert.Severity)); err != nil {
		a.logger.Error(ctx, "alert_raised thought not recorded", "kind", alert.Kind, "err", err.Error())
	}
	return occurrences, nil
}

// ObserveMetric feeds one sample into the metric's rolling breach window and
// raises the alert when the breach is sustained for the full window. It
// returns true when an alert was raised.
func (a *Awareness) ObserveMetric(ctx context.Context, metric string, value, threshold float64, severity string) bool {
	if threshold <= 0 {
		return false
	}
	a.mu.Lock()
	w, ok := a.windows[metric]
	if !ok {
		w = newBreachWindow(a.winSize)
		a.windows[metric] = w
	}
	sustained := w.Observe(value > threshold)
	a.mu.Unlock()
	if !sustained {
		return false
	}
	if _, err := a.Raise(ctx, Alert{
		Kind:     metric,
		Severity: severity,
		Message:  fmt.Sprintf("%s sustained above threshold: %.2f > %.2f", metric, value, threshold),
		Details:  map[string]any{"value": value, "threshold": threshold},
	}); err != nil {
		a.logger.Error(ctx, "sustained breach alert failed", "metric", metric, "err", err.Error())
		return false
	}
	return true
}

// Probe samples the load average, process heap, and store round-trip latency
// against the configured thresholds. Called by the metrics loop.
func (a *Awareness) Probe(ctx context.Context) error {
	if cpu, ok := loadAverage(); ok {
		a.metrics.RecordGauge("system_load_1m", cpu)
		a.ObserveMetric(ctx, "high_cpu", cpu, a.thresholds.CPU, SeverityWarning)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := float64(ms.HeapAlloc) / (1 << 20)
	a.metrics.RecordGauge("process_heap_mb", heapMB)
	a.ObserveMetric(ctx, "high_memory", heapMB, a.thresholds.MemoryMB, SeverityWarning)

	latency, err := a.st.Ping(ctx)
	if err != nil {
		a.mu.Lock()
		a.probeErrs++
		a.mu.Unlock()
		return fmt.Errorf("awareness: store probe: %w", err)
	}
	a.mu.Lock()
	a.probeErrs = 0
	a.mu.Unlock()
	dbMS := float64(latency.Milliseconds())
	a.metrics.RecordGauge("store_ping_ms", dbMS)
	a.ObserveMetric(ctx, "slow_database", dbMS, a.thresholds.DBMillis, SeverityCritical)
	return nil
}

// loadAverage reads the 1-minute load average. Unsupported platforms report
// no sample rather than a zero that would clear breach windows.
func loadAverage() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func normalizeSeverity(s string) string {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return s
	default:
		return SeverityWarning
	}
}

func severityPriority(severity string) thought.Priority {
	if severity == SeverityCritical {
		return thought.Critical
	}
	return thought.High
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
