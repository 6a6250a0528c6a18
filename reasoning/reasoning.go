// Package reasoning runs chain-of-thought calls through the provider gateway
// and parses the declarative step format the prompt asks for. Parsed chains
// are kept in a bounded cache that self-optimization drops under memory
// pressure.
package reasoning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noesislabs/noesis/gateway"
	"github.com/noesislabs/noesis/store"
	"github.com/noesislabs/noesis/subsystem"
	"github.com/noesislabs/noesis/telemetry"
	"github.com/noesislabs/noesis/thought"
)

const (
	// DefaultCacheSize bounds the parsed-chain cache.
	DefaultCacheSize = 256

	// defaultRetries is passed through to the gateway per reasoning call.
	defaultRetries = 2
)

type (
	// Step is one parsed reasoning step.
	Step struct {
		Number      int
		Description string
		Conclusion  string
		Confidence  float64
		Evidence    []string
	}

	// Chain is a full parsed reasoning chain. Confidence is the
	// step-index-weighted mean, so later steps count for more.
	Chain struct {
		Steps      []Step
		Answer     string
		Confidence float64
		Provider   string
	}

	// Decision is the outcome of choosing between options.
	Decision struct {
		SelectedOption string
		Confidence     float64
		Reasoning      string
	}

	// Generator is the slice of the gateway the reasoner needs.
	Generator interface {
		GenerateWithRetry(ctx context.Context, prompt string, opts gateway.Options, maxRetries int, callOpts ...gateway.CallOption) (gateway.Result, error)
	}

	// Reasoner is the chain-of-thought subsystem.
	Reasoner struct {
		gen     Generator
		st      *store.Store
		logger  telemetry.Logger
		metrics telemetry.Metrics
		opts    gateway.Options

		mu        sync.Mutex
		cache     map[string]*Chain
		order     []string
		cacheSize int
	}

	// Option customizes the reasoner.
	Option func(*Reasoner)
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Reasoner) { r.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Reasoner) { r.metrics = m }
}

// WithModelOptions sets the generation options for reasoning calls.
func WithModelOptions(opts gateway.Options) Option {
	return func(r *Reasoner) { r.opts = opts }
}

// WithCacheSize overrides the chain cache bound.
func WithCacheSize(n int) Option {
	return func(r *Reasoner) {
		if n > 0 {
			r.cacheSize = n
		}
	}
}

// New constructs the reasoning subsystem over a generator.
func New(gen Generator, opts ...Option) *Reasoner {
	r := &Reasoner{
		gen:       gen,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		opts:      gateway.Options{Temperature: 0.2, MaxTokens: 1024},
		cache:     make(map[string]*Chain),
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements subsystem.Subsystem.
func (r *Reasoner) Name() string { return "reasoning" }

// Initialize implements subsystem.Subsystem.
func (r *Reasoner) Initialize(_ context.Context, st *store.Store) error {
	r.st = st
	return nil
}

// Health implements subsystem.Subsystem.
func (r *Reasoner) Health(context.Context) subsystem.Report {
	r.mu.Lock()
	cached := len(r.cache)
	r.mu.Unlock()
	return subsystem.Report{
		Status:  subsystem.Healthy,
		Score:   1,
		Details: map[string]any{"cached_chains": cached},
	}
}

// Shutdown implements subsystem.Subsystem.
func (r *Reasoner) Shutdown(context.Context) error { return nil }

// Handle processes reasoning_request thoughts.
func (r *Reasoner) Handle(ctx context.Context, t *thought.Thought) (map[string]any, error) {
	if opts, ok := t.Payload["options"].([]any); ok && len(opts) > 0 {
		options := make([]string, 0, len(opts))
		for _, o := range opts {
			if s, ok := o.(string); ok {
				options = append(options, s)
			}
		}
		question, _ := t.Payload["context"].(string)
		d, err := r.Decide(ctx, question, options)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"selected_option": d.SelectedOption,
			"confidence":      d.Confidence,
			"reasoning":       d.Reasoning,
		}, nil
	}
	question, _ := t.Payload["question"].(string)
	if question == "" {
		question, _ = t.Payload["context"].(string)
	}
	if question == "" {
		return nil, fmt.Errorf("reasoning: missing question")
	}
	rctx, _ := t.Payload["details"].(map[string]any)
	chain, err := r.Reason(ctx, question, rctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"answer":     chain.Answer,
		"confidence": chain.Confidence,
		"steps":      len(chain.Steps),
	}, nil
}

// Reason runs a chain-of-thought call and parses the response.
func (r *Reasoner) Reason(ctx context.Context, question string, rctx map[string]any) (*Chain, error) {
	key := chainKey(question, rctx)
	if chain := r.cached(key); chain != nil {
		r.metrics.IncCounter("reasoning_cache_hits_total", 1)
		return chain, nil
	}

	res, err := r.gen.GenerateWithRetry(ctx, reasoningPrompt(question, rctx), r.opts, defaultRetries)
	if err != nil {
		return nil, fmt.Errorf("reasoning: generate: %w", err)
	}
	steps, answer := parseChain(res.Response)
	chain := &Chain{
		Steps:      steps,
		Answer:     answer,
		Confidence: overallConfidence(steps),
		Provider:   res.ProviderUsed,
	}
	r.put(key, chain)
	r.persistInsight(ctx, question, chain)
	r.metrics.IncCounter("reasoning_chains_total", 1, "provider", res.ProviderUsed)
	return chain, nil
}

// Decide reasons over a fixed option set and picks one. When the answer
// matches none of the options the first option is returned with zero
// confidence.
func (r *Reasoner) Decide(ctx context.Context, decisionCtx string, options []string) (*Decision, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("reasoning: decide requires options")
	}
	prompt := decisionPrompt(decisionCtx, options)
	res, err := r.gen.GenerateWithRetry(ctx, prompt, r.opts, defaultRetries)
	if err != nil {
		return nil, fmt.Errorf("reasoning: decide: %w", err)
	}
	steps, answer := parseChain(res.Response)
	d := &Decision{
		SelectedOption: options[0],
		Reasoning:      summarize(steps, answer),
	}
	if match := matchOption(answer, options); match != "" {
		d.SelectedOption = match
		d.Confidence = overallConfidence(steps)
	}
	return d, nil
}

// DropCache clears the chain cache and returns how many entries it held.
// Self-optimization calls it under memory pressure.
func (r *Reasoner) DropCache() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.cache)
	r.cache = make(map[string]*Chain)
	r.order = r.order[:0]
	return n
}

func (r *Reasoner) cached(key string) *Chain {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache[key]
}

func (r *Reasoner) put(key string, chain *Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cache[key]; !exists {
		r.order = append(r.order, key)
	}
	r.cache[key] = chain
	for len(r.cache) > r.cacheSize {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.cache, oldest)
	}
}

func (r *Reasoner) persistInsight(ctx context.Context, question string, chain *Chain) {
	stepsJSON, err := json.Marshal(chain.Steps)
	if err != nil {
		return
	}
	if _, err := r.st.Execute(ctx, `
		INSERT INTO insights (id, topic, content, confidence, steps, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		uuid.NewString(), question, chain.Answer, chain.Confidence, string(stepsJSON), time.Now().UTC(),
	); err != nil {
		r.logger.Warn(ctx, "insight persist failed", "err", err.Error())
	}
}

// overallConfidence is the step-index-weighted mean: step i carries weight i,
// so later conclusions dominate.
func overallConfidence(steps []Step) float64 {
	var weighted, weights float64
	for _, s := range steps {
		w := float64(s.Number)
		weighted += s.Confidence * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return weighted / weights
}

func chainKey(question string, rctx map[string]any) string {
	h := sha256.New()
	h.Write([]byte(question))
	keys := make([]string, 0, len(rctx))
	for k := range rctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s=%v", k, rctx[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func reasoningPrompt(question string, rctx map[string]any) string {
	var b strings.Builder
	b.WriteString("Reason step by step. Write each step exactly as:\n")
	b.WriteString("Step <n>: <what you are examining>\n")
	b.WriteString("Conclusion: <what this step establishes>\n")
	b.WriteString("Confidence: <0.0-1.0>\n")
	b.WriteString("Evidence: <item>; <item>\n")
	b.WriteString("Finish with a single line: Answer: <final answer>\n\n")
	if len(rctx) > 0 {
		if ctxJSON, err := json.Marshal(rctx); err == nil {
			fmt.Fprintf(&b, "Context: %s\n", ctxJSON)
		}
	}
	fmt.Fprintf(&b, "Question: %s\n", question)
	return b.String()
}

func decisionPrompt(decisionCtx string, options []string) string {
	var b strings.Builder
	b.WriteString(reasoningPrompt("which option should be chosen?", nil))
	fmt.Fprintf(&b, "Situation: %s\n", decisionCtx)
	b.WriteString("Options:\n")
	for _, o := range options {
		fmt.Fprintf(&b, "- %s\n", o)
	}
	b.WriteString("The Answer line must repeat one option verbatim.\n")
	return b.String()
}

func matchOption(answer string, options []string) string {
	lower := strings.ToLower(answer)
	for _, o := range options {
		if strings.Contains(lower, strings.ToLower(o)) {
			return o
		}
	}
	return ""
}

func summarize(steps []Step, answer string) string {
	parts := make([]string, 0, len(steps)+1)
	for _, s := range steps {
		if s.Conclusion != "" {
			parts = append(parts, s.Conclusion)
		}
	}
	if answer != "" {
		parts = append(parts, answer)
	}
	return strings.Join(parts, " ")
}
