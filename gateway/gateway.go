// Package gateway fronts multiple generative-AI providers behind a fallback
// chain: providers are tried in rank order, unhealthy ones are skipped,
// responses are cached by request fingerprint, and identical concurrent
// requests share one driver invocation. Driver implementations live under
// features/model.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/noesislabs/noesis/telemetry"
)

// DefaultFailureThreshold is the consecutive-failure streak after which a
// provider is marked unavailable.
const DefaultFailureThreshold = 3

// defaultRetryBaseDelay is the base of the exponential backoff used by
// GenerateWithRetry: attempt n sleeps base * 2^n.
const defaultRetryBaseDelay = time.Second

// maxRecentErrors bounds the recent-errors list in the metrics snapshot.
const maxRecentErrors = 100

var (
	// ErrNoProviders reports that the gateway was built without any provider.
	ErrNoProviders = errors.New("gateway: no providers configured")
)

type (
	// ProviderSpec declares one provider in the fallback chain.
	ProviderSpec struct {
		// Name is the human identifier, unique within the gateway.
		Name string
		// Rank orders the chain; lower ranks are tried first.
		Rank int
		// Driver performs the provider's requests. Required.
		Driver Driver
	}

	// Result is one gateway response.
	Result struct {
		Response     string
		ProviderUsed string
		ElapsedMS    int64
		FromCache    bool
	}

	// Attempt records one provider's failure during a chain walk.
	Attempt struct {
		Provider string
		Err      error
	}

	// ExhaustedError reports that no provider produced a result. It carries
	// the per-provider failures accumulated while walking the chain.
	ExhaustedError struct {
		Attempts []Attempt
	}

	// ProviderState is one provider's health snapshot.
	ProviderState struct {
		Name          string
		Rank          int
		Available     bool
		FailureCount  int
		LastFailureAt time.Time
		Usage         int64
	}

	// Snapshot is the gateway metrics view.
	Snapshot struct {
		TotalRequests    int64
		CacheHits        int64
		PerProviderUsage map[string]int64
		RecentErrors     []string
		Available        []string
		Unavailable      []string
		CacheSize        int
		CacheHitRate     float64
	}

	// provider is the runtime state of one chain entry. Health fields are
	// guarded by the per-provider mutex.
	provider struct {
		name   string
		rank   int
		driver Driver

		mu            sync.Mutex
		available     bool
		failureCount  int
		lastFailureAt time.Time
		usage         int64
	}

	// Gateway dispatches generation requests across the provider chain.
	Gateway struct {
		providers []*provider
		cache     *responseCache
		group     singleflight.Group
		threshold int
		baseDelay time.Duration
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer

		mu            sync.Mutex
		totalRequests int64
		cacheHits     int64
		recentErrors  []string
	}

	// Option customizes a Gateway.
	Option func(*Gateway)

	// CallOption customizes one Generate call.
	CallOption func(*callOptions)

	callOptions struct {
		useCache      bool
		allowFallback bool
	}
)

// WithLogger sets the logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracer sets the tracer. Defaults to a noop tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// WithFailureThreshold overrides the consecutive-failure streak that marks a
// provider unavailable.
func WithFailureThreshold(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.threshold = n
		}
	}
}

// WithCacheBounds overrides the response cache size and the number of entries
// preserved on eviction.
func WithCacheBounds(max, keep int) Option {
	return func(g *Gateway) { g.cache = newResponseCache(max, keep) }
}

// WithRetryBaseDelay overrides the exponential backoff base used by
// GenerateWithRetry. Tests use this to avoid real sleeps.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.baseDelay = d
		}
	}
}

// WithoutCache disables the response cache for one call: no lookup, no store.
func WithoutCache() CallOption {
	return func(o *callOptions) { o.useCache = false }
}

// WithoutFallback stops the chain walk after the first attempted provider.
func WithoutFallback() CallOption {
	return func(o *callOptions) { o.allowFallback = false }
}

// New constructs a Gateway over the given provider chain. Middlewares are
// applied to every driver, first middleware outermost.
func New(specs []ProviderSpec, middlewares []Middleware, opts ...Option) (*Gateway, error) {
	if len(specs) == 0 {
		return nil, ErrNoProviders
	}
	g := &Gateway{
		cache:     newResponseCache(DefaultCacheSize, DefaultCacheKeep),
		threshold: DefaultFailureThreshold,
		baseDelay: defaultRetryBaseDelay,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(g)
	}
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.New("gateway: provider name is required")
		}
		if spec.Driver == nil {
			return nil, fmt.Errorf("gateway: provider %s has nil driver", spec.Name)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("gateway: duplicate provider %s", spec.Name)
		}
		seen[spec.Name] = true
		driver := spec.Driver
		for i := len(middlewares) - 1; i >= 0; i-- {
			driver = middlewares[i](driver)
		}
		g.providers = append(g.providers, &provider{
			name:      spec.Name,
			rank:      spec.Rank,
			driver:    driver,
			available: true,
		})
	}
	sort.SliceStable(g.providers, func(i, j int) bool {
		return g.providers[i].rank < g.providers[j].rank
	})
	return g, nil
}

// Error implements the error interface, joining the per-provider failures.
func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "gateway: all providers exhausted"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return "gateway: all providers exhausted: " + strings.Join(parts, "; ")
}

// AsExhausted returns the ExhaustedError in err's chain, if any.
func AsExhausted(err error) (*ExhaustedError, bool) {
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// Generate produces one response: cache lookup first, then the provider chain
// in rank order, skipping unavailable providers. Identical concurrent
// uncached invocations are deduplicated through singleflight so only one
// driver call is in flight per fingerprint.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts Options, callOpts ...CallOption) (Result, error) {
	co := callOptions{useCache: true, allowFallback: true}
	for _, opt := range callOpts {
		opt(&co)
	}
	ctx, span := g.tracer.Start(ctx, "gateway.generate")
	defer span.End()

	g.mu.Lock()
	g.totalRequests++
	g.mu.Unlock()
	g.metrics.IncCounter("gateway_requests_total", 1)

	fp := Fingerprint(prompt, opts)
	if co.useCache {
		if e, ok := g.cache.get(fp); ok {
			g.mu.Lock()
			g.cacheHits++
			g.mu.Unlock()
			g.metrics.IncCounter("gateway_cache_hits_total", 1)
			span.AddEvent("cache_hit", "provider", e.providerUsed)
			return Result{
				Response:     e.response,
				ProviderUsed: e.providerUsed,
				ElapsedMS:    e.elapsedMS,
				FromCache:    true,
			}, nil
		}
	}

	key := fp
	if !co.allowFallback {
		key += "|nofallback"
	}
	v, err, _ := g.group.Do(key, func() (any, error) {
		res, err := g.walkChain(ctx, prompt, opts, co.allowFallback)
		if err != nil {
			return Result{}, err
		}
		if co.useCache {
			g.cache.put(fp, cacheEntry{
				response:     res.Response,
				providerUsed: res.ProviderUsed,
				elapsedMS:    res.ElapsedMS,
				storedAt:     time.Now().UTC(),
			})
		}
		return res, nil
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	return v.(Result), nil
}

// walkChain tries providers in rank order until one succeeds.
func (g *Gateway) walkChain(ctx context.Context, prompt string, opts Options, allowFallback bool) (Result, error) {
	var attempts []Attempt
	for _, p := range g.providers {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !p.isAvailable() {
			continue
		}
		start := time.Now()
		text, err := p.driver.Generate(ctx, prompt, opts)
		elapsed := time.Since(start)
		if err == nil {
			p.recordSuccess()
			g.metrics.RecordTimer("gateway_provider_latency", elapsed, "provider", p.name)
			g.metrics.IncCounter("gateway_provider_success_total", 1, "provider", p.name)
			return Result{
				Response:     text,
				ProviderUsed: p.name,
				ElapsedMS:    elapsed.Milliseconds(),
			}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		quota := IsQuota(err)
		p.recordFailure(g.threshold, quota)
		g.recordError(fmt.Sprintf("%s: %v", p.name, err))
		g.metrics.IncCounter("gateway_provider_failures_total", 1, "provider", p.name)
		g.logger.Warn(ctx, "provider call failed",
			"provider", p.name, "quota", quota, "err", err.Error())
		attempts = append(attempts, Attempt{Provider: p.name, Err: err})
		if !allowFallback {
			break
		}
	}
	err := &ExhaustedError{Attempts: attempts}
	g.recordError(err.Error())
	return Result{}, err
}

// GenerateWithRetry wraps Generate with exponential backoff. Between attempts
// it waits base * 2^attempt and resets providers whose failure streak is
// still below the threshold so the next walk reconsiders them.
func (g *Gateway) GenerateWithRetry(ctx context.Context, prompt string, opts Options, maxRetries int, callOpts ...CallOption) (Result, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.baseDelay * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(delay):
			}
			g.resetBelowThreshold()
		}
		res, err := g.Generate(ctx, prompt, opts, callOpts...)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		lastErr = err
	}
	return Result{}, lastErr
}

// Metrics returns the current gateway metrics snapshot.
func (g *Gateway) Metrics() Snapshot {
	g.mu.Lock()
	total := g.totalRequests
	hits := g.cacheHits
	recent := append([]string(nil), g.recentErrors...)
	g.mu.Unlock()

	snap := Snapshot{
		TotalRequests:    total,
		CacheHits:        hits,
		PerProviderUsage: make(map[string]int64, len(g.providers)),
		RecentErrors:     recent,
		CacheSize:        g.cache.size(),
	}
	if total > 0 {
		snap.CacheHitRate = float64(hits) / float64(total)
	}
	for _, p := range g.providers {
		st := p.state()
		snap.PerProviderUsage[st.Name] = st.Usage
		if st.Available {
			snap.Available = append(snap.Available, st.Name)
		} else {
			snap.Unavailable = append(snap.Unavailable, st.Name)
		}
	}
	return snap
}

// Providers returns the health state of every provider in rank order.
func (g *Gateway) Providers() []ProviderState {
	out := make([]ProviderState, 0, len(g.providers))
	for _, p := range g.providers {
		out = append(out, p.state())
	}
	return out
}

// ResetAll restores every provider to available with a zero failure count.
func (g *Gateway) ResetAll() {
	for _, p := range g.providers {
		p.reset()
	}
}

// DropCache empties the response cache and returns the number of entries
// removed. The self-optimization subsystem calls this under memory pressure.
func (g *Gateway) DropCache() int {
	return g.cache.drop()
}

// resetBelowThreshold re-enables providers whose streak never reached the
// threshold. Providers sidelined by quota or a full streak stay out until a
// manual reset or a successful call.
func (g *Gateway) resetBelowThreshold() {
	for _, p := range g.providers {
		p.mu.Lock()
		if !p.available && p.failureCount < g.threshold {
			p.available = true
		}
		p.mu.Unlock()
	}
}

// recordError appends to the bounded recent-errors list.
func (g *Gateway) recordError(msg string) {
	g.mu.Lock()
	g.recentErrors = append(g.recentErrors, msg)
	if len(g.recentErrors) > maxRecentErrors {
		g.recentErrors = g.recentErrors[len(g.recentErrors)-maxRecentErrors:]
	}
	g.mu.Unlock()
}

func (p *provider) isAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// recordSuccess resets the failure streak and counts the use.
func (p *provider) recordSuccess() {
	p.mu.Lock()
	p.failureCount = 0
	p.available = true
	p.usage++
	p.mu.Unlock()
}

// recordFailure increments the streak; the provider goes unavailable when the
// streak reaches the threshold, or immediately on quota exhaustion.
func (p *provider) recordFailure(threshold int, quota bool) {
	p.mu.Lock()
	p.failureCount++
	p.lastFailureAt = time.Now().UTC()
	if quota || p.failureCount >= threshold {
		p.available = false
	}
	p.mu.Unlock()
}

func (p *provider) reset() {
	p.mu.Lock()
	p.failureCount = 0
	p.available = true
	p.mu.Unlock()
}

func (p *provider) state() ProviderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProviderState{
		Name:          p.name,
		Rank:          p.rank,
		Available:     p.available,
		FailureCount:  p.failureCount,
		LastFailureAt: p.lastFailureAt,
		Usage:         p.usage,
	}
}
