package gateway

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front of
// a Driver. It estimates the token cost of each request, blocks callers until
// capacity is available, and adjusts its effective tokens-per-minute budget in
// response to throttling signals from the provider: halve on a rate-limited
// error, recover additively on success.
//
// The limiter is process-local. Construct one per provider and pass its
// Middleware to the gateway.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a limiter with an initial
// tokens-per-minute budget and an upper bound. When maxTPM is zero or below
// initialTPM it is clamped to initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		// Conservative budget when callers do not provide one.
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns a gateway middleware enforcing the adaptive limit.
func (l *AdaptiveRateLimiter) Middleware() Middleware {
	return func(next Driver) Driver {
		return DriverFunc(func(ctx context.Context, prompt string, opts Options) (string, error) {
			cost := estimateTokens(prompt, opts)
			if err := l.wait(ctx, cost); err != nil {
				return "", err
			}
			text, err := next.Generate(ctx, prompt, opts)
			switch {
			case err == nil:
				l.recover()
			case isThrottle(err):
				l.backoff()
			}
			return text, err
		})
	}
}

// CurrentTPM returns the effective tokens-per-minute budget.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// wait blocks until cost tokens are available or the context is done. Costs
// above the burst are clamped so oversized requests cannot deadlock.
func (l *AdaptiveRateLimiter) wait(ctx context.Context, cost int) error {
	l.mu.Lock()
	burst := l.limiter.Burst()
	l.mu.Unlock()
	if cost > burst {
		cost = burst
	}
	if cost < 1 {
		cost = 1
	}
	return l.limiter.WaitN(ctx, cost)
}

// backoff halves the budget (multiplicative decrease), bounded below by
// minTPM.
func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.currentTPM / 2
	if next < l.minTPM {
		next = l.minTPM
	}
	l.setTPM(next)
}

// recover adds the recovery increment (additive increase), bounded above by
// maxTPM.
func (l *AdaptiveRateLimiter) recover() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.currentTPM + l.recoveryRate
	if next > l.maxTPM {
		next = l.maxTPM
	}
	l.setTPM(next)
}

// setTPM applies a new budget to the underlying limiter. Callers hold l.mu.
func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens approximates the request cost: roughly four characters per
// prompt token plus the completion cap.
func estimateTokens(prompt string, opts Options) int {
	cost := len(prompt)/4 + opts.MaxTokens
	if cost < 1 {
		cost = 1
	}
	return cost
}

// isThrottle reports whether the error signals provider throttling or quota
// exhaustion.
func isThrottle(err error) bool {
	pe, ok := AsProviderError(err)
	if !ok {
		return false
	}
	return pe.Kind() == KindRateLimited || pe.Kind() == KindQuota
}
