package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBackoffAndRecovery(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 120000)
	require.Equal(t, 60000.0, l.CurrentTPM())

	l.backoff()
	assert.Equal(t, 30000.0, l.CurrentTPM())
	l.backoff()
	assert.Equal(t, 15000.0, l.CurrentTPM())

	l.recover()
	assert.Equal(t, 18000.0, l.CurrentTPM(), "additive recovery of 5% of the initial budget")
}

func TestRateLimiterFloorsAtMin(t *testing.T) {
	l := NewAdaptiveRateLimiter(1000, 1000)
	for i := 0; i < 20; i++ {
		l.backoff()
	}
	assert.Equal(t, 100.0, l.CurrentTPM(), "bounded below at 10% of initial")
}

func TestRateLimiterCapsAtMax(t *testing.T) {
	l := NewAdaptiveRateLimiter(1000, 1100)
	for i := 0; i < 20; i++ {
		l.recover()
	}
	assert.Equal(t, 1100.0, l.CurrentTPM())
}

func TestRateLimiterMiddlewareReactsToSignals(t *testing.T) {
	l := NewAdaptiveRateLimiter(600000, 600000)
	calls := 0
	driver := l.Middleware()(DriverFunc(func(context.Context, string, Options) (string, error) {
		calls++
		if calls == 1 {
			return "", NewProviderError("p", KindRateLimited, "slow down", nil)
		}
		return "ok", nil
	}))

	_, err := driver.Generate(context.Background(), "prompt", Options{MaxTokens: 10})
	require.Error(t, err)
	assert.Equal(t, 300000.0, l.CurrentTPM(), "halved on throttle")

	_, err = driver.Generate(context.Background(), "prompt", Options{MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, 330000.0, l.CurrentTPM(), "recovered on success")
}

func TestRateLimiterClampsOversizedRequests(t *testing.T) {
	l := NewAdaptiveRateLimiter(600, 600)
	driver := l.Middleware()(DriverFunc(func(context.Context, string, Options) (string, error) {
		return "ok", nil
	}))
	// Cost above the burst is clamped rather than deadlocking WaitN.
	_, err := driver.Generate(context.Background(), "prompt", Options{MaxTokens: 100000})
	require.NoError(t, err)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, estimateTokens("", Options{}))
	assert.Equal(t, 25, estimateTokens("aaaaaaaaaaaaaaaaaaaa", Options{MaxTokens: 20}))
}
