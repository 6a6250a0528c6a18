package gateway

import (
	"context"
	"errors"
	"fmt"
)

type (
	// Driver performs one generation request against a single provider.
	// Implementations live under features/model and translate the prompt and
	// options into the provider's wire protocol. Drivers signal quota
	// exhaustion distinctly (KindQuota) so the gateway can sideline the
	// provider immediately instead of waiting out the failure streak.
	Driver interface {
		Generate(ctx context.Context, prompt string, opts Options) (string, error)
	}

	// DriverFunc adapts a function to the Driver interface.
	DriverFunc func(ctx context.Context, prompt string, opts Options) (string, error)

	// Options carries the driver-affecting request parameters. Every field
	// participates in the cache fingerprint.
	Options struct {
		// Model overrides the driver's default model identifier.
		Model string
		// Temperature is the sampling temperature. Zero means provider default.
		Temperature float64
		// MaxTokens caps the completion length. Zero means driver default.
		MaxTokens int
		// Extra carries provider-specific parameters that affect output.
		Extra map[string]any
	}

	// Middleware wraps a Driver with cross-cutting behavior (rate limiting,
	// logging). Middlewares compose onion-style: the first middleware passed
	// to the gateway is the outermost.
	Middleware func(Driver) Driver

	// ErrorKind classifies provider failures into the categories the gateway
	// branches on.
	ErrorKind string

	// ProviderError describes a failure returned by a provider driver. It
	// crosses the driver boundary so the gateway can distinguish quota
	// exhaustion and rate limiting from generic failure.
	ProviderError struct {
		provider string
		kind     ErrorKind
		message  string
		cause    error
	}
)

const (
	// KindQuota indicates the provider's quota is exhausted. The gateway
	// marks the provider unavailable immediately, bypassing the streak
	// threshold.
	KindQuota ErrorKind = "quota"

	// KindRateLimited indicates the provider is throttling requests. The
	// adaptive rate-limit middleware backs off on this kind.
	KindRateLimited ErrorKind = "rate_limited"

	// KindAuth indicates the credentials were rejected.
	KindAuth ErrorKind = "auth"

	// KindInvalidRequest indicates the request is malformed and retrying
	// without changing it will not succeed.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindUnavailable indicates a transient provider failure (5xx, network)
	// where a later attempt may succeed.
	KindUnavailable ErrorKind = "unavailable"

	// KindUnknown indicates an unclassified provider failure.
	KindUnknown ErrorKind = "unknown"
)

// Generate invokes the wrapped function.
func (f DriverFunc) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}

// NewProviderError constructs a ProviderError. provider and kind are required;
// cause may be nil but is recommended to preserve the original chain.
func NewProviderError(provider string, kind ErrorKind, message string, cause error) *ProviderError {
	if provider == "" {
		panic("gateway: provider is required")
	}
	if kind == "" {
		kind = KindUnknown
	}
	return &ProviderError{provider: provider, kind: kind, message: message, cause: cause}
}

// Provider returns the provider identifier (for example, "anthropic").
func (e *ProviderError) Provider() string { return e.provider }

// Kind returns the coarse-grained failure classification.
func (e *ProviderError) Kind() ErrorKind { return e.kind }

func (e *ProviderError) Error() string {
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s: %s", e.provider, e.kind, msg)
}

// Unwrap returns the underlying driver error.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsQuota reports whether err carries a quota-exhaustion classification.
func IsQuota(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.kind == KindQuota
}
