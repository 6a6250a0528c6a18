package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/noesislabs/noesis/config"
	"github.com/noesislabs/noesis/gateway"
	"github.com/noesislabs/noesis/goals"
	"github.com/noesislabs/noesis/store"
)

// Error kinds exposed to API callers.
const (
	KindConfigInvalid      = "config_invalid"
	KindStoreTransient     = "store_transient"
	KindBlockedDDL         = "blocked_runtime_ddl"
	KindProvidersExhausted = "all_providers_exhausted"
	KindQuotaExceeded      = "quota_exceeded"
	KindNotFound           = "not_found"
	KindValidation         = "validation"
	KindCancelled          = "cancelled"
	KindInternal           = "internal"
)

// Error is the public envelope the orchestrator maps internal failures into.
// Callers branch on Kind; Details carries structured context such as the
// per-provider attempts behind an exhausted chain.
type Error struct {
	Kind    string
	Message string
	Details map[string]any

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying error for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// wrapError classifies err into the public envelope. Nil stays nil; an
// already-wrapped error passes through unchanged.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	e := &Error{Kind: KindInternal, Message: err.Error(), cause: err}
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindCancelled
	case errors.Is(err, config.ErrInvalid):
		e.Kind = KindConfigInvalid
	case errors.Is(err, store.ErrBlockedDDL):
		e.Kind = KindBlockedDDL
	case errors.Is(err, store.ErrTransient):
		e.Kind = KindStoreTransient
	case errors.Is(err, goals.ErrNotFound):
		e.Kind = KindNotFound
	default:
		if ee, ok := gateway.AsExhausted(err); ok {
			e.Kind = KindProvidersExhausted
			attempts := make([]map[string]any, 0, len(ee.Attempts))
			quota := false
			for _, a := range ee.Attempts {
				attempts = append(attempts, map[string]any{
					"provider": a.Provider,
					"error":    a.Err.Error(),
				})
				if gateway.IsQuota(a.Err) {
					quota = true
				}
			}
			e.Details = map[string]any{"attempts": attempts}
			if quota {
				e.Kind = KindQuotaExceeded
			}
		} else if gateway.IsQuota(err) {
			e.Kind = KindQuotaExceeded
		}
	}
	return e
}

// validationError wraps a rejected external payload.
func validationError(err error) error {
	return &Error{Kind: KindValidation, Message: err.Error(), cause: err}
}
