package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Package provider defines the contract every inference backend satisfies
// and the error taxonomy the orchestrator uses to decide how to advance.
//
// Contract:
//   - Probe is a cheap availability check bounded by its timeout. It never
//     returns an error: any failure reads as "not available".
//   - Invoke performs the inference call bounded by its timeout and returns
//     the narrative or a *Error carrying one of the kinds below.
//
// Error kinds:
//   - Unavailable: connection refused, DNS failure, 5xx, auth rejected
//   - Timeout: deadline exceeded on the call
//   - RateLimited: HTTP 429
//   - InvalidResponse: malformed, empty or too-short output
//
// Backends live in sub-packages (llamacpp, ollama, huggingface, openai,
// anthropic); adding one means implementing Provider, not branching on a name.

// Provider is an interchangeable inference backend.
type Provider interface {
	// Name identifies the provider in results, logs and metrics.
	Name() string

	// Probe reports whether the backend looks reachable.
	Probe(ctx context.Context, timeout time.Duration) bool

	// Invoke asks the backend for a narrative of the analysis context.
	Invoke(ctx context.Context, ac models.AnalysisContext, timeout time.Duration) (string, error)
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindUnavailable     ErrorKind = "unavailable"
	KindTimeout         ErrorKind = "timeout"
	KindRateLimited     ErrorKind = "rate_limited"
	KindInvalidResponse ErrorKind = "invalid_response"
)

// Sentinels for errors.Is matching on kind alone.
var (
	ErrUnavailable     = &Error{Kind: KindUnavailable}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrInvalidResponse = &Error{Kind: KindInvalidResponse}
)

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

// NewError builds a classified error for a provider.
func NewError(provider string, kind ErrorKind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// Errorf builds a classified error with a formatted cause.
func Errorf(provider string, kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Provider: provider, Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := "provider " + string(e.Kind)
	if e.Provider != "" {
		msg = fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimeout)
// works regardless of provider or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of a provider error. Unclassified errors are
// treated as timeouts when a deadline expired and as unavailability
// otherwise.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}
