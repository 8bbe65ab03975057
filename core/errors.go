package core

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Match with errors.Is.
var (
	// ErrValidation marks malformed input rejected before any index mutation.
	ErrValidation = errors.New("validation error")

	// ErrProvider marks a failure of an external embedding or quality provider.
	ErrProvider = errors.New("provider error")

	// ErrIndexInvariant marks a mutation that would break index consistency. The
	// offending mutation has been rolled back.
	ErrIndexInvariant = errors.New("index invariant violation")

	// ErrNotFound marks an unknown episode id.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid is shorthand for constructing a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ProviderErrorKind classifies provider failures.
type ProviderErrorKind int

const (
	ProviderUnavailable ProviderErrorKind = iota
	ProviderTimeout
	ProviderRateLimited
	ProviderInvalidInput
)

func (k ProviderErrorKind) String() string {
	switch k {
	case ProviderTimeout:
		return "timeout"
	case ProviderRateLimited:
		return "rate-limited"
	case ProviderInvalidInput:
		return "invalid-input"
	default:
		return "unavailable"
	}
}

// ProviderError wraps a failure of an embedding provider ("embed") or quality assessor ("score").
type ProviderError struct {
	Provider string
	Op       string
	Kind     ProviderErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s failed (%s)", e.Provider, e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// Retryable reports whether repeating the call may succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind != ProviderInvalidInput
}

// NewProviderError builds a ProviderError, inferring a timeout kind from context errors.
func NewProviderError(provider, op string, kind ProviderErrorKind, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ProviderTimeout
	}
	return &ProviderError{Provider: provider, Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// InvariantError reports a rejected index mutation.
type InvariantError struct {
	ID     EpisodeID
	Op     string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("index invariant violation: %s %s: %s", e.Op, e.ID, e.Reason)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrIndexInvariant
}
