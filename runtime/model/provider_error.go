package model

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies provider failures into a small set of
// categories suitable for retry and surfacing decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest indicates the request is invalid and
	// retrying without changing it will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited indicates the provider is throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable indicates a transient provider failure
	// (5xx, network issues) where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUnknown indicates an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. It crosses
// package boundaries so the chat node can surface stable, structured
// information inside error responses.
type ProviderError struct {
	provider  string
	operation string
	http      int
	kind      ProviderErrorKind
	message   string
	cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are
// required; cause may be nil but is recommended to preserve the original
// error chain.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, message string, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		message:   message,
		cause:     cause,
	}
}

// Provider returns the provider identifier (for example, "anthropic").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code when available, else 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained provider error classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// Retryable reports whether retrying may succeed without changing the
// request.
func (e *ProviderError) Retryable() bool {
	return e.kind == ProviderErrorKindRateLimited || e.kind == ProviderErrorKindUnavailable
}

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.http > 0 {
		return fmt.Sprintf("%s %s %d (%s): %s", e.provider, e.kind, e.http, op, msg)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.provider, e.kind, op, msg)
}

// Unwrap returns the underlying provider error. Rate limited errors also
// match ErrRateLimited via errors.Is.
func (e *ProviderError) Unwrap() error {
	if e.cause == nil && e.kind == ProviderErrorKindRateLimited {
		return ErrRateLimited
	}
	return e.cause
}

// Is lets errors.Is(err, ErrRateLimited) match rate-limited provider errors
// regardless of their wrapped cause.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.kind == ProviderErrorKindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
