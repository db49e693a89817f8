package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable machine-readable classification attached to every
// user-visible failure. Internal partial failures (one embedding job, one
// ranking path) are absorbed before they reach this taxonomy.
type ErrorKind string

const (
	// ErrorKindInput marks malformed or out-of-range request parameters.
	// Surfaced immediately, never retried.
	ErrorKindInput ErrorKind = "input_error"

	// ErrorKindTransientUpstream marks a temporarily unavailable embedding
	// provider or store after retries were exhausted on every critical path.
	ErrorKindTransientUpstream ErrorKind = "transient_upstream"

	// ErrorKindConfiguration marks invalid weights or an unknown model or
	// provider. Fatal at startup or first use.
	ErrorKindConfiguration ErrorKind = "configuration_error"

	// ErrorKindInternal is the fallback for unclassified failures.
	ErrorKindInternal ErrorKind = "internal_error"
)

// Error carries a kind plus a human-readable message. The message never
// embeds raw driver or provider error text; that stays in the wrapped cause
// and is only logged.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// InputErrorf builds an input_error.
func InputErrorf(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindInput, Message: fmt.Sprintf(format, args...)}
}

// ConfigErrorf builds a configuration_error.
func ConfigErrorf(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// UpstreamError wraps a provider or storage failure as transient_upstream.
func UpstreamError(message string, cause error) *Error {
	return &Error{Kind: ErrorKindTransientUpstream, Message: message, cause: cause}
}

// KindOf classifies an arbitrary error for response mapping. Unknown errors
// are internal_error.
func KindOf(err error) ErrorKind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrorKindInternal
}
