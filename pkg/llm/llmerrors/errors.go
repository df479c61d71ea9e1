// Package llmerrors defines the provider error taxonomy shared by the
// request client, its middleware, and the cycle orchestrator. It lives in
// its own package so middleware and provider adapters can classify errors
// without importing each other.
package llmerrors

import (
	"errors"
	"fmt"
)

// ErrorType classifies a provider failure for retry decisions.
type ErrorType int8

const (
	// TypeRateLimit is an HTTP 429; retryable with backoff.
	TypeRateLimit ErrorType = iota
	// TypeTransient covers HTTP 5xx and connection resets; retryable.
	TypeTransient
	// TypeTimeout is a transport or per-request deadline expiry; retryable.
	TypeTimeout
	// TypeAuth covers HTTP 401/403; never retryable.
	TypeAuth
	// TypeBadRequest covers the remaining 4xx (404 included); never retryable.
	TypeBadRequest
	// TypeMalformed marks a response whose embedded JSON could not be
	// repaired; never retryable.
	TypeMalformed
	// TypeCancelled marks a call stopped by the cycle's cancellation
	// token; never retryable.
	TypeCancelled
	// TypeExhausted wraps the last retryable error once attempts are
	// spent. Reported as retryable so callers can distinguish "provider
	// kept failing" from caller bugs.
	TypeExhausted
	// TypeUnknown is the fallback for unclassifiable failures.
	TypeUnknown
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	switch t {
	case TypeRateLimit:
		return "rate_limit"
	case TypeTransient:
		return "transient"
	case TypeTimeout:
		return "timeout"
	case TypeAuth:
		return "auth"
	case TypeBadRequest:
		return "bad_request"
	case TypeMalformed:
		return "malformed"
	case TypeCancelled:
		return "cancelled"
	case TypeExhausted:
		return "exhausted"
	case TypeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("type_%d", int8(t))
	}
}

// Error is a classified provider failure.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Error struct {
	Type       ErrorType
	StatusCode int    // 0 when no HTTP status applies
	Message    string // human-readable summary
	Err        error  // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the retry middleware may re-attempt the call.
func (e *Error) Retryable() bool {
	switch e.Type {
	case TypeRateLimit, TypeTransient, TypeTimeout:
		return true
	case TypeExhausted:
		// Already retried; classified retryable for reporting, but the
		// middleware never re-enters on it.
		return true
	default:
		return false
	}
}

// New creates a classified error without an underlying cause.
func New(t ErrorType, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// NewWithStatus creates a classified error carrying an HTTP status code.
func NewWithStatus(t ErrorType, status int, format string, args ...any) *Error {
	return &Error{Type: t, StatusCode: status, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around an underlying cause.
func Wrap(t ErrorType, err error, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Err: err}
}

// Exhausted wraps the final error after attempts are spent.
func Exhausted(attempts int, last error) *Error {
	return &Error{
		Type:    TypeExhausted,
		Message: fmt.Sprintf("retries exhausted after %d attempts", attempts),
		Err:     last,
	}
}

// Cancelled wraps a context cancellation observed mid-call or mid-wait.
func Cancelled(cause error) *Error {
	return &Error{Type: TypeCancelled, Message: "request cancelled", Err: cause}
}

// FromStatus classifies a bare HTTP status code.
func FromStatus(status int, message string) *Error {
	var t ErrorType
	switch {
	case status == 429:
		t = TypeRateLimit
	case status == 401 || status == 403:
		t = TypeAuth
	case status == 408:
		t = TypeTimeout
	case status >= 500:
		t = TypeTransient
	case status >= 400:
		t = TypeBadRequest
	default:
		t = TypeUnknown
	}
	return &Error{Type: t, StatusCode: status, Message: message}
}

// Is reports whether err is (or wraps) an *Error of the given type.
func Is(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// TypeOf extracts the classified type, or TypeUnknown for foreign errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return TypeUnknown
}

// IsRetryable reports whether err allows another attempt. Foreign
// (unclassified) errors are conservatively non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
