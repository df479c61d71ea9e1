package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies dispatch failures.
type ErrorKind int8

const (
	// KindNotFound means no tool with the requested name is registered.
	KindNotFound ErrorKind = iota
	// KindInvalidArgs means the arguments failed schema validation.
	KindInvalidArgs
	// KindExecutionFailed means the tool ran and returned an error or
	// panicked.
	KindExecutionFailed
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidArgs:
		return "invalid_args"
	case KindExecutionFailed:
		return "execution_failed"
	default:
		return fmt.Sprintf("kind_%d", int8(k))
	}
}

// Error is a classified tool dispatch failure.
type Error struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified dispatch error.
func NewError(kind ErrorKind, tool, format string, args ...any) *Error {
	return &Error{Kind: kind, Tool: tool, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a classified dispatch error around a cause.
func WrapError(kind ErrorKind, tool string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Tool: tool, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
