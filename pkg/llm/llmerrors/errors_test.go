package llmerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryableByType(t *testing.T) {
	cases := []struct {
		typ       ErrorType
		retryable bool
	}{
		{TypeRateLimit, true},
		{TypeTransient, true},
		{TypeTimeout, true},
		{TypeExhausted, true},
		{TypeAuth, false},
		{TypeBadRequest, false},
		{TypeMalformed, false},
		{TypeCancelled, false},
		{TypeUnknown, false},
	}

	for _, tc := range cases {
		e := New(tc.typ, "test")
		if e.Retryable() != tc.retryable {
			t.Errorf("%s: expected retryable=%v", tc.typ, tc.retryable)
		}
	}
}

func TestFromStatus(t *testing.T) {
	cases := []struct {
		status int
		typ    ErrorType
	}{
		{429, TypeRateLimit},
		{500, TypeTransient},
		{502, TypeTransient},
		{503, TypeTransient},
		{408, TypeTimeout},
		{401, TypeAuth},
		{403, TypeAuth},
		{400, TypeBadRequest},
		{404, TypeBadRequest},
	}

	for _, tc := range cases {
		e := FromStatus(tc.status, "x")
		if e.Type != tc.typ {
			t.Errorf("status %d: expected %s, got %s", tc.status, tc.typ, e.Type)
		}
		if e.StatusCode != tc.status {
			t.Errorf("status %d: code not carried through", tc.status)
		}
	}
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("connection reset")
	e := Wrap(TypeTransient, cause, "provider call failed")

	if !errors.Is(e, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	wrapped := fmt.Errorf("outer: %w", e)
	if !Is(wrapped, TypeTransient) {
		t.Error("expected Is to classify through wrapping")
	}
	if TypeOf(wrapped) != TypeTransient {
		t.Errorf("expected TypeTransient, got %s", TypeOf(wrapped))
	}
	if !IsRetryable(wrapped) {
		t.Error("expected wrapped transient error to stay retryable")
	}
}

func TestForeignErrorsNotRetryable(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Error("foreign errors must not be retryable")
	}
	if TypeOf(errors.New("plain")) != TypeUnknown {
		t.Error("foreign errors classify as unknown")
	}
}

func TestExhaustedKeepsCause(t *testing.T) {
	last := NewWithStatus(TypeRateLimit, 429, "too many requests")
	e := Exhausted(3, last)

	if e.Type != TypeExhausted {
		t.Fatalf("expected exhausted, got %s", e.Type)
	}
	if !Is(e.Err, TypeRateLimit) {
		t.Error("expected cause to remain classified as rate limit")
	}
}
