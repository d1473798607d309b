package gerbang

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestGatewayErrorFormat(t *testing.T) {
	err := &GatewayError{
		Type:       ErrorTypeProvider,
		Message:    "provider dispatch failed",
		RequestID:  "req-1",
		Attempt:    3,
		MaxRetries: 3,
		Cause:      errors.New("connection refused"),
	}

	msg := err.Error()
	if !strings.Contains(msg, "req-1") {
		t.Errorf("Expected request ID in message, got %q", msg)
	}
	if !strings.Contains(msg, "attempt 3/3") {
		t.Errorf("Expected attempt counter in message, got %q", msg)
	}
	if !strings.Contains(msg, "connection refused") {
		t.Errorf("Expected cause in message, got %q", msg)
	}
}

func TestGatewayErrorNil(t *testing.T) {
	var err *GatewayError
	if err.Error() != "<nil>" {
		t.Errorf("Expected <nil>, got %q", err.Error())
	}
	if err.Unwrap() != nil {
		t.Error("Expected nil unwrap")
	}
}

func TestGatewayErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &GatewayError{Type: ErrorTypeProvider, Message: "failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the cause")
	}
}

func TestGatewayErrorIsSentinels(t *testing.T) {
	cases := []struct {
		errType  string
		sentinel error
	}{
		{ErrorTypeRateLimit, ErrRateLimited},
		{ErrorTypeCircuitOpen, ErrCircuitOpen},
		{ErrorTypeThrottle, ErrThrottled},
		{ErrorTypeValidation, ErrValidation},
		{ErrorTypeCanceled, ErrRequestCanceled},
	}

	for _, tc := range cases {
		err := &GatewayError{Type: tc.errType, Message: "x"}
		if !errors.Is(err, tc.sentinel) {
			t.Errorf("Expected %s to match its sentinel", tc.errType)
		}
		if errors.Is(err, ErrValidation) && tc.errType != ErrorTypeValidation {
			t.Errorf("Expected %s not to match ErrValidation", tc.errType)
		}
	}
}

func TestGatewayErrorIsSameType(t *testing.T) {
	a := &GatewayError{Type: ErrorTypeProvider, Message: "a"}
	b := &GatewayError{Type: ErrorTypeProvider, Message: "b"}
	c := &GatewayError{Type: ErrorTypeTimeout, Message: "c"}

	if !errors.Is(a, b) {
		t.Error("Expected same-type errors to match")
	}
	if errors.Is(a, c) {
		t.Error("Expected different-type errors not to match")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&GatewayError{Type: ErrorTypeRateLimit}, true},
		{&GatewayError{Type: ErrorTypeCircuitOpen}, true},
		{&GatewayError{Type: ErrorTypeThrottle}, true},
		{&GatewayError{Type: ErrorTypeProvider}, true},
		{&GatewayError{Type: ErrorTypeTimeout}, true},
		{&GatewayError{Type: ErrorTypeValidation}, false},
		{&GatewayError{Type: ErrorTypeCanceled}, false},
		{nil, false},
		{errors.New("plain"), false},
	}

	for i, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("Case %d: expected IsTransient=%v, got %v (%v)", i, tc.want, got, tc.err)
		}
	}
}

func TestRetryAfterExtraction(t *testing.T) {
	err := &GatewayError{Type: ErrorTypeRateLimit, RetryAfter: 5 * time.Second}
	if RetryAfter(err) != 5*time.Second {
		t.Errorf("Expected 5s, got %v", RetryAfter(err))
	}

	wrapped := fmt.Errorf("submit: %w", err)
	if RetryAfter(wrapped) != 5*time.Second {
		t.Errorf("Expected 5s through wrapping, got %v", RetryAfter(wrapped))
	}

	if RetryAfter(errors.New("plain")) != 0 {
		t.Error("Expected zero for non-gateway errors")
	}
}
