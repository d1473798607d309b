package gerbang

import (
	"errors"
	"fmt"
	"time"
)

// Error type tags carried by *GatewayError.
const (
	ErrorTypeRateLimit   = "RateLimit"
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeProvider    = "Provider"
	ErrorTypeValidation  = "Validation"
	ErrorTypeThrottle    = "Throttle"
	ErrorTypeInternal    = "Internal"
	ErrorTypeCanceled    = "Canceled"
	ErrorTypeTimeout     = "Timeout"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the provider's circuit breaker is open
	ErrCircuitOpen = errors.New("gerbang: circuit open")

	// ErrRateLimited is returned when a request is denied by an admission rule
	ErrRateLimited = errors.New("gerbang: rate limited")

	// ErrThrottled is returned when the local backpressure valve rejects a request
	ErrThrottled = errors.New("gerbang: throttled")

	// ErrValidation is returned for malformed requests; never retried
	ErrValidation = errors.New("gerbang: invalid request")

	// ErrRequestCanceled is returned when a pending request is canceled by its caller
	ErrRequestCanceled = errors.New("gerbang: request canceled")
)

// GatewayError is the error surfaced to callers for any failure in the
// request pipeline. Type tags the taxonomy class; Provider and Attempt are
// set for dispatch failures.
type GatewayError struct {
	Type       string
	Message    string
	Provider   string
	RequestID  string
	RuleID     string
	Attempt    int
	MaxRetries int
	RetryAfter time.Duration
	Timestamp  time.Time
	Duration   time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *GatewayError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*GatewayError); ok {
		return e.Type == targetErr.Type
	}
	switch target {
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrThrottled:
		return e.Type == ErrorTypeThrottle
	case ErrValidation:
		return e.Type == ErrorTypeValidation
	case ErrRequestCanceled:
		return e.Type == ErrorTypeCanceled
	}
	return false
}

// IsTransient reports whether an error represents a transient failure that
// might succeed on a later submission. Rate limiting and throttling are
// transient (retry after the reported delay); validation errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrThrottled) || errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		switch gwErr.Type {
		case ErrorTypeProvider, ErrorTypeTimeout, ErrorTypeInternal:
			return true
		default:
			return false
		}
	}

	return false
}

// RetryAfter extracts the suggested retry delay from an error, or zero.
func RetryAfter(err error) time.Duration {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.RetryAfter
	}
	return 0
}
