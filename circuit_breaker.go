package gerbang

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// CircuitState represents the state of a provider's circuit breaker.
type CircuitState int64

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns a human readable state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerSettings holds circuit breaker thresholds shared by every provider
// breaker in a registry.
type BreakerSettings struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit. Defaults to 5.
	FailureThreshold int
	// OpenTimeout is how long an open circuit waits before admitting a trial
	// call. Defaults to 60s. The open -> half-open transition happens lazily
	// on the next CanExecute, not on a timer.
	OpenTimeout time.Duration
	// SuccessThreshold is the successes required in half-open to close the
	// circuit. Defaults to 1: the next success closes it.
	SuccessThreshold int
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 60 * time.Second
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = 1
	}
	return s
}

// CircuitBreaker is the per-provider state machine. All fields are updated
// with atomic CAS; it is safe for concurrent use without locks.
type CircuitBreaker struct {
	settings    BreakerSettings
	state       int64
	failures    int64
	successes   int64
	lastFailure int64
}

// NewCircuitBreaker creates a closed breaker with the given settings.
func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	return &CircuitBreaker{
		settings: settings.withDefaults(),
		state:    int64(StateClosed),
	}
}

// Allow reports whether a call may proceed. An open breaker transitions to
// half-open once OpenTimeout has elapsed since the last failure.
func (cb *CircuitBreaker) Allow() bool {
	now := time.Now().UnixNano()

	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		return true
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailure)
		if now-lastFailure > int64(cb.settings.OpenTimeout) {
			if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
				atomic.StoreInt64(&cb.successes, 0)
				return true
			}
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordFailure counts a failed call. In closed state it opens the circuit at
// the failure threshold; in half-open it reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailure, time.Now().UnixNano())

	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		if atomic.AddInt64(&cb.failures, 1) >= int64(cb.settings.FailureThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateOpen))
		}
	case StateOpen:
		// Already open; lastFailure was refreshed above.
	case StateHalfOpen:
		atomic.AddInt64(&cb.failures, 1)
		atomic.StoreInt64(&cb.state, int64(StateOpen))
		atomic.StoreInt64(&cb.successes, 0)
	}
}

// RecordSuccess counts a successful call. In closed state it clears the
// consecutive failure count; in half-open it closes the circuit at the
// success threshold.
func (cb *CircuitBreaker) RecordSuccess() {
	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	case StateOpen:
		// Stray success from a call that was in flight when the circuit
		// opened; ignored.
	case StateHalfOpen:
		if atomic.AddInt64(&cb.successes, 1) >= int64(cb.settings.SuccessThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateClosed))
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.successes, 0)
		}
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int64 {
	return atomic.LoadInt64(&cb.failures)
}

// ResetEstimate returns how long until an open breaker admits a trial call,
// or zero when calls are already allowed.
func (cb *CircuitBreaker) ResetEstimate() time.Duration {
	if cb.State() != StateOpen {
		return 0
	}
	elapsed := time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&cb.lastFailure))
	remaining := cb.settings.OpenTimeout - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BreakerStats is a snapshot of one provider's breaker.
type BreakerStats struct {
	State               string
	ConsecutiveFailures int64
}

// BreakerRegistry holds one circuit breaker per provider identity, created
// lazily on first use.
type BreakerRegistry struct {
	settings BreakerSettings
	breakers *xsync.Map[string, *CircuitBreaker]
	metrics  *MetricsCollector
}

// NewBreakerRegistry creates an empty registry with shared settings.
func NewBreakerRegistry(settings BreakerSettings) *BreakerRegistry {
	return &BreakerRegistry{
		settings: settings.withDefaults(),
		breakers: xsync.NewMap[string, *CircuitBreaker](),
	}
}

func (r *BreakerRegistry) breaker(providerID string) *CircuitBreaker {
	cb, _ := r.breakers.LoadOrCompute(providerID, func() (*CircuitBreaker, bool) {
		return NewCircuitBreaker(r.settings), false
	})
	return cb
}

// CanExecute reports whether calls to the provider may proceed.
func (r *BreakerRegistry) CanExecute(providerID string) bool {
	allowed := r.breaker(providerID).Allow()
	r.metrics.RecordCircuitBreakerState(providerID, r.breaker(providerID).State())
	return allowed
}

// RecordSuccess records a successful call to the provider.
func (r *BreakerRegistry) RecordSuccess(providerID string) {
	cb := r.breaker(providerID)
	cb.RecordSuccess()
	r.metrics.RecordCircuitBreakerState(providerID, cb.State())
}

// RecordFailure records a failed call to the provider.
func (r *BreakerRegistry) RecordFailure(providerID string) {
	cb := r.breaker(providerID)
	cb.RecordFailure()
	r.metrics.RecordCircuitBreakerState(providerID, cb.State())
}

// State returns the provider's current breaker state.
func (r *BreakerRegistry) State(providerID string) CircuitState {
	return r.breaker(providerID).State()
}

// ResetEstimate returns the time remaining until the provider's open breaker
// admits a trial call.
func (r *BreakerRegistry) ResetEstimate(providerID string) time.Duration {
	return r.breaker(providerID).ResetEstimate()
}

// Stats returns a snapshot of every breaker the registry has created.
func (r *BreakerRegistry) Stats() map[string]BreakerStats {
	stats := make(map[string]BreakerStats)
	r.breakers.Range(func(providerID string, cb *CircuitBreaker) bool {
		stats[providerID] = BreakerStats{
			State:               cb.State().String(),
			ConsecutiveFailures: cb.Failures(),
		}
		return true
	})
	return stats
}
