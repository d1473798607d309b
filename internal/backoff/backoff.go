// Package backoff provides retry delay calculation strategies shared by the
// gateway's dispatch retry loop.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before the given retry attempt.
type Strategy interface {
	Delay(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration
}

// Exponential grows the delay by multiplier^attempt, capped at max, with an
// optional uniform jitter fraction added on top.
type Exponential struct{}

func (Exponential) Delay(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	delay := time.Duration(float64(initial) * Pow(multiplier, attempt))
	if delay < 0 || delay > max {
		delay = max
	}

	jitter = clamp(jitter)
	if jitter > 0 {
		extra := time.Duration(float64(delay) * jitter * rand.Float64())
		if delay+extra > max {
			delay = max
		} else {
			delay += extra
		}
	}
	return delay
}

// Decorrelated implements AWS-style decorrelated jitter: a random delay
// between the initial backoff and min(max, initial*3^attempt). It spreads
// retry storms more evenly than exponential jitter.
type Decorrelated struct{}

func (Decorrelated) Delay(attempt int, initial, max time.Duration, _, _ float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(initial)
	upper := base * Pow(3.0, attempt)
	if upper > float64(max) || upper < 0 {
		upper = float64(max)
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + rand.Float64()*(upper-base))
	if delay < 0 || delay > max {
		delay = max
	}
	return delay
}

// Pow computes base^exponent by repeated multiplication. Kept integral to
// avoid pulling in math for a hot-path helper.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}

func clamp(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}
