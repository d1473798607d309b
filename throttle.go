package gerbang

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// TokenBucket is a lock-free token bucket refilled by elapsed time. One token
// is consumed per allowed event.
type TokenBucket struct {
	maxTokens  int64
	tokens     int64
	refillRate time.Duration
	lastRefill int64
}

// NewTokenBucket creates a full bucket that refills one token per refillRate.
func NewTokenBucket(maxTokens int, refillRate time.Duration) *TokenBucket {
	return &TokenBucket{
		maxTokens:  int64(maxTokens),
		tokens:     int64(maxTokens),
		refillRate: refillRate,
		lastRefill: time.Now().UnixNano(),
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.refill()
	return tb.consume()
}

// Tokens returns the currently available token count.
func (tb *TokenBucket) Tokens() int64 {
	return atomic.LoadInt64(&tb.tokens)
}

func (tb *TokenBucket) refill() {
	now := time.Now().UnixNano()

	for {
		last := atomic.LoadInt64(&tb.lastRefill)

		elapsed := now - last
		var toAdd int64
		if tb.refillRate > 0 {
			toAdd = elapsed / int64(tb.refillRate)
		}
		if toAdd == 0 {
			return
		}

		// Advance lastRefill by whole refill intervals so fractional time is
		// not lost between calls.
		if !atomic.CompareAndSwapInt64(&tb.lastRefill, last, last+toAdd*int64(tb.refillRate)) {
			continue
		}
		// Add rather than store so a consume racing the refill keeps its
		// decrement, then clamp back to capacity.
		next := atomic.AddInt64(&tb.tokens, toAdd)
		for next > tb.maxTokens {
			if atomic.CompareAndSwapInt64(&tb.tokens, next, tb.maxTokens) {
				break
			}
			next = atomic.LoadInt64(&tb.tokens)
		}
		return
	}
}

func (tb *TokenBucket) consume() bool {
	for {
		current := atomic.LoadInt64(&tb.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&tb.tokens, current, current-1) {
			return true
		}
	}
}

// Throttle is the gateway's local backpressure valve: a token bucket per
// (provider, scope key) pair, independent of the rule-based admission
// controller. It distinguishes "system protecting itself" from "policy
// limiting a user".
type Throttle struct {
	buckets    *xsync.Map[string, *TokenBucket]
	maxTokens  int
	refillRate time.Duration
}

// NewThrottle creates a throttle whose buckets hold maxTokens and refill one
// token per refillRate.
func NewThrottle(maxTokens int, refillRate time.Duration) *Throttle {
	return &Throttle{
		buckets:    xsync.NewMap[string, *TokenBucket](),
		maxTokens:  maxTokens,
		refillRate: refillRate,
	}
}

// Allow consumes a token from the (provider, scope) bucket, creating it on
// first use.
func (t *Throttle) Allow(providerID, scopeKey string) bool {
	key := providerID + "|" + scopeKey
	bucket, _ := t.buckets.LoadOrCompute(key, func() (*TokenBucket, bool) {
		return NewTokenBucket(t.maxTokens, t.refillRate), false
	})
	return bucket.Allow()
}
