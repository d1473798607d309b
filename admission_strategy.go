package gerbang

import (
	"context"
	"strconv"
	"time"
)

// LimitStrategy is the rate limiting algorithm the admission controller
// evaluates rules with. One strategy is selected per deployment, not per
// rule; keys already encode rule and scope identity.
type LimitStrategy interface {
	// Check evaluates the rule without charging usage.
	Check(ctx context.Context, rule RateLimitRule, key string) (Decision, error)
	// Record charges one accepted request against the rule's counters.
	Record(ctx context.Context, rule RateLimitRule, key string) error
}

// SlidingWindowStrategy counts accepted-event timestamps inside the trailing
// window. Timestamps older than the window are evicted on every check.
type SlidingWindowStrategy struct {
	store LimitStore
	now   func() time.Time
}

// NewSlidingWindowStrategy builds a sliding window strategy over the store.
func NewSlidingWindowStrategy(store LimitStore) *SlidingWindowStrategy {
	return &SlidingWindowStrategy{store: store, now: time.Now}
}

func (s *SlidingWindowStrategy) Check(ctx context.Context, rule RateLimitRule, key string) (Decision, error) {
	now := s.now()
	since := now.Add(-rule.Window)

	timestamps, err := s.store.TimestampsSince(ctx, key, since)
	if err != nil {
		return Decision{}, err
	}

	if len(timestamps) >= rule.Limit {
		oldest := timestamps[0]
		retryAfter := oldest.Add(rule.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    oldest.Add(rule.Window),
			RetryAfter: retryAfter,
		}, nil
	}

	resetAt := now.Add(rule.Window)
	if len(timestamps) > 0 {
		resetAt = timestamps[0].Add(rule.Window)
	}
	return Decision{
		Allowed:   true,
		Remaining: rule.Limit - len(timestamps) - 1,
		ResetAt:   resetAt,
	}, nil
}

func (s *SlidingWindowStrategy) Record(ctx context.Context, rule RateLimitRule, key string) error {
	return s.store.AddTimestamp(ctx, key, s.now(), rule.Window)
}

// FixedWindowStrategy counts accepted events inside aligned window buckets.
// The counter resets when the bucket boundary advances.
type FixedWindowStrategy struct {
	store LimitStore
	now   func() time.Time
}

// NewFixedWindowStrategy builds a fixed window strategy over the store.
func NewFixedWindowStrategy(store LimitStore) *FixedWindowStrategy {
	return &FixedWindowStrategy{store: store, now: time.Now}
}

func (s *FixedWindowStrategy) bucketKey(key string, bucket time.Time) string {
	return key + "@" + strconv.FormatInt(bucket.Unix(), 10)
}

func (s *FixedWindowStrategy) Check(ctx context.Context, rule RateLimitRule, key string) (Decision, error) {
	now := s.now()
	bucket := now.Truncate(rule.Window)
	resetAt := bucket.Add(rule.Window)

	count, err := s.store.GetCounter(ctx, s.bucketKey(key, bucket))
	if err != nil {
		return Decision{}, err
	}

	if count >= int64(rule.Limit) {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: rule.Limit - int(count) - 1,
		ResetAt:   resetAt,
	}, nil
}

func (s *FixedWindowStrategy) Record(ctx context.Context, rule RateLimitRule, key string) error {
	bucket := s.now().Truncate(rule.Window)
	// Keep the bucket around one extra window so late checks still see it.
	_, err := s.store.IncrCounter(ctx, s.bucketKey(key, bucket), 2*rule.Window)
	return err
}

// TokenBucketStrategy refills Limit/Window tokens per unit time up to Limit
// and consumes one token per accepted request. RetryAfter on rejection is
// computed from the token deficit and the refill rate.
type TokenBucketStrategy struct {
	store LimitStore
	now   func() time.Time
}

// NewTokenBucketStrategy builds a token bucket strategy over the store.
func NewTokenBucketStrategy(store LimitStore) *TokenBucketStrategy {
	return &TokenBucketStrategy{store: store, now: time.Now}
}

func (s *TokenBucketStrategy) refilled(ctx context.Context, rule RateLimitRule, key string, now time.Time) (float64, error) {
	tokens, last, ok, err := s.store.GetBucket(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return float64(rule.Limit), nil
	}

	rate := float64(rule.Limit) / float64(rule.Window)
	tokens += rate * float64(now.Sub(last))
	if tokens > float64(rule.Limit) {
		tokens = float64(rule.Limit)
	}
	return tokens, nil
}

func (s *TokenBucketStrategy) Check(ctx context.Context, rule RateLimitRule, key string) (Decision, error) {
	now := s.now()
	tokens, err := s.refilled(ctx, rule, key, now)
	if err != nil {
		return Decision{}, err
	}

	rate := float64(rule.Limit) / float64(rule.Window)

	if tokens < 1 {
		deficit := 1 - tokens
		retryAfter := time.Duration(deficit / rate)
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    now.Add(retryAfter),
			RetryAfter: retryAfter,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: int(tokens) - 1,
		ResetAt:   now.Add(time.Duration((float64(rule.Limit) - tokens + 1) / rate)),
	}, nil
}

func (s *TokenBucketStrategy) Record(ctx context.Context, rule RateLimitRule, key string) error {
	now := s.now()
	tokens, err := s.refilled(ctx, rule, key, now)
	if err != nil {
		return err
	}
	tokens--
	if tokens < 0 {
		tokens = 0
	}
	return s.store.SetBucket(ctx, key, tokens, now, 2*rule.Window)
}

// AdaptiveStrategy wraps a sliding window and scales each rule's effective
// limit by an injected load factor. The factor source is deliberately
// abstract; the default applies no scaling.
type AdaptiveStrategy struct {
	inner      *SlidingWindowStrategy
	loadFactor LoadFactorFunc
	now        func() time.Time
}

// NewAdaptiveStrategy builds an adaptive strategy over the store.
func NewAdaptiveStrategy(store LimitStore, loadFactor LoadFactorFunc) *AdaptiveStrategy {
	if loadFactor == nil {
		loadFactor = func(time.Time) float64 { return 1.0 }
	}
	return &AdaptiveStrategy{
		inner:      NewSlidingWindowStrategy(store),
		loadFactor: loadFactor,
		now:        time.Now,
	}
}

func (s *AdaptiveStrategy) scaled(rule RateLimitRule) RateLimitRule {
	factor := s.loadFactor(s.now())
	limit := int(float64(rule.Limit) * factor)
	if limit < 1 {
		limit = 1
	}
	rule.Limit = limit
	return rule
}

func (s *AdaptiveStrategy) Check(ctx context.Context, rule RateLimitRule, key string) (Decision, error) {
	return s.inner.Check(ctx, s.scaled(rule), key)
}

func (s *AdaptiveStrategy) Record(ctx context.Context, rule RateLimitRule, key string) error {
	return s.inner.Record(ctx, s.scaled(rule), key)
}
