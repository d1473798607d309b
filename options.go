package gerbang

import (
	"fmt"
	"time"

	"github.com/ambiyansyah-risyal/gerbang/internal/backoff"
)

// ensureAdmission creates the admission controller on first use so rule and
// strategy options compose in any order.
func (g *Gateway) ensureAdmission() *AdmissionController {
	if g.admission == nil {
		g.admission = NewAdmissionController(nil, nil)
	}
	return g.admission
}

// ensureCache creates the response cache on first use with a 5 minute TTL,
// LRU eviction and an in-memory store.
func (g *Gateway) ensureCache() *ResponseCache {
	if g.cache == nil {
		g.cache = NewResponseCache(NewMemoryCacheStore(), LRUPolicy{}, 5*time.Minute, 0)
	}
	return g.cache
}

// WithRules sets the admission rule set. Requests matching no rule are
// admitted unconditionally.
func WithRules(rules ...RateLimitRule) Option {
	return func(g *Gateway) {
		g.ensureAdmission().rules = rules
	}
}

// WithLimitStrategy sets the rate limiting algorithm used by admission
// control (sliding window, fixed window, token bucket or adaptive).
func WithLimitStrategy(strategy LimitStrategy) Option {
	return func(g *Gateway) {
		g.ensureAdmission().strategy = strategy
	}
}

// WithCache enables response caching with the given default TTL and entry
// bound. maxEntries <= 0 means unbounded.
func WithCache(ttl time.Duration, maxEntries int) Option {
	return func(g *Gateway) {
		cache := g.ensureCache()
		cache.ttl = ttl
		cache.maxEntries = maxEntries
	}
}

// WithCacheStore swaps the cache storage backend, e.g. for Redis.
func WithCacheStore(store CacheStore) Option {
	return func(g *Gateway) {
		g.ensureCache().store = store
	}
}

// WithEvictionPolicy sets the full-cache eviction policy.
func WithEvictionPolicy(policy EvictionPolicy) Option {
	return func(g *Gateway) {
		g.ensureCache().policy = policy
	}
}

// WithCacheOptionsInKey includes generation options in the cache key, so
// requests differing only in temperature or max tokens do not share entries.
func WithCacheOptionsInKey() Option {
	return func(g *Gateway) {
		g.ensureCache().includeOptions = true
	}
}

// WithBreakerSettings replaces the per-provider circuit breaker thresholds.
func WithBreakerSettings(settings BreakerSettings) Option {
	return func(g *Gateway) {
		g.breakers = NewBreakerRegistry(settings)
	}
}

// WithDeduplication enables coalescing of concurrent identical requests.
// Zero values use the defaults (100ms grace, 1 minute max age).
func WithDeduplication(grace, maxAge time.Duration) Option {
	return func(g *Gateway) {
		g.dedup = NewDeduplicationTracker(grace, maxAge)
	}
}

// WithBatching enables request batching. Batches dispatch at maxSize members
// or maxWait after the first member, whichever comes first. High and urgent
// priority requests bypass batching.
func WithBatching(groupBy BatchGroupBy, maxSize int, maxWait time.Duration) Option {
	return func(g *Gateway) {
		g.batcher = NewBatcher(groupBy, maxSize, maxWait, nil)
	}
}

// WithThrottle enables the local backpressure valve: a token bucket per
// (provider, user) pair checked before any request is queued or dispatched.
func WithThrottle(maxTokens int, refillRate time.Duration) Option {
	return func(g *Gateway) {
		g.throttle = NewThrottle(maxTokens, refillRate)
	}
}

// WithMaxRetries sets how many times a failed provider dispatch is retried.
func WithMaxRetries(n int) Option {
	return func(g *Gateway) {
		g.maxRetries = n
	}
}

// WithInitialBackoff sets the delay before the first retry.
func WithInitialBackoff(d time.Duration) Option {
	return func(g *Gateway) {
		g.initialBackoff = d
	}
}

// WithMaxBackoff caps the retry delay.
func WithMaxBackoff(d time.Duration) Option {
	return func(g *Gateway) {
		g.maxBackoff = d
	}
}

// WithBackoffMultiplier sets the exponential growth factor between retries.
func WithBackoffMultiplier(m float64) Option {
	return func(g *Gateway) {
		g.backoffMultiplier = m
	}
}

// WithJitter sets the random jitter fraction applied to retry delays (0 to 1).
func WithJitter(j float64) Option {
	return func(g *Gateway) {
		g.jitter = j
	}
}

// WithBackoffStrategy replaces the retry delay calculation.
func WithBackoffStrategy(s backoff.Strategy) Option {
	return func(g *Gateway) {
		g.backoffStrategy = s
	}
}

// WithTimeout sets the per-request budget, measured from submission and
// inclusive of queue time. Zero disables the gateway-imposed timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.defaultTimeout = d
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(g *Gateway) {
		g.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector uses a pre-built collector, e.g. one bound to a custom
// registry.
func WithMetricsCollector(mc *MetricsCollector) Option {
	return func(g *Gateway) {
		g.metrics = mc
	}
}

// WithLogger sets the structured logger.
func WithLogger(l Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithCostFunc sets the estimator used to populate EstimatedCost on
// submission.
func WithCostFunc(fn CostFunc) Option {
	return func(g *Gateway) {
		g.costFunc = fn
	}
}

// WithJanitorSchedule sets the cron schedule for the cache and deduplication
// sweeps. Accepts standard cron expressions and "@every" descriptors.
func WithJanitorSchedule(spec string) Option {
	return func(g *Gateway) {
		g.janitorSchedule = spec
	}
}

// ValidateConfiguration checks the assembled gateway for contradictory or
// out-of-range settings. New calls it automatically; the result is exposed
// through IsValid and ValidationError.
func (g *Gateway) ValidateConfiguration() error {
	invalid := func(format string, args ...interface{}) error {
		return &GatewayError{
			Type:      ErrorTypeValidation,
			Message:   fmt.Sprintf(format, args...),
			Timestamp: time.Now(),
		}
	}

	if g.dispatcher == nil {
		return invalid("dispatcher must not be nil")
	}
	if g.maxRetries < 0 {
		return invalid("maxRetries must be >= 0, got %d", g.maxRetries)
	}
	if g.initialBackoff <= 0 {
		return invalid("initialBackoff must be > 0, got %v", g.initialBackoff)
	}
	if g.maxBackoff < g.initialBackoff {
		return invalid("maxBackoff (%v) must be >= initialBackoff (%v)", g.maxBackoff, g.initialBackoff)
	}
	if g.backoffMultiplier < 1 {
		return invalid("backoffMultiplier must be >= 1, got %g", g.backoffMultiplier)
	}
	if g.jitter < 0 || g.jitter > 1 {
		return invalid("jitter must be between 0 and 1, got %g", g.jitter)
	}
	if g.defaultTimeout < 0 {
		return invalid("timeout must be >= 0, got %v", g.defaultTimeout)
	}

	if g.admission != nil {
		seen := make(map[string]bool, len(g.admission.rules))
		for _, rule := range g.admission.rules {
			if rule.ID == "" {
				return invalid("rate limit rule without an ID")
			}
			if seen[rule.ID] {
				return invalid("duplicate rate limit rule ID %q", rule.ID)
			}
			seen[rule.ID] = true
			if rule.Limit <= 0 {
				return invalid("rule %q: limit must be > 0, got %d", rule.ID, rule.Limit)
			}
			if rule.Window <= 0 {
				return invalid("rule %q: window must be > 0, got %v", rule.ID, rule.Window)
			}
		}
	}

	if g.batcher != nil && g.batcher.maxWait >= g.defaultTimeout && g.defaultTimeout > 0 {
		return invalid("batch maxWait (%v) must be shorter than the request timeout (%v)", g.batcher.maxWait, g.defaultTimeout)
	}

	return nil
}
