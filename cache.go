package gerbang

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CacheEntry is one stored response plus the metadata eviction policies rank
// on. HitCount and LastAccess are updated atomically on reads.
type CacheEntry struct {
	Key        string        `json:"key"`
	Response   *Response     `json:"response"`
	StoredAt   time.Time     `json:"stored_at"`
	TTL        time.Duration `json:"ttl"`
	HitCount   int64         `json:"hit_count"`
	LastAccess int64         `json:"last_access"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) > e.TTL
}

func (e *CacheEntry) touch(now time.Time) {
	atomic.AddInt64(&e.HitCount, 1)
	atomic.StoreInt64(&e.LastAccess, now.UnixNano())
}

// EvictionPolicy ranks cache entries for eviction when the cache is full.
type EvictionPolicy interface {
	Name() string
	// Less reports whether a is a better eviction victim than b.
	Less(a, b *CacheEntry) bool
}

// LRUPolicy evicts the least recently accessed entry.
type LRUPolicy struct{}

func (LRUPolicy) Name() string { return "lru" }

func (LRUPolicy) Less(a, b *CacheEntry) bool {
	return atomic.LoadInt64(&a.LastAccess) < atomic.LoadInt64(&b.LastAccess)
}

// LFUPolicy evicts the entry with the lowest hit count, breaking ties by
// least recent access.
type LFUPolicy struct{}

func (LFUPolicy) Name() string { return "lfu" }

func (LFUPolicy) Less(a, b *CacheEntry) bool {
	ha, hb := atomic.LoadInt64(&a.HitCount), atomic.LoadInt64(&b.HitCount)
	if ha != hb {
		return ha < hb
	}
	return atomic.LoadInt64(&a.LastAccess) < atomic.LoadInt64(&b.LastAccess)
}

// OldestPolicy evicts the entry with the earliest store time.
type OldestPolicy struct{}

func (OldestPolicy) Name() string { return "oldest" }

func (OldestPolicy) Less(a, b *CacheEntry) bool {
	return a.StoredAt.Before(b.StoredAt)
}

// Context keys for per-request cache control.
type contextKey string

const cacheControlKey contextKey = "gerbang_cache_control"

// CacheControl overrides cache behavior for a single request.
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}

// WithContextCacheEnabled forces caching for the request regardless of the
// gateway default.
func WithContextCacheEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheControlKey, &CacheControl{Enabled: true})
}

// WithContextCacheDisabled disables caching for the request.
func WithContextCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheControlKey, &CacheControl{Enabled: false})
}

// WithContextCacheTTL enables caching with a custom TTL for the request.
func WithContextCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, cacheControlKey, &CacheControl{Enabled: true, TTL: ttl})
}

func cacheControlFrom(ctx context.Context) (*CacheControl, bool) {
	cc, ok := ctx.Value(cacheControlKey).(*CacheControl)
	return cc, ok
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
}

// ResponseCache maps request fingerprints to prior responses. Storage is
// pluggable behind CacheStore; the cache never special-cases a backend.
// Store failures degrade to a miss, never an error to the caller.
type ResponseCache struct {
	store          CacheStore
	policy         EvictionPolicy
	ttl            time.Duration
	maxEntries     int
	includeOptions bool
	metrics        *MetricsCollector
	logger         Logger

	// insertMu serializes the size-check/evict/insert sequence in Set so
	// concurrent first-time inserts cannot both pass the bound check.
	insertMu sync.Mutex

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewResponseCache builds a cache over the given store. A nil policy
// defaults to LRU; maxEntries <= 0 means unbounded.
func NewResponseCache(store CacheStore, policy EvictionPolicy, ttl time.Duration, maxEntries int) *ResponseCache {
	if policy == nil {
		policy = LRUPolicy{}
	}
	return &ResponseCache{
		store:      store,
		policy:     policy,
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func (c *ResponseCache) keyFor(req *GatewayRequest) string {
	return Fingerprint(req, c.includeOptions)
}

// Get returns the cached response for the request, or a miss. Expired
// entries behave as misses and are deleted.
func (c *ResponseCache) Get(ctx context.Context, req *GatewayRequest) (*Response, bool) {
	key := c.keyFor(req)
	entry, found, err := c.store.Get(ctx, key)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("cache store error, treating as miss", "key", key, "error", err.Error())
		}
		c.misses.Add(1)
		return nil, false
	}
	if !found {
		c.misses.Add(1)
		return nil, false
	}

	now := time.Now()
	if entry.Expired(now) {
		_ = c.store.Delete(ctx, key)
		c.evictions.Add(1)
		c.metrics.RecordCacheEviction(1)
		c.misses.Add(1)
		return nil, false
	}

	entry.touch(now)
	_ = c.store.Touch(ctx, key, entry)
	c.hits.Add(1)

	resp := *entry.Response
	resp.FromCache = true
	return &resp, true
}

// Set stores a response under the request's fingerprint, evicting one entry
// per the configured policy when the cache is full. A zero or negative TTL
// (after per-request overrides) stores nothing.
func (c *ResponseCache) Set(ctx context.Context, req *GatewayRequest, resp *Response) {
	ttl := c.ttl
	if cc, ok := cacheControlFrom(ctx); ok {
		if !cc.Enabled {
			return
		}
		if cc.TTL > 0 {
			ttl = cc.TTL
		}
	}
	if ttl <= 0 {
		return
	}

	key := c.keyFor(req)
	c.insertMu.Lock()
	defer c.insertMu.Unlock()
	if c.maxEntries > 0 {
		if size, err := c.store.Len(ctx); err == nil && size >= c.maxEntries {
			if _, found, _ := c.store.Get(ctx, key); !found {
				c.evictOne(ctx)
			}
		}
	}

	now := time.Now()
	entry := &CacheEntry{
		Key:        key,
		Response:   resp,
		StoredAt:   now,
		TTL:        ttl,
		LastAccess: now.UnixNano(),
	}
	if err := c.store.Set(ctx, key, entry); err != nil {
		if c.logger != nil {
			c.logger.Warn("cache store error on set", "key", key, "error", err.Error())
		}
		return
	}
	if size, err := c.store.Len(ctx); err == nil {
		c.metrics.RecordCacheSize(size)
	}
}

// evictOne removes the policy's preferred victim.
func (c *ResponseCache) evictOne(ctx context.Context) {
	var victim *CacheEntry
	err := c.store.Scan(ctx, func(entry *CacheEntry) bool {
		if victim == nil || c.policy.Less(entry, victim) {
			victim = entry
		}
		return true
	})
	if err != nil || victim == nil {
		return
	}
	if err := c.store.Delete(ctx, victim.Key); err == nil {
		c.evictions.Add(1)
		c.metrics.RecordCacheEviction(1)
	}
}

// Delete removes the cached response for the request, if any.
func (c *ResponseCache) Delete(ctx context.Context, req *GatewayRequest) {
	_ = c.store.Delete(ctx, c.keyFor(req))
}

// Clear removes every cached response.
func (c *ResponseCache) Clear(ctx context.Context) {
	_ = c.store.Clear(ctx)
	c.metrics.RecordCacheSize(0)
}

// Cleanup sweeps expired entries and returns the number evicted. It is
// called periodically by the gateway's janitor and can be invoked directly.
func (c *ResponseCache) Cleanup(ctx context.Context) int {
	now := time.Now()
	var expired []string
	err := c.store.Scan(ctx, func(entry *CacheEntry) bool {
		if entry.Expired(now) {
			expired = append(expired, entry.Key)
		}
		return true
	})
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("cache sweep failed", "error", err.Error())
		}
		return 0
	}

	evicted := 0
	for _, key := range expired {
		if err := c.store.Delete(ctx, key); err == nil {
			evicted++
		}
	}
	if evicted > 0 {
		c.evictions.Add(uint64(evicted))
		c.metrics.RecordCacheEviction(evicted)
	}
	if size, err := c.store.Len(ctx); err == nil {
		c.metrics.RecordCacheSize(size)
	}
	return evicted
}

// Len returns the current entry count, or zero when the store is unreachable.
func (c *ResponseCache) Len(ctx context.Context) int {
	size, err := c.store.Len(ctx)
	if err != nil {
		return 0
	}
	return size
}

// Stats returns a snapshot of cache counters.
func (c *ResponseCache) Stats(ctx context.Context) CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(ctx),
	}
}
