package gerbang

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// LimitStore holds rate limit counter state. The three state shapes match the
// three stateful strategies: timestamp lists (sliding window), counters
// (fixed window) and token buckets. Implementations must be safe for
// concurrent use; any returned error causes admission to fail open.
type LimitStore interface {
	AddTimestamp(ctx context.Context, key string, ts time.Time, window time.Duration) error
	TimestampsSince(ctx context.Context, key string, since time.Time) ([]time.Time, error)

	IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)

	GetBucket(ctx context.Context, key string) (tokens float64, last time.Time, ok bool, err error)
	SetBucket(ctx context.Context, key string, tokens float64, last time.Time, ttl time.Duration) error
}

type limitCounter struct {
	value   int64
	expires time.Time
}

type limitBucket struct {
	tokens  float64
	last    time.Time
	expires time.Time
}

// MemoryLimitStore keeps all rate limit state in process memory. It never
// returns an error.
type MemoryLimitStore struct {
	mu         sync.Mutex
	timestamps map[string][]time.Time
	counters   map[string]limitCounter
	buckets    map[string]limitBucket
}

// NewMemoryLimitStore creates an empty in-memory limit store.
func NewMemoryLimitStore() *MemoryLimitStore {
	return &MemoryLimitStore{
		timestamps: make(map[string][]time.Time),
		counters:   make(map[string]limitCounter),
		buckets:    make(map[string]limitBucket),
	}
}

func (s *MemoryLimitStore) AddTimestamp(_ context.Context, key string, ts time.Time, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := pruneTimestamps(s.timestamps[key], ts.Add(-window))
	s.timestamps[key] = append(kept, ts)
	return nil
}

func (s *MemoryLimitStore) TimestampsSince(_ context.Context, key string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := pruneTimestamps(s.timestamps[key], since)
	if len(kept) == 0 {
		delete(s.timestamps, key)
		return nil, nil
	}
	s.timestamps[key] = kept
	out := make([]time.Time, len(kept))
	copy(out, kept)
	return out, nil
}

func (s *MemoryLimitStore) IncrCounter(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c := s.counters[key]
	if !c.expires.IsZero() && now.After(c.expires) {
		c = limitCounter{}
	}
	c.value++
	if c.expires.IsZero() {
		c.expires = now.Add(ttl)
	}
	s.counters[key] = c
	return c.value, nil
}

func (s *MemoryLimitStore) GetCounter(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		return 0, nil
	}
	if !c.expires.IsZero() && time.Now().After(c.expires) {
		delete(s.counters, key)
		return 0, nil
	}
	return c.value, nil
}

func (s *MemoryLimitStore) GetBucket(_ context.Context, key string) (float64, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		return 0, time.Time{}, false, nil
	}
	if !b.expires.IsZero() && time.Now().After(b.expires) {
		delete(s.buckets, key)
		return 0, time.Time{}, false, nil
	}
	return b.tokens, b.last, true, nil
}

func (s *MemoryLimitStore) SetBucket(_ context.Context, key string, tokens float64, last time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[key] = limitBucket{tokens: tokens, last: last, expires: time.Now().Add(ttl)}
	return nil
}

// pruneTimestamps drops timestamps strictly before the cutoff. Input is kept
// in append order, so the result stays sorted.
func pruneTimestamps(timestamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(timestamps) && timestamps[idx].Before(cutoff) {
		idx++
	}
	return timestamps[idx:]
}

// RedisLimitStore keeps rate limit state in Redis so limits hold across
// gateway replicas. Sliding window timestamps are a sorted set scored by
// UnixNano; counters use INCR with a TTL; token buckets use a hash.
type RedisLimitStore struct {
	client *redis.Client
	prefix string
}

// NewRedisLimitStore wraps a connected Redis client. Keys are namespaced
// under the given prefix ("ratelimit" when empty).
func NewRedisLimitStore(client *redis.Client, prefix string) *RedisLimitStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimitStore{client: client, prefix: prefix}
}

func (s *RedisLimitStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisLimitStore) AddTimestamp(ctx context.Context, key string, ts time.Time, window time.Duration) error {
	rkey := s.key(key)
	// Member gets a unique suffix so simultaneous events don't collapse.
	member := strconv.FormatInt(ts.UnixNano(), 10) + "#" + uuid.NewString()
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, &redis.Z{Score: float64(ts.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(ts.Add(-window).UnixNano(), 10))
	pipe.Expire(ctx, rkey, 2*window)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisLimitStore) TimestampsSince(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key(key), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	timestamps := make([]time.Time, 0, len(members))
	for _, member := range members {
		raw := member
		if idx := strings.IndexByte(member, '#'); idx >= 0 {
			raw = member[:idx]
		}
		ns, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			continue
		}
		timestamps = append(timestamps, time.Unix(0, ns))
	}
	return timestamps, nil
}

func (s *RedisLimitStore) IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	rkey := s.key(key)
	count, err := s.client.Incr(ctx, rkey).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, rkey, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (s *RedisLimitStore) GetCounter(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, s.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *RedisLimitStore) GetBucket(ctx context.Context, key string) (float64, time.Time, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return 0, time.Time{}, false, err
	}
	if len(fields) == 0 {
		return 0, time.Time{}, false, nil
	}

	tokens, err := strconv.ParseFloat(fields["tokens"], 64)
	if err != nil {
		return 0, time.Time{}, false, err
	}
	ns, err := strconv.ParseInt(fields["last"], 10, 64)
	if err != nil {
		return 0, time.Time{}, false, err
	}
	return tokens, time.Unix(0, ns), true, nil
}

func (s *RedisLimitStore) SetBucket(ctx context.Context, key string, tokens float64, last time.Time, ttl time.Duration) error {
	rkey := s.key(key)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, rkey,
		"tokens", strconv.FormatFloat(tokens, 'g', -1, 64),
		"last", strconv.FormatInt(last.UnixNano(), 10),
	)
	pipe.Expire(ctx, rkey, ttl)
	_, err := pipe.Exec(ctx)
	return err
}
