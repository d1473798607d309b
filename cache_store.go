package gerbang

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
)

// CacheStore is the storage backend behind ResponseCache. Implementations
// must be safe for concurrent use. Touch persists updated hit metadata and
// may be a no-op for stores that share entry pointers with the cache.
type CacheStore interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry *CacheEntry) error
	Touch(ctx context.Context, key string, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	Scan(ctx context.Context, fn func(entry *CacheEntry) bool) error
}

// MemoryCacheStore keeps entries in a process-local map. It never returns an
// error.
type MemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
}

// NewMemoryCacheStore creates an empty in-memory cache store.
func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{entries: make(map[string]*CacheEntry)}
}

func (s *MemoryCacheStore) Get(_ context.Context, key string) (*CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok, nil
}

func (s *MemoryCacheStore) Set(_ context.Context, key string, entry *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

// Touch is a no-op: the cache mutates the shared entry in place.
func (s *MemoryCacheStore) Touch(context.Context, string, *CacheEntry) error {
	return nil
}

func (s *MemoryCacheStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryCacheStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*CacheEntry)
	return nil
}

func (s *MemoryCacheStore) Len(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *MemoryCacheStore) Scan(_ context.Context, fn func(entry *CacheEntry) bool) error {
	s.mu.RLock()
	snapshot := make([]*CacheEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		snapshot = append(snapshot, entry)
	}
	s.mu.RUnlock()

	for _, entry := range snapshot {
		if !fn(entry) {
			break
		}
	}
	return nil
}

// RedisCacheStore persists entries as JSON in Redis so cached responses
// survive restarts and are shared across replicas. Redis applies the entry
// TTL server-side as well, so expired entries vanish without a sweep.
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCacheStore wraps a connected Redis client. Keys are namespaced
// under the given prefix ("cache" when empty).
func NewRedisCacheStore(client *redis.Client, prefix string) *RedisCacheStore {
	if prefix == "" {
		prefix = "cache"
	}
	return &RedisCacheStore{client: client, prefix: prefix}
}

func (s *RedisCacheStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisCacheStore) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

func (s *RedisCacheStore) Set(ctx context.Context, key string, entry *CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), data, entry.TTL).Err()
}

// Touch rewrites the entry so hit metadata survives; best effort, keeping
// the server-side TTL aligned with the entry's remaining lifetime.
func (s *RedisCacheStore) Touch(ctx context.Context, key string, entry *CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), data, redis.KeepTTL).Err()
}

func (s *RedisCacheStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *RedisCacheStore) Clear(ctx context.Context) error {
	return s.scanKeys(ctx, func(keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
}

func (s *RedisCacheStore) Len(ctx context.Context) (int, error) {
	count := 0
	err := s.scanKeys(ctx, func(keys []string) error {
		count += len(keys)
		return nil
	})
	return count, err
}

func (s *RedisCacheStore) Scan(ctx context.Context, fn func(entry *CacheEntry) bool) error {
	stop := false
	return s.scanKeys(ctx, func(keys []string) error {
		if stop {
			return nil
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for _, value := range values {
			raw, ok := value.(string)
			if !ok {
				continue
			}
			var entry CacheEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				continue
			}
			if !fn(&entry) {
				stop = true
				return nil
			}
		}
		return nil
	})
}

func (s *RedisCacheStore) scanKeys(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
