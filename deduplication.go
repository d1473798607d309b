package gerbang

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// DeduplicationEntry represents an in-flight request shared between callers.
// The first caller (owner) dispatches and completes the entry; every other
// caller waits on the same result.
type DeduplicationEntry struct {
	key       string
	response  *Response
	err       error
	done      chan struct{}
	createdAt time.Time
	refCount  int64

	mu sync.Mutex
}

// Wait blocks until the owning request completes or the context cancels.
func (e *DeduplicationEntry) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		resp, err := e.response, e.err
		e.mu.Unlock()
		return resp, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RefCount returns the number of callers sharing the entry.
func (e *DeduplicationEntry) RefCount() int64 {
	return atomic.LoadInt64(&e.refCount)
}

// DedupStats is a snapshot of deduplication counters.
type DedupStats struct {
	Hits     uint64
	InFlight int
}

// DeduplicationTracker coalesces concurrent identical requests onto one
// in-flight call. Check-for-existing and insert-if-absent is a single
// atomic step, so two simultaneous submissions can never both become owners.
type DeduplicationTracker struct {
	entries *xsync.Map[string, *DeduplicationEntry]

	// grace keeps a settled entry visible briefly so near-simultaneous
	// duplicates arriving right after completion still coalesce.
	grace time.Duration
	// maxAge force-expires entries whose owner never completed, so a stuck
	// call cannot absorb duplicates forever.
	maxAge time.Duration

	hits atomic.Uint64
}

// NewDeduplicationTracker returns an in-memory deduplication tracker.
// grace defaults to 100ms and maxAge to 1 minute when zero.
func NewDeduplicationTracker(grace, maxAge time.Duration) *DeduplicationTracker {
	if grace == 0 {
		grace = 100 * time.Millisecond
	}
	if maxAge == 0 {
		maxAge = time.Minute
	}
	return &DeduplicationTracker{
		entries: xsync.NewMap[string, *DeduplicationEntry](),
		grace:   grace,
		maxAge:  maxAge,
	}
}

// GetOrCreate returns the entry for the key, creating it when absent. The
// second return is true when the caller became the owner and must dispatch
// and Complete the entry.
func (dt *DeduplicationTracker) GetOrCreate(key string) (*DeduplicationEntry, bool) {
	entry, loaded := dt.entries.LoadOrCompute(key, func() (*DeduplicationEntry, bool) {
		return &DeduplicationEntry{
			key:       key,
			done:      make(chan struct{}),
			createdAt: time.Now(),
			refCount:  1,
		}, false
	})
	if loaded {
		atomic.AddInt64(&entry.refCount, 1)
		dt.hits.Add(1)
	}
	return entry, !loaded
}

// Complete finalizes an entry and releases waiters. The entry stays visible
// for the grace window, then is removed.
func (dt *DeduplicationTracker) Complete(key string, resp *Response, err error) {
	entry, ok := dt.entries.Load(key)
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.response = resp
	entry.err = err
	close(entry.done)
	entry.mu.Unlock()

	time.AfterFunc(dt.grace, func() {
		dt.entries.Compute(key, func(current *DeduplicationEntry, loaded bool) (*DeduplicationEntry, xsync.ComputeOp) {
			if loaded && current == entry {
				return current, xsync.DeleteOp
			}
			return current, xsync.CancelOp
		})
	})
}

// Release drops one caller's interest in the entry, for cancellation. The
// underlying call keeps running while other callers hold references.
func (dt *DeduplicationTracker) Release(key string) {
	if entry, ok := dt.entries.Load(key); ok {
		atomic.AddInt64(&entry.refCount, -1)
	}
}

// Sweep removes entries older than maxAge whose owner never completed, and
// returns the number removed. Waiters already blocked on a removed entry keep
// waiting; only future submissions get a fresh dispatch.
func (dt *DeduplicationTracker) Sweep() int {
	cutoff := time.Now().Add(-dt.maxAge)
	removed := 0
	dt.entries.Range(func(key string, entry *DeduplicationEntry) bool {
		if entry.createdAt.Before(cutoff) {
			dt.entries.Compute(key, func(current *DeduplicationEntry, loaded bool) (*DeduplicationEntry, xsync.ComputeOp) {
				if loaded && current == entry {
					removed++
					return current, xsync.DeleteOp
				}
				return current, xsync.CancelOp
			})
		}
		return true
	})
	return removed
}

// Stats returns a snapshot of deduplication counters.
func (dt *DeduplicationTracker) Stats() DedupStats {
	return DedupStats{
		Hits:     dt.hits.Load(),
		InFlight: dt.entries.Size(),
	}
}
