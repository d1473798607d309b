package gerbang

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BatchGroupBy selects the request identity batches group on, beyond the
// provider+model+options base every batch shares (a combined downstream call
// is only well-formed for one provider, model and option set).
type BatchGroupBy string

const (
	GroupByProvider BatchGroupBy = "provider"
	GroupByModel    BatchGroupBy = "model"
	GroupByUser     BatchGroupBy = "user"
	GroupByProject  BatchGroupBy = "project"
)

// BatchStatus is the lifecycle state of a batch. Member lists are mutable
// only while pending; processing freezes them.
type BatchStatus int

const (
	BatchPending BatchStatus = iota
	BatchProcessing
	BatchCompleted
	BatchFailed
)

// BatchFuture is one member's pending result. It settles exactly once.
type BatchFuture struct {
	done chan struct{}
	once sync.Once
	resp *Response
	err  error
}

func newBatchFuture() *BatchFuture {
	return &BatchFuture{done: make(chan struct{})}
}

// Wait blocks until the batch settles this member or the context cancels.
func (f *BatchFuture) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *BatchFuture) settle(resp *Response, err error) {
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
	})
}

type batchMember struct {
	req    *GatewayRequest
	future *BatchFuture
}

// Batch is an ordered group of compatible requests dispatched as one
// downstream call.
type Batch struct {
	ID        string
	key       string
	members   []*batchMember
	createdAt time.Time
	status    BatchStatus
	timer     *time.Timer
}

// BatchDispatchFunc performs the combined downstream call for a sealed
// batch and returns one response per payload, in order.
type BatchDispatchFunc func(ctx context.Context, providerID, modelID string, payloads []Payload, opts RequestOptions) ([]*Response, error)

// BatchStats is a snapshot of batching counters.
type BatchStats struct {
	Dispatched    uint64
	Members       uint64
	PendingQueues int
}

// Batcher groups eligible requests into per-key FIFO queues and dispatches a
// batch when it reaches maxSize or when maxWait elapses since its first
// member, whichever comes first.
type Batcher struct {
	mu      sync.Mutex
	pending map[string]*Batch
	byReqID map[string]*Batch

	groupBy  BatchGroupBy
	maxSize  int
	maxWait  time.Duration
	timeout  time.Duration
	dispatch BatchDispatchFunc
	metrics  *MetricsCollector
	logger   Logger

	dispatched   atomic.Uint64
	membersTotal atomic.Uint64
}

// NewBatcher creates a batcher. maxSize defaults to 8, maxWait to 50ms and
// the per-batch dispatch timeout to 30s.
func NewBatcher(groupBy BatchGroupBy, maxSize int, maxWait time.Duration, dispatch BatchDispatchFunc) *Batcher {
	if maxSize <= 0 {
		maxSize = 8
	}
	if maxWait <= 0 {
		maxWait = 50 * time.Millisecond
	}
	return &Batcher{
		pending:  make(map[string]*Batch),
		byReqID:  make(map[string]*Batch),
		groupBy:  groupBy,
		maxSize:  maxSize,
		maxWait:  maxWait,
		timeout:  30 * time.Second,
		dispatch: dispatch,
	}
}

// batchKey derives the grouping key. Provider, model and the option
// fingerprint are always part of it; user/project grouping partitions
// further.
func (b *Batcher) batchKey(req *GatewayRequest) string {
	base := fmt.Sprintf("%s|%s|%g:%d:%t:%s",
		req.Provider, req.Model,
		req.Options.Temperature, req.Options.MaxTokens, req.Options.Stream, req.Options.ResponseFormat)
	switch b.groupBy {
	case GroupByUser:
		return base + "|user:" + req.UserID
	case GroupByProject:
		return base + "|project:" + req.ProjectID
	default:
		return base
	}
}

// Enqueue appends the request to its batch queue and returns the member's
// future. The full-batch path seals and dispatches inline.
func (b *Batcher) Enqueue(req *GatewayRequest) *BatchFuture {
	future := newBatchFuture()
	member := &batchMember{req: req, future: future}
	key := b.batchKey(req)

	b.mu.Lock()
	batch, ok := b.pending[key]
	if !ok {
		batch = &Batch{
			ID:        uuid.NewString(),
			key:       key,
			createdAt: time.Now(),
			status:    BatchPending,
		}
		captured := batch
		batch.timer = time.AfterFunc(b.maxWait, func() { b.flush(captured) })
		b.pending[key] = batch
	}
	batch.members = append(batch.members, member)
	b.byReqID[req.ID] = batch

	var sealed *Batch
	if len(batch.members) >= b.maxSize {
		sealed = b.sealLocked(batch)
	}
	b.mu.Unlock()

	if sealed != nil {
		go b.run(sealed)
	}
	return future
}

// flush dispatches a batch whose wait timer fired.
func (b *Batcher) flush(batch *Batch) {
	b.mu.Lock()
	if batch.status != BatchPending {
		b.mu.Unlock()
		return
	}
	sealed := b.sealLocked(batch)
	b.mu.Unlock()

	if sealed != nil {
		b.run(sealed)
	}
}

// sealLocked freezes the member list and removes the batch from the pending
// index. Returns nil when every member was canceled while queued.
func (b *Batcher) sealLocked(batch *Batch) *Batch {
	batch.status = BatchProcessing
	if batch.timer != nil {
		batch.timer.Stop()
	}
	delete(b.pending, batch.key)
	for _, member := range batch.members {
		delete(b.byReqID, member.req.ID)
	}
	if len(batch.members) == 0 {
		return nil
	}
	return batch
}

// setStatus records the batch outcome. flush and Cancel read status under
// b.mu, so post-dispatch writes take the same lock.
func (b *Batcher) setStatus(batch *Batch, status BatchStatus) {
	b.mu.Lock()
	batch.status = status
	b.mu.Unlock()
}

// run performs the combined downstream call and demultiplexes results back
// to member futures in original submission order. A batch-level failure
// rejects every member with the same error.
func (b *Batcher) run(batch *Batch) {
	payloads := make([]Payload, len(batch.members))
	for i, member := range batch.members {
		payloads[i] = member.req.Payload
	}
	first := batch.members[0].req

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	responses, err := b.dispatch(ctx, first.Provider, first.Model, payloads, first.Options)
	if err == nil && len(responses) != len(batch.members) {
		err = &GatewayError{
			Type:     ErrorTypeProvider,
			Message:  fmt.Sprintf("batch dispatch returned %d responses for %d members", len(responses), len(batch.members)),
			Provider: first.Provider,
		}
	}

	b.dispatched.Add(1)
	b.membersTotal.Add(uint64(len(batch.members)))

	if err != nil {
		b.setStatus(batch, BatchFailed)
		b.metrics.RecordBatch(len(batch.members), "failed")
		if b.logger != nil {
			b.logger.Warn("batch dispatch failed", "batch", batch.ID, "members", len(batch.members), "error", err.Error())
		}
		for _, member := range batch.members {
			member.future.settle(nil, err)
		}
		return
	}

	b.setStatus(batch, BatchCompleted)
	b.metrics.RecordBatch(len(batch.members), "completed")
	for i, member := range batch.members {
		resp := responses[i]
		if resp != nil {
			resp.RequestID = member.req.ID
		}
		member.future.settle(resp, nil)
	}
}

// Cancel removes a not-yet-dispatched member from its batch without
// affecting siblings. Returns false once the batch is processing.
func (b *Batcher) Cancel(requestID string) bool {
	b.mu.Lock()
	batch, ok := b.byReqID[requestID]
	if !ok || batch.status != BatchPending {
		b.mu.Unlock()
		return false
	}

	var removed *batchMember
	for i, member := range batch.members {
		if member.req.ID == requestID {
			removed = member
			batch.members = append(batch.members[:i], batch.members[i+1:]...)
			break
		}
	}
	delete(b.byReqID, requestID)

	if len(batch.members) == 0 {
		if batch.timer != nil {
			batch.timer.Stop()
		}
		delete(b.pending, batch.key)
		batch.status = BatchCompleted
	}
	b.mu.Unlock()

	if removed == nil {
		return false
	}
	removed.future.settle(nil, &GatewayError{
		Type:      ErrorTypeCanceled,
		Message:   "request canceled while queued",
		RequestID: requestID,
	})
	return true
}

// Flush seals and dispatches every pending batch immediately; used on
// shutdown.
func (b *Batcher) Flush() {
	b.mu.Lock()
	sealed := make([]*Batch, 0, len(b.pending))
	for _, batch := range b.pending {
		if s := b.sealLocked(batch); s != nil {
			sealed = append(sealed, s)
		}
	}
	b.mu.Unlock()

	for _, batch := range sealed {
		b.run(batch)
	}
}

// Stats returns a snapshot of batching counters.
func (b *Batcher) Stats() BatchStats {
	b.mu.Lock()
	queues := len(b.pending)
	b.mu.Unlock()
	return BatchStats{
		Dispatched:    b.dispatched.Load(),
		Members:       b.membersTotal.Load(),
		PendingQueues: queues,
	}
}
