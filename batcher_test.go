package gerbang

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingBatchDispatch records calls and echoes one response per payload.
type recordingBatchDispatch struct {
	mu    sync.Mutex
	calls [][]Payload
	err   error
	short bool
}

func (d *recordingBatchDispatch) fn(ctx context.Context, providerID, modelID string, payloads []Payload, opts RequestOptions) ([]*Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, payloads)
	d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	n := len(payloads)
	if d.short {
		n--
	}
	responses := make([]*Response, n)
	for i := 0; i < n; i++ {
		responses[i] = &Response{Provider: providerID, Model: modelID, Content: payloads[i].Prompt}
	}
	return responses, nil
}

func (d *recordingBatchDispatch) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func batchRequest(prompt string) *GatewayRequest {
	return NewRequest("openai", "gpt-4", Payload{Prompt: prompt})
}

func TestBatcherDispatchesAtMaxSize(t *testing.T) {
	dispatch := &recordingBatchDispatch{}
	batcher := NewBatcher(GroupByProvider, 3, time.Hour, dispatch.fn)
	ctx := context.Background()

	futures := make([]*BatchFuture, 3)
	for i := range futures {
		futures[i] = batcher.Enqueue(batchRequest(fmt.Sprintf("p%d", i)))
	}

	for i, future := range futures {
		resp, err := future.Wait(ctx)
		if err != nil {
			t.Fatalf("Member %d failed: %v", i, err)
		}
		if resp.Content != fmt.Sprintf("p%d", i) {
			t.Errorf("Expected member %d to get its own response, got %q", i, resp.Content)
		}
	}

	if dispatch.callCount() != 1 {
		t.Errorf("Expected 1 downstream call, got %d", dispatch.callCount())
	}
}

func TestBatcherDispatchesOnMaxWait(t *testing.T) {
	dispatch := &recordingBatchDispatch{}
	batcher := NewBatcher(GroupByProvider, 100, 20*time.Millisecond, dispatch.fn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	future := batcher.Enqueue(batchRequest("alone"))

	resp, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if resp.Content != "alone" {
		t.Errorf("Expected response for lone member, got %q", resp.Content)
	}
}

func TestBatcherPreservesSubmissionOrder(t *testing.T) {
	var got []Payload
	dispatch := func(ctx context.Context, providerID, modelID string, payloads []Payload, opts RequestOptions) ([]*Response, error) {
		got = append([]Payload(nil), payloads...)
		responses := make([]*Response, len(payloads))
		for i, p := range payloads {
			responses[i] = &Response{Content: p.Prompt}
		}
		return responses, nil
	}
	batcher := NewBatcher(GroupByProvider, 3, time.Hour, dispatch)
	ctx := context.Background()

	var futures []*BatchFuture
	for i := 0; i < 3; i++ {
		futures = append(futures, batcher.Enqueue(batchRequest(fmt.Sprintf("p%d", i))))
	}
	futures[2].Wait(ctx)

	for i, p := range got {
		if p.Prompt != fmt.Sprintf("p%d", i) {
			t.Errorf("Expected payload %d to be p%d, got %q", i, i, p.Prompt)
		}
	}
}

func TestBatcherGroupsByModelAndOptions(t *testing.T) {
	dispatch := &recordingBatchDispatch{}
	batcher := NewBatcher(GroupByProvider, 10, 20*time.Millisecond, dispatch.fn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a := batchRequest("a")
	b := NewRequest("openai", "gpt-3.5", Payload{Prompt: "b"})
	fa := batcher.Enqueue(a)
	fb := batcher.Enqueue(b)

	fa.Wait(ctx)
	fb.Wait(ctx)

	// Different models must never share a downstream call.
	if dispatch.callCount() != 2 {
		t.Errorf("Expected 2 downstream calls for 2 models, got %d", dispatch.callCount())
	}
}

func TestBatcherGroupsByUser(t *testing.T) {
	dispatch := &recordingBatchDispatch{}
	batcher := NewBatcher(GroupByUser, 10, 20*time.Millisecond, dispatch.fn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a := batchRequest("a")
	a.UserID = "alice"
	b := batchRequest("b")
	b.UserID = "bob"

	fa := batcher.Enqueue(a)
	fb := batcher.Enqueue(b)
	fa.Wait(ctx)
	fb.Wait(ctx)

	if dispatch.callCount() != 2 {
		t.Errorf("Expected 2 downstream calls for 2 users, got %d", dispatch.callCount())
	}
}

func TestBatcherFailureRejectsAllMembers(t *testing.T) {
	dispatch := &recordingBatchDispatch{err: errors.New("provider down")}
	batcher := NewBatcher(GroupByProvider, 2, time.Hour, dispatch.fn)
	ctx := context.Background()

	f1 := batcher.Enqueue(batchRequest("a"))
	f2 := batcher.Enqueue(batchRequest("b"))

	for i, f := range []*BatchFuture{f1, f2} {
		_, err := f.Wait(ctx)
		if err == nil {
			t.Errorf("Expected member %d to fail", i)
		}
	}
}

func TestBatcherLengthMismatchIsError(t *testing.T) {
	dispatch := &recordingBatchDispatch{short: true}
	batcher := NewBatcher(GroupByProvider, 2, time.Hour, dispatch.fn)
	ctx := context.Background()

	f1 := batcher.Enqueue(batchRequest("a"))
	batcher.Enqueue(batchRequest("b"))

	_, err := f1.Wait(ctx)
	if err == nil {
		t.Fatal("Expected error on response count mismatch")
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Type != ErrorTypeProvider {
		t.Errorf("Expected provider error, got %v", err)
	}
}

func TestBatcherCancelRemovesQueuedMember(t *testing.T) {
	dispatch := &recordingBatchDispatch{}
	batcher := NewBatcher(GroupByProvider, 2, 30*time.Millisecond, dispatch.fn)
	ctx := context.Background()

	doomed := batchRequest("doomed")
	future := batcher.Enqueue(doomed)

	if !batcher.Cancel(doomed.ID) {
		t.Fatal("Expected cancel of queued member to succeed")
	}

	_, err := future.Wait(ctx)
	if !errors.Is(err, ErrRequestCanceled) {
		t.Errorf("Expected canceled error, got %v", err)
	}

	// The emptied batch must not dispatch.
	time.Sleep(50 * time.Millisecond)
	if dispatch.callCount() != 0 {
		t.Errorf("Expected no downstream call for an emptied batch, got %d", dispatch.callCount())
	}
}

func TestBatcherCancelDoesNotAffectSiblings(t *testing.T) {
	dispatch := &recordingBatchDispatch{}
	batcher := NewBatcher(GroupByProvider, 10, 30*time.Millisecond, dispatch.fn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	doomed := batchRequest("doomed")
	batcher.Enqueue(doomed)
	survivor := batcher.Enqueue(batchRequest("survivor"))

	batcher.Cancel(doomed.ID)

	resp, err := survivor.Wait(ctx)
	if err != nil {
		t.Fatalf("Sibling failed: %v", err)
	}
	if resp.Content != "survivor" {
		t.Errorf("Expected survivor response, got %q", resp.Content)
	}
}

func TestBatcherCancelUnknownRequest(t *testing.T) {
	batcher := NewBatcher(GroupByProvider, 2, time.Hour, (&recordingBatchDispatch{}).fn)
	if batcher.Cancel("nope") {
		t.Error("Expected cancel of unknown request to return false")
	}
}

func TestBatcherFlushDispatchesPending(t *testing.T) {
	dispatch := &recordingBatchDispatch{}
	batcher := NewBatcher(GroupByProvider, 100, time.Hour, dispatch.fn)
	ctx := context.Background()

	future := batcher.Enqueue(batchRequest("pending"))
	batcher.Flush()

	resp, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait after Flush failed: %v", err)
	}
	if resp.Content != "pending" {
		t.Errorf("Expected pending member dispatched on Flush, got %q", resp.Content)
	}
}

func TestBatcherStats(t *testing.T) {
	dispatch := &recordingBatchDispatch{}
	batcher := NewBatcher(GroupByProvider, 2, time.Hour, dispatch.fn)
	ctx := context.Background()

	f1 := batcher.Enqueue(batchRequest("a"))
	f2 := batcher.Enqueue(batchRequest("b"))
	f1.Wait(ctx)
	f2.Wait(ctx)

	stats := batcher.Stats()
	if stats.Dispatched != 1 {
		t.Errorf("Expected Dispatched=1, got %d", stats.Dispatched)
	}
	if stats.Members != 2 {
		t.Errorf("Expected Members=2, got %d", stats.Members)
	}
	if stats.PendingQueues != 0 {
		t.Errorf("Expected no pending queues, got %d", stats.PendingQueues)
	}
}

func TestBatcherTimerFireDuringSeal(t *testing.T) {
	// Race the maxWait timer against the full-batch seal path; every member
	// must settle exactly once regardless of which side wins.
	for i := 0; i < 50; i++ {
		dispatch := &recordingBatchDispatch{}
		batcher := NewBatcher(GroupByProvider, 2, time.Millisecond, dispatch.fn)

		first := batcher.Enqueue(batchRequest(fmt.Sprintf("first-%d", i)))

		var second *BatchFuture
		done := make(chan struct{})
		go func() {
			second = batcher.Enqueue(batchRequest(fmt.Sprintf("second-%d", i)))
			close(done)
		}()
		<-done

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := first.Wait(ctx); err != nil {
			t.Fatalf("Iteration %d: first member failed: %v", i, err)
		}
		if _, err := second.Wait(ctx); err != nil {
			t.Fatalf("Iteration %d: second member failed: %v", i, err)
		}
		cancel()
	}
}
