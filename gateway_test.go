package gerbang

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeDispatcher counts calls and can fail the first N dispatches or delay
// each call.
type fakeDispatcher struct {
	mu         sync.Mutex
	calls      int
	batchCalls int
	failures   int
	delay      time.Duration
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, providerID, modelID string, payload Payload, opts RequestOptions) (*Response, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()

	if d.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.delay):
		}
	}
	if n <= d.failures {
		return nil, errors.New("provider error")
	}
	return &Response{
		Provider:     providerID,
		Model:        modelID,
		Content:      "echo: " + payload.Prompt,
		TokensUsed:   10,
		FinishReason: "stop",
		CreatedAt:    time.Now(),
	}, nil
}

func (d *fakeDispatcher) DispatchBatch(ctx context.Context, providerID, modelID string, payloads []Payload, opts RequestOptions) ([]*Response, error) {
	d.mu.Lock()
	d.batchCalls++
	d.mu.Unlock()

	responses := make([]*Response, len(payloads))
	for i, payload := range payloads {
		responses[i] = &Response{Provider: providerID, Model: modelID, Content: "echo: " + payload.Prompt, CreatedAt: time.Now()}
	}
	return responses, nil
}

func (d *fakeDispatcher) dispatchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDispatcher) batchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batchCalls
}

func TestGatewaySubmit(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	gw := New(dispatcher)
	defer gw.Close()

	req := NewRequest("openai", "gpt-4", Payload{Prompt: "hello"})
	resp, err := gw.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.Content != "echo: hello" {
		t.Errorf("Expected echo, got %q", resp.Content)
	}
	if resp.RequestID != req.ID {
		t.Errorf("Expected RequestID=%s, got %s", req.ID, resp.RequestID)
	}
}

func TestGatewayRejectsInvalidRequest(t *testing.T) {
	gw := New(&fakeDispatcher{})
	defer gw.Close()

	_, err := gw.Submit(context.Background(), NewRequest("openai", "gpt-4", Payload{}))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}

	_, err = gw.Submit(context.Background(), NewRequest("", "gpt-4", Payload{Prompt: "x"}))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for missing provider, got %v", err)
	}
}

func TestGatewayInvalidConfiguration(t *testing.T) {
	gw := New(&fakeDispatcher{}, WithMaxRetries(-1))
	defer gw.Close()

	if gw.IsValid() {
		t.Fatal("Expected invalid configuration")
	}
	_, err := gw.Submit(context.Background(), NewRequest("openai", "gpt-4", Payload{Prompt: "x"}))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error on submit, got %v", err)
	}
}

func TestGatewayCacheShortCircuits(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	gw := New(dispatcher, WithCache(time.Minute, 0))
	defer gw.Close()
	ctx := context.Background()

	first, err := gw.Submit(ctx, NewRequest("openai", "gpt-4", Payload{Prompt: "hello"}))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if first.FromCache {
		t.Error("Expected first response not to come from cache")
	}

	second, err := gw.Submit(ctx, NewRequest("openai", "gpt-4", Payload{Prompt: "hello"}))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !second.FromCache {
		t.Error("Expected second response from cache")
	}
	if dispatcher.dispatchCount() != 1 {
		t.Errorf("Expected 1 dispatch, got %d", dispatcher.dispatchCount())
	}
}

func TestGatewayRateLimitedNotRetried(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	gw := New(dispatcher, WithRules(RateLimitRule{
		ID:     "per-user",
		Scope:  ScopeUser,
		Limit:  1,
		Window: time.Minute,
	}))
	defer gw.Close()
	ctx := context.Background()

	first := NewRequest("openai", "gpt-4", Payload{Prompt: "a"})
	first.UserID = "alice"
	if _, err := gw.Submit(ctx, first); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	second := NewRequest("openai", "gpt-4", Payload{Prompt: "b"})
	second.UserID = "alice"
	_, err := gw.Submit(ctx, second)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected rate limit error, got %v", err)
	}
	if RetryAfter(err) <= 0 {
		t.Errorf("Expected positive RetryAfter, got %v", RetryAfter(err))
	}
	if dispatcher.dispatchCount() != 1 {
		t.Errorf("Expected rejected request never dispatched, got %d dispatches", dispatcher.dispatchCount())
	}
}

func TestGatewayRetriesProviderErrors(t *testing.T) {
	dispatcher := &fakeDispatcher{failures: 2}
	gw := New(dispatcher,
		WithMaxRetries(3),
		WithInitialBackoff(time.Millisecond),
		WithMaxBackoff(5*time.Millisecond),
	)
	defer gw.Close()

	resp, err := gw.Submit(context.Background(), NewRequest("openai", "gpt-4", Payload{Prompt: "hello"}))
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if resp.Content != "echo: hello" {
		t.Errorf("Unexpected content %q", resp.Content)
	}
	if dispatcher.dispatchCount() != 3 {
		t.Errorf("Expected 3 attempts, got %d", dispatcher.dispatchCount())
	}
}

func TestGatewayExhaustedRetries(t *testing.T) {
	dispatcher := &fakeDispatcher{failures: 100}
	gw := New(dispatcher,
		WithMaxRetries(2),
		WithInitialBackoff(time.Millisecond),
		WithMaxBackoff(5*time.Millisecond),
	)
	defer gw.Close()

	_, err := gw.Submit(context.Background(), NewRequest("openai", "gpt-4", Payload{Prompt: "hello"}))
	if err == nil {
		t.Fatal("Expected failure after exhausting retries")
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Type != ErrorTypeProvider {
		t.Fatalf("Expected provider error, got %v", err)
	}
	if gwErr.Attempt != 3 {
		t.Errorf("Expected 3 attempts recorded, got %d", gwErr.Attempt)
	}
	if dispatcher.dispatchCount() != 3 {
		t.Errorf("Expected 3 dispatches, got %d", dispatcher.dispatchCount())
	}
}

func TestGatewayCircuitBreakerFailsFast(t *testing.T) {
	dispatcher := &fakeDispatcher{failures: 100}
	gw := New(dispatcher,
		WithMaxRetries(0),
		WithBreakerSettings(BreakerSettings{FailureThreshold: 1, OpenTimeout: time.Hour}),
	)
	defer gw.Close()
	ctx := context.Background()

	_, err := gw.Submit(ctx, NewRequest("openai", "gpt-4", Payload{Prompt: "a"}))
	if err == nil {
		t.Fatal("Expected provider failure")
	}

	_, err = gw.Submit(ctx, NewRequest("openai", "gpt-4", Payload{Prompt: "b"}))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected circuit open error, got %v", err)
	}
	if RetryAfter(err) <= 0 {
		t.Errorf("Expected positive RetryAfter, got %v", RetryAfter(err))
	}
	if dispatcher.dispatchCount() != 1 {
		t.Errorf("Expected fail-fast without dispatch, got %d dispatches", dispatcher.dispatchCount())
	}
}

func TestGatewayDeduplicationCollapsesConcurrentRequests(t *testing.T) {
	dispatcher := &fakeDispatcher{delay: 30 * time.Millisecond}
	gw := New(dispatcher, WithDeduplication(0, 0))
	defer gw.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	responses := make([]*Response, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = gw.Submit(ctx, NewRequest("openai", "gpt-4", Payload{Prompt: "same"}))
		}(i)
	}
	wg.Wait()

	for i := range responses {
		if errs[i] != nil {
			t.Fatalf("Request %d failed: %v", i, errs[i])
		}
		if responses[i].Content != "echo: same" {
			t.Errorf("Request %d got %q", i, responses[i].Content)
		}
	}
	if dispatcher.dispatchCount() != 1 {
		t.Errorf("Expected 1 dispatch for 5 identical requests, got %d", dispatcher.dispatchCount())
	}
}

func TestGatewayBatchingCombinesRequests(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	gw := New(dispatcher, WithBatching(GroupByProvider, 2, 50*time.Millisecond))
	defer gw.Close()
	ctx := context.Background()

	reqs := []*GatewayRequest{
		NewRequest("openai", "gpt-4", Payload{Prompt: "a"}),
		NewRequest("openai", "gpt-4", Payload{Prompt: "b"}),
	}
	responses, errs := gw.SubmitBatch(ctx, reqs)
	for i := range responses {
		if errs[i] != nil {
			t.Fatalf("Request %d failed: %v", i, errs[i])
		}
		if responses[i].Content != fmt.Sprintf("echo: %s", reqs[i].Payload.Prompt) {
			t.Errorf("Request %d got %q", i, responses[i].Content)
		}
		if responses[i].RequestID != reqs[i].ID {
			t.Errorf("Request %d response carries ID %s", i, responses[i].RequestID)
		}
	}
	if dispatcher.batchCount() != 1 {
		t.Errorf("Expected 1 batched call, got %d", dispatcher.batchCount())
	}
	if dispatcher.dispatchCount() != 0 {
		t.Errorf("Expected no single dispatches, got %d", dispatcher.dispatchCount())
	}
}

func TestGatewayHighPriorityBypassesBatching(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	gw := New(dispatcher, WithBatching(GroupByProvider, 100, 50*time.Millisecond))
	defer gw.Close()

	req := NewRequest("openai", "gpt-4", Payload{Prompt: "now"})
	req.Priority = PriorityUrgent

	if _, err := gw.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if dispatcher.dispatchCount() != 1 {
		t.Errorf("Expected direct dispatch for urgent request, got %d", dispatcher.dispatchCount())
	}
	if dispatcher.batchCount() != 0 {
		t.Errorf("Expected no batch calls, got %d", dispatcher.batchCount())
	}
}

func TestGatewayStreamingBypassesCacheAndBatching(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	gw := New(dispatcher,
		WithCache(time.Minute, 0),
		WithBatching(GroupByProvider, 100, 50*time.Millisecond),
	)
	defer gw.Close()
	ctx := context.Background()

	req := NewRequest("openai", "gpt-4", Payload{Prompt: "stream"})
	req.Options.Stream = true
	if _, err := gw.Submit(ctx, req); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	again := NewRequest("openai", "gpt-4", Payload{Prompt: "stream"})
	again.Options.Stream = true
	resp, err := gw.Submit(ctx, again)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.FromCache {
		t.Error("Expected streaming responses never served from cache")
	}
	if dispatcher.dispatchCount() != 2 {
		t.Errorf("Expected 2 direct dispatches, got %d", dispatcher.dispatchCount())
	}
}

func TestGatewayThrottleRejects(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	gw := New(dispatcher, WithThrottle(1, time.Hour))
	defer gw.Close()
	ctx := context.Background()

	if _, err := gw.Submit(ctx, NewRequest("openai", "gpt-4", Payload{Prompt: "a"})); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	_, err := gw.Submit(ctx, NewRequest("openai", "gpt-4", Payload{Prompt: "b"}))
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("Expected throttle error, got %v", err)
	}
	if dispatcher.dispatchCount() != 1 {
		t.Errorf("Expected throttled request never dispatched, got %d", dispatcher.dispatchCount())
	}
}

func TestGatewayTimeout(t *testing.T) {
	dispatcher := &fakeDispatcher{delay: 200 * time.Millisecond}
	gw := New(dispatcher, WithTimeout(20*time.Millisecond), WithMaxRetries(0))
	defer gw.Close()

	_, err := gw.Submit(context.Background(), NewRequest("openai", "gpt-4", Payload{Prompt: "slow"}))
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Type != ErrorTypeTimeout {
		t.Errorf("Expected timeout error type, got %v", err)
	}
}

func TestGatewayCancelInFlight(t *testing.T) {
	dispatcher := &fakeDispatcher{delay: 500 * time.Millisecond}
	gw := New(dispatcher, WithMaxRetries(0))
	defer gw.Close()

	req := NewRequest("openai", "gpt-4", Payload{Prompt: "slow"})
	done := make(chan error, 1)
	go func() {
		_, err := gw.Submit(context.Background(), req)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if !gw.Cancel(req.ID) {
		t.Fatal("Expected cancel to find the in-flight request")
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrRequestCanceled) {
			t.Errorf("Expected canceled error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit never returned after cancel")
	}
}

func TestGatewayCancelUnknownRequest(t *testing.T) {
	gw := New(&fakeDispatcher{})
	defer gw.Close()

	if gw.Cancel("nope") {
		t.Error("Expected cancel of unknown request to return false")
	}
}

func TestGatewayStats(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	gw := New(dispatcher,
		WithRules(RateLimitRule{ID: "r", Scope: ScopeGlobal, Limit: 100, Window: time.Minute}),
		WithCache(time.Minute, 0),
		WithDeduplication(0, 0),
	)
	defer gw.Close()
	ctx := context.Background()

	gw.Submit(ctx, NewRequest("openai", "gpt-4", Payload{Prompt: "a"}))
	gw.Submit(ctx, NewRequest("openai", "gpt-4", Payload{Prompt: "a"}))

	stats := gw.Stats()
	if stats.Admission.Allowed == 0 {
		t.Error("Expected admission stats to be populated")
	}
	if stats.Cache.Hits != 1 {
		t.Errorf("Expected 1 cache hit, got %d", stats.Cache.Hits)
	}
	if stats.Breakers["openai"].State != "closed" {
		t.Errorf("Expected closed breaker, got %q", stats.Breakers["openai"].State)
	}
}

func TestErrorOutcomeUnwrapsWrappedErrors(t *testing.T) {
	gwErr := &GatewayError{Type: ErrorTypeRateLimit}

	if got := errorOutcome(gwErr); got != ErrorTypeRateLimit {
		t.Errorf("Expected %q for direct error, got %q", ErrorTypeRateLimit, got)
	}
	if got := errorOutcome(fmt.Errorf("submit: %w", gwErr)); got != ErrorTypeRateLimit {
		t.Errorf("Expected %q for wrapped error, got %q", ErrorTypeRateLimit, got)
	}
	if got := errorOutcome(errors.New("plain")); got != "error" {
		t.Errorf("Expected fallback outcome for plain error, got %q", got)
	}
}
