package gerbang

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/ambiyansyah-risyal/gerbang/internal/backoff"
)

// Stats is a point-in-time snapshot across all gateway subsystems.
type Stats struct {
	Admission AdmissionStats
	Cache     CacheStats
	Breakers  map[string]BreakerStats
	Dedup     DedupStats
	Batch     BatchStats
}

// Gateway fronts one or more model providers with admission control,
// response caching, circuit breaking, deduplication and batching. Construct
// one per process with New and inject it where requests are handled; it is
// safe for concurrent use.
type Gateway struct {
	dispatcher Dispatcher

	admission *AdmissionController
	breakers  *BreakerRegistry
	cache     *ResponseCache
	dedup     *DeduplicationTracker
	batcher   *Batcher
	throttle  *Throttle

	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   backoff.Strategy
	defaultTimeout    time.Duration

	costFunc CostFunc
	metrics  *MetricsCollector
	logger   Logger

	inflight        *xsync.Map[string, context.CancelFunc]
	janitor         *cron.Cron
	janitorSchedule string

	validationError error
}

// New constructs a Gateway around the provider dispatcher using the provided
// functional options. A best effort validation is performed; call IsValid /
// ValidationError for errors.
func New(dispatcher Dispatcher, options ...Option) *Gateway {
	g := &Gateway{
		dispatcher:        dispatcher,
		breakers:          NewBreakerRegistry(BreakerSettings{}),
		maxRetries:        3,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,
		backoffStrategy:   backoff.Exponential{},
		defaultTimeout:    30 * time.Second,
		inflight:          xsync.NewMap[string, context.CancelFunc](),
		janitorSchedule:   "@every 1m",
	}

	for _, option := range options {
		option(g)
	}

	// Components pick up the gateway's metrics and logger regardless of
	// option ordering.
	g.breakers.metrics = g.metrics
	if g.admission != nil {
		g.admission.metrics = g.metrics
		g.admission.logger = g.logger
	}
	if g.cache != nil {
		g.cache.metrics = g.metrics
		g.cache.logger = g.logger
	}
	if g.batcher != nil {
		g.batcher.metrics = g.metrics
		g.batcher.logger = g.logger
		g.batcher.dispatch = g.dispatchBatch
		if g.defaultTimeout > 0 {
			g.batcher.timeout = g.defaultTimeout
		}
	}

	if err := g.ValidateConfiguration(); err != nil {
		g.validationError = err
	}

	if g.cache != nil || g.dedup != nil {
		g.janitor = cron.New()
		if _, err := g.janitor.AddFunc(g.janitorSchedule, g.sweep); err == nil {
			g.janitor.Start()
		} else if g.logger != nil {
			g.logger.Error("invalid janitor schedule", "schedule", g.janitorSchedule, "error", err.Error())
		}
	}

	return g
}

func (g *Gateway) sweep() {
	if g.cache != nil {
		evicted := g.cache.Cleanup(context.Background())
		if evicted > 0 && g.logger != nil {
			g.logger.Debug("cache sweep", "evicted", evicted)
		}
	}
	if g.dedup != nil {
		g.dedup.Sweep()
	}
}

// Close stops the janitor and flushes any pending batches.
func (g *Gateway) Close() {
	if g.janitor != nil {
		g.janitor.Stop()
	}
	if g.batcher != nil {
		g.batcher.Flush()
	}
}

// IsValid reports whether the configuration passed validation.
func (g *Gateway) IsValid() bool { return g.validationError == nil }

// ValidationError returns the configuration validation error, if any.
func (g *Gateway) ValidationError() error { return g.validationError }

// Submit runs one request through the pipeline: cache lookup, admission
// check, circuit breaker check, deduplication, batching or direct dispatch,
// then outcome recording. The request's timeout budget starts here and
// includes any time spent queued.
func (g *Gateway) Submit(ctx context.Context, req *GatewayRequest) (*Response, error) {
	if g.validationError != nil {
		return nil, g.validationError
	}
	if req == nil {
		return nil, &GatewayError{Type: ErrorTypeValidation, Message: "nil request", Timestamp: time.Now()}
	}

	req.normalize()
	if err := req.validate(); err != nil {
		g.metrics.RecordError(ErrorTypeValidation, req.Provider)
		return nil, &GatewayError{
			Type:      ErrorTypeValidation,
			Message:   err.Error(),
			RequestID: req.ID,
			Timestamp: time.Now(),
			Cause:     err,
		}
	}
	if g.costFunc != nil && req.EstimatedCost == 0 {
		req.EstimatedCost = g.costFunc(req)
	}

	start := time.Now()
	g.metrics.RecordRequestStart(req.Provider)
	defer g.metrics.RecordRequestEnd(req.Provider)

	if g.defaultTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, g.defaultTimeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.inflight.Store(req.ID, cancel)
	defer g.inflight.Delete(req.ID)

	resp, err := g.process(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = errorOutcome(err)
	}
	g.metrics.RecordRequest(req.Provider, req.Model, outcome, time.Since(start))

	if g.logger != nil {
		if err != nil {
			g.logger.Debug("request failed", "requestID", req.ID, "provider", req.Provider, "outcome", outcome, "error", err.Error())
		} else {
			g.logger.Debug("request completed", "requestID", req.ID, "provider", req.Provider, "duration", time.Since(start))
		}
	}
	return resp, err
}

func (g *Gateway) process(ctx context.Context, req *GatewayRequest) (*Response, error) {
	cacheable := g.cache != nil && !req.Options.Stream
	if cc, ok := cacheControlFrom(ctx); ok {
		cacheable = g.cache != nil && cc.Enabled
	}

	if cacheable {
		if resp, ok := g.cache.Get(ctx, req); ok {
			g.metrics.RecordCacheHit(req.Provider, req.Model)
			resp.RequestID = req.ID
			return resp, nil
		}
		g.metrics.RecordCacheMiss(req.Provider, req.Model)
	}

	if g.admission != nil {
		decision := g.admission.CheckLimit(ctx, req)
		if !decision.Allowed {
			g.metrics.RecordError(ErrorTypeRateLimit, req.Provider)
			return nil, &GatewayError{
				Type:       ErrorTypeRateLimit,
				Message:    "rate limit exceeded",
				RequestID:  req.ID,
				RuleID:     decision.RuleID,
				RetryAfter: decision.RetryAfter,
				Timestamp:  time.Now(),
			}
		}
		g.admission.RecordRequest(ctx, req)
	}

	if !g.breakers.CanExecute(req.Provider) {
		g.metrics.RecordError(ErrorTypeCircuitOpen, req.Provider)
		return nil, g.circuitOpenError(req.Provider, req.ID)
	}

	var dedupKey string
	var entry *DeduplicationEntry
	owner := true
	if g.dedup != nil && !req.Options.Stream {
		dedupKey = Fingerprint(req, true)
		entry, owner = g.dedup.GetOrCreate(dedupKey)
		if !owner {
			g.metrics.RecordDeduplicationHit(req.Provider, req.Model)
			resp, err := entry.Wait(ctx)
			if ctx.Err() != nil {
				g.dedup.Release(dedupKey)
				return nil, g.wrapContextErr(req, ctx.Err())
			}
			if resp != nil {
				shared := *resp
				shared.RequestID = req.ID
				return &shared, err
			}
			return resp, err
		}
	}

	if g.throttle != nil && !g.throttle.Allow(req.Provider, req.scopeKey(ScopeUser)) {
		g.metrics.RecordThrottleDrop(req.Provider)
		err := &GatewayError{
			Type:      ErrorTypeThrottle,
			Message:   "local backpressure limit exceeded",
			RequestID: req.ID,
			Provider:  req.Provider,
			Timestamp: time.Now(),
		}
		if owner && entry != nil {
			g.dedup.Complete(dedupKey, nil, err)
		}
		return nil, err
	}

	var resp *Response
	var err error
	if g.batcher != nil && req.Priority < PriorityHigh && !req.Options.Stream {
		future := g.batcher.Enqueue(req)
		resp, err = future.Wait(ctx)
		if ctx.Err() != nil {
			g.batcher.Cancel(req.ID)
			err = g.wrapContextErr(req, ctx.Err())
			resp = nil
		}
	} else {
		resp, err = g.dispatchWithRetry(ctx, req)
	}

	if owner && entry != nil {
		g.dedup.Complete(dedupKey, resp, err)
	}
	if err == nil && resp != nil && cacheable {
		g.cache.Set(ctx, req, resp)
	}
	return resp, err
}

// dispatchWithRetry wraps every attempt in a breaker check before and exactly
// one success/failure record after. Only provider-level failures are
// retried; context expiry aborts immediately.
func (g *Gateway) dispatchWithRetry(ctx context.Context, req *GatewayRequest) (*Response, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			g.metrics.RecordRetry(req.Provider)
			delay := g.backoffStrategy.Delay(attempt-1, g.initialBackoff, g.maxBackoff, g.backoffMultiplier, g.jitter)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, g.wrapContextErr(req, ctx.Err())
			case <-timer.C:
			}
		}

		if !g.breakers.CanExecute(req.Provider) {
			g.metrics.RecordError(ErrorTypeCircuitOpen, req.Provider)
			return nil, g.circuitOpenError(req.Provider, req.ID)
		}

		attempts++
		resp, err := g.dispatcher.Dispatch(ctx, req.Provider, req.Model, req.Payload, req.Options)
		if err == nil {
			g.breakers.RecordSuccess(req.Provider)
			if resp != nil {
				resp.RequestID = req.ID
			}
			return resp, nil
		}

		g.breakers.RecordFailure(req.Provider)
		lastErr = err
		if ctx.Err() != nil {
			return nil, g.wrapContextErr(req, ctx.Err())
		}
	}

	g.metrics.RecordError(ErrorTypeProvider, req.Provider)
	return nil, &GatewayError{
		Type:       ErrorTypeProvider,
		Message:    "provider dispatch failed",
		Provider:   req.Provider,
		RequestID:  req.ID,
		Attempt:    attempts,
		MaxRetries: g.maxRetries,
		Timestamp:  time.Now(),
		Cause:      lastErr,
	}
}

// dispatchBatch is the downstream call behind the batcher, with the same
// breaker wrapping and retry policy as direct dispatch.
func (g *Gateway) dispatchBatch(ctx context.Context, providerID, modelID string, payloads []Payload, opts RequestOptions) ([]*Response, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			g.metrics.RecordRetry(providerID)
			delay := g.backoffStrategy.Delay(attempt-1, g.initialBackoff, g.maxBackoff, g.backoffMultiplier, g.jitter)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		if !g.breakers.CanExecute(providerID) {
			g.metrics.RecordError(ErrorTypeCircuitOpen, providerID)
			return nil, g.circuitOpenError(providerID, "")
		}

		attempts++
		responses, err := g.dispatcher.DispatchBatch(ctx, providerID, modelID, payloads, opts)
		if err == nil {
			g.breakers.RecordSuccess(providerID)
			return responses, nil
		}

		g.breakers.RecordFailure(providerID)
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	g.metrics.RecordError(ErrorTypeProvider, providerID)
	return nil, &GatewayError{
		Type:       ErrorTypeProvider,
		Message:    "batch dispatch failed",
		Provider:   providerID,
		Attempt:    attempts,
		MaxRetries: g.maxRetries,
		Timestamp:  time.Now(),
		Cause:      lastErr,
	}
}

// SubmitBatch submits several requests concurrently and returns responses and
// errors index-aligned with the input.
func (g *Gateway) SubmitBatch(ctx context.Context, reqs []*GatewayRequest) ([]*Response, []error) {
	responses := make([]*Response, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *GatewayRequest) {
			defer wg.Done()
			responses[i], errs[i] = g.Submit(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return responses, errs
}

// Cancel aborts a pending request. A queued batch member is removed without
// affecting siblings; a request waiting on a deduplicated call drops its
// reference without canceling the shared call.
func (g *Gateway) Cancel(requestID string) bool {
	canceled := false
	if g.batcher != nil && g.batcher.Cancel(requestID) {
		canceled = true
	}
	if cancel, ok := g.inflight.LoadAndDelete(requestID); ok {
		cancel()
		canceled = true
	}
	return canceled
}

// Stats returns a snapshot across all subsystems. Disabled subsystems report
// zero values.
func (g *Gateway) Stats() Stats {
	stats := Stats{Breakers: g.breakers.Stats()}
	if g.admission != nil {
		stats.Admission = g.admission.Stats()
	}
	if g.cache != nil {
		stats.Cache = g.cache.Stats(context.Background())
	}
	if g.dedup != nil {
		stats.Dedup = g.dedup.Stats()
	}
	if g.batcher != nil {
		stats.Batch = g.batcher.Stats()
	}
	return stats
}

func (g *Gateway) circuitOpenError(providerID, requestID string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeCircuitOpen,
		Message:    "circuit breaker is open",
		Provider:   providerID,
		RequestID:  requestID,
		RetryAfter: g.breakers.ResetEstimate(providerID),
		Timestamp:  time.Now(),
	}
}

func (g *Gateway) wrapContextErr(req *GatewayRequest, err error) *GatewayError {
	errType := ErrorTypeTimeout
	msg := "request timed out"
	if err == context.Canceled {
		errType = ErrorTypeCanceled
		msg = "request canceled"
	}
	g.metrics.RecordError(errType, req.Provider)
	return &GatewayError{
		Type:      errType,
		Message:   msg,
		Provider:  req.Provider,
		RequestID: req.ID,
		Timestamp: time.Now(),
		Cause:     err,
	}
}

func errorOutcome(err error) string {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Type
	}
	return "error"
}
