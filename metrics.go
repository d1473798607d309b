package gerbang

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the gateway's request
// lifecycle and reliability layers. All record methods are nil-receiver safe
// and never block the hot path. It is safe for concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	admissionAllowed     *prometheus.CounterVec
	admissionRejected    *prometheus.CounterVec
	admissionStoreErrors prometheus.Counter

	circuitBreakerState *prometheus.GaugeVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	cacheSize      prometheus.Gauge

	deduplicationHits *prometheus.CounterVec

	batchSize     prometheus.Histogram
	batchesTotal  *prometheus.CounterVec
	throttleDrops *prometheus.CounterVec

	retriesTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gerbang_requests_total",
				Help: "Total number of requests submitted to the gateway",
			},
			[]string{"provider", "model", "outcome"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gerbang_request_duration_seconds",
				Help:    "End-to-end request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gerbang_requests_in_flight",
				Help: "Number of requests currently inside the pipeline",
			},
			[]string{"provider"},
		),
		admissionAllowed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gerbang_admission_allowed_total",
				Help: "Total number of requests allowed by admission control",
			},
			[]string{"provider"},
		),
		admissionRejected: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gerbang_admission_rejected_total",
				Help: "Total number of requests rejected by admission control",
			},
			[]string{"rule"},
		),
		admissionStoreErrors: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "gerbang_admission_store_errors_total",
				Help: "Rate limit store failures that caused admission to fail open",
			},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gerbang_circuit_breaker_state",
				Help: "Current state of a provider's circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gerbang_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"provider", "model"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gerbang_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"provider", "model"},
		),
		cacheEvictions: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "gerbang_cache_evictions_total",
				Help: "Total number of cache entries evicted or expired",
			},
		),
		cacheSize: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "gerbang_cache_size",
				Help: "Current number of entries in the response cache",
			},
		),
		deduplicationHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gerbang_deduplication_hits_total",
				Help: "Total number of requests coalesced onto an in-flight call",
			},
			[]string{"provider", "model"},
		),
		batchSize: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gerbang_batch_size",
				Help:    "Member count of dispatched batches",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),
		batchesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gerbang_batches_total",
				Help: "Total number of batches dispatched",
			},
			[]string{"status"},
		),
		throttleDrops: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gerbang_throttle_drops_total",
				Help: "Requests rejected by the local backpressure valve",
			},
			[]string{"provider"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gerbang_retries_total",
				Help: "Total number of dispatch retry attempts",
			},
			[]string{"provider"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gerbang_errors_total",
				Help: "Total number of errors by taxonomy type",
			},
			[]string{"type", "provider"},
		),
		registry: registry,
	}
}

// RecordRequest records request count and end-to-end duration.
func (mc *MetricsCollector) RecordRequest(provider, model, outcome string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.requestsTotal.WithLabelValues(provider, model, outcome).Inc()
	mc.requestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(provider string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(provider).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(provider string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(provider).Dec()
}

// RecordAdmission records an admission decision. Rejections are labelled with
// the rule that rejected.
func (mc *MetricsCollector) RecordAdmission(provider string, allowed bool, ruleID string) {
	if mc == nil {
		return
	}
	if allowed {
		mc.admissionAllowed.WithLabelValues(provider).Inc()
	} else {
		mc.admissionRejected.WithLabelValues(ruleID).Inc()
	}
}

// RecordAdmissionStoreError counts a rate limit store failure.
func (mc *MetricsCollector) RecordAdmissionStoreError() {
	if mc == nil {
		return
	}
	mc.admissionStoreErrors.Inc()
}

// RecordCircuitBreakerState sets the breaker state gauge for a provider.
func (mc *MetricsCollector) RecordCircuitBreakerState(provider string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(provider, model string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(provider, model).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(provider, model string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(provider, model).Inc()
}

// RecordCacheEviction counts evicted or expired entries.
func (mc *MetricsCollector) RecordCacheEviction(n int) {
	if mc == nil || n <= 0 {
		return
	}
	mc.cacheEvictions.Add(float64(n))
}

// RecordCacheSize sets the cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.Set(float64(size))
}

// RecordDeduplicationHit increments the de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(provider, model string) {
	if mc == nil {
		return
	}
	mc.deduplicationHits.WithLabelValues(provider, model).Inc()
}

// RecordBatch records a dispatched batch with its member count.
func (mc *MetricsCollector) RecordBatch(size int, status string) {
	if mc == nil {
		return
	}
	mc.batchSize.Observe(float64(size))
	mc.batchesTotal.WithLabelValues(status).Inc()
}

// RecordThrottleDrop counts a backpressure rejection.
func (mc *MetricsCollector) RecordThrottleDrop(provider string) {
	if mc == nil {
		return
	}
	mc.throttleDrops.WithLabelValues(provider).Inc()
}

// RecordRetry increments the retry counter for a provider.
func (mc *MetricsCollector) RecordRetry(provider string) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(provider).Inc()
}

// RecordError increments the error counter by taxonomy type.
func (mc *MetricsCollector) RecordError(errorType, provider string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, provider).Inc()
}
