package gerbang

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// RateLimitRule is one statically configured admission rule. A request is
// admitted only when every applicable rule allows it.
type RateLimitRule struct {
	ID         string          `yaml:"id"`
	Scope      Scope           `yaml:"scope"`
	Limit      int             `yaml:"limit"`
	Window     time.Duration   `yaml:"window"`
	Conditions []RuleCondition `yaml:"conditions,omitempty"`
}

// RuleCondition narrows a rule to requests whose field matches the predicate.
// Supported operators: eq, ne, gt, lt, contains.
type RuleCondition struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
}

// matches reports whether the condition holds for the request. Unknown fields
// or operators never match, which excludes the rule rather than the request.
func (c RuleCondition) matches(req *GatewayRequest) bool {
	value, ok := req.field(c.Field)
	if !ok {
		return false
	}
	switch c.Operator {
	case "eq":
		return value == c.Value
	case "ne":
		return value != c.Value
	case "gt":
		return value > c.Value
	case "lt":
		return value < c.Value
	case "contains":
		return strings.Contains(value, c.Value)
	default:
		return false
	}
}

// applies reports whether every condition on the rule matches the request.
// A rule without conditions applies to all requests.
func (r RateLimitRule) applies(req *GatewayRequest) bool {
	for _, cond := range r.Conditions {
		if !cond.matches(req) {
			return false
		}
	}
	return true
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	RuleID     string
}

// AdmissionStats is a snapshot of admission counters.
type AdmissionStats struct {
	Allowed     uint64
	Rejected    uint64
	StoreErrors uint64
}

// AdmissionController evaluates rate limit rules against requests. Counter
// state lives in the configured LimitStrategy; the controller itself only
// holds the rule set and bookkeeping.
type AdmissionController struct {
	rules    []RateLimitRule
	strategy LimitStrategy
	metrics  *MetricsCollector
	logger   Logger

	allowed     atomic.Uint64
	rejected    atomic.Uint64
	storeErrors atomic.Uint64
}

// NewAdmissionController builds a controller over the given rules and
// strategy. A nil strategy defaults to an in-memory sliding window.
func NewAdmissionController(rules []RateLimitRule, strategy LimitStrategy) *AdmissionController {
	if strategy == nil {
		strategy = NewSlidingWindowStrategy(NewMemoryLimitStore())
	}
	return &AdmissionController{
		rules:    rules,
		strategy: strategy,
	}
}

// CheckLimit evaluates every applicable rule in order. The first rule to
// reject short-circuits and determines the reported RetryAfter. When the
// limit store itself fails the controller fails open: the request is allowed
// and the failure is surfaced to metrics and the log, never swallowed.
func (a *AdmissionController) CheckLimit(ctx context.Context, req *GatewayRequest) Decision {
	decision := Decision{Allowed: true, Remaining: -1}

	for _, rule := range a.rules {
		if !rule.applies(req) {
			continue
		}

		key := rule.ID + "|" + req.scopeKey(rule.Scope)
		d, err := a.strategy.Check(ctx, rule, key)
		if err != nil {
			a.storeErrors.Add(1)
			a.metrics.RecordAdmissionStoreError()
			if a.logger != nil {
				a.logger.Warn("rate limit store error, failing open", "rule", rule.ID, "error", err.Error())
			}
			continue
		}

		if !d.Allowed {
			d.RuleID = rule.ID
			a.rejected.Add(1)
			a.metrics.RecordAdmission(req.Provider, false, rule.ID)
			return d
		}

		// Report the tightest remaining allowance across applicable rules.
		if decision.Remaining < 0 || d.Remaining < decision.Remaining {
			decision.Remaining = d.Remaining
			decision.ResetAt = d.ResetAt
			decision.RuleID = rule.ID
		}
	}

	a.allowed.Add(1)
	a.metrics.RecordAdmission(req.Provider, true, "")
	return decision
}

// RecordRequest charges usage against every applicable rule. It must be
// called exactly once per request after CheckLimit returned allowed.
func (a *AdmissionController) RecordRequest(ctx context.Context, req *GatewayRequest) {
	for _, rule := range a.rules {
		if !rule.applies(req) {
			continue
		}
		key := rule.ID + "|" + req.scopeKey(rule.Scope)
		if err := a.strategy.Record(ctx, rule, key); err != nil {
			a.storeErrors.Add(1)
			a.metrics.RecordAdmissionStoreError()
			if a.logger != nil {
				a.logger.Warn("rate limit store error on record", "rule", rule.ID, "error", err.Error())
			}
		}
	}
}

// Stats returns a snapshot of admission counters.
func (a *AdmissionController) Stats() AdmissionStats {
	return AdmissionStats{
		Allowed:     a.allowed.Load(),
		Rejected:    a.rejected.Load(),
		StoreErrors: a.storeErrors.Load(),
	}
}
