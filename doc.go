// Package gerbang is a request orchestration layer for AI model providers.
//
// A Gateway sits between application code and one or more provider backends
// and runs every request through a fixed pipeline: response cache lookup,
// rule-based admission control, per-provider circuit breaking, deduplication
// of concurrent identical requests, optional batching, then dispatch with
// retries and exponential backoff.
//
// Construct a Gateway once with New and a Dispatcher for your providers:
//
//	gw := gerbang.New(dispatcher,
//		gerbang.WithRules(gerbang.RateLimitRule{
//			ID:     "per-user",
//			Scope:  gerbang.ScopeUser,
//			Limit:  100,
//			Window: time.Minute,
//		}),
//		gerbang.WithCache(5*time.Minute, 10000),
//		gerbang.WithDeduplication(0, 0),
//		gerbang.WithBatching(gerbang.GroupByProvider, 8, 50*time.Millisecond),
//		gerbang.WithMetrics(),
//	)
//	defer gw.Close()
//
//	resp, err := gw.Submit(ctx, gerbang.NewRequest("openai", "gpt-4", payload))
//
// Every subsystem is optional; a Gateway built with no options only applies
// circuit breaking and retries. All methods are safe for concurrent use.
package gerbang
