// Package resilience provides the circuit breaker and retry primitives used
// by the fallback orchestrator.
//
// # Circuit Breaker
//
// One Breaker exists per operation key, created lazily through a Registry.
// The breaker is a Closed/Open/HalfOpen state machine: reaching the failure
// threshold opens the circuit, the recovery timeout admits a single probe,
// and the probe outcome decides between closing and reopening.
//
//	reg := resilience.NewRegistry(resilience.DefaultBreakerConfig())
//	b := reg.Get("db.query")
//	result, err := b.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return db.QueryContext(ctx, stmt)
//	})
//
// # Retry with Backoff
//
// The Executor retries an operation under an immutable RetryPolicy with
// fixed, linear or exponential delays, optional jitter, and a caller-supplied
// predicate separating retryable from fatal errors.
//
//	exec := resilience.NewExecutor(resilience.DefaultRetryPolicy())
//	err := exec.Execute(ctx, func(ctx context.Context) error {
//		return riskyOperation(ctx)
//	})
//
// Both primitives are safe for concurrent use.
package resilience
