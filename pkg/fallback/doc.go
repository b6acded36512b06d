// Package fallback coordinates graceful degradation for operations that
// depend on constrained resources.
//
// An Orchestrator ties together three things: the resource monitor (is the
// resource healthy right now), the circuit breaker registry (is this
// operation key failing), and a per-resource-type chain of fallback actions.
// Callers wrap their work in Protect:
//
//	env, err := orch.Protect(ctx, monitor.ResourceAPIQuota, "llm.chat",
//		func(ctx context.Context, params fallback.CallParams) (interface{}, error) {
//			return client.Chat(ctx, params.Provider, params.Degraded)
//		})
//
// When the resource is healthy and the circuit closed, the operation runs
// directly. Otherwise the chain is walked in ascending priority order:
// retry, switch_provider, degrade_service, queue_request, use_cache,
// scale_down, and circuit_break. The first action to produce a result wins,
// and the winning strategy is remembered so the next degraded call for the
// same operation key tries it first.
package fallback
