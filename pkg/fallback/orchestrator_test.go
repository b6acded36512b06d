package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
)

func newTestMonitor(t *testing.T, typ monitor.ResourceType, ratio float64) *monitor.Monitor {
	t.Helper()
	m := monitor.New(nil, nil)
	_, err := m.Register(typ, func(ctx context.Context) (float64, error) {
		return 0, nil
	}, monitor.Thresholds{})
	require.NoError(t, err)
	require.NoError(t, m.RecordUsage(typ, ratio))
	return m
}

func quickRetry(attempts int) *resilience.RetryPolicy {
	return &resilience.RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     resilience.BackoffFixed,
		BaseDelay:   time.Millisecond,
	}
}

type stubQueuer struct {
	mu   sync.Mutex
	reqs []*QueuedRequest
	err  error
}

func (q *stubQueuer) Enqueue(ctx context.Context, req *QueuedRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.reqs = append(q.reqs, req)
	return nil
}

func TestProtect_FastPathWhenHealthy(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceAPIQuota, 0.10)
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	orch, err := New(m, registry, ChainSet{monitor.ResourceAPIQuota: {{Strategy: StrategyDegradeService}}}, nil)
	require.NoError(t, err)

	var seen []CallParams
	env, err := orch.Protect(context.Background(), monitor.ResourceAPIQuota, "llm.chat",
		func(ctx context.Context, params CallParams) (interface{}, error) {
			seen = append(seen, params)
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", env.Value)
	assert.False(t, env.Degraded)
	assert.False(t, env.Queued)
	assert.Empty(t, env.StrategyUsed)
	require.Len(t, seen, 1)
	assert.Equal(t, CallParams{}, seen[0])
}

func TestProtect_ChainSwitchesProvider(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceAPIQuota, 0.95) // critical
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	chains := ChainSet{
		monitor.ResourceAPIQuota: {
			{Strategy: StrategyRetry, Retry: quickRetry(2)},
			{Strategy: StrategySwitchProvider, Target: "secondary", Priority: 1},
		},
	}
	orch, err := New(m, registry, chains, nil)
	require.NoError(t, err)

	var primaryCalls int
	op := func(ctx context.Context, params CallParams) (interface{}, error) {
		if params.Provider == "secondary" {
			return "from-secondary", nil
		}
		primaryCalls++
		return nil, errors.New("quota exceeded")
	}

	env, err := orch.Protect(context.Background(), monitor.ResourceAPIQuota, "llm.chat", op)
	require.NoError(t, err)
	assert.Equal(t, "from-secondary", env.Value)
	assert.Equal(t, StrategySwitchProvider, env.StrategyUsed)
	assert.Equal(t, 2, primaryCalls)

	// the successful switch reset the failure streak
	assert.Equal(t, 0, registry.Get("llm.chat").Record().ConsecutiveFailures)
}

func TestProtect_StickyStrategyReusedWhileDegraded(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceAPIQuota, 0.95)
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	chains := ChainSet{
		monitor.ResourceAPIQuota: {
			{Strategy: StrategyRetry, Retry: quickRetry(2)},
			{Strategy: StrategySwitchProvider, Target: "secondary", Priority: 1},
		},
	}
	orch, err := New(m, registry, chains, nil)
	require.NoError(t, err)

	var order []string
	op := func(ctx context.Context, params CallParams) (interface{}, error) {
		if params.Provider == "secondary" {
			order = append(order, "secondary")
			return "ok", nil
		}
		order = append(order, "primary")
		return nil, errors.New("quota exceeded")
	}

	_, err = orch.Protect(context.Background(), monitor.ResourceAPIQuota, "llm.chat", op)
	require.NoError(t, err)

	// second call goes straight to the memoized winner
	order = nil
	env, err := orch.Protect(context.Background(), monitor.ResourceAPIQuota, "llm.chat", op)
	require.NoError(t, err)
	assert.Equal(t, StrategySwitchProvider, env.StrategyUsed)
	assert.Equal(t, []string{"secondary"}, order)
}

func TestProtect_StickyOverridePerCall(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceAPIQuota, 0.95)
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	chains := ChainSet{
		monitor.ResourceAPIQuota: {
			{Strategy: StrategyRetry, Retry: quickRetry(1)},
			{Strategy: StrategySwitchProvider, Target: "secondary", Priority: 1},
		},
	}
	orch, err := New(m, registry, chains, nil)
	require.NoError(t, err)

	op := func(ctx context.Context, params CallParams) (interface{}, error) {
		if params.Provider == "secondary" {
			return "ok", nil
		}
		return nil, errors.New("quota exceeded")
	}

	_, err = orch.Protect(context.Background(), monitor.ResourceAPIQuota, "llm.chat", op)
	require.NoError(t, err)

	var order []string
	opTracked := func(ctx context.Context, params CallParams) (interface{}, error) {
		if params.Provider == "secondary" {
			order = append(order, "secondary")
			return "ok", nil
		}
		order = append(order, "primary")
		return nil, errors.New("quota exceeded")
	}

	_, err = orch.Protect(context.Background(), monitor.ResourceAPIQuota, "llm.chat", opTracked, WithoutSticky())
	require.NoError(t, err)
	assert.Equal(t, "primary", order[0], "per-call override walks the chain in priority order")
}

func TestProtect_StickyInvalidatedOnFailure(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceAPIQuota, 0.95)
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	chains := ChainSet{
		monitor.ResourceAPIQuota: {
			{Strategy: StrategySwitchProvider, Target: "secondary"},
			{Strategy: StrategyDegradeService, Priority: 1},
		},
	}
	orch, err := New(m, registry, chains, nil)
	require.NoError(t, err)

	secondaryHealthy := true
	op := func(ctx context.Context, params CallParams) (interface{}, error) {
		if params.Provider == "secondary" {
			if secondaryHealthy {
				return "ok", nil
			}
			return nil, errors.New("secondary down")
		}
		if params.Degraded {
			return "degraded-ok", nil
		}
		return nil, errors.New("primary down")
	}

	_, err = orch.Protect(context.Background(), monitor.ResourceAPIQuota, "llm.chat", op)
	require.NoError(t, err)

	// winner starts failing: the orchestrator falls through and forgets it
	secondaryHealthy = false
	env, err := orch.Protect(context.Background(), monitor.ResourceAPIQuota, "llm.chat", op)
	require.NoError(t, err)
	assert.Equal(t, StrategyDegradeService, env.StrategyUsed)
	assert.True(t, env.Degraded)
}

func TestProtect_CircuitOpensAfterThresholdFailures(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceExternalService, 0.10) // healthy
	registry := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Hour,
	})

	// no chain configured for this resource type
	orch, err := New(m, registry, ChainSet{}, nil)
	require.NoError(t, err)

	var invocations int
	op := func(ctx context.Context, params CallParams) (interface{}, error) {
		invocations++
		return nil, errors.New("upstream down")
	}

	for i := 0; i < 5; i++ {
		_, err := orch.Protect(context.Background(), monitor.ResourceExternalService, "payments.charge", op)
		require.Error(t, err)
		assert.False(t, resilience.IsCircuitOpen(err), "call %d", i+1)
	}
	assert.Equal(t, 5, invocations)
	assert.Equal(t, resilience.StateOpen, registry.Get("payments.charge").State())

	_, err = orch.Protect(context.Background(), monitor.ResourceExternalService, "payments.charge", op)
	require.Error(t, err)
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.Equal(t, 5, invocations, "operation must not run while the circuit is open")
}

func TestProtect_UseCacheServesStaleResult(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceMemory, 0.10)
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	chains := ChainSet{
		monitor.ResourceMemory: {
			{Strategy: StrategyUseCache, CacheTTL: time.Minute},
		},
	}
	orch, err := New(m, registry, chains, nil)
	require.NoError(t, err)

	healthyOp := func(ctx context.Context, params CallParams) (interface{}, error) {
		return "fresh", nil
	}
	_, err = orch.Protect(context.Background(), monitor.ResourceMemory, "report.render", healthyOp)
	require.NoError(t, err)

	// memory pressure hits and the operation starts failing
	require.NoError(t, m.RecordUsage(monitor.ResourceMemory, 0.95))
	failingOp := func(ctx context.Context, params CallParams) (interface{}, error) {
		return nil, errors.New("out of memory")
	}

	env, err := orch.Protect(context.Background(), monitor.ResourceMemory, "report.render", failingOp)
	require.NoError(t, err)
	assert.Equal(t, "fresh", env.Value)
	assert.Equal(t, StrategyUseCache, env.StrategyUsed)
}

func TestProtect_UseCacheMissExhaustsChain(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceMemory, 0.95)
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	chains := ChainSet{
		monitor.ResourceMemory: {
			{Strategy: StrategyUseCache, CacheTTL: time.Minute},
		},
	}
	orch, err := New(m, registry, chains, nil)
	require.NoError(t, err)

	_, err = orch.Protect(context.Background(), monitor.ResourceMemory, "report.render",
		func(ctx context.Context, params CallParams) (interface{}, error) {
			return nil, errors.New("out of memory")
		})

	require.Error(t, err)
	assert.True(t, IsFallbackExhausted(err))

	var exhausted *FallbackExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Failures, 1)
	assert.Equal(t, StrategyUseCache, exhausted.Failures[0].Strategy)
}

func TestProtect_QueueRequest(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceAPIQuota, 0.95)
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	queuer := &stubQueuer{}

	chains := ChainSet{
		monitor.ResourceAPIQuota: {
			{Strategy: StrategyQueueRequest},
		},
	}
	orch, err := New(m, registry, chains, nil, WithQueuer(queuer))
	require.NoError(t, err)

	env, err := orch.Protect(context.Background(), monitor.ResourceAPIQuota, "report.email",
		func(ctx context.Context, params CallParams) (interface{}, error) {
			t.Fatal("queued operations are not executed inline")
			return nil, nil
		})

	require.NoError(t, err)
	assert.True(t, env.Queued)
	assert.Nil(t, env.Value)
	assert.Equal(t, StrategyQueueRequest, env.StrategyUsed)

	require.Len(t, queuer.reqs, 1)
	assert.NotEmpty(t, queuer.reqs[0].ID)
	assert.Equal(t, "report.email", queuer.reqs[0].OperationKey)
	assert.Equal(t, monitor.ResourceAPIQuota, queuer.reqs[0].ResourceType)
}

func TestProtect_CircuitBreakIsTerminal(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceDatabase, 0.95)
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	chains := ChainSet{
		monitor.ResourceDatabase: {
			{Strategy: StrategyRetry, Retry: quickRetry(1)},
			{Strategy: StrategyCircuitBreak, Priority: 1},
			{Strategy: StrategyDegradeService, Priority: 2},
		},
	}
	orch, err := New(m, registry, chains, nil)
	require.NoError(t, err)

	var degradedTried bool
	_, err = orch.Protect(context.Background(), monitor.ResourceDatabase, "orders.list",
		func(ctx context.Context, params CallParams) (interface{}, error) {
			if params.Degraded {
				degradedTried = true
			}
			return nil, errors.New("db down")
		})

	require.Error(t, err)
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.False(t, degradedTried, "actions after circuit_break must not run")
	assert.Equal(t, resilience.StateOpen, registry.Get("orders.list").State())
}

func TestProtect_ExhaustionCollectsOrderedFailures(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceContainer, 0.95)
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	chains := ChainSet{
		monitor.ResourceContainer: {
			{Strategy: StrategyDegradeService},
			{Strategy: StrategyScaleDown, ScaleFactor: 0.25, Priority: 1},
		},
	}
	orch, err := New(m, registry, chains, nil)
	require.NoError(t, err)

	_, err = orch.Protect(context.Background(), monitor.ResourceContainer, "batch.run",
		func(ctx context.Context, params CallParams) (interface{}, error) {
			return nil, errors.New("no capacity")
		})

	var exhausted *FallbackExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Failures, 2)
	assert.Equal(t, StrategyDegradeService, exhausted.Failures[0].Strategy)
	assert.Equal(t, StrategyScaleDown, exhausted.Failures[1].Strategy)
	assert.Contains(t, err.Error(), "no capacity")
}

func TestProtect_ScaleDownPassesFactor(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceWorkload, 0.95)
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	chains := ChainSet{
		monitor.ResourceWorkload: {
			{Strategy: StrategyScaleDown, ScaleFactor: 0.25},
		},
	}
	orch, err := New(m, registry, chains, nil)
	require.NoError(t, err)

	env, err := orch.Protect(context.Background(), monitor.ResourceWorkload, "batch.run",
		func(ctx context.Context, params CallParams) (interface{}, error) {
			assert.Equal(t, 0.25, params.ScaleFactor)
			return "scaled", nil
		})

	require.NoError(t, err)
	assert.True(t, env.Degraded)
	assert.Equal(t, StrategyScaleDown, env.StrategyUsed)
}

func TestProtect_DeadlineAbortsChain(t *testing.T) {
	m := newTestMonitor(t, monitor.ResourceAPIQuota, 0.95)
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	chains := ChainSet{
		monitor.ResourceAPIQuota: {
			{Strategy: StrategyRetry, Retry: &resilience.RetryPolicy{
				MaxAttempts: 5,
				Backoff:     resilience.BackoffFixed,
				BaseDelay:   time.Minute,
			}},
			{Strategy: StrategyDegradeService, Priority: 1},
		},
	}
	orch, err := New(m, registry, chains, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = orch.Protect(ctx, monitor.ResourceAPIQuota, "llm.chat",
		func(ctx context.Context, params CallParams) (interface{}, error) {
			return nil, errors.New("quota exceeded")
		})

	require.Error(t, err)
	assert.True(t, IsDeadlineExceeded(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProtect_UnregisteredResourceTreatedAsHealthy(t *testing.T) {
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	orch, err := New(monitor.New(nil, nil), registry, ChainSet{}, nil)
	require.NoError(t, err)

	env, err := orch.Protect(context.Background(), monitor.ResourceNetwork, "dns.lookup",
		func(ctx context.Context, params CallParams) (interface{}, error) {
			return "resolved", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "resolved", env.Value)
}

func TestNew_RejectsInvalidChains(t *testing.T) {
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	_, err := New(monitor.New(nil, nil), registry, ChainSet{
		"api_quota": {{Strategy: "pray"}},
	}, nil)
	require.Error(t, err)
}

func TestMemoryResultCache(t *testing.T) {
	cache := NewMemoryResultCache()
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "key", "value"))

	value, ok, err := cache.Get(ctx, "key", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", value)

	// an aged-out entry is a miss
	_, ok, err = cache.Get(ctx, "key", time.Nanosecond)
	require.NoError(t, err)
	assert.False(t, ok)
}
