package fallback

import (
	"fmt"
	"sort"
	"time"

	"github.com/resilix/resilix/pkg/errors"
	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
)

// Strategy identifies a fallback behavior. Dispatch over strategies is an
// exhaustive switch, so adding one is a compile-time-checked change.
type Strategy string

const (
	StrategyRetry          Strategy = "retry"
	StrategySwitchProvider Strategy = "switch_provider"
	StrategyDegradeService Strategy = "degrade_service"
	StrategyQueueRequest   Strategy = "queue_request"
	StrategyUseCache       Strategy = "use_cache"
	StrategyScaleDown      Strategy = "scale_down"
	StrategyCircuitBreak   Strategy = "circuit_break"
)

// Valid reports whether the strategy is a known one
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRetry, StrategySwitchProvider, StrategyDegradeService,
		StrategyQueueRequest, StrategyUseCache, StrategyScaleDown, StrategyCircuitBreak:
		return true
	}
	return false
}

// Action is one step of a fallback chain
type Action struct {
	Strategy Strategy `json:"strategy" yaml:"strategy"`
	// Target is a strategy-specific parameter, e.g. the alternate provider
	// for switch_provider
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	// Priority determines execution order, ascending
	Priority int `json:"priority" yaml:"priority"`
	// Retry overrides the default retry policy for retry actions
	Retry *resilience.RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	// CacheTTL bounds result staleness for use_cache actions
	CacheTTL time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	// ScaleFactor reduces concurrency/batch sizing for scale_down actions
	ScaleFactor float64 `json:"scale_factor,omitempty" yaml:"scale_factor,omitempty"`
}

// Validate checks a single action at configuration time
func (a Action) Validate() error {
	if !a.Strategy.Valid() {
		return errors.NewConfigurationError(fmt.Sprintf("unknown fallback strategy: %q", a.Strategy))
	}
	if a.Strategy == StrategySwitchProvider && a.Target == "" {
		return errors.NewConfigurationError("switch_provider action requires a target")
	}
	if a.Retry != nil {
		if err := a.Retry.Validate(); err != nil {
			return err
		}
	}
	if a.CacheTTL < 0 {
		return errors.NewConfigurationError("cache_ttl must be non-negative")
	}
	if a.ScaleFactor < 0 || a.ScaleFactor >= 1 {
		return errors.NewConfigurationError(fmt.Sprintf("scale_factor must be in (0, 1), got %f", a.ScaleFactor))
	}
	return nil
}

// Chain is an ordered sequence of fallback actions for one resource type.
// Configured once at startup, read-only thereafter.
type Chain []Action

// NewChain validates the actions and returns them sorted by ascending
// priority. The sort is stable, so equal priorities keep definition order.
func NewChain(actions ...Action) (Chain, error) {
	chain := make(Chain, len(actions))
	copy(chain, actions)
	if err := chain.Validate(); err != nil {
		return nil, err
	}
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].Priority < chain[j].Priority })
	return chain, nil
}

// Validate checks every action of the chain
func (c Chain) Validate() error {
	for i, action := range c {
		if err := action.Validate(); err != nil {
			if appErr, ok := err.(*errors.AppError); ok {
				return appErr.WithDetail("action_index", fmt.Sprintf("%d", i))
			}
			return err
		}
	}
	return nil
}

// ChainSet maps resource types to their fallback chains
type ChainSet map[monitor.ResourceType]Chain

// Validate checks and sorts every chain in the set
func (cs ChainSet) Validate() error {
	for rt, chain := range cs {
		sorted, err := NewChain(chain...)
		if err != nil {
			if appErr, ok := err.(*errors.AppError); ok {
				return appErr.WithDetail("resource_type", string(rt))
			}
			return err
		}
		cs[rt] = sorted
	}
	return nil
}

// DefaultChains returns the built-in fallback protocols per resource type
func DefaultChains() ChainSet {
	twoAttempts := &resilience.RetryPolicy{
		MaxAttempts: 2,
		Backoff:     resilience.BackoffExponential,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
	threeAttempts := &resilience.RetryPolicy{
		MaxAttempts: 3,
		Backoff:     resilience.BackoffExponential,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}

	return ChainSet{
		monitor.ResourceAPIQuota: {
			{Strategy: StrategyRetry, Retry: twoAttempts},
			{Strategy: StrategySwitchProvider, Target: "secondary", Priority: 1},
			{Strategy: StrategyDegradeService, Priority: 2},
			{Strategy: StrategyQueueRequest, Priority: 3},
		},
		monitor.ResourceMemory: {
			{Strategy: StrategyUseCache},
			{Strategy: StrategyDegradeService, Priority: 1},
			{Strategy: StrategyScaleDown, Priority: 2},
		},
		monitor.ResourceDatabase: {
			{Strategy: StrategyRetry, Retry: threeAttempts},
			{Strategy: StrategySwitchProvider, Target: "replica", Priority: 1},
			{Strategy: StrategyUseCache, Priority: 2},
			{Strategy: StrategyCircuitBreak, Priority: 3},
		},
		monitor.ResourceExternalService: {
			{Strategy: StrategyRetry, Retry: threeAttempts},
			{Strategy: StrategySwitchProvider, Target: "secondary", Priority: 1},
			{Strategy: StrategyCircuitBreak, Priority: 2},
		},
		monitor.ResourceContainer: {
			{Strategy: StrategyRetry, Retry: threeAttempts},
			{Strategy: StrategyScaleDown, Priority: 1},
		},
		monitor.ResourceWorkload: {
			{Strategy: StrategyRetry, Retry: threeAttempts},
			{Strategy: StrategyScaleDown, Priority: 1},
			{Strategy: StrategyCircuitBreak, Priority: 2},
		},
	}
}
