package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resilix/resilix/pkg/errors"
	"github.com/resilix/resilix/pkg/logging"
	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
)

// CallParams tells the protected operation how to run. The zero value means
// a normal full-fidelity call against the primary provider.
type CallParams struct {
	// Provider names the alternate backend for switch_provider calls
	Provider string
	// Degraded asks the operation for a reduced-fidelity answer
	Degraded bool
	// ScaleFactor in (0, 1) asks the operation to shrink its concurrency
	// or batch sizing; 0 means full size
	ScaleFactor float64
}

// Operation is the caller-supplied unit of work the orchestrator protects
type Operation func(ctx context.Context, params CallParams) (interface{}, error)

// Envelope is the result of a protected call
type Envelope struct {
	Value    interface{} `json:"value"`
	Degraded bool        `json:"degraded"`
	Queued   bool        `json:"queued"`
	// StrategyUsed is empty when the primary call succeeded directly
	StrategyUsed Strategy `json:"strategy_used,omitempty"`
}

// QueuedRequest describes a deferred call handed to the queue backend.
// The operation itself is re-invoked by a worker that resolves the
// operation key against its handler registry.
type QueuedRequest struct {
	ID           string               `json:"id"`
	ResourceType monitor.ResourceType `json:"resource_type"`
	OperationKey string               `json:"operation_key"`
	Params       CallParams           `json:"params"`
	EnqueuedAt   time.Time            `json:"enqueued_at"`
	Attempts     int                  `json:"attempts"`
}

// Queuer accepts deferred requests for later execution
type Queuer interface {
	Enqueue(ctx context.Context, req *QueuedRequest) error
}

// OutcomeFunc observes the outcome of each protected call for metrics.
// strategy is empty for the primary path; outcome is "success" or "failure".
type OutcomeFunc func(resourceType monitor.ResourceType, strategy Strategy, outcome string)

// Config tunes orchestrator-wide defaults
type Config struct {
	// DefaultRetry applies to retry actions without their own policy
	DefaultRetry resilience.RetryPolicy
	// DefaultCacheTTL applies to use_cache actions without their own TTL
	DefaultCacheTTL time.Duration
	// DefaultScaleFactor applies to scale_down actions without their own factor
	DefaultScaleFactor float64
	// Sticky enables winning-strategy memoization per operation key
	Sticky bool
}

func DefaultOrchestratorConfig() *Config {
	return &Config{
		DefaultRetry:       resilience.DefaultRetryPolicy(),
		DefaultCacheTTL:    5 * time.Minute,
		DefaultScaleFactor: 0.5,
		Sticky:             true,
	}
}

// Orchestrator coordinates the monitor, the circuit breakers, and the
// fallback chains behind a single Protect entry point
type Orchestrator struct {
	monitor  *monitor.Monitor
	registry *resilience.Registry
	chains   ChainSet
	cache    ResultCache
	queuer   Queuer
	config   *Config
	logger   *logging.Logger

	// OnOutcome, when set, is called once per finished Protect call
	OnOutcome OutcomeFunc

	stickyMu sync.RWMutex
	sticky   map[string]Strategy

	retryable resilience.RetryablePredicate
}

// Option configures the orchestrator at construction
type Option func(*Orchestrator)

// WithResultCache wires a shared result cache for use_cache actions
func WithResultCache(cache ResultCache) Option {
	return func(o *Orchestrator) { o.cache = cache }
}

// WithQueuer wires a deferred-request queue for queue_request actions
func WithQueuer(q Queuer) Option {
	return func(o *Orchestrator) { o.queuer = q }
}

// WithConfig overrides the default orchestrator config
func WithConfig(config *Config) Option {
	return func(o *Orchestrator) { o.config = config }
}

// WithRetryablePredicate overrides which errors retry actions may retry
func WithRetryablePredicate(pred resilience.RetryablePredicate) Option {
	return func(o *Orchestrator) { o.retryable = pred }
}

// WithOutcomeFunc wires the per-call outcome observer
func WithOutcomeFunc(fn OutcomeFunc) Option {
	return func(o *Orchestrator) { o.OnOutcome = fn }
}

// New builds an orchestrator. Chains are validated and sorted here;
// an invalid chain is a configuration error.
func New(mon *monitor.Monitor, registry *resilience.Registry, chains ChainSet, logger *logging.Logger, opts ...Option) (*Orchestrator, error) {
	if chains == nil {
		chains = DefaultChains()
	}
	if err := chains.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	o := &Orchestrator{
		monitor:   mon,
		registry:  registry,
		chains:    chains,
		cache:     NewMemoryResultCache(),
		config:    DefaultOrchestratorConfig(),
		logger:    logger,
		sticky:    make(map[string]Strategy),
		retryable: resilience.DefaultRetryable,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.config.DefaultRetry.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// ProtectOption adjusts a single Protect call
type ProtectOption func(*protectOptions)

type protectOptions struct {
	noSticky bool
	deadline time.Time
}

// WithoutSticky disables the memoized-strategy fast path for this call
func WithoutSticky() ProtectOption {
	return func(po *protectOptions) { po.noSticky = true }
}

// WithDeadline bounds the whole protected call, chain included
func WithDeadline(t time.Time) ProtectOption {
	return func(po *protectOptions) { po.deadline = t }
}

// Protect runs op under resilience control. When the resource is healthy and
// the circuit closed it calls op directly; otherwise it walks the fallback
// chain for the resource type in priority order until an action produces a
// result.
func (o *Orchestrator) Protect(ctx context.Context, resourceType monitor.ResourceType, operationKey string, op Operation, opts ...ProtectOption) (*Envelope, error) {
	po := &protectOptions{}
	for _, opt := range opts {
		opt(po)
	}
	if !po.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, po.deadline)
		defer cancel()
	}

	breaker := o.registry.Get(operationKey)
	status := o.resourceStatus(resourceType)
	chain := o.chains[resourceType]

	// Fast path: healthy resource, closed circuit
	if status == monitor.StatusHealthy {
		if err := breaker.Allow(); err == nil {
			value, callErr := o.invoke(ctx, breaker, op, CallParams{})
			if callErr == nil {
				o.storeResult(ctx, operationKey, value)
				o.observe(resourceType, "", "success")
				return &Envelope{Value: value}, nil
			}
			if ctx.Err() != nil {
				o.observe(resourceType, "", "failure")
				return nil, &DeadlineExceededError{OperationKey: operationKey, Cause: ctx.Err()}
			}
			if len(chain) == 0 {
				o.observe(resourceType, "", "failure")
				return nil, callErr
			}
			// fall through to the chain with the primary failure on record
		} else if len(chain) == 0 {
			o.observe(resourceType, "", "failure")
			return nil, err
		}
	} else if len(chain) == 0 {
		// Degraded resource with nothing configured: try the primary call
		// through the breaker and surface whatever happens
		if err := breaker.Allow(); err != nil {
			o.observe(resourceType, "", "failure")
			return nil, err
		}
		value, callErr := o.invoke(ctx, breaker, op, CallParams{})
		if callErr != nil {
			o.observe(resourceType, "", "failure")
			return nil, callErr
		}
		o.storeResult(ctx, operationKey, value)
		o.observe(resourceType, "", "success")
		return &Envelope{Value: value}, nil
	}

	return o.walkChain(ctx, resourceType, operationKey, breaker, chain, op, po)
}

// walkChain tries each action in priority order, with the memoized winning
// strategy moved to the front when sticky mode applies
func (o *Orchestrator) walkChain(ctx context.Context, resourceType monitor.ResourceType, operationKey string, breaker *resilience.Breaker, chain Chain, op Operation, po *protectOptions) (*Envelope, error) {
	ordered := o.orderActions(resourceType, operationKey, chain, po)
	failures := make([]ActionFailure, 0, len(ordered))

	log := o.logger.WithFields(map[string]interface{}{
		"component":     "fallback",
		"resource_type": string(resourceType),
		"operation_key": operationKey,
	})

	for _, action := range ordered {
		if err := ctx.Err(); err != nil {
			o.observe(resourceType, "", "failure")
			return nil, &DeadlineExceededError{OperationKey: operationKey, Cause: err}
		}

		envelope, actionErr := o.dispatch(ctx, resourceType, operationKey, breaker, action, op)
		if actionErr == nil {
			o.rememberStrategy(resourceType, operationKey, action.Strategy)
			if envelope.Value != nil && !envelope.Queued && action.Strategy != StrategyUseCache {
				o.storeResult(ctx, operationKey, envelope.Value)
			}
			o.observe(resourceType, action.Strategy, "success")
			log.WithField("strategy", string(action.Strategy)).Info("fallback action succeeded")
			return envelope, nil
		}

		// circuit_break is terminal: it does not fail over to later actions
		if action.Strategy == StrategyCircuitBreak {
			o.observe(resourceType, action.Strategy, "failure")
			return nil, actionErr
		}
		if ctx.Err() != nil {
			o.observe(resourceType, action.Strategy, "failure")
			return nil, &DeadlineExceededError{OperationKey: operationKey, Cause: ctx.Err()}
		}

		o.forgetStrategy(resourceType, operationKey, action.Strategy)
		o.observe(resourceType, action.Strategy, "failure")
		log.WithField("strategy", string(action.Strategy)).WithField("error", actionErr.Error()).Warn("fallback action failed")
		failures = append(failures, ActionFailure{Strategy: action.Strategy, Reason: actionErr.Error()})
	}

	return nil, &FallbackExhaustedError{
		ResourceType: resourceType,
		OperationKey: operationKey,
		Failures:     failures,
	}
}

// dispatch executes a single chain action. The switch is exhaustive over
// the Strategy constants.
func (o *Orchestrator) dispatch(ctx context.Context, resourceType monitor.ResourceType, operationKey string, breaker *resilience.Breaker, action Action, op Operation) (*Envelope, error) {
	switch action.Strategy {
	case StrategyRetry:
		policy := o.config.DefaultRetry
		if action.Retry != nil {
			policy = *action.Retry
		}
		exec := resilience.NewExecutor(policy, resilience.WithRetryable(o.retryable))
		value, err := exec.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
			return o.invoke(ctx, breaker, op, CallParams{})
		})
		if err != nil {
			return nil, err
		}
		return &Envelope{Value: value, StrategyUsed: StrategyRetry}, nil

	case StrategySwitchProvider:
		value, err := o.invoke(ctx, breaker, op, CallParams{Provider: action.Target})
		if err != nil {
			return nil, err
		}
		return &Envelope{Value: value, StrategyUsed: StrategySwitchProvider}, nil

	case StrategyDegradeService:
		value, err := o.invoke(ctx, breaker, op, CallParams{Degraded: true})
		if err != nil {
			return nil, err
		}
		return &Envelope{Value: value, Degraded: true, StrategyUsed: StrategyDegradeService}, nil

	case StrategyQueueRequest:
		if o.queuer == nil {
			return nil, errors.NewUnavailableError("no deferred queue configured")
		}
		req := &QueuedRequest{
			ID:           uuid.New().String(),
			ResourceType: resourceType,
			OperationKey: operationKey,
			EnqueuedAt:   time.Now().UTC(),
		}
		if err := o.queuer.Enqueue(ctx, req); err != nil {
			return nil, err
		}
		return &Envelope{Queued: true, StrategyUsed: StrategyQueueRequest}, nil

	case StrategyUseCache:
		if o.cache == nil {
			return nil, errors.NewUnavailableError("no result cache configured")
		}
		ttl := action.CacheTTL
		if ttl == 0 {
			ttl = o.config.DefaultCacheTTL
		}
		value, ok, err := o.cache.Get(ctx, operationKey, ttl)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.NewNotFoundError(fmt.Sprintf("no cached result for %s within %s", operationKey, ttl))
		}
		return &Envelope{Value: value, StrategyUsed: StrategyUseCache}, nil

	case StrategyScaleDown:
		factor := action.ScaleFactor
		if factor == 0 {
			factor = o.config.DefaultScaleFactor
		}
		value, err := o.invoke(ctx, breaker, op, CallParams{ScaleFactor: factor})
		if err != nil {
			return nil, err
		}
		return &Envelope{Value: value, Degraded: true, StrategyUsed: StrategyScaleDown}, nil

	case StrategyCircuitBreak:
		breaker.Trip()
		return nil, &resilience.CircuitOpenError{OperationKey: operationKey, State: resilience.StateOpen}

	default:
		// unreachable when chains are validated
		return nil, errors.NewConfigurationError(fmt.Sprintf("unknown fallback strategy: %q", action.Strategy))
	}
}

// invoke runs op once and records the outcome on the breaker. Chain actions
// bypass Allow on purpose: when the chain is walking, the circuit being open
// is often why, and the alternate calls double as recovery probes.
func (o *Orchestrator) invoke(ctx context.Context, breaker *resilience.Breaker, op Operation, params CallParams) (interface{}, error) {
	value, err := op(ctx, params)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}
	breaker.RecordSuccess()
	return value, nil
}

func (o *Orchestrator) resourceStatus(resourceType monitor.ResourceType) monitor.ResourceStatus {
	if o.monitor == nil {
		return monitor.StatusHealthy
	}
	snap, err := o.monitor.CurrentStatus(resourceType)
	if err != nil {
		// unregistered resources are assumed healthy
		return monitor.StatusHealthy
	}
	return snap.Status
}

func (o *Orchestrator) orderActions(resourceType monitor.ResourceType, operationKey string, chain Chain, po *protectOptions) []Action {
	if !o.config.Sticky || po.noSticky {
		return chain
	}
	o.stickyMu.RLock()
	winner, ok := o.sticky[stickyKey(resourceType, operationKey)]
	o.stickyMu.RUnlock()
	if !ok {
		return chain
	}
	ordered := make([]Action, 0, len(chain))
	for _, action := range chain {
		if action.Strategy == winner {
			ordered = append(ordered, action)
		}
	}
	for _, action := range chain {
		if action.Strategy != winner {
			ordered = append(ordered, action)
		}
	}
	return ordered
}

func (o *Orchestrator) rememberStrategy(resourceType monitor.ResourceType, operationKey string, strategy Strategy) {
	if !o.config.Sticky {
		return
	}
	// queueing and tripping are not wins worth repeating
	if strategy == StrategyQueueRequest || strategy == StrategyCircuitBreak {
		return
	}
	o.stickyMu.Lock()
	o.sticky[stickyKey(resourceType, operationKey)] = strategy
	o.stickyMu.Unlock()
}

func (o *Orchestrator) forgetStrategy(resourceType monitor.ResourceType, operationKey string, strategy Strategy) {
	o.stickyMu.Lock()
	key := stickyKey(resourceType, operationKey)
	if o.sticky[key] == strategy {
		delete(o.sticky, key)
	}
	o.stickyMu.Unlock()
}

// ClearSticky drops the memoized strategy for an operation key
func (o *Orchestrator) ClearSticky(resourceType monitor.ResourceType, operationKey string) {
	o.stickyMu.Lock()
	delete(o.sticky, stickyKey(resourceType, operationKey))
	o.stickyMu.Unlock()
}

func (o *Orchestrator) storeResult(ctx context.Context, operationKey string, value interface{}) {
	if o.cache == nil || value == nil {
		return
	}
	if err := o.cache.Set(ctx, operationKey, value); err != nil {
		o.logger.Warn("result cache write failed", "operation_key", operationKey, "error", err.Error())
	}
}

func (o *Orchestrator) observe(resourceType monitor.ResourceType, strategy Strategy, outcome string) {
	if o.OnOutcome != nil {
		o.OnOutcome(resourceType, strategy, outcome)
	}
}

func stickyKey(resourceType monitor.ResourceType, operationKey string) string {
	return string(resourceType) + "/" + operationKey
}
