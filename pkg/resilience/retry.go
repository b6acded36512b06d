package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/resilix/resilix/pkg/errors"
	"github.com/resilix/resilix/pkg/logging"
)

// Backoff selects the delay progression between retry attempts
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy bounds attempt counts and shapes the delay sequence.
// Immutable once constructed.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     Backoff       `json:"backoff" yaml:"backoff"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
	Jitter      bool          `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Validate checks the policy at configuration time
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return errors.NewConfigurationError(fmt.Sprintf("max_attempts must be positive, got %d", p.MaxAttempts))
	}
	switch p.Backoff {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return errors.NewConfigurationError(fmt.Sprintf("unknown backoff kind: %q", p.Backoff))
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.NewConfigurationError("delays must be non-negative")
	}
	return nil
}

// Delay computes the delay before the given retry (1-based), before jitter.
// For exponential backoff with base 1s and max 30s the sequence is
// 1s, 2s, 4s, 8s, 16s, 30s.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffFixed:
		delay = p.BaseDelay
	case BackoffLinear:
		delay = p.BaseDelay * time.Duration(retry)
	case BackoffExponential:
		delay = p.BaseDelay << uint(retry-1)
		if delay < p.BaseDelay {
			// shift overflow
			delay = p.MaxDelay
		}
	default:
		delay = p.BaseDelay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// RetryablePredicate classifies errors as retryable or fatal
type RetryablePredicate func(error) bool

// DefaultRetryable classifies errors by their application taxonomy:
// timeouts, external failures and unknown errors are retryable; circuit
// rejections and configuration or validation errors are fatal.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	if IsCircuitOpen(err) {
		return false
	}

	if errors.IsType(err, errors.ErrorTypeValidation) ||
		errors.IsType(err, errors.ErrorTypeConfiguration) ||
		errors.IsType(err, errors.ErrorTypeNotFound) {
		return false
	}

	return true
}

// Executor runs operations under a retry policy
type Executor struct {
	policy    RetryPolicy
	retryable RetryablePredicate
	onRetry   func(attempt int, err error, delay time.Duration)
	logger    *logging.Logger
}

// ExecutorOption customizes an Executor
type ExecutorOption func(*Executor)

// WithRetryable overrides the retryable-error predicate
func WithRetryable(pred RetryablePredicate) ExecutorOption {
	return func(e *Executor) {
		if pred != nil {
			e.retryable = pred
		}
	}
}

// WithOnRetry registers a hook called before each retry delay
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) ExecutorOption {
	return func(e *Executor) {
		e.onRetry = fn
	}
}

// NewExecutor creates a retry executor for the given policy
func NewExecutor(policy RetryPolicy, opts ...ExecutorOption) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	e := &Executor{
		policy:    policy,
		retryable: DefaultRetryable,
		logger:    logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the operation until it succeeds, a fatal error occurs, the
// context is cancelled, or the policy's attempts are exhausted
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"max_attempts", e.policy.MaxAttempts,
				)
			}
			return nil
		}

		lastErr = err

		if !e.retryable(err) {
			e.logger.Debug("Error is not retryable, stopping",
				"error", err.Error(),
				"attempt", attempt,
			)
			return err
		}

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.delayWithJitter(attempt)

		e.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", e.policy.MaxAttempts,
			"delay", delay,
		)

		if e.onRetry != nil {
			e.onRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	e.logger.Warn("Operation failed after all retry attempts",
		"error", lastErr.Error(),
		"attempts", e.policy.MaxAttempts,
	)

	return &RetryExhaustedError{Attempts: e.policy.MaxAttempts, LastErr: lastErr}
}

// ExecuteWithResult runs the operation with retry logic and returns its result
func (e *Executor) ExecuteWithResult(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := e.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// delayWithJitter perturbs the policy delay by a uniform factor in
// [0.5, 1.0] of itself to avoid synchronized retry storms
func (e *Executor) delayWithJitter(retry int) time.Duration {
	delay := e.policy.Delay(retry)
	if !e.policy.Jitter || delay <= 0 {
		return delay
	}
	factor := 0.5 + 0.5*rand.Float64()
	return time.Duration(float64(delay) * factor)
}

// Retry is a convenience function running an operation under a policy
func Retry(ctx context.Context, policy RetryPolicy, op func(context.Context) error) error {
	return NewExecutor(policy).Execute(ctx, op)
}
