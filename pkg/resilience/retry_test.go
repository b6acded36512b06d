package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/resilix/resilix/pkg/errors"
)

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"valid default", DefaultRetryPolicy(), false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0, Backoff: BackoffFixed}, true},
		{"unknown backoff", RetryPolicy{MaxAttempts: 3, Backoff: "quadratic"}, true},
		{"negative delay", RetryPolicy{MaxAttempts: 3, Backoff: BackoffFixed, BaseDelay: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryPolicy_ExponentialDelaySequence(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 7,
		Backoff:     BackoffExponential,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
	}
	for i, expected := range want {
		assert.Equal(t, expected, policy.Delay(i+1), "retry %d", i+1)
	}
}

func TestRetryPolicy_FixedAndLinearDelay(t *testing.T) {
	fixed := RetryPolicy{MaxAttempts: 3, Backoff: BackoffFixed, BaseDelay: 250 * time.Millisecond}
	assert.Equal(t, 250*time.Millisecond, fixed.Delay(1))
	assert.Equal(t, 250*time.Millisecond, fixed.Delay(5))

	linear := RetryPolicy{MaxAttempts: 3, Backoff: BackoffLinear, BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, linear.Delay(1))
	assert.Equal(t, 300*time.Millisecond, linear.Delay(3))
	assert.Equal(t, 350*time.Millisecond, linear.Delay(4)) // capped
}

func TestDelayWithJitter_Bounds(t *testing.T) {
	e := NewExecutor(RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffFixed,
		BaseDelay:   time.Second,
		Jitter:      true,
	})

	for i := 0; i < 100; i++ {
		delay := e.delayWithJitter(1)
		assert.GreaterOrEqual(t, delay, 500*time.Millisecond)
		assert.LessOrEqual(t, delay, time.Second)
	}
}

func TestExecute_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffFixed,
		BaseDelay:   time.Millisecond,
	}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_ExhaustionReturnsRetryExhausted(t *testing.T) {
	lastErr := errors.New("still broken")
	calls := 0
	err := Retry(context.Background(), RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffFixed,
		BaseDelay:   time.Millisecond,
	}, func(ctx context.Context) error {
		calls++
		return lastErr
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsRetryExhausted(err))

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, lastErr)
}

func TestExecute_FatalErrorStopsImmediately(t *testing.T) {
	calls := 0
	fatal := apperrors.NewValidationError("bad input")
	err := Retry(context.Background(), RetryPolicy{
		MaxAttempts: 5,
		Backoff:     BackoffFixed,
		BaseDelay:   time.Millisecond,
	}, func(ctx context.Context) error {
		calls++
		return fatal
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, fatal, err)
	assert.False(t, IsRetryExhausted(err))
}

func TestExecute_CircuitOpenIsFatal(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{
		MaxAttempts: 5,
		Backoff:     BackoffFixed,
		BaseDelay:   time.Millisecond,
	}, func(ctx context.Context) error {
		calls++
		return &CircuitOpenError{OperationKey: "op", State: StateOpen}
	})

	assert.Equal(t, 1, calls)
	assert.True(t, IsCircuitOpen(err))
}

func TestExecute_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- Retry(ctx, RetryPolicy{
			MaxAttempts: 3,
			Backoff:     BackoffFixed,
			BaseDelay:   time.Minute,
		}, func(ctx context.Context) error {
			calls++
			return errors.New("transient")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestExecuteWithResult(t *testing.T) {
	e := NewExecutor(RetryPolicy{MaxAttempts: 2, Backoff: BackoffFixed, BaseDelay: time.Millisecond})

	calls := 0
	value, err := e.ExecuteWithResult(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return "answer", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "answer", value)
}

func TestOnRetryHook(t *testing.T) {
	var attempts []int
	e := NewExecutor(RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffFixed,
		BaseDelay:   time.Millisecond,
	}, WithOnRetry(func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}))

	_ = e.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("transient")
	})

	assert.Equal(t, []int{1, 2}, attempts)
}
