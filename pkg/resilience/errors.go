package resilience

import (
	"errors"
	"fmt"
)

// CircuitOpenError is returned when a call is rejected without being
// attempted because the circuit for its operation key is open
type CircuitOpenError struct {
	OperationKey string
	State        CircuitState
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit '%s' is %s - request rejected", e.OperationKey, e.State.String())
}

// IsCircuitOpen checks if an error is a circuit rejection
func IsCircuitOpen(err error) bool {
	var coErr *CircuitOpenError
	return errors.As(err, &coErr)
}

// RetryExhaustedError is returned when all attempts within a single retry
// execution failed
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsRetryExhausted checks if an error is a retry exhaustion
func IsRetryExhausted(err error) bool {
	var reErr *RetryExhaustedError
	return errors.As(err, &reErr)
}
