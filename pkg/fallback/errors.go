package fallback

import (
	"errors"
	"fmt"
	"strings"

	"github.com/resilix/resilix/pkg/monitor"
)

// ActionFailure records why one chain action could not produce a result
type ActionFailure struct {
	Strategy Strategy `json:"strategy"`
	Reason   string   `json:"reason"`
}

// FallbackExhaustedError is returned when every action of a chain failed or
// was inapplicable. Failures are ordered by chain execution.
type FallbackExhaustedError struct {
	ResourceType monitor.ResourceType `json:"resource_type"`
	OperationKey string               `json:"operation_key"`
	Failures     []ActionFailure      `json:"failures"`
}

func (e *FallbackExhaustedError) Error() string {
	reasons := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		reasons[i] = fmt.Sprintf("%s: %s", f.Strategy, f.Reason)
	}
	return fmt.Sprintf("fallback chain exhausted for %s/%s: [%s]",
		e.ResourceType, e.OperationKey, strings.Join(reasons, "; "))
}

// IsFallbackExhausted reports whether err is a chain exhaustion error
func IsFallbackExhausted(err error) bool {
	var exhausted *FallbackExhaustedError
	return errors.As(err, &exhausted)
}

// DeadlineExceededError is returned when the caller's context expires while
// the orchestrator is still walking the chain
type DeadlineExceededError struct {
	OperationKey string
	Cause        error
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("deadline exceeded during fallback for %s: %v", e.OperationKey, e.Cause)
}

func (e *DeadlineExceededError) Unwrap() error {
	return e.Cause
}

// IsDeadlineExceeded reports whether err is a fallback deadline error
func IsDeadlineExceeded(err error) bool {
	var deadline *DeadlineExceededError
	return errors.As(err, &deadline)
}
