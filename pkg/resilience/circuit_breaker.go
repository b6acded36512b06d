package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/resilix/resilix/pkg/logging"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single probe is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON serializes the state as its string form
func (s CircuitState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the string form of a state
func (s *CircuitState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state: %s", str)
	}
	return nil
}

// BreakerConfig holds configuration for circuit breakers
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout is how long the circuit stays open before a probe
	// is allowed
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// OnStateChange is called on every state transition
	OnStateChange func(key string, from, to CircuitState) `json:"-" yaml:"-"`
}

// DefaultBreakerConfig returns the default breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Record is the serializable state of one circuit
type Record struct {
	OperationKey        string       `json:"operation_key"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	LastProbeAt         time.Time    `json:"last_probe_at,omitempty"`
}

// Breaker is a per-operation-key state machine that fails fast once an
// operation is known-bad. All transitions happen under the breaker's mutex,
// so concurrent callers observe a consistent state sequence.
type Breaker struct {
	key    string
	config BreakerConfig
	logger *logging.Logger

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	lastProbeAt         time.Time
	probeInFlight       bool
}

// NewBreaker creates a circuit breaker for one operation key
func NewBreaker(key string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}

	return &Breaker{
		key:    key,
		config: config,
		logger: logging.GetLogger(),
		state:  StateClosed,
	}
}

// Key returns the operation key the breaker guards
func (b *Breaker) Key() string { return b.key }

// State returns the current state, applying the open-to-half-open
// transition if the recovery timeout has elapsed
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Record returns a copy of the breaker's serializable state
func (b *Breaker) Record() Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentState(time.Now())

	return Record{
		OperationKey:        b.key,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		LastProbeAt:         b.lastProbeAt,
	}
}

// Allow reports whether a call may proceed. In the half-open state exactly
// one caller is granted the probe slot; everyone else is rejected until the
// probe outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.currentState(now) {
	case StateOpen:
		return &CircuitOpenError{OperationKey: b.key, State: StateOpen}
	case StateHalfOpen:
		if b.probeInFlight {
			return &CircuitOpenError{OperationKey: b.key, State: StateHalfOpen}
		}
		b.probeInFlight = true
		b.lastProbeAt = now
	}
	return nil
}

// RecordSuccess registers a successful attempt: the failure count resets,
// and a half-open probe success closes the circuit
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)
	b.consecutiveFailures = 0

	if state == StateHalfOpen {
		b.probeInFlight = false
		b.setState(StateClosed, now)
	}
}

// RecordFailure registers a failed attempt: reaching the failure threshold
// opens the circuit, and a half-open probe failure reopens it
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)
	b.consecutiveFailures++

	switch state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.openedAt = now
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.openedAt = now
		b.setState(StateOpen, now)
	}
}

// Execute runs the operation if the breaker allows it and records the outcome
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := b.Allow(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.RecordFailure()
			panic(r)
		}
	}()

	result, err := op(ctx)
	if err != nil {
		b.RecordFailure()
		return nil, err
	}
	b.RecordSuccess()
	return result, nil
}

// Trip forces the circuit open
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.state != StateOpen {
		b.openedAt = now
		b.probeInFlight = false
		b.setState(StateOpen, now)
	} else {
		b.openedAt = now
	}
}

// Reset forces the circuit closed and clears the failure count
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.setState(StateClosed, time.Now())
	}
}

// restore seeds the breaker from a persisted record
func (b *Breaker) restore(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = rec.State
	b.consecutiveFailures = rec.ConsecutiveFailures
	b.openedAt = rec.OpenedAt
	b.lastProbeAt = rec.LastProbeAt
	b.probeInFlight = false
}

// currentState applies the time-based open-to-half-open transition.
// Callers must hold the mutex.
func (b *Breaker) currentState(now time.Time) CircuitState {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.RecoveryTimeout {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

// setState transitions the breaker. Callers must hold the mutex.
func (b *Breaker) setState(state CircuitState, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.key, prev, state)
	}

	b.logger.Info("Circuit state changed",
		"operation_key", b.key,
		"from", prev.String(),
		"to", state.String(),
		"consecutive_failures", b.consecutiveFailures,
	)
}
