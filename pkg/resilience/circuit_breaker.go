// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/jllopis/watt/pkg/errors"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed means the circuit breaker is working normally.
	StateClosed CircuitBreakerState = "closed"

	// StateOpen means the circuit breaker is blocking calls.
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen means the circuit breaker is testing if service recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// ErrCircuitOpen is wrapped by the error returned while the breaker rejects calls.
var ErrCircuitOpen = stderrors.New("circuit breaker open")

// Gauge maps the state to the telemetry gauge encoding.
func (s CircuitBreakerState) Gauge() int64 {
	switch s {
	case StateOpen:
		return 0
	case StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open before closing.
	SuccessThreshold int

	// Timeout is how long to stay open before probing in half-open.
	Timeout time.Duration

	// Name identifies the breaker in errors and metrics.
	Name string

	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// CircuitBreaker prevents cascading failures using the circuit breaker pattern.
// fn runs without holding the lock so concurrent runs are not serialized.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	mu           sync.Mutex
	state        CircuitBreakerState
	failures     int
	successes    int
	lastFailTime time.Time
	now          func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "circuit_breaker"
	}
	return &CircuitBreaker{config: config, state: StateClosed, now: time.Now}
}

// Call executes fn if the breaker allows it and records the outcome.
// Cancellation of ctx is not counted as a failure.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailTime) > cb.config.Timeout {
		cb.setState(StateHalfOpen)
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)

	if to == StateOpen {
		return errors.New(errors.CodeLLMError, "circuit breaker open", ErrCircuitOpen).
			WithContext("breaker", cb.config.Name).
			WithRecoverable(false)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state
	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}
	} else {
		switch cb.state {
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.setState(StateClosed)
			}
		case StateClosed:
			cb.failures = 0
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// setState must be called under lock.
func (cb *CircuitBreaker) setState(s CircuitBreakerState) {
	cb.state = s
	cb.failures = 0
	cb.successes = 0
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setState(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
