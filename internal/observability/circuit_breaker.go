// Package observability provides retry and circuit-breaker wrappers for
// fact-store calls.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lexara/sixworker/internal/domain"
)

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and calls pass through.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates calls fail fast until the timeout elapses.
	StateOpen
	// StateHalfOpen indicates one trial call is permitted to probe recovery.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gates per-record propose calls. Consecutive failures trip it
// open; after the timeout one probe call is let through, and its outcome
// decides between closing again and re-opening.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	timeout          time.Duration

	state           CircuitBreakerState
	failureCount    int
	lastFailureTime time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and stays open for timeout.
func NewCircuitBreaker(failureThreshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		timeout:          timeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// allow reports whether a call may proceed, transitioning open to half-open
// when the timeout has elapsed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.timeout {
			cb.state = StateHalfOpen
			slog.Info("circuit breaker half-open", slog.Duration("timeout", cb.timeout))
			return true
		}
		return false
	default:
		return false
	}
}

// recordSuccess resets the breaker to closed.
func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		slog.Info("circuit breaker closed after successful probe")
	}
	cb.state = StateClosed
	cb.failureCount = 0
}

// recordFailure counts a failure and trips the breaker when the threshold is
// reached; a half-open failure re-opens immediately.
func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		slog.Warn("circuit breaker re-opened after failed probe")
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened",
				slog.Int("consecutive_failures", cb.failureCount),
				slog.Duration("timeout", cb.timeout))
		}
	}
}

// Execute runs fn through the breaker. When the breaker is open the call
// fails fast with domain.ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return fmt.Errorf("op=breaker.execute: %w", domain.ErrCircuitOpen)
	}
	if err := fn(ctx); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}
