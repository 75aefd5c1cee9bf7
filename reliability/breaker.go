package reliability

import (
	"sync"
	"time"

	"marketflow/logger"
)

// BreakerState is the derived state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker stops attempting an operation after repeated failures until
// a recovery timeout elapses. Owned by a single provider connection.
//
// Time passing never resets the failure count: once the recovery timeout
// elapses the breaker only permits a half-open trial, and an explicit
// RecordSuccess is the one operation that closes it again.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureCount     int
	failureThreshold int
	recoveryTimeout  time.Duration
	lastFailureTime  time.Time
	isOpen           bool
	log              *logger.Log
}

// NewCircuitBreaker creates a closed breaker that opens after
// failureThreshold consecutive failures and permits a half-open trial after
// recoveryTimeout.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		log:              logger.GetLogger(),
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failureCount = 0
	cb.isOpen = false
	cb.mu.Unlock()
}

// RecordFailure increments the failure count and opens the circuit once the
// threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failureCount++
	cb.lastFailureTime = time.Now()

	if cb.failureCount >= cb.failureThreshold && !cb.isOpen {
		cb.isOpen = true
		cb.log.WithComponent("circuit_breaker").WithFields(logger.Fields{
			"failures": cb.failureCount,
		}).Warn("circuit breaker opened")
	}
	cb.mu.Unlock()
}

// IsAvailable reports whether an operation should proceed: true when the
// circuit is closed or when the recovery timeout has elapsed (half-open
// trial).
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.available()
}

func (cb *CircuitBreaker) available() bool {
	if !cb.isOpen {
		return true
	}
	if cb.lastFailureTime.IsZero() {
		return true
	}
	return time.Since(cb.lastFailureTime) >= cb.recoveryTimeout
}

// State derives the breaker state from (isOpen, elapsed-since-last-failure).
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.isOpen {
		return BreakerClosed
	}
	if cb.available() {
		return BreakerHalfOpen
	}
	return BreakerOpen
}

// FailureCount reports the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
