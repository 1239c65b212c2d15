// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of the oracle circuit breaker.
//
// # States
//
//   - Closed: normal operation, calls flow through
//   - Open: circuit tripped, calls go straight to the fallback
//   - HalfOpen: probing whether the oracle recovered
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means the circuit has tripped and calls are rejected.
	CircuitOpen

	// CircuitHalfOpen means a probe call is testing recovery.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("oracle circuit breaker is open")

// BreakerConfig controls how the breaker trips and recovers.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is consecutive successes to close from half-open.
	// Default: 2
	SuccessThreshold int

	// OpenTimeout is how long to stay open before trying half-open.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// OnStateChange is called on transitions, asynchronously.
	OnStateChange func(from, to CircuitState)
}

// CircuitBreaker stops oracle calls while the endpoint is failing so
// every error in a batch does not burn a full timeout each. While open,
// generation goes straight to the fallback templates.
//
// # Thread Safety
//
// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	config      BreakerConfig
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
	mu          sync.RWMutex
}

// NewCircuitBreaker creates a breaker in the closed state, applying
// defaults for zero config values.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Allow reports whether a call may proceed, transitioning open to
// half-open once the open timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailure) > cb.config.OpenTimeout {
			cb.transitionTo(CircuitHalfOpen)
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful oracle call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		if cb.successes >= cb.config.SuccessThreshold {
			cb.failures = 0
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure notes a failed or timed-out oracle call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open goes back to open.
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}
	old := cb.state
	cb.state = state
	if cb.config.OnStateChange != nil {
		// Without holding the lock, to prevent deadlocks.
		go cb.config.OnStateChange(old, state)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset forces the circuit to closed, clearing all counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	old := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0

	if old != CircuitClosed && cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(old, CircuitClosed)
	}
}
