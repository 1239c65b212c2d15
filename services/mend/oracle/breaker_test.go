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
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("State() = %v after 2 failures, want closed", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("State() = %v after 3 failures, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("Allow() = true while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v, want closed (success reset the streak)", cb.State())
	}
	if cb.Failures() != 2 {
		t.Errorf("Failures() = %d, want 2", cb.Failures())
	}
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Millisecond,
	})

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("Allow() = true immediately after opening")
	}

	time.Sleep(15 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("Allow() = false after open timeout")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("State() = %v, want half-open", cb.State())
	}

	// One success is not enough to close.
	cb.RecordSuccess()
	if cb.State() != CircuitHalfOpen {
		t.Errorf("State() = %v after 1 success, want half-open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v after 2 successes, want closed", cb.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      10 * time.Millisecond,
	})

	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("Allow() = false after open timeout")
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Errorf("State() = %v after half-open failure, want open", cb.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1})

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("breaker should be open")
	}

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v after Reset, want closed", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("Failures() = %d after Reset, want 0", cb.Failures())
	}
	if !cb.Allow() {
		t.Error("Allow() = false after Reset")
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "CLOSED"},
		{CircuitOpen, "OPEN"},
		{CircuitHalfOpen, "HALF_OPEN"},
		{CircuitState(99), "UNKNOWN(99)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
