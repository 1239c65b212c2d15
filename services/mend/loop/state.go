// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"fmt"
	"sync"
	"time"
)

// RunState is a state in the remediation loop state machine.
type RunState string

const (
	// StateIdle means no run has started.
	StateIdle RunState = "IDLE"

	// StateRunning means iterations are in progress.
	StateRunning RunState = "RUNNING"

	// StateConverged means the run ended with zero unresolved defects.
	StateConverged RunState = "CONVERGED"

	// StateStalled means the run ended without converging: no
	// progress, a budget cap, or every remaining defect exhausted.
	StateStalled RunState = "STALLED"

	// StateError means an unrecoverable condition stopped the run.
	StateError RunState = "ERROR"
)

func (s RunState) String() string { return string(s) }

// IsTerminal reports whether the state ends the run.
func (s RunState) IsTerminal() bool {
	return s == StateConverged || s == StateStalled || s == StateError
}

// AllRunStates returns every state, for iteration in tests.
func AllRunStates() []RunState {
	return []RunState{StateIdle, StateRunning, StateConverged, StateStalled, StateError}
}

// errInvalidTransition is returned for a transition the machine does
// not allow.
var errInvalidTransition = fmt.Errorf("invalid state transition")

// stateMachine enforces the loop's transition graph:
//
//	IDLE → RUNNING          : run started
//	RUNNING → CONVERGED     : zero unresolved defects
//	RUNNING → STALLED       : no progress, budget cap, or exhaustion
//	RUNNING → ERROR         : unrecoverable failure
//
// Terminal states have no outgoing transitions; a finished run never
// restarts in place.
//
// # Thread Safety
//
// Safe for concurrent use.
type stateMachine struct {
	mu          sync.RWMutex
	transitions map[RunState]map[RunState]bool
	state       RunState
	enteredAt   time.Time
}

func newStateMachine() *stateMachine {
	sm := &stateMachine{
		transitions: make(map[RunState]map[RunState]bool),
		state:       StateIdle,
		enteredAt:   time.Now(),
	}
	for _, s := range AllRunStates() {
		sm.transitions[s] = make(map[RunState]bool)
	}

	sm.addTransition(StateIdle, StateRunning)
	sm.addTransition(StateRunning, StateConverged)
	sm.addTransition(StateRunning, StateStalled)
	sm.addTransition(StateRunning, StateError)

	return sm
}

func (sm *stateMachine) addTransition(from, to RunState) {
	sm.transitions[from][to] = true
}

// canTransition checks whether from → to is allowed.
func (sm *stateMachine) canTransition(from, to RunState) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// transition moves the machine to the target state or fails without
// changing anything.
func (sm *stateMachine) transition(to RunState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if toMap, ok := sm.transitions[sm.state]; !ok || !toMap[to] {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, sm.state, to)
	}
	sm.state = to
	sm.enteredAt = time.Now()
	return nil
}

// current returns the machine's state.
func (sm *stateMachine) current() RunState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// reset returns the machine to IDLE for a fresh run. Only valid from a
// terminal state or IDLE itself.
func (sm *stateMachine) reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = StateIdle
	sm.enteredAt = time.Now()
}

// IterationState is the loop's bookkeeping after one iteration. It is
// the unit of persistence: a snapshot of this struct (plus histories)
// is written after every iteration.
type IterationState struct {
	// Iteration is the 1-based iteration that just completed.
	Iteration int `json:"iteration"`

	// Queued is the pending defect count after the iteration.
	Queued int `json:"queued"`

	// InFlight is the count drained but not yet dispositioned. Always
	// zero in persisted snapshots; the state is only written between
	// iterations.
	InFlight int `json:"in_flight"`

	// Resolved is the cumulative count of defects fixed this run.
	Resolved int `json:"resolved"`

	// Failed is the cumulative count of defects moved to the terminal
	// failed list.
	Failed int `json:"failed"`

	// AttemptsByKey tracks spent fix attempts per error key.
	AttemptsByKey map[string]int `json:"attempts_by_key"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// UpdatedAt is when this state was last written.
	UpdatedAt time.Time `json:"updated_at"`

	// Status is the loop state as of UpdatedAt.
	Status RunState `json:"status"`
}
