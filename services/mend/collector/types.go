// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collector ingests raw defect reports from the instrumented
// target, deduplicates them by identity key, classifies severity, and
// maintains the bounded queue the remediation loop drains.
//
// # Description
//
// The collector is the entry point of the remediation loop. Reports
// arrive over the ingestion channel (see services/mend/ingest), are
// collapsed into ErrorRecords keyed by hash(file, line, normalized
// message), and wait in a bounded pending queue until the orchestrator
// drains them. Repeat observations within the dedup window increment
// OccurrenceCount instead of creating new records, so a noisy error
// firing every frame costs one queue slot.
//
// # Lifecycle
//
// A record is created on first observation, updated on repeats, moved
// to in-flight when drained, and either resolved (fix confirmed),
// requeued (fix rejected, retry budget remaining), or marked terminal
// (retry budget exhausted). Terminal records never re-enter the queue;
// they stay on the terminal history list for the final report.
package collector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind is the closed set of defect categories the loop understands.
//
// Raw reports carry free-form kind strings; ParseKind maps them onto
// this set with KindUnknown as the explicit fallback variant. The
// fallback fix-template table and the severity classifier both match
// on this enum rather than on raw strings.
type ErrorKind string

const (
	// KindTypeError covers "x is not a function" / "cannot read
	// properties of undefined" class failures.
	KindTypeError ErrorKind = "type-error"

	// KindReferenceError covers references to undeclared identifiers.
	KindReferenceError ErrorKind = "reference-error"

	// KindRangeError covers range violations including call stack
	// overflow from runaway recursion.
	KindRangeError ErrorKind = "range-error"

	// KindSyntaxError covers parse failures in dynamically loaded code.
	KindSyntaxError ErrorKind = "syntax-error"

	// KindPromiseRejection covers unhandled promise rejections.
	KindPromiseRejection ErrorKind = "unhandled-rejection"

	// KindNetworkFailure covers failed resource loads and fetch errors.
	KindNetworkFailure ErrorKind = "network-failure"

	// KindConsoleError covers console.error output that is not an
	// uncaught exception.
	KindConsoleError ErrorKind = "console-error"

	// KindStateInvariant covers target-reported state corruption
	// (negative currency, NaN production rates).
	KindStateInvariant ErrorKind = "state-invariant"

	// KindUnknown is the explicit fallback for unrecognized kinds.
	KindUnknown ErrorKind = "unknown"
)

// ParseKind maps a raw kind string from the ingestion channel onto the
// closed ErrorKind set. Unrecognized values map to KindUnknown.
func ParseKind(raw string) ErrorKind {
	switch ErrorKind(raw) {
	case KindTypeError, KindReferenceError, KindRangeError, KindSyntaxError,
		KindPromiseRejection, KindNetworkFailure, KindConsoleError,
		KindStateInvariant:
		return ErrorKind(raw)
	}
	// Common aliases emitted by the instrumentation shim.
	switch raw {
	case "TypeError":
		return KindTypeError
	case "ReferenceError":
		return KindReferenceError
	case "RangeError":
		return KindRangeError
	case "SyntaxError":
		return KindSyntaxError
	case "unhandledrejection", "promise-rejection":
		return KindPromiseRejection
	case "network", "fetch-error":
		return KindNetworkFailure
	case "console":
		return KindConsoleError
	}
	return KindUnknown
}

// =============================================================================
// Severity
// =============================================================================

// Severity is the four-level priority assigned by classification.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Rank returns an ordinal for sorting (higher = more severe).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 0
	default:
		return -1
	}
}

// bump raises severity by one level, saturating at CRITICAL.
func (s Severity) bump() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh, SeverityCritical:
		return SeverityCritical
	default:
		return s
	}
}

// =============================================================================
// Records
// =============================================================================

// RecordStatus tracks where a record is in its lifecycle.
type RecordStatus string

const (
	// StatusPending means the record is waiting in the queue.
	StatusPending RecordStatus = "PENDING"

	// StatusInFlight means the record has been drained and a worker
	// owns it for this iteration.
	StatusInFlight RecordStatus = "IN_FLIGHT"

	// StatusResolved means a fix was applied and confirmed.
	StatusResolved RecordStatus = "RESOLVED"

	// StatusEvicted means the record was pushed out of a full queue.
	// A later recurrence re-enqueues it.
	StatusEvicted RecordStatus = "EVICTED"

	// StatusTerminal means the retry budget is exhausted. The record
	// never re-enters the queue.
	StatusTerminal RecordStatus = "TERMINAL"
)

// Location identifies where in the target source an error fired.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// ErrorRecord is a deduplicated defect observed in the running target.
//
// Records are owned by the Collector; Drain hands out copies, so
// workers can read them without synchronization while the collector
// keeps updating occurrence counts on the canonical record.
type ErrorRecord struct {
	// ID is a unique identifier for this record (uuid).
	ID string `json:"id"`

	// Key is the identity key: hash(file, line, normalized message).
	Key string `json:"key"`

	Kind     ErrorKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Location Location  `json:"location"`

	// StackTrace is the raw stack as reported, untrimmed.
	StackTrace string `json:"stack_trace,omitempty"`

	// Component is the target subsystem the instrumentation attributed
	// the error to ("save", "prestige", "main-loop", ...).
	Component string `json:"component,omitempty"`

	// ContextSnapshot is free-form structured data captured at
	// detection time by the instrumentation shim.
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`

	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	OccurrenceCount int       `json:"occurrence_count"`

	Status RecordStatus `json:"status"`
}

// Clone returns a deep copy safe to hand outside the collector.
func (r *ErrorRecord) Clone() *ErrorRecord {
	cp := *r
	if r.ContextSnapshot != nil {
		cp.ContextSnapshot = make(map[string]any, len(r.ContextSnapshot))
		for k, v := range r.ContextSnapshot {
			cp.ContextSnapshot[k] = v
		}
	}
	return &cp
}

// TerminalFailure is a record that exhausted its retry budget, kept
// for the final report.
type TerminalFailure struct {
	Record *ErrorRecord `json:"record"`
	Reason string       `json:"reason"`
	At     time.Time    `json:"at"`
}

// =============================================================================
// Ingestion Payload
// =============================================================================

// ContextBundle is the context packaged with a fix-generation request:
// a window of target source around the error location, the most recent
// user actions, and the latest app-state snapshot.
type ContextBundle struct {
	SourceSnippet string `json:"source_snippet,omitempty"`

	// SnippetStartLine is the 1-based file line of the snippet's first
	// line, so snippet lines can be mapped back to file positions.
	SnippetStartLine int `json:"snippet_start_line,omitempty"`

	RecentActions []string       `json:"recent_actions,omitempty"`
	StateSnapshot map[string]any `json:"state_snapshot,omitempty"`
}

// Report is the raw defect payload decoded off the ingestion channel.
type Report struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	File      string         `json:"file"`
	Line      int            `json:"line"`
	Column    int            `json:"column,omitempty"`
	Stack     string         `json:"stack,omitempty"`
	Component string         `json:"component,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Validate checks the fields the collector cannot work without.
func (r Report) Validate() error {
	if r.Message == "" {
		return fmt.Errorf("%w: empty message", ErrMalformedReport)
	}
	if r.File == "" {
		return fmt.Errorf("%w: empty file", ErrMalformedReport)
	}
	if r.Line < 0 {
		return fmt.Errorf("%w: negative line %d", ErrMalformedReport, r.Line)
	}
	return nil
}

// IdentityKey computes the dedup key for an error observation.
//
// Two observations share a key iff they fired at the same file and
// line with messages that normalize to the same shape. The key is the
// first 16 hex chars of a sha256 over the three parts.
func IdentityKey(file string, line int, message string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s", file, line, NormalizeMessage(message))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
