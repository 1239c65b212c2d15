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
	"strings"
	"time"

	"github.com/AleutianAI/AleutianMend/services/mend/collector"
)

// ErrRateLimited is returned when the hourly generation budget is
// spent. Callers fail fast instead of queueing behind the window.
var ErrRateLimited = errors.New("generation rate limit reached")

// ErrNoCandidates is returned when neither the oracle nor the fallback
// produced a usable candidate for an error.
var ErrNoCandidates = errors.New("no fix candidates produced")

// Origin records which path produced a candidate.
type Origin string

const (
	// OriginOracle marks candidates returned by the remote oracle.
	OriginOracle Origin = "oracle"

	// OriginFallback marks candidates produced by the deterministic
	// template library when the oracle was unavailable.
	OriginFallback Origin = "fallback"
)

// Patch is a replacement for a contiguous line range of one file.
// Lines are 1-based and inclusive on both ends.
type Patch struct {
	TargetFile  string `json:"target_file"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	Replacement string `json:"replacement"`
}

// LineCount reports how many lines the replacement spans. Used for the
// large-patch confidence penalty and for apply-time bookkeeping.
func (p Patch) LineCount() int {
	if p.Replacement == "" {
		return 0
	}
	return strings.Count(p.Replacement, "\n") + 1
}

// Validate rejects patches that cannot possibly apply.
func (p Patch) Validate() error {
	if p.TargetFile == "" {
		return fmt.Errorf("patch has no target file")
	}
	if p.StartLine < 1 {
		return fmt.Errorf("patch start line %d is not 1-based", p.StartLine)
	}
	if p.EndLine < p.StartLine {
		return fmt.Errorf("patch end line %d precedes start line %d", p.EndLine, p.StartLine)
	}
	return nil
}

// ApplyTo splices the replacement into content, swapping out the
// declared line range. An end line past EOF is clamped; a start line
// past EOF is an error. The result is the canonical patched content
// used by both validation and the applier.
func (p Patch) ApplyTo(content string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	lines := strings.Split(content, "\n")
	if p.StartLine > len(lines) {
		return "", fmt.Errorf("patch start line %d past end of %d-line file", p.StartLine, len(lines))
	}
	end := p.EndLine
	if end > len(lines) {
		end = len(lines)
	}

	var out []string
	out = append(out, lines[:p.StartLine-1]...)
	out = append(out, strings.Split(p.Replacement, "\n")...)
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n"), nil
}

// FixCandidate is one proposed remediation. Candidates are immutable
// after creation: confidence adjustment happens before the candidate is
// handed out, and downstream stages only read.
type FixCandidate struct {
	// ID uniquely identifies this candidate across the run.
	ID string `json:"id"`

	// ErrorID is the collector record the candidate targets.
	ErrorID string `json:"error_id"`

	// ErrorKey is the identity key of the targeted record. The loop and
	// the history store index outcomes by this key.
	ErrorKey string `json:"error_key"`

	// Kind is the classified kind of the targeted error, carried along
	// so strategy outcomes can be recorded without a collector lookup.
	Kind collector.ErrorKind `json:"kind"`

	// Patch is the concrete source change.
	Patch Patch `json:"patch"`

	// Confidence is the final score in [0, 100] after adjustment.
	Confidence int `json:"confidence"`

	// StrategyTag names the repair strategy (for example "null-guard").
	// Strategy outcomes are aggregated per (kind, tag) pair.
	StrategyTag string `json:"strategy_tag"`

	// Explanation is the human-readable rationale for the patch.
	Explanation string `json:"explanation"`

	// Origin says whether the oracle or the fallback produced this.
	Origin Origin `json:"origin"`

	// GeneratedAt is when the candidate was created.
	GeneratedAt time.Time `json:"generated_at"`
}

// rawCandidate is the wire shape the oracle returns per candidate.
// targetFile is implied by the request and filled in locally.
type rawCandidate struct {
	Confidence  int    `json:"confidence"`
	Code        string `json:"code"`
	Explanation string `json:"explanation"`
	StartLine   int    `json:"startLine"`
	EndLine     int    `json:"endLine"`
	Strategy    string `json:"strategy,omitempty"`
}

// resultStatus distinguishes the three ways an oracle call can end.
type resultStatus int

const (
	resultOk resultStatus = iota
	resultTimedOut
	resultFailed
)

func (s resultStatus) String() string {
	switch s {
	case resultOk:
		return "ok"
	case resultTimedOut:
		return "timed_out"
	case resultFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// generateResult is the single value an oracle call produces. Exactly
// one consumer switches on Status; timeouts and failures are data here,
// not control flow scattered through the call path.
type generateResult struct {
	Status     resultStatus
	Candidates []rawCandidate
	Err        error
}

func okResult(cands []rawCandidate) generateResult {
	return generateResult{Status: resultOk, Candidates: cands}
}

func timedOutResult(err error) generateResult {
	return generateResult{Status: resultTimedOut, Err: err}
}

func failedResult(err error) generateResult {
	return generateResult{Status: resultFailed, Err: err}
}
