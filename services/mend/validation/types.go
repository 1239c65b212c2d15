// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianMend/services/mend/browser"
	"github.com/AleutianAI/AleutianMend/services/mend/collector"
	"github.com/AleutianAI/AleutianMend/services/mend/oracle"
)

// Check names, also the keys of the fixed weight table.
const (
	CheckSyntax      = "syntax"
	CheckLint        = "lint"
	CheckReplay      = "functional-replay"
	CheckRegression  = "regression"
	CheckPerformance = "performance"
)

// checkWeights is the fixed weighting of the five checks. Skipped
// checks drop out and the remaining weights are renormalized, so a
// missing regression suite never silently zeroes the average.
var checkWeights = map[string]float64{
	CheckSyntax:      0.20,
	CheckLint:        0.20,
	CheckReplay:      0.35,
	CheckRegression:  0.15,
	CheckPerformance: 0.10,
}

// Recommendation gates automatic application of a validated candidate.
type Recommendation string

const (
	ApplyImmediately    Recommendation = "APPLY_IMMEDIATELY"
	ApplyWithMonitoring Recommendation = "APPLY_WITH_MONITORING"
	ReviewRequired      Recommendation = "REVIEW_REQUIRED"
	DoNotApply          Recommendation = "DO_NOT_APPLY"
)

// RecommendationFor maps an overall score to its band.
func RecommendationFor(score float64) Recommendation {
	switch {
	case score >= 90:
		return ApplyImmediately
	case score >= 75:
		return ApplyWithMonitoring
	case score >= 60:
		return ReviewRequired
	default:
		return DoNotApply
	}
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Score    float64       `json:"score"`
	Skipped  bool          `json:"skipped,omitempty"`
	Details  []string      `json:"details,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the combined outcome for one candidate. Immutable once
// produced; workers share it by reference.
type Result struct {
	CandidateID    string         `json:"candidate_id"`
	ErrorKey       string         `json:"error_key"`
	Checks         []CheckResult  `json:"checks"`
	OverallScore   float64        `json:"overall_score"`
	Passed         bool           `json:"passed"`
	Recommendation Recommendation `json:"recommendation"`
	Duration       time.Duration  `json:"duration"`
}

// Check returns the named check result, or nil when it did not run.
func (r *Result) Check(name string) *CheckResult {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

// RejectionReason summarizes why a failed candidate was rejected, for
// the final report.
func (r *Result) RejectionReason() string {
	if r.Passed {
		return ""
	}
	for i := range r.Checks {
		c := &r.Checks[i]
		if !c.Skipped && !c.Passed {
			if len(c.Details) > 0 {
				return c.Name + ": " + c.Details[0]
			}
			return c.Name + " failed"
		}
	}
	return "overall score below threshold"
}

// checkInput is the shared state one validation run threads through
// its checks.
type checkInput struct {
	candidate oracle.FixCandidate
	record    *collector.ErrorRecord
	bundle    collector.ContextBundle

	original string
	patched  string

	// session is the single automation session checked out for this
	// run, nil when none could be acquired.
	session browser.Session

	// browserConfigured distinguishes "no driver configured" (checks
	// skip) from "session acquisition failed" (checks fail).
	browserConfigured bool

	// sessionBroken is set by a check that saw the session fail at the
	// transport level, so the lease is not returned as healthy.
	sessionBroken bool
}

// checker is one stage of the pipeline. Checks never return errors: an
// internal failure is reported as a failed (or skipped) CheckResult.
type checker interface {
	name() string
	run(ctx context.Context, in *checkInput) CheckResult
}
