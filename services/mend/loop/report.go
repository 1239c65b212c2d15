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
	"time"

	"github.com/AleutianAI/AleutianMend/services/mend/validation"
)

// FinalReport is what a finished run hands the operator: how it ended,
// what was fixed, and what remains with concrete next steps.
type FinalReport struct {
	Status      RunState `json:"status"`
	StallReason string   `json:"stall_reason,omitempty"`

	Iterations int       `json:"iterations"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Resolved counts fixes applied and confirmed.
	Resolved int `json:"resolved"`

	// Exhausted counts errors that spent their full attempt budget.
	Exhausted int `json:"exhausted"`

	// Unattempted counts queued errors the run never got to.
	Unattempted int `json:"unattempted,omitempty"`

	// ErrorCountHistory is the unresolved count after each iteration.
	ErrorCountHistory []int `json:"error_count_history"`

	// AppliedFixes is every apply this run, including rolled-back
	// ones, in order.
	AppliedFixes []FixEntry `json:"applied_fixes,omitempty"`

	// Unresolved enumerates every attempted-but-unfixed error, in
	// source order.
	Unresolved []UnresolvedError `json:"unresolved,omitempty"`
}

// Converged reports whether the run ended with every defect fixed.
// The CLI maps it to the process exit code.
func (r *FinalReport) Converged() bool {
	return r.Status == StateConverged
}

// UnresolvedError is one defect the run could not fix, with its last
// attempt and a concrete recommendation.
type UnresolvedError struct {
	Key      string `json:"key"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Attempts int    `json:"attempts"`

	// LastCandidateID is the most recent candidate tried, "" when
	// generation never produced an eligible one.
	LastCandidateID string `json:"last_candidate_id,omitempty"`

	// LastRejection is why the last attempt did not stick.
	LastRejection string `json:"last_rejection,omitempty"`

	Recommendation string `json:"recommendation"`
}

// buildReport assembles the final report from the run's bookkeeping.
func (o *Orchestrator) buildReport(book *runBook) *FinalReport {
	rep := &FinalReport{
		Status:            o.sm.current(),
		StallReason:       book.stallReason,
		Iterations:        book.iteration,
		StartedAt:         book.startedAt,
		FinishedAt:        time.Now(),
		Resolved:          book.resolved,
		Exhausted:         book.failed,
		ErrorCountHistory: append([]int(nil), book.countHistory...),
		AppliedFixes:      append([]FixEntry(nil), book.fixHistory...),
	}

	pendingAttempted := 0
	for key, out := range book.outcomes {
		if out.resolved {
			continue
		}
		if !out.terminal {
			pendingAttempted++
		}
		rep.Unresolved = append(rep.Unresolved, UnresolvedError{
			Key:             key,
			Kind:            string(out.rec.Kind),
			Message:         out.rec.Message,
			File:            out.rec.Location.File,
			Line:            out.rec.Location.Line,
			Attempts:        out.attempts,
			LastCandidateID: out.lastCandidateID,
			LastRejection:   out.lastRejection,
			Recommendation:  recommendFor(out),
		})
	}
	sortUnresolved(rep.Unresolved)

	// Requeued errors sit in the collector queue alongside ones the
	// run never drained; subtract the former to count the latter.
	if q := o.deps.Collector.QueueLen() - pendingAttempted; q > 0 {
		rep.Unattempted = q
	}
	return rep
}

// recommendFor phrases the operator's next step for one unresolved
// error.
func recommendFor(out *errorOutcome) string {
	switch {
	case out.terminal:
		return "exhausted its fix attempts; manual review required"
	case out.recommendation == validation.ReviewRequired:
		return "a candidate scored in the manual-review band; review and apply it by hand"
	case out.recommendation != "":
		return "a validated fix exists; enable auto-apply or apply it by hand"
	case out.rateLimited:
		return "fix generation was rate-limited; rerun after the budget window resets"
	default:
		return "no candidate survived validation; manual investigation required"
	}
}
