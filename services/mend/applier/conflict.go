// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package applier

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianMend/services/mend/oracle"
)

// ConflictError reports a candidate whose target range overlaps an
// earlier candidate in the same batch. Conflicts are resolved inside
// the loop (lowest start line wins, the loser is requeued or retried),
// never surfaced to the operator.
type ConflictError struct {
	File        string
	CandidateID string
	WinnerID    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("patch conflict in %s: candidate %s overlaps candidate %s",
		e.File, e.CandidateID, e.WinnerID)
}

// PlannedPatch is one candidate scheduled for application, its line
// range shifted by the accumulated delta of earlier patches to the
// same file.
type PlannedPatch struct {
	Candidate oracle.FixCandidate
	Patch     oracle.Patch
}

// PlanBatch serializes a batch of candidates into a deterministic
// apply order.
//
// # Description
//
// Candidates are ordered by file, then ascending start line (end line
// and candidate ID break ties, so the same input set always plans the
// same way). Within a file, each later patch's range is shifted by the
// net line delta of the patches accepted before it. When two ranges
// overlap, the one with the lower start line wins and the other is
// returned as a ConflictError.
func PlanBatch(cands []oracle.FixCandidate) ([]PlannedPatch, []*ConflictError) {
	ordered := make([]oracle.FixCandidate, len(cands))
	copy(ordered, cands)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Patch, ordered[j].Patch
		if a.TargetFile != b.TargetFile {
			return a.TargetFile < b.TargetFile
		}
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		if a.EndLine != b.EndLine {
			return a.EndLine < b.EndLine
		}
		return ordered[i].ID < ordered[j].ID
	})

	type fileState struct {
		delta   int
		lastEnd int
		winner  string
	}
	states := make(map[string]*fileState)

	var planned []PlannedPatch
	var conflicts []*ConflictError

	for _, cand := range ordered {
		p := cand.Patch
		st := states[p.TargetFile]
		if st == nil {
			st = &fileState{}
			states[p.TargetFile] = st
		}

		// Starts ascend within a file, so overlapping the batch means
		// overlapping the most recently accepted range.
		if st.winner != "" && p.StartLine <= st.lastEnd {
			conflicts = append(conflicts, &ConflictError{
				File:        p.TargetFile,
				CandidateID: cand.ID,
				WinnerID:    st.winner,
			})
			continue
		}

		adjusted := p
		adjusted.StartLine += st.delta
		adjusted.EndLine += st.delta
		planned = append(planned, PlannedPatch{Candidate: cand, Patch: adjusted})

		st.delta += p.LineCount() - (p.EndLine - p.StartLine + 1)
		st.lastEnd = p.EndLine
		st.winner = cand.ID
	}

	return planned, conflicts
}
