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
	"testing"

	"github.com/AleutianAI/AleutianMend/services/mend/oracle"
)

func batchCandidate(id, file string, start, end int, replacement string) oracle.FixCandidate {
	return oracle.FixCandidate{
		ID: id,
		Patch: oracle.Patch{
			TargetFile:  file,
			StartLine:   start,
			EndLine:     end,
			Replacement: replacement,
		},
	}
}

func plannedIDs(planned []PlannedPatch) []string {
	ids := make([]string, len(planned))
	for i, p := range planned {
		ids[i] = p.Candidate.ID
	}
	return ids
}

func TestPlanBatch_OrdersByStartLine(t *testing.T) {
	planned, conflicts := PlanBatch([]oracle.FixCandidate{
		batchCandidate("c", "app.js", 30, 30, "x"),
		batchCandidate("a", "app.js", 5, 5, "x"),
		batchCandidate("b", "app.js", 12, 12, "x"),
	})
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none", conflicts)
	}

	got := plannedIDs(planned)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("planned = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("planned order = %v, want %v", got, want)
		}
	}
}

func TestPlanBatch_ShiftsLaterPatchesByDelta(t *testing.T) {
	// The first patch replaces 2 lines with 5, growing the file by 3.
	planned, conflicts := PlanBatch([]oracle.FixCandidate{
		batchCandidate("grow", "app.js", 5, 6, "l1\nl2\nl3\nl4\nl5"),
		batchCandidate("later", "app.js", 10, 11, "x"),
	})
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none", conflicts)
	}
	if len(planned) != 2 {
		t.Fatalf("planned %d patches, want 2", len(planned))
	}

	first := planned[0].Patch
	if first.StartLine != 5 || first.EndLine != 6 {
		t.Fatalf("first patch shifted to %d-%d, want 5-6 unshifted", first.StartLine, first.EndLine)
	}
	second := planned[1].Patch
	if second.StartLine != 13 || second.EndLine != 14 {
		t.Fatalf("second patch shifted to %d-%d, want 13-14", second.StartLine, second.EndLine)
	}
}

func TestPlanBatch_ShrinkingPatchShiftsUp(t *testing.T) {
	// Replacing 3 lines with 1 shrinks the file by 2.
	planned, _ := PlanBatch([]oracle.FixCandidate{
		batchCandidate("shrink", "app.js", 2, 4, "x"),
		batchCandidate("later", "app.js", 8, 8, "y"),
	})
	if len(planned) != 2 {
		t.Fatalf("planned %d patches, want 2", len(planned))
	}
	second := planned[1].Patch
	if second.StartLine != 6 || second.EndLine != 6 {
		t.Fatalf("later patch shifted to %d-%d, want 6-6", second.StartLine, second.EndLine)
	}
}

func TestPlanBatch_OverlapLowestStartWins(t *testing.T) {
	planned, conflicts := PlanBatch([]oracle.FixCandidate{
		batchCandidate("loser", "app.js", 7, 8, "x"),
		batchCandidate("winner", "app.js", 5, 9, "x"),
		batchCandidate("after", "app.js", 10, 10, "x"),
	})

	got := plannedIDs(planned)
	if len(got) != 2 || got[0] != "winner" || got[1] != "after" {
		t.Fatalf("planned = %v, want [winner after]", got)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v, want exactly one", conflicts)
	}
	c := conflicts[0]
	if c.CandidateID != "loser" || c.WinnerID != "winner" || c.File != "app.js" {
		t.Fatalf("conflict = %+v, want loser vs winner in app.js", c)
	}
}

func TestPlanBatch_AdjacentRangesDoNotConflict(t *testing.T) {
	// Line 6 starts right after an accepted 5-5 range.
	planned, conflicts := PlanBatch([]oracle.FixCandidate{
		batchCandidate("a", "app.js", 5, 5, "x"),
		batchCandidate("b", "app.js", 6, 6, "x"),
	})
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none for adjacent ranges", conflicts)
	}
	if len(planned) != 2 {
		t.Fatalf("planned %d patches, want 2", len(planned))
	}
}

func TestPlanBatch_IdenticalRangesTieBreakByID(t *testing.T) {
	planned, conflicts := PlanBatch([]oracle.FixCandidate{
		batchCandidate("b", "app.js", 5, 5, "x"),
		batchCandidate("a", "app.js", 5, 5, "y"),
	})
	if len(planned) != 1 || planned[0].Candidate.ID != "a" {
		t.Fatalf("planned = %v, want only candidate a", plannedIDs(planned))
	}
	if len(conflicts) != 1 || conflicts[0].CandidateID != "b" || conflicts[0].WinnerID != "a" {
		t.Fatalf("conflicts = %+v, want b losing to a", conflicts)
	}
}

func TestPlanBatch_FilesAreIndependent(t *testing.T) {
	planned, conflicts := PlanBatch([]oracle.FixCandidate{
		batchCandidate("b1", "b.js", 5, 6, "l1\nl2\nl3\nl4"),
		batchCandidate("a1", "a.js", 5, 5, "x"),
		batchCandidate("b2", "b.js", 10, 10, "x"),
		batchCandidate("a2", "a.js", 10, 10, "x"),
	})
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none", conflicts)
	}

	got := plannedIDs(planned)
	want := []string{"a1", "a2", "b1", "b2"}
	if len(got) != len(want) {
		t.Fatalf("planned = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("planned order = %v, want %v", got, want)
		}
	}

	// a.js carries no delta from b.js's growth.
	if p := planned[1].Patch; p.StartLine != 10 {
		t.Fatalf("a.js patch shifted to %d, want 10", p.StartLine)
	}
	// b.js's second patch shifts by b1's +2.
	if p := planned[3].Patch; p.StartLine != 12 {
		t.Fatalf("b.js patch shifted to %d, want 12", p.StartLine)
	}
}

func TestPlanBatch_DeterministicUnderReordering(t *testing.T) {
	cands := []oracle.FixCandidate{
		batchCandidate("a", "app.js", 5, 9, "x"),
		batchCandidate("b", "app.js", 7, 8, "x"),
		batchCandidate("c", "app.js", 12, 12, "x"),
		batchCandidate("d", "other.js", 1, 1, "x"),
	}
	reversed := make([]oracle.FixCandidate, len(cands))
	for i, c := range cands {
		reversed[len(cands)-1-i] = c
	}

	p1, c1 := PlanBatch(cands)
	p2, c2 := PlanBatch(reversed)

	ids1, ids2 := plannedIDs(p1), plannedIDs(p2)
	if len(ids1) != len(ids2) {
		t.Fatalf("plans differ in length: %v vs %v", ids1, ids2)
	}
	for i := range ids1 {
		if ids1[i] != ids2[i] {
			t.Fatalf("plans differ: %v vs %v", ids1, ids2)
		}
	}
	if len(c1) != 1 || len(c2) != 1 || c1[0].CandidateID != c2[0].CandidateID {
		t.Fatalf("conflicts differ: %+v vs %+v", c1, c2)
	}
}

func TestPlanBatch_Empty(t *testing.T) {
	planned, conflicts := PlanBatch(nil)
	if len(planned) != 0 || len(conflicts) != 0 {
		t.Fatalf("PlanBatch(nil) = %v, %v, want empty", planned, conflicts)
	}
}
