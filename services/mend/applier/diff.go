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
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/AleutianMend/services/mend/oracle"
)

const diffContextLines = 3

// renderDiff produces a unified diff of one line-range patch for logs
// and the final report. A patch always maps to a single hunk.
func renderDiff(file, original string, patch oracle.Patch) (string, error) {
	lines := strings.Split(original, "\n")

	start := patch.StartLine
	end := patch.EndLine
	if end > len(lines) {
		end = len(lines)
	}

	ctxStart := start - diffContextLines
	if ctxStart < 1 {
		ctxStart = 1
	}
	ctxEnd := end + diffContextLines
	if ctxEnd > len(lines) {
		ctxEnd = len(lines)
	}

	var replacement []string
	if patch.Replacement != "" {
		replacement = strings.Split(patch.Replacement, "\n")
	}

	var body strings.Builder
	for i := ctxStart; i < start; i++ {
		body.WriteString(" " + lines[i-1] + "\n")
	}
	for i := start; i <= end; i++ {
		body.WriteString("-" + lines[i-1] + "\n")
	}
	for _, l := range replacement {
		body.WriteString("+" + l + "\n")
	}
	for i := end + 1; i <= ctxEnd; i++ {
		body.WriteString(" " + lines[i-1] + "\n")
	}

	origCount := ctxEnd - ctxStart + 1
	newCount := (start - ctxStart) + len(replacement) + (ctxEnd - end)

	fd := &diff.FileDiff{
		OrigName: "a/" + file,
		NewName:  "b/" + file,
		Hunks: []*diff.Hunk{{
			OrigStartLine: int32(ctxStart),
			OrigLines:     int32(origCount),
			NewStartLine:  int32(ctxStart),
			NewLines:      int32(newCount),
			Body:          []byte(body.String()),
		}},
	}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
