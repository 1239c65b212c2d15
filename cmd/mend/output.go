// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AleutianAI/AleutianMend/pkg/ux"
	"github.com/AleutianAI/AleutianMend/services/mend/loop"
)

// Exit codes for CLI commands.
const (
	ExitConverged  = 0 // Every captured defect was fixed and confirmed
	ExitUnresolved = 1 // The run finished with defects remaining
	ExitError      = 2 // The command itself failed
)

// OutputJSON writes structured data as indented JSON to stdout.
func OutputJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// renderReport prints the final run report for humans.
func renderReport(w io.Writer, rep *loop.FinalReport) {
	status := string(rep.Status)
	fmt.Fprintf(w, "Run finished: %s", ux.StatusStyle(status).Render(status))
	if rep.StallReason != "" {
		fmt.Fprintf(w, " (%s)", rep.StallReason)
	}
	fmt.Fprintln(w)

	elapsed := rep.FinishedAt.Sub(rep.StartedAt).Round(time.Second)
	fmt.Fprintf(w, "  iterations: %d   elapsed: %s\n", rep.Iterations, elapsed)
	fmt.Fprintf(w, "  resolved: %d   exhausted: %d   unattempted: %d\n",
		rep.Resolved, rep.Exhausted, rep.Unattempted)
	if len(rep.ErrorCountHistory) > 0 {
		fmt.Fprintf(w, "  unresolved after each iteration: %v\n", rep.ErrorCountHistory)
	}

	if len(rep.AppliedFixes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, ux.Styles.Title.Render("Applied fixes:"))
		for _, fix := range rep.AppliedFixes {
			fmt.Fprintf(w, "  %s %-12s %s  [%s]\n",
				fixIcon(fix).Render(), fixDisposition(fix), fix.File, fix.CandidateID)
		}
	}

	if len(rep.Unresolved) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, ux.Styles.Title.Render("Unresolved:"))
		for _, u := range rep.Unresolved {
			fmt.Fprintf(w, "  %s:%d  %s\n", u.File, u.Line, u.Message)
			fmt.Fprintf(w, "    kind: %s   attempts: %d\n", u.Kind, u.Attempts)
			if u.LastRejection != "" {
				fmt.Fprintf(w, "    last rejection: %s\n", u.LastRejection)
			}
			fmt.Fprintf(w, "    next step: %s\n", u.Recommendation)
		}
	}
}

func fixDisposition(fix loop.FixEntry) string {
	switch {
	case fix.RolledBack:
		return "rolled back"
	case fix.Confirmed:
		return "confirmed"
	default:
		return "unconfirmed"
	}
}

func fixIcon(fix loop.FixEntry) ux.Icon {
	switch {
	case fix.RolledBack:
		return ux.IconError
	case fix.Confirmed:
		return ux.IconSuccess
	default:
		return ux.IconPending
	}
}

// renderStatus prints the persisted snapshot summary for mend status.
func renderStatus(w io.Writer, snap loop.Snapshot) {
	st := snap.State
	status := string(st.Status)
	fmt.Fprintf(w, "Last run: %s\n", ux.StatusStyle(status).Render(status))
	fmt.Fprintf(w, "  iteration: %d   queued: %d   resolved: %d   failed: %d\n",
		st.Iteration, st.Queued, st.Resolved, st.Failed)
	fmt.Fprintf(w, "  started: %s   updated: %s\n",
		st.StartedAt.Local().Format(time.RFC3339),
		st.UpdatedAt.Local().Format(time.RFC3339))
	if len(snap.ErrorCountHistory) > 0 {
		fmt.Fprintf(w, "  unresolved after each iteration: %v\n", snap.ErrorCountHistory)
	}
	if len(snap.FixHistory) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, ux.Styles.Title.Render("Fixes this run:"))
		for _, fix := range snap.FixHistory {
			fmt.Fprintf(w, "  %s %-12s %s  [%s]\n",
				fixIcon(fix).Render(), fixDisposition(fix), fix.File, fix.CandidateID)
		}
	}
	if st.Status == loop.StateRunning {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "The run did not finish. Continue it with: %s\n",
			ux.Styles.Bold.Render("mend run --resume"))
	}
}
