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
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianMend/services/mend/browser"
	"github.com/AleutianAI/AleutianMend/services/mend/collector"
)

const originalMessage = "Uncaught TypeError: cannot read properties of undefined (reading 'items')"

func openSession(t *testing.T, driver *browser.MockDriver) browser.Session {
	t.Helper()
	sess, err := driver.Open(context.Background())
	if err != nil {
		t.Fatalf("opening mock session: %v", err)
	}
	return sess
}

func replayInput(sess browser.Session) *checkInput {
	return &checkInput{
		record: testRecordFor(originalMessage),
		bundle: collector.ContextBundle{
			RecentActions: []string{"click #add-to-cart", "click #checkout"},
		},
		patched:           "const count = cart?.items?.length ?? 0;",
		session:           sess,
		browserConfigured: sess != nil,
	}
}

func TestReplayCheck_PassesWhenErrorGone(t *testing.T) {
	driver := browser.NewMockDriver()
	in := replayInput(openSession(t, driver))

	check := replayCheck{targetURL: "http://localhost:8080"}
	res := check.run(context.Background(), in)

	if !res.Passed || res.Score != 100 {
		t.Fatalf("result = %+v, want passed at 100", res)
	}
	if in.sessionBroken {
		t.Fatal("clean replay must not mark the session broken")
	}
	if urls := driver.Navigated(); len(urls) != 1 || urls[0] != "http://localhost:8080" {
		t.Fatalf("navigated = %v, want the target URL once", urls)
	}
	if injected := driver.Injected(); len(injected) != 1 || injected[0] != in.patched {
		t.Fatalf("injected = %v, want the patched source", injected)
	}
}

func TestReplayCheck_FailsWhenOriginalPersists(t *testing.T) {
	driver := browser.NewMockDriver().WithObservations(&browser.Observation{
		ConsoleErrors: []browser.ConsoleError{{Message: originalMessage, File: "app.js", Line: 2}},
	})
	in := replayInput(openSession(t, driver))

	res := replayCheck{targetURL: "http://localhost:8080"}.run(context.Background(), in)

	if res.Passed || res.Score != 0 {
		t.Fatalf("result = %+v, want hard failure", res)
	}
	if !containsDetail(res.Details, "still fires") {
		t.Fatalf("details %v should report the persisting error", res.Details)
	}
}

func TestReplayCheck_MatchesNormalizedVariant(t *testing.T) {
	// The same defect recurring with different volatile fragments
	// still counts as the original error.
	variant := "Uncaught TypeError: cannot read properties of undefined (reading 'total')"
	driver := browser.NewMockDriver().WithObservations(&browser.Observation{
		ConsoleErrors: []browser.ConsoleError{{Message: variant}},
	})
	in := replayInput(openSession(t, driver))

	res := replayCheck{targetURL: "http://localhost:8080"}.run(context.Background(), in)
	if res.Passed || res.Score != 0 {
		t.Fatalf("result = %+v, want failure on a normalized match", res)
	}
}

func TestReplayCheck_NewErrorScoresPartial(t *testing.T) {
	driver := browser.NewMockDriver().WithObservations(&browser.Observation{
		ConsoleErrors: []browser.ConsoleError{
			{Message: "Uncaught ReferenceError: renderBadge is not defined"},
		},
	})
	in := replayInput(openSession(t, driver))

	res := replayCheck{targetURL: "http://localhost:8080"}.run(context.Background(), in)

	if res.Passed {
		t.Fatal("a patch introducing a new error must not pass")
	}
	if res.Score != 40 {
		t.Fatalf("score = %.1f, want 40 for fixed-but-regressed", res.Score)
	}
	if !containsDetail(res.Details, "renderBadge") {
		t.Fatalf("details %v should name the new error", res.Details)
	}
}

func TestReplayCheck_NetworkFailureMatch(t *testing.T) {
	driver := browser.NewMockDriver().WithObservations(&browser.Observation{
		NetworkFailures: []browser.NetworkFailure{{URL: "/api/save", Status: 500}},
	})

	in := replayInput(openSession(t, driver))
	in.record = &collector.ErrorRecord{
		ID:       "rec-2",
		Key:      "k2",
		Kind:     collector.KindNetworkFailure,
		Message:  "failed to fetch /api/save",
		Location: collector.Location{File: "net.js", Line: 7},
	}

	res := replayCheck{targetURL: "http://localhost:8080"}.run(context.Background(), in)
	if res.Passed || res.Score != 0 {
		t.Fatalf("result = %+v, want failure while the request keeps failing", res)
	}
}

func TestReplayCheck_SkippedWithoutBrowser(t *testing.T) {
	in := replayInput(nil)
	in.browserConfigured = false

	res := replayCheck{targetURL: "http://localhost:8080"}.run(context.Background(), in)
	if !res.Skipped {
		t.Fatalf("result = %+v, want skipped without a browser", res)
	}
}

func TestReplayCheck_FailsWhenSessionUnavailable(t *testing.T) {
	in := replayInput(nil)
	in.browserConfigured = true

	res := replayCheck{targetURL: "http://localhost:8080"}.run(context.Background(), in)
	if res.Skipped || res.Passed {
		t.Fatalf("result = %+v, want failed when acquisition failed", res)
	}
	if !containsDetail(res.Details, "no automation session") {
		t.Fatalf("details %v should explain the missing session", res.Details)
	}
}

func TestReplayCheck_TransportErrorBreaksSession(t *testing.T) {
	driver := browser.NewMockDriver().WithInjectError(errors.New("socket hangup"))
	in := replayInput(openSession(t, driver))

	res := replayCheck{targetURL: "http://localhost:8080"}.run(context.Background(), in)

	if res.Passed || res.Skipped {
		t.Fatalf("result = %+v, want failed", res)
	}
	if !in.sessionBroken {
		t.Fatal("transport failure must mark the session broken")
	}
	if !containsDetail(res.Details, "replay failed") {
		t.Fatalf("details %v should report the replay failure", res.Details)
	}
}
