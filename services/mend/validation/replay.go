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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianMend/services/mend/browser"
	"github.com/AleutianAI/AleutianMend/services/mend/collector"
)

// replayCheck injects the patched source into a live page and replays
// the recorded action sequence. It passes only when the original error
// no longer fires and no new distinct error appears.
//
// The instrumented target exposes window.__mend.replay(action) for
// dispatching one recorded action.
type replayCheck struct {
	targetURL string
	settle    time.Duration
}

func (replayCheck) name() string { return CheckReplay }

func (c replayCheck) run(ctx context.Context, in *checkInput) CheckResult {
	start := time.Now()
	res := CheckResult{Name: CheckReplay}

	if in.session == nil {
		if !in.browserConfigured {
			res.Skipped = true
			res.Details = append(res.Details, "no browser automation configured")
		} else {
			res.Details = append(res.Details, "no automation session available")
		}
		res.Duration = time.Since(start)
		return res
	}

	obs, err := c.replay(ctx, in)
	if err != nil {
		in.sessionBroken = true
		res.Details = append(res.Details, fmt.Sprintf("replay failed: %v", err))
		res.Duration = time.Since(start)
		return res
	}

	originalFires := originalStillFires(in.record, obs)
	newErrors := distinctNewErrors(in.record, obs)

	switch {
	case !originalFires && len(newErrors) == 0:
		res.Passed = true
		res.Score = 100
	case !originalFires:
		res.Score = 40
		res.Details = append(res.Details, "original error gone but new errors appeared")
		for _, msg := range newErrors {
			res.Details = append(res.Details, "new: "+msg)
		}
	default:
		res.Score = 0
		res.Details = append(res.Details, "original error still fires after patch")
	}

	res.Duration = time.Since(start)
	return res
}

// replay drives one navigate-inject-replay-observe cycle.
func (c replayCheck) replay(ctx context.Context, in *checkInput) (*browser.Observation, error) {
	if err := in.session.Navigate(ctx, c.targetURL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := in.session.Inject(ctx, in.patched); err != nil {
		return nil, fmt.Errorf("inject: %w", err)
	}

	for _, action := range in.bundle.RecentActions {
		expr := "window.__mend && window.__mend.replay(" + strconv.Quote(action) + ")"
		if _, err := in.session.Evaluate(ctx, expr); err != nil {
			return nil, fmt.Errorf("replaying %q: %w", action, err)
		}
	}

	// Give async failures a moment to surface before observing.
	if c.settle > 0 {
		select {
		case <-time.After(c.settle):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return in.session.Observe(ctx)
}

// StillFires reports whether the record's error recurred in the
// observation. The replay check uses it for scoring; the remediation
// loop uses it after applying fixes to decide confirm versus rollback.
func StillFires(rec *collector.ErrorRecord, obs *browser.Observation) bool {
	return originalStillFires(rec, obs)
}

// originalStillFires reports whether the record's error recurred in
// the observation, compared on normalized messages.
func originalStillFires(rec *collector.ErrorRecord, obs *browser.Observation) bool {
	want := collector.NormalizeMessage(rec.Message)
	for _, ce := range obs.ConsoleErrors {
		if collector.NormalizeMessage(ce.Message) == want {
			return true
		}
	}
	if rec.Kind == collector.KindNetworkFailure {
		for _, nf := range obs.NetworkFailures {
			if nf.URL != "" && strings.Contains(rec.Message, nf.URL) {
				return true
			}
		}
	}
	return false
}

// distinctNewErrors lists observed console errors that are not the
// original, deduplicated on normalized message.
func distinctNewErrors(rec *collector.ErrorRecord, obs *browser.Observation) []string {
	want := collector.NormalizeMessage(rec.Message)
	seen := make(map[string]bool)
	var out []string
	for _, ce := range obs.ConsoleErrors {
		norm := collector.NormalizeMessage(ce.Message)
		if norm == want || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, ce.Message)
	}
	return out
}
