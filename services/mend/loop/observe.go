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
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianMend/services/mend/applier"
	"github.com/AleutianAI/AleutianMend/services/mend/browser"
	"github.com/AleutianAI/AleutianMend/services/mend/history"
	"github.com/AleutianAI/AleutianMend/services/mend/validation"
)

// reobserve watches the live target after this iteration's applies and
// dispositions every applied fix: confirmed (error gone) or rolled
// back (error still firing). Without a live session the fixes stand on
// their validation verdict. Returns how many fixes were rolled back.
func (o *Orchestrator) reobserve(ctx context.Context, book *runBook, applied []appliedEntry) (int, error) {
	obs, live := o.observeTarget(ctx)
	if err := ctx.Err(); err != nil {
		// Cancelled mid-observation. Leave the fixes unconfirmed; the
		// abort path rolls them back.
		return 0, err
	}

	rolledBack := 0
	for _, e := range applied {
		if live && validation.StillFires(e.res.rec, obs) {
			o.rollbackApplied(ctx, book, e, "original error still fired after apply")
			rolledBack++
			continue
		}
		o.confirmApplied(ctx, book, e, live)
	}
	return rolledBack, nil
}

// observeTarget navigates the target, lets it settle, and drains one
// observation. Returns (nil, false) when no live check is possible:
// no pool, no driver, or the session misbehaved. Those are all
// degraded-but-running conditions, not run failures.
func (o *Orchestrator) observeTarget(ctx context.Context) (*browser.Observation, bool) {
	if o.deps.Browser == nil {
		o.logger.Debug("no browser pool; confirming fixes on validation verdict")
		return nil, false
	}

	lease, err := o.deps.Browser.Acquire(ctx)
	if err != nil {
		if errors.Is(err, browser.ErrNoDriver) {
			o.logger.Debug("no browser driver; confirming fixes on validation verdict")
		} else {
			o.logger.Warn("acquiring session for re-observation", "error", err)
		}
		return nil, false
	}

	healthy := false
	defer func() { lease.Release(healthy) }()

	if o.cfg.TargetURL != "" {
		if err := lease.Navigate(ctx, o.cfg.TargetURL); err != nil {
			o.logger.Warn("re-observation navigate failed", "url", o.cfg.TargetURL, "error", err)
			return nil, false
		}
	}

	// Give the reloaded target time to re-trigger anything still
	// broken before reading the observation.
	select {
	case <-time.After(o.cfg.ReobserveSettle):
	case <-ctx.Done():
		return nil, false
	}

	obs, err := lease.Observe(ctx)
	if err != nil {
		o.logger.Warn("re-observation failed", "error", err)
		return nil, false
	}
	healthy = true
	return obs, true
}

// confirmApplied settles a fix as good: backup discarded, error
// resolved, strategy credited.
func (o *Orchestrator) confirmApplied(ctx context.Context, book *runBook, e appliedEntry, observed bool) {
	fix := e.fix
	if err := o.deps.Applier.Confirm(fix.BackupRef); err != nil {
		o.logger.Warn("discarding backup after confirmation",
			"backup", fix.BackupRef, "error", err)
	}
	book.fixHistory[e.histIdx].Confirmed = true
	book.resolved++

	key := e.res.rec.Key
	if err := o.deps.Collector.Resolve(key); err != nil {
		o.logger.Warn("resolving error", "key", key, "error", err)
	}
	if out := book.outcomes[key]; out != nil {
		out.resolved = true
	}

	o.updateFixConfirmed(ctx, fix)
	o.recordStrategy(ctx, fix.ErrorKind, fix.StrategyTag, true)

	basis := "validation verdict"
	if observed {
		basis = "live observation"
	}
	o.logger.Info("fix confirmed",
		"candidate", fix.CandidateID,
		"file", fix.File,
		"basis", basis)
}

// rollbackApplied reverts a fix whose error survived it, charges the
// attempt, and drops the now-stale cached candidates for the key.
func (o *Orchestrator) rollbackApplied(ctx context.Context, book *runBook, e appliedEntry, reason string) {
	fix := e.fix
	if err := o.deps.Applier.Rollback(ctx, fix.BackupRef); err != nil {
		o.logger.Error("rollback failed, patch remains in tree",
			"candidate", fix.CandidateID,
			"file", fix.File,
			"error", err)
	} else {
		book.fixHistory[e.histIdx].RolledBack = true
		o.recordRollback(ctx, fix, reason)
		o.countRollback(ctx, "still_firing")
		o.logger.Warn("fix rolled back",
			"candidate", fix.CandidateID,
			"file", fix.File,
			"reason", reason)
	}

	o.deps.Oracle.InvalidateCache(e.res.rec.Key)
	o.recordStrategy(ctx, fix.ErrorKind, fix.StrategyTag, false)
	o.spendAttempt(ctx, book, e.res.rec, reason)
}

// rollbackUnconfirmed reverts every applied fix that never reached a
// confirm-or-rollback decision. Runs on abort and on resume; neither
// an interruption nor a crash may leave an unvetted patch in the tree.
func (o *Orchestrator) rollbackUnconfirmed(ctx context.Context, book *runBook, reason string) {
	for i := range book.fixHistory {
		e := &book.fixHistory[i]
		if e.Confirmed || e.RolledBack {
			continue
		}
		if err := o.deps.Applier.Rollback(ctx, e.BackupRef); err != nil {
			o.logger.Error("rollback failed, patch remains in tree",
				"candidate", e.CandidateID,
				"file", e.File,
				"error", err)
			continue
		}
		e.RolledBack = true
		o.recordRollback(ctx, &e.AppliedFix, reason)
		o.countRollback(ctx, "unconfirmed")
		o.logger.Warn("unconfirmed fix rolled back",
			"candidate", e.CandidateID,
			"file", e.File,
			"reason", reason)
	}
}

func (o *Orchestrator) countRollback(ctx context.Context, reason string) {
	if m := o.deps.Metrics; m != nil {
		m.FixesRolledBack.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// historyRecord maps an applied fix to its durable-store form.
func historyRecord(fix *applier.AppliedFix) history.AppliedFixRecord {
	return history.AppliedFixRecord{
		CandidateID: fix.CandidateID,
		ErrorKey:    fix.ErrorKey,
		ErrorKind:   fix.ErrorKind,
		StrategyTag: fix.StrategyTag,
		File:        fix.File,
		BackupRef:   fix.BackupRef,
		Diff:        fix.Diff,
		AppliedAt:   fix.AppliedAt,
	}
}

func (o *Orchestrator) updateFixConfirmed(ctx context.Context, fix *applier.AppliedFix) {
	if o.deps.History == nil {
		return
	}
	rec := historyRecord(fix)
	rec.Confirmed = true
	if err := o.deps.History.UpdateAppliedFix(ctx, rec); err != nil {
		o.logger.Warn("recording fix confirmation", "candidate", fix.CandidateID, "error", err)
	}
}

func (o *Orchestrator) recordRollback(ctx context.Context, fix *applier.AppliedFix, reason string) {
	if o.deps.History == nil {
		return
	}
	if err := o.deps.History.RecordRollback(ctx, historyRecord(fix), reason); err != nil {
		o.logger.Warn("recording rollback", "candidate", fix.CandidateID, "error", err)
	}
}
