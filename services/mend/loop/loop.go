// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop runs the remediation cycle: drain captured errors,
// generate fix candidates, validate them, apply the survivors,
// re-observe the live target, and confirm or roll back. The loop
// repeats until the target converges (zero unresolved defects), stalls
// (no progress or a budget cap), or hits an unrecoverable error.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianMend/services/mend/applier"
	"github.com/AleutianAI/AleutianMend/services/mend/browser"
	"github.com/AleutianAI/AleutianMend/services/mend/collector"
	"github.com/AleutianAI/AleutianMend/services/mend/history"
	"github.com/AleutianAI/AleutianMend/services/mend/oracle"
	"github.com/AleutianAI/AleutianMend/services/mend/telemetry"
	"github.com/AleutianAI/AleutianMend/services/mend/validation"
)

// ErrAlreadyRunning is returned by Run and Resume while another run
// holds the loop.
var ErrAlreadyRunning = errors.New("remediation run already in progress")

// ContextProvider supplies the context bundle sent with each error to
// the oracle and the validation pipeline. The ingestion service
// implements it from live target traffic.
type ContextProvider interface {
	BundleFor(rec *collector.ErrorRecord) collector.ContextBundle
}

// Config controls the loop.
type Config struct {
	// BatchSize is how many errors one iteration drains. Default: 8.
	BatchSize int

	// Parallelism bounds concurrent generate/validate pipelines.
	// Default: 3.
	Parallelism int

	// ConfidenceThreshold drops candidates below it before validation
	// ever runs. Default: 70.
	ConfidenceThreshold int

	// MaxAttempts is the per-error-key fix budget. A key that spends
	// it moves to the terminal failed list and never re-enters the
	// queue. Default: 3.
	MaxAttempts int

	// MaxIterations caps the run. Reaching it ends the run STALLED.
	// Default: 10.
	MaxIterations int

	// WallClockBudget caps total run time, checked between iterations;
	// an iteration in flight finishes first. Default: 15m.
	WallClockBudget time.Duration

	// ItemTimeout bounds one error's generate/validate pipeline.
	// Default: 2m.
	ItemTimeout time.Duration

	// AutoApply is the global gate: without it no fix is written, no
	// matter how well it validated.
	AutoApply bool

	// ApplyMonitored extends auto-apply to candidates in the
	// APPLY_WITH_MONITORING band. APPLY_IMMEDIATELY needs only
	// AutoApply.
	ApplyMonitored bool

	// MaxResumeAge bounds how old a snapshot Resume will accept.
	// Default: 1h.
	MaxResumeAge time.Duration

	// ReobserveSettle is how long the target gets to re-trigger an
	// error after fixes are applied, before the confirm observation.
	// Default: 2s.
	ReobserveSettle time.Duration

	// TargetURL is the page the re-observation navigates to.
	TargetURL string

	// TargetRoot is the managed source tree, fingerprinted for resume
	// safety.
	TargetRoot string
}

// DefaultConfig returns the standard loop configuration. Auto-apply is
// off; enabling it is an explicit operator decision.
func DefaultConfig() Config {
	return Config{
		BatchSize:           8,
		Parallelism:         3,
		ConfidenceThreshold: 70,
		MaxAttempts:         3,
		MaxIterations:       10,
		WallClockBudget:     15 * time.Minute,
		ItemTimeout:         2 * time.Minute,
		MaxResumeAge:        time.Hour,
		ReobserveSettle:     2 * time.Second,
	}
}

// Deps are the loop's collaborators. Collector, Oracle, Pipeline,
// Applier, and Store are required. History, Browser, Context, and
// Metrics are optional; the loop degrades without them (no strategy
// stats, confirm-on-validation instead of live re-observation, minimal
// context bundles, no counters).
type Deps struct {
	Collector *collector.Collector
	Oracle    *oracle.Oracle
	Pipeline  *validation.Pipeline
	Applier   *applier.Applier
	Store     *StateStore

	History *history.Store
	Browser *browser.Pool
	Context ContextProvider
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Orchestrator owns the remediation run.
//
// # Thread Safety
//
// Run, Resume, and DiscardState are safe to call concurrently; at most
// one run executes at a time and late callers get ErrAlreadyRunning.
// Internal run state is only touched by the running goroutine. Workers
// return immutable results; every collector mutation and attempt-count
// update happens on the orchestrator goroutine between phases.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	sm     *stateMachine
	pool   *workerPool

	running atomic.Bool
}

// New builds an orchestrator. Zero config fields take defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Collector == nil {
		return nil, fmt.Errorf("loop requires a collector")
	}
	if deps.Oracle == nil {
		return nil, fmt.Errorf("loop requires an oracle")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("loop requires a validation pipeline")
	}
	if deps.Applier == nil {
		return nil, fmt.Errorf("loop requires an applier")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("loop requires a state store")
	}

	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.WallClockBudget <= 0 {
		cfg.WallClockBudget = def.WallClockBudget
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	if cfg.MaxResumeAge <= 0 {
		cfg.MaxResumeAge = def.MaxResumeAge
	}
	if cfg.ReobserveSettle <= 0 {
		cfg.ReobserveSettle = def.ReobserveSettle
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		sm:     newStateMachine(),
		pool:   newWorkerPool(cfg.Parallelism, cfg.ItemTimeout),
	}, nil
}

// State returns the loop's current state.
func (o *Orchestrator) State() RunState {
	return o.sm.current()
}

// runBook is one run's bookkeeping, owned by the run goroutine.
type runBook struct {
	startedAt    time.Time
	iteration    int
	attempts     map[string]int
	countHistory []int
	fixHistory   []FixEntry
	resolved     int
	failed       int
	stallReason  string
	outcomes     map[string]*errorOutcome
}

// FixEntry is one applied fix plus its confirmation state, persisted
// in the run snapshot.
type FixEntry struct {
	applier.AppliedFix
	Confirmed  bool `json:"confirmed"`
	RolledBack bool `json:"rolled_back,omitempty"`
}

// errorOutcome is the last disposition of one error key, feeding the
// final report.
type errorOutcome struct {
	rec             *collector.ErrorRecord
	attempts        int
	lastCandidateID string
	lastRejection   string
	recommendation  validation.Recommendation
	rateLimited     bool
	resolved        bool
	terminal        bool
}

// Run starts a fresh remediation run and blocks until it reaches a
// terminal state. The returned report is always non-nil when the run
// started; a second caller gets ErrAlreadyRunning.
func (o *Orchestrator) Run(ctx context.Context) (*FinalReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	book := &runBook{
		startedAt: time.Now(),
		attempts:  make(map[string]int),
		outcomes:  make(map[string]*errorOutcome),
	}

	o.sm.reset()
	if err := o.sm.transition(StateRunning); err != nil {
		return nil, err
	}
	o.logger.Info("remediation run started",
		"batch_size", o.cfg.BatchSize,
		"parallelism", o.cfg.Parallelism,
		"auto_apply", o.cfg.AutoApply)

	o.runLoop(ctx, book)
	return o.buildReport(book), nil
}

// Resume continues an interrupted run from its persisted snapshot.
//
// # Description
//
// Resume fails closed: a snapshot that is missing, undecodable, too
// old, written against a target tree that has since changed, or
// belonging to an already-finished run is refused with ErrStaleState
// (or ErrNoSnapshot) explaining why. Passing discardStale discards a
// refused snapshot and starts a fresh run instead.
//
// Applied fixes recorded as unconfirmed are rolled back before the
// loop continues; an interruption must never leave an unvetted patch
// in the tree. The collector is re-drained from live traffic; already
// applied fixes are not replayed.
func (o *Orchestrator) Resume(ctx context.Context, discardStale bool) (*FinalReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	snap, err := o.loadResumable()
	if err != nil {
		if !discardStale || errors.Is(err, ErrNoSnapshot) {
			return nil, err
		}
		o.logger.Warn("discarding stale run state", "reason", err)
		if derr := o.deps.Store.Discard(); derr != nil {
			return nil, derr
		}
		o.running.Store(false)
		return o.Run(ctx)
	}

	book := &runBook{
		startedAt:    snap.State.StartedAt,
		iteration:    snap.State.Iteration,
		attempts:     snap.State.AttemptsByKey,
		countHistory: snap.ErrorCountHistory,
		fixHistory:   snap.FixHistory,
		resolved:     snap.State.Resolved,
		failed:       snap.State.Failed,
		outcomes:     make(map[string]*errorOutcome),
	}
	if book.attempts == nil {
		book.attempts = make(map[string]int)
	}

	o.sm.reset()
	if err := o.sm.transition(StateRunning); err != nil {
		return nil, err
	}
	o.logger.Info("resuming remediation run",
		"iteration", book.iteration,
		"resolved", book.resolved,
		"saved_at", snap.SavedAt)

	o.rollbackUnconfirmed(ctx, book, "run interrupted before confirmation")
	o.runLoop(ctx, book)
	return o.buildReport(book), nil
}

// loadResumable loads the snapshot and applies the resume safety
// checks beyond what Load itself enforces.
func (o *Orchestrator) loadResumable() (Snapshot, error) {
	snap, err := o.deps.Store.Load()
	if err != nil {
		return Snapshot{}, err
	}
	if snap.State.Status.IsTerminal() {
		return Snapshot{}, fmt.Errorf("%w: previous run already finished as %s",
			ErrStaleState, snap.State.Status)
	}
	if o.cfg.MaxResumeAge > 0 {
		if age := time.Since(snap.State.UpdatedAt); age > o.cfg.MaxResumeAge {
			return Snapshot{}, fmt.Errorf("%w: snapshot is %s old, limit %s",
				ErrStaleState, age.Round(time.Second), o.cfg.MaxResumeAge)
		}
	}
	if o.cfg.TargetRoot != "" && snap.TargetFingerprint != "" {
		fp, err := fingerprintTree(o.cfg.TargetRoot)
		if err != nil {
			return Snapshot{}, fmt.Errorf("fingerprinting target tree: %w", err)
		}
		if fp != snap.TargetFingerprint {
			return Snapshot{}, fmt.Errorf("%w: target tree changed since the snapshot was written",
				ErrStaleState)
		}
	}
	return snap, nil
}

// DiscardState removes the persisted snapshot without running.
func (o *Orchestrator) DiscardState() error {
	return o.deps.Store.Discard()
}

// runLoop iterates until a terminal state. Budget caps are enforced
// between iterations so in-flight work finishes cleanly.
func (o *Orchestrator) runLoop(ctx context.Context, book *runBook) {
	for {
		if err := ctx.Err(); err != nil {
			o.failRun(ctx, book, fmt.Sprintf("run cancelled: %v", err))
			return
		}
		if elapsed := time.Since(book.startedAt); elapsed >= o.cfg.WallClockBudget {
			o.stallRun(book, fmt.Sprintf("wall-clock budget spent (%s elapsed, %s allowed)",
				elapsed.Round(time.Second), o.cfg.WallClockBudget))
			return
		}
		if book.iteration >= o.cfg.MaxIterations {
			o.stallRun(book, fmt.Sprintf("iteration cap reached (%d)", o.cfg.MaxIterations))
			return
		}

		done, err := o.iterate(ctx, book)
		if err != nil {
			o.failRun(ctx, book, err.Error())
			return
		}
		if done {
			return
		}
	}
}

// stallRun ends the run STALLED with a reason, from a budget cap.
func (o *Orchestrator) stallRun(book *runBook, reason string) {
	book.stallReason = reason
	if err := o.sm.transition(StateStalled); err != nil {
		o.logger.Error("stall transition refused", "error", err)
		return
	}
	o.logger.Warn("remediation run stalled", "reason", reason)
	if err := o.persist(book); err != nil {
		o.logger.Error("persisting final run state", "error", err)
	}
}

// failRun ends the run in ERROR. Fixes applied but never confirmed are
// rolled back first; an aborted run must not leave unvetted patches in
// the tree.
func (o *Orchestrator) failRun(ctx context.Context, book *runBook, reason string) {
	o.rollbackUnconfirmed(ctx, book, "run aborted before confirmation")
	book.stallReason = reason
	if err := o.sm.transition(StateError); err != nil {
		o.logger.Error("error transition refused", "error", err)
		return
	}
	o.logger.Error("remediation run failed", "reason", reason)
	if err := o.persist(book); err != nil {
		o.logger.Error("persisting final run state", "error", err)
	}
}

// iterate runs one full cycle: drain, generate and validate in
// parallel, apply serially, re-observe, persist, and decide whether
// the run is over.
func (o *Orchestrator) iterate(ctx context.Context, book *runBook) (bool, error) {
	book.iteration++
	iterStart := time.Now()

	records := o.deps.Collector.Drain(o.cfg.BatchSize)
	o.logger.Info("iteration started",
		"iteration", book.iteration,
		"drained", len(records))

	var applied, rolledBack int
	if len(records) > 0 {
		results := o.generateAndValidate(ctx, records)

		winners := make([]*attemptResult, 0, len(results))
		for _, res := range results {
			o.recordOutcome(book, res)
			switch {
			case res.winner != nil:
				winners = append(winners, res)
			case res.rateLimited:
				o.requeueFree(book, res.rec, "generation rate-limited; retrying next iteration")
			default:
				o.spendAttempt(ctx, book, res.rec, res.failureReason())
			}
		}

		appliedEntries, patchedFiles := o.applyWinners(ctx, book, winners)
		applied = len(appliedEntries)

		if len(appliedEntries) > 0 {
			var err error
			rolledBack, err = o.reobserve(ctx, book, appliedEntries)
			if err != nil {
				return false, err
			}
		}
		o.invalidateStaleCandidates(book, patchedFiles)
	}

	unresolved := o.deps.Collector.Unresolved()
	book.countHistory = append(book.countHistory, unresolved)

	exhausted := len(o.deps.Collector.TerminalFailures())
	status, reason := decideStatus(unresolved, exhausted, o.cfg.MaxAttempts, book.countHistory)

	if status != StateRunning {
		book.stallReason = reason
		if err := o.sm.transition(status); err != nil {
			return false, err
		}
	}

	if err := o.persist(book); err != nil {
		return false, fmt.Errorf("persisting run state: %w", err)
	}

	o.logger.Info("iteration complete",
		"iteration", book.iteration,
		"unresolved", unresolved,
		"applied", applied,
		"rolled_back", rolledBack,
		"status", o.sm.current(),
		"duration", time.Since(iterStart))

	if m := o.deps.Metrics; m != nil {
		m.IterationsTotal.Add(ctx, 1)
		m.IterationDuration.Record(ctx, time.Since(iterStart).Seconds())
	}

	return status.IsTerminal(), nil
}

// decideStatus picks the post-iteration state from the unresolved
// count, the exhausted-error count, and the per-iteration count
// history (newest last).
//
// Convergence requires exactly one thing: zero unresolved defects with
// nothing swept onto the exhausted list. A non-decreasing unresolved
// count across two consecutive iterations is a stall; when the run is
// making no progress it must say so, never claim success.
func decideStatus(unresolved, exhausted, maxAttempts int, history []int) (RunState, string) {
	if unresolved == 0 {
		if exhausted > 0 {
			return StateStalled, fmt.Sprintf("%d error(s) exhausted the %d-attempt budget",
				exhausted, maxAttempts)
		}
		return StateConverged, ""
	}
	if n := len(history); n >= 2 && history[n-1] >= history[n-2] {
		return StateStalled, fmt.Sprintf("unresolved count did not decrease (%d -> %d)",
			history[n-2], history[n-1])
	}
	return StateRunning, ""
}

// attemptResult is one error's immutable pipeline outcome, produced by
// a pool worker and consumed on the orchestrator goroutine.
type attemptResult struct {
	rec *collector.ErrorRecord

	// winner is the candidate that passed validation and cleared the
	// auto-apply gate, nil otherwise.
	winner *oracle.FixCandidate

	lastCandidateID string
	lastRejection   string

	// recommendation is set when some candidate validated
	// successfully, whether or not it was applied. The report uses it
	// to tell "a reviewed fix exists" from "nothing worked".
	recommendation validation.Recommendation

	rateLimited bool
}

// failureReason renders the disposition for attempt accounting and the
// final report.
func (r *attemptResult) failureReason() string {
	if r.lastRejection != "" {
		return r.lastRejection
	}
	return "no fix candidate passed validation"
}

// generateAndValidate runs each drained error's generate/validate
// pipeline in the worker pool. Results land in per-record slots, so
// workers never share mutable state.
func (o *Orchestrator) generateAndValidate(ctx context.Context, records []*collector.ErrorRecord) []*attemptResult {
	results := make([]*attemptResult, len(records))
	items := make([]workItem, len(records))

	for i, rec := range records {
		res := &attemptResult{rec: rec}
		results[i] = res
		items[i] = workItem{
			Key: rec.Key,
			Work: func(itemCtx context.Context) error {
				o.runPipeline(itemCtx, rec, res)
				return nil
			},
		}
	}

	o.pool.processBatch(ctx, items, func(completed, total int, last *workResult) {
		o.logger.Debug("batch progress",
			"completed", completed,
			"total", total,
			"key", last.Key,
			"duration", last.Duration)
	})
	return results
}

// runPipeline generates candidates for one error and validates them in
// descending confidence order, stopping at the first pass.
func (o *Orchestrator) runPipeline(ctx context.Context, rec *collector.ErrorRecord, res *attemptResult) {
	bundle := o.bundleFor(rec)

	genStart := time.Now()
	cands, err := o.deps.Oracle.Generate(ctx, rec, bundle)
	if m := o.deps.Metrics; m != nil {
		m.OracleLatency.Record(ctx, time.Since(genStart).Seconds())
	}
	if err != nil {
		if errors.Is(err, oracle.ErrRateLimited) {
			res.rateLimited = true
			if m := o.deps.Metrics; m != nil {
				m.CandidatesRateLimited.Add(ctx, 1)
			}
			return
		}
		res.lastRejection = fmt.Sprintf("generation failed: %v", err)
		return
	}
	if m := o.deps.Metrics; m != nil && len(cands) > 0 {
		m.CandidatesGenerated.Add(ctx, int64(len(cands)),
			metric.WithAttributes(attribute.String("origin", string(cands[0].Origin))))
	}

	eligible := 0
	for i := range cands {
		cand := cands[i]
		if cand.Confidence < o.cfg.ConfidenceThreshold {
			// Candidates arrive sorted by confidence; everything from
			// here down is below the bar and never validated.
			break
		}
		eligible++

		valStart := time.Now()
		vres, verr := o.deps.Pipeline.Validate(ctx, cand, rec, bundle)
		o.countValidation(ctx, vres, verr, time.Since(valStart))

		res.lastCandidateID = cand.ID
		if verr != nil {
			res.lastRejection = fmt.Sprintf("validation error: %v", verr)
			continue
		}
		if !vres.Passed {
			res.lastRejection = vres.RejectionReason()
			continue
		}

		res.recommendation = vres.Recommendation
		if gate := o.applyGate(vres.Recommendation); gate != "" {
			res.lastRejection = gate
			return
		}
		res.winner = &cand
		return
	}

	if eligible == 0 {
		res.lastRejection = fmt.Sprintf("no candidate met the confidence threshold (%d)",
			o.cfg.ConfidenceThreshold)
	}
}

// applyGate returns the reason a validated candidate must not be
// auto-applied, or "" when application may proceed.
func (o *Orchestrator) applyGate(rec validation.Recommendation) string {
	switch rec {
	case validation.ApplyImmediately:
		if !o.cfg.AutoApply {
			return "validated but automatic apply is disabled"
		}
		return ""
	case validation.ApplyWithMonitoring:
		if !o.cfg.AutoApply {
			return "validated but automatic apply is disabled"
		}
		if !o.cfg.ApplyMonitored {
			return "validated at monitoring confidence; monitored auto-apply is disabled"
		}
		return ""
	default:
		return "passed the score threshold but landed in the manual-review band"
	}
}

func (o *Orchestrator) countValidation(ctx context.Context, vres *validation.Result, verr error, d time.Duration) {
	m := o.deps.Metrics
	if m == nil {
		return
	}
	outcome := "error"
	if verr == nil {
		if vres.Passed {
			outcome = "passed"
		} else {
			outcome = "failed"
		}
	}
	m.ValidationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.ValidationDuration.Record(ctx, d.Seconds())
}

// appliedEntry links an applied fix back to its pipeline result for
// the confirm/rollback pass.
type appliedEntry struct {
	res     *attemptResult
	fix     *applier.AppliedFix
	histIdx int
}

// applyWinners serializes the winning candidates into a deterministic
// per-file order, shifting later line ranges by earlier patches'
// deltas, and applies them one at a time. Overlap losers are requeued
// without spending an attempt; they retry next iteration against the
// patched file. Returns the applied entries and the set of files
// touched.
func (o *Orchestrator) applyWinners(ctx context.Context, book *runBook, winners []*attemptResult) ([]appliedEntry, map[string]bool) {
	if len(winners) == 0 {
		return nil, nil
	}

	byKey := make(map[string]*attemptResult, len(winners))
	keyByCandidate := make(map[string]string, len(winners))
	cands := make([]oracle.FixCandidate, len(winners))
	for i, w := range winners {
		cands[i] = *w.winner
		byKey[w.rec.Key] = w
		keyByCandidate[w.winner.ID] = w.rec.Key
	}

	planned, conflicts := applier.PlanBatch(cands)
	for _, c := range conflicts {
		key := keyByCandidate[c.CandidateID]
		loser := byKey[key]
		if loser == nil {
			continue
		}
		o.logger.Info("patch conflict deferred",
			"candidate", c.CandidateID,
			"winner", c.WinnerID,
			"file", c.File)
		o.requeueFree(book, loser.rec,
			fmt.Sprintf("patch overlapped candidate %s in %s; deferred to next iteration", c.WinnerID, c.File))
	}

	var applied []appliedEntry
	patched := make(map[string]bool)
	for _, p := range planned {
		cand := p.Candidate
		cand.Patch = p.Patch

		res := byKey[cand.ErrorKey]
		if res == nil {
			continue
		}

		fix, err := o.deps.Applier.Apply(ctx, cand)
		if err != nil {
			o.logger.Warn("apply failed",
				"candidate", cand.ID,
				"file", cand.Patch.TargetFile,
				"error", err)
			o.recordStrategy(ctx, string(cand.Kind), cand.StrategyTag, false)
			o.spendAttempt(ctx, book, res.rec, fmt.Sprintf("apply failed: %v", err))
			continue
		}

		book.fixHistory = append(book.fixHistory, FixEntry{AppliedFix: *fix})
		o.recordAppliedFix(ctx, fix)
		applied = append(applied, appliedEntry{
			res:     res,
			fix:     fix,
			histIdx: len(book.fixHistory) - 1,
		})
		patched[fix.File] = true

		if m := o.deps.Metrics; m != nil {
			m.FixesApplied.Add(ctx, 1)
		}
	}
	return applied, patched
}

// invalidateStaleCandidates drops cached oracle candidates for keys
// still in play whose file was patched this iteration; their line
// ranges were computed against content that no longer exists.
func (o *Orchestrator) invalidateStaleCandidates(book *runBook, patched map[string]bool) {
	if len(patched) == 0 {
		return
	}
	for key, out := range book.outcomes {
		if out.resolved || out.terminal {
			continue
		}
		if patched[out.rec.Location.File] {
			o.deps.Oracle.InvalidateCache(key)
		}
	}
}

// recordOutcome upserts the report entry for one drained error.
func (o *Orchestrator) recordOutcome(book *runBook, res *attemptResult) {
	out := book.outcomes[res.rec.Key]
	if out == nil {
		out = &errorOutcome{rec: res.rec}
		book.outcomes[res.rec.Key] = out
	}
	out.rec = res.rec
	out.rateLimited = res.rateLimited
	if res.lastCandidateID != "" {
		out.lastCandidateID = res.lastCandidateID
	}
	if res.lastRejection != "" {
		out.lastRejection = res.lastRejection
	}
	if res.recommendation != "" {
		out.recommendation = res.recommendation
	}
}

// spendAttempt charges one fix attempt to the key. A key that spends
// its budget moves to the collector's terminal list and never comes
// back; otherwise it requeues for the next iteration.
func (o *Orchestrator) spendAttempt(ctx context.Context, book *runBook, rec *collector.ErrorRecord, reason string) {
	book.attempts[rec.Key]++
	out := book.outcomes[rec.Key]
	if out != nil {
		out.attempts = book.attempts[rec.Key]
		out.lastRejection = reason
	}

	if book.attempts[rec.Key] >= o.cfg.MaxAttempts {
		if err := o.deps.Collector.MarkTerminal(rec.Key, reason); err != nil {
			o.logger.Warn("marking error terminal", "key", rec.Key, "error", err)
			return
		}
		book.failed++
		if out != nil {
			out.terminal = true
		}
		o.logger.Warn("error exhausted its fix attempts",
			"key", rec.Key,
			"attempts", book.attempts[rec.Key],
			"reason", reason)
		if m := o.deps.Metrics; m != nil {
			m.ErrorsDropped.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", "attempts_exhausted")))
		}
		return
	}

	if err := o.deps.Collector.Requeue(rec.Key); err != nil {
		o.logger.Warn("requeueing error", "key", rec.Key, "error", err)
	}
}

// requeueFree puts the key back without charging an attempt. Used for
// dispositions that are not the fix's fault: rate limiting and patch
// conflicts.
func (o *Orchestrator) requeueFree(book *runBook, rec *collector.ErrorRecord, reason string) {
	out := book.outcomes[rec.Key]
	if out != nil {
		out.lastRejection = reason
	}
	if err := o.deps.Collector.Requeue(rec.Key); err != nil {
		o.logger.Warn("requeueing error", "key", rec.Key, "error", err)
	}
}

func (o *Orchestrator) bundleFor(rec *collector.ErrorRecord) collector.ContextBundle {
	if o.deps.Context != nil {
		return o.deps.Context.BundleFor(rec)
	}
	return collector.ContextBundle{StateSnapshot: rec.ContextSnapshot}
}

func (o *Orchestrator) recordAppliedFix(ctx context.Context, fix *applier.AppliedFix) {
	if o.deps.History == nil {
		return
	}
	if err := o.deps.History.RecordAppliedFix(ctx, historyRecord(fix)); err != nil {
		o.logger.Warn("recording applied fix", "candidate", fix.CandidateID, "error", err)
	}
}

func (o *Orchestrator) recordStrategy(ctx context.Context, kind, tag string, success bool) {
	if o.deps.History == nil {
		return
	}
	if err := o.deps.History.RecordStrategyOutcome(ctx, kind, tag, success); err != nil {
		o.logger.Warn("recording strategy outcome", "tag", tag, "error", err)
	}
}

// persist writes the run snapshot. The fingerprint is recomputed after
// the iteration's applies so resume compares against the tree as this
// process last left it.
func (o *Orchestrator) persist(book *runBook) error {
	var fp string
	if o.cfg.TargetRoot != "" {
		var err error
		fp, err = fingerprintTree(o.cfg.TargetRoot)
		if err != nil {
			return fmt.Errorf("fingerprinting target tree: %w", err)
		}
	}

	attempts := make(map[string]int, len(book.attempts))
	for k, v := range book.attempts {
		attempts[k] = v
	}

	snap := Snapshot{
		State: IterationState{
			Iteration:     book.iteration,
			Queued:        o.deps.Collector.QueueLen(),
			Resolved:      book.resolved,
			Failed:        book.failed,
			AttemptsByKey: attempts,
			StartedAt:     book.startedAt,
			UpdatedAt:     time.Now(),
			Status:        o.sm.current(),
		},
		ErrorCountHistory: append([]int(nil), book.countHistory...),
		FixHistory:        append([]FixEntry(nil), book.fixHistory...),
		TargetFingerprint: fp,
	}
	return o.deps.Store.Save(snap)
}

// sortUnresolved orders report entries by file then line then key, so
// operators read them in source order.
func sortUnresolved(entries []UnresolvedError) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].File != entries[j].File {
			return entries[i].File < entries[j].File
		}
		if entries[i].Line != entries[j].Line {
			return entries[i].Line < entries[j].Line
		}
		return entries[i].Key < entries[j].Key
	})
}
