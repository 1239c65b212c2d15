// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation scores fix candidates before anything touches
// the target tree.
//
// Five checks run in a fixed order with fixed weights: syntax 0.20,
// lint 0.20, functional replay 0.35, regression 0.15, performance
// 0.10. Checks that cannot run are skipped and their weight is
// renormalized away rather than counted as zero. A check that fails
// internally counts as a failed check, never as a pipeline crash.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	inputval "github.com/AleutianAI/AleutianMend/pkg/validation"
	"github.com/AleutianAI/AleutianMend/services/mend/browser"
	"github.com/AleutianAI/AleutianMend/services/mend/collector"
	"github.com/AleutianAI/AleutianMend/services/mend/oracle"
)

// Config controls the validation pipeline.
type Config struct {
	// TargetRoot is the directory containing the target's source.
	TargetRoot string

	// TargetURL is the page loaded for replay and benchmark runs.
	TargetURL string

	// PassThreshold is the overall score at or above which a candidate
	// passes. Default: 70.
	PassThreshold float64

	// PerformanceLimit is the allowed post-patch slowdown multiple.
	// Default: 1.2.
	PerformanceLimit float64

	// BenchmarkExpr evaluates to a millisecond timing in the page.
	// Empty disables the performance check.
	BenchmarkExpr string

	// BenchmarkRuns is how many benchmark samples are averaged per
	// measurement. Default: 3.
	BenchmarkRuns int

	// RegressionCommand is the test suite invocation. Empty skips the
	// regression check.
	RegressionCommand []string

	// RegressionDir is the working directory for the suite.
	RegressionDir string

	// RegressionTimeout bounds one suite run. Default: 2m.
	RegressionTimeout time.Duration

	// ReplaySettle is how long to wait after replay for async errors
	// to surface before observing. Default: 300ms.
	ReplaySettle time.Duration
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() Config {
	return Config{
		PassThreshold:     70,
		PerformanceLimit:  1.2,
		BenchmarkRuns:     3,
		RegressionTimeout: 2 * time.Minute,
		ReplaySettle:      300 * time.Millisecond,
	}
}

// Pipeline validates fix candidates.
//
// # Thread Safety
//
// Pipeline is safe for concurrent use; each Validate call owns its
// state and checks out at most one browser session.
type Pipeline struct {
	cfg    Config
	pool   *browser.Pool
	logger *slog.Logger
	checks []checker
}

// New builds a Pipeline. pool may be nil, which skips the browser-
// backed checks (replay, performance).
func New(cfg Config, pool *browser.Pool, logger *slog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.PassThreshold <= 0 {
		cfg.PassThreshold = def.PassThreshold
	}
	if cfg.PerformanceLimit <= 0 {
		cfg.PerformanceLimit = def.PerformanceLimit
	}
	if cfg.BenchmarkRuns <= 0 {
		cfg.BenchmarkRuns = def.BenchmarkRuns
	}
	if cfg.RegressionTimeout <= 0 {
		cfg.RegressionTimeout = def.RegressionTimeout
	}
	if cfg.ReplaySettle <= 0 {
		cfg.ReplaySettle = def.ReplaySettle
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		cfg:    cfg,
		pool:   pool,
		logger: logger,
		checks: []checker{
			syntaxCheck{},
			lintCheck{},
			replayCheck{targetURL: cfg.TargetURL, settle: cfg.ReplaySettle},
			regressionCheck{command: cfg.RegressionCommand, dir: cfg.RegressionDir, timeout: cfg.RegressionTimeout},
			performanceCheck{targetURL: cfg.TargetURL, expr: cfg.BenchmarkExpr, runs: cfg.BenchmarkRuns, limit: cfg.PerformanceLimit},
		},
	}
}

// Validate runs every check against one candidate and combines the
// scores.
//
// # Description
//
// Reads the target file, splices the candidate patch, then runs the
// checks in order. A candidate that fails to parse short-circuits the
// remaining checks; their weight drops out and the overall score is
// zero. The returned error covers only pre-check failures (unreadable
// target, unappliable patch); check failures are data in the Result.
func (p *Pipeline) Validate(ctx context.Context, cand oracle.FixCandidate, rec *collector.ErrorRecord, bundle collector.ContextBundle) (*Result, error) {
	start := time.Now()

	if err := inputval.ValidateRelativePath(cand.Patch.TargetFile); err != nil {
		return nil, fmt.Errorf("target path: %w", err)
	}
	if err := inputval.ValidateWithinRoot(p.cfg.TargetRoot, cand.Patch.TargetFile); err != nil {
		return nil, fmt.Errorf("target path: %w", err)
	}
	target := filepath.Join(p.cfg.TargetRoot, cand.Patch.TargetFile)

	raw, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("reading target: %w", err)
	}
	original := string(raw)

	patched, err := cand.Patch.ApplyTo(original)
	if err != nil {
		return nil, fmt.Errorf("splicing patch: %w", err)
	}

	in := &checkInput{
		candidate:         cand,
		record:            rec,
		bundle:            bundle,
		original:          original,
		patched:           patched,
		browserConfigured: p.pool != nil,
	}

	var lease *browser.Lease
	if p.pool != nil {
		lease, err = p.pool.Acquire(ctx)
		if err != nil {
			p.logger.Warn("automation session unavailable for validation",
				"candidate", cand.ID, "error", err)
		} else {
			in.session = lease
		}
	}
	if lease != nil {
		defer func() { lease.Release(!in.sessionBroken) }()
	}

	results := make([]CheckResult, 0, len(p.checks))
	syntaxFailed := false
	for _, chk := range p.checks {
		if syntaxFailed && chk.name() != CheckSyntax {
			results = append(results, CheckResult{
				Name:    chk.name(),
				Skipped: true,
				Details: []string{"skipped: patch failed to parse"},
			})
			continue
		}

		cr := chk.run(ctx, in)
		results = append(results, cr)

		if cr.Name == CheckSyntax && !cr.Passed && !cr.Skipped {
			syntaxFailed = true
		}
	}

	overall, passed, recommendation := combine(results, p.cfg.PassThreshold)
	res := &Result{
		CandidateID:    cand.ID,
		ErrorKey:       cand.ErrorKey,
		Checks:         results,
		OverallScore:   overall,
		Passed:         passed,
		Recommendation: recommendation,
		Duration:       time.Since(start),
	}

	p.logger.Info("candidate validated",
		"candidate", cand.ID,
		"key", cand.ErrorKey,
		"overall", fmt.Sprintf("%.1f", overall),
		"passed", passed,
		"recommendation", string(recommendation))
	return res, nil
}

// combine computes the weighted overall score over the checks that
// ran, renormalizing the weights of skipped checks away.
func combine(checks []CheckResult, threshold float64) (float64, bool, Recommendation) {
	var sum, weightSum float64
	for _, c := range checks {
		if c.Skipped {
			continue
		}
		w := checkWeights[c.Name]
		sum += c.Score * w
		weightSum += w
	}

	var overall float64
	if weightSum > 0 {
		overall = sum / weightSum
	}
	if overall < 0 {
		overall = 0
	}
	if overall > 100 {
		overall = 100
	}

	return overall, overall >= threshold, RecommendationFor(overall)
}
