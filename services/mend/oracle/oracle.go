// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle turns captured errors into fix candidates.
//
// The remote oracle is treated as an unreliable dependency with one
// owner: every call goes through a per-hour rate limit, a request
// timeout, and a circuit breaker, and produces a single result value
// that exactly one switch consumes. Timeouts and failures land on the
// deterministic fallback templates instead of surfacing as errors, so
// the remediation loop keeps moving when the oracle does not.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianMend/services/mend/collector"
)

// Config controls oracle behavior.
type Config struct {
	// RequestTimeout bounds one oracle call. On expiry the call is
	// abandoned and the fallback takes over. Default: 30s.
	RequestTimeout time.Duration

	// HourlyLimit caps generation requests per rolling hour. When the
	// budget is spent, Generate fails fast with ErrRateLimited.
	// Default: 30.
	HourlyLimit int

	// CacheTTL is how long generated candidates are reused for repeats
	// of the same error. Default: 5m.
	CacheTTL time.Duration

	// CacheSize bounds the candidate cache. Default: 512.
	CacheSize int

	// MaxCandidates caps how many candidates Generate returns per
	// error, best first. Default: 3.
	MaxCandidates int

	// Breaker configures the oracle circuit breaker.
	Breaker BreakerConfig
}

// DefaultConfig returns the standard oracle configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		HourlyLimit:    30,
		CacheTTL:       5 * time.Minute,
		CacheSize:      512,
		MaxCandidates:  3,
	}
}

// Oracle generates fix candidates for captured errors.
//
// # Thread Safety
//
// Oracle is safe for concurrent use. Worker goroutines in the loop
// call Generate in parallel.
type Oracle struct {
	cfg       Config
	transport Transport
	history   StrategyHistory
	cache     *candidateCache
	breaker   *CircuitBreaker
	limiter   *rate.Limiter
	flight    singleflight.Group
	logger    *slog.Logger
	now       func() time.Time
}

// New builds an Oracle. transport may be nil, in which case every
// generation uses the fallback templates. hist may be nil to disable
// the strategy-success confidence bonus.
func New(cfg Config, transport Transport, hist StrategyHistory, logger *slog.Logger) *Oracle {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.HourlyLimit <= 0 {
		cfg.HourlyLimit = def.HourlyLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Oracle{
		cfg:       cfg,
		transport: transport,
		history:   hist,
		cache:     newCandidateCache(cfg.CacheTTL, cfg.CacheSize),
		breaker:   NewCircuitBreaker(cfg.Breaker),
		limiter:   rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.HourlyLimit)), cfg.HourlyLimit),
		logger:    logger,
		now:       time.Now,
	}
}

// Generate produces ranked fix candidates for one error record.
//
// # Description
//
// Checks the candidate cache first, then spends one unit of the hourly
// budget on an oracle call bounded by the request timeout. A timed-out
// or failed call falls back to the deterministic templates. Candidate
// confidence is re-weighted locally (strategy success bonus, large
// patch penalty) before candidates are ranked and returned. Concurrent
// calls for the same error key are coalesced into one generation; the
// duplicates share the leader's result and spend no budget.
//
// # Outputs
//
//   - []FixCandidate: candidates sorted by confidence, best first
//   - error: ErrRateLimited when the hourly budget is spent,
//     ErrNoCandidates when neither path produced anything usable,
//     or ctx.Err() on cancellation
func (o *Oracle) Generate(ctx context.Context, rec *collector.ErrorRecord, bundle collector.ContextBundle) ([]FixCandidate, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil error record")
	}

	if cands, ok := o.cache.Get(rec.Key); ok {
		o.logger.Debug("candidate cache hit", "key", rec.Key, "candidates", len(cands))
		return cands, nil
	}

	v, err, _ := o.flight.Do(rec.Key, func() (any, error) {
		return o.generate(ctx, rec, bundle)
	})
	if err != nil {
		return nil, err
	}
	return v.([]FixCandidate), nil
}

// generate is the uncoalesced generation path; one runs per key at a
// time, behind the singleflight group.
func (o *Oracle) generate(ctx context.Context, rec *collector.ErrorRecord, bundle collector.ContextBundle) ([]FixCandidate, error) {
	if !o.limiter.Allow() {
		o.logger.Warn("generation rate limit reached", "key", rec.Key, "hourly_limit", o.cfg.HourlyLimit)
		return nil, ErrRateLimited
	}

	result := o.callOracle(ctx, rec, bundle)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// The one place timeout and failure outcomes are decided.
	var cands []FixCandidate
	switch result.Status {
	case resultOk:
		cands = o.fromRaw(ctx, rec, result.Candidates, OriginOracle)
	case resultTimedOut, resultFailed:
		o.logger.Warn("oracle unavailable, using fallback templates",
			"key", rec.Key,
			"status", result.Status.String(),
			"error", result.Err)
		cands = o.fromRaw(ctx, rec, FallbackCandidates(rec, bundle), OriginFallback)
	}

	if len(cands) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoCandidates, rec.Key)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Confidence > cands[j].Confidence
	})
	if len(cands) > o.cfg.MaxCandidates {
		cands = cands[:o.cfg.MaxCandidates]
	}

	o.cache.Set(rec.Key, cands)
	return cands, nil
}

// callOracle performs the guarded remote call and reduces the outcome
// to a single result value.
func (o *Oracle) callOracle(ctx context.Context, rec *collector.ErrorRecord, bundle collector.ContextBundle) generateResult {
	if o.transport == nil {
		return failedResult(errors.New("no oracle transport configured"))
	}
	if !o.breaker.Allow() {
		return failedResult(ErrCircuitOpen)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	raw, err := o.transport.Generate(callCtx, rec, bundle)
	if err != nil {
		if ctx.Err() != nil {
			// Parent canceled; not the oracle's fault.
			return failedResult(ctx.Err())
		}
		o.breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return timedOutResult(err)
		}
		return failedResult(err)
	}

	o.breaker.RecordSuccess()
	if len(raw) == 0 {
		return failedResult(errors.New("oracle returned no candidates"))
	}
	return okResult(raw)
}

// fromRaw materializes raw candidates, dropping unusable ones and
// applying the confidence re-weighting pass.
func (o *Oracle) fromRaw(ctx context.Context, rec *collector.ErrorRecord, raw []rawCandidate, origin Origin) []FixCandidate {
	cands := make([]FixCandidate, 0, len(raw))
	for _, rc := range raw {
		start, end := rc.StartLine, rc.EndLine
		if start == 0 {
			start = rec.Location.Line
		}
		if end == 0 {
			end = start
		}

		cand := FixCandidate{
			ID:       uuid.New().String(),
			ErrorID:  rec.ID,
			ErrorKey: rec.Key,
			Kind:     rec.Kind,
			Patch: Patch{
				TargetFile:  rec.Location.File,
				StartLine:   start,
				EndLine:     end,
				Replacement: rc.Code,
			},
			Confidence:  rc.Confidence,
			StrategyTag: rc.Strategy,
			Explanation: rc.Explanation,
			Origin:      origin,
			GeneratedAt: o.now(),
		}
		if cand.StrategyTag == "" {
			cand.StrategyTag = "oracle-" + string(rec.Kind)
		}

		if err := cand.Patch.Validate(); err != nil {
			o.logger.Debug("dropping unusable candidate", "key", rec.Key, "error", err)
			continue
		}
		if cand.Patch.Replacement == "" {
			o.logger.Debug("dropping empty candidate", "key", rec.Key)
			continue
		}

		cand.Confidence = adjustConfidence(ctx, cand, o.history, o.logger)
		cands = append(cands, cand)
	}
	return cands
}

// InvalidateCache drops cached candidates for one error key. The loop
// calls this after applying a fix so later occurrences generate
// against the changed source.
func (o *Oracle) InvalidateCache(key string) {
	o.cache.Invalidate(key)
}

// InvalidateFile drops every cached candidate targeting the file and
// returns how many entries fell. The drift watcher calls this when a
// file changes outside the applier.
func (o *Oracle) InvalidateFile(file string) int {
	return o.cache.InvalidateFile(file)
}

// BreakerState exposes the circuit state for status reporting.
func (o *Oracle) BreakerState() CircuitState {
	return o.breaker.State()
}

// CacheStats reports candidate cache hit and miss counts.
func (o *Oracle) CacheStats() (hits, misses int64) {
	return o.cache.Hits(), o.cache.Misses()
}
