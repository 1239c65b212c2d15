// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the mend remediation loop.
//
// # Description
//
//	Provides standard counters and histograms covering the capture,
//	generate, validate, and apply phases. All metrics use the "mend_"
//	prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Capture ---

	// ErrorsCaptured counts error reports accepted by the collector.
	ErrorsCaptured metric.Int64Counter

	// ErrorsDropped counts reports dropped as malformed or evicted,
	// by reason.
	ErrorsDropped metric.Int64Counter

	// --- Generation ---

	// CandidatesGenerated counts fix candidates produced, by origin
	// (oracle or fallback).
	CandidatesGenerated metric.Int64Counter

	// CandidatesRateLimited counts generation requests refused by the
	// hourly budget.
	CandidatesRateLimited metric.Int64Counter

	// OracleLatency records oracle round-trip duration in seconds.
	OracleLatency metric.Float64Histogram

	// --- Validation ---

	// ValidationsTotal counts validation runs by outcome
	// (passed or failed).
	ValidationsTotal metric.Int64Counter

	// ValidationDuration records full pipeline duration in seconds.
	ValidationDuration metric.Float64Histogram

	// --- Application ---

	// FixesApplied counts patches written to the target tree.
	FixesApplied metric.Int64Counter

	// FixesRolledBack counts patches reverted, by reason.
	FixesRolledBack metric.Int64Counter

	// --- Loop ---

	// IterationsTotal counts completed loop iterations.
	IterationsTotal metric.Int64Counter

	// IterationDuration records full iteration duration in seconds.
	IterationDuration metric.Float64Histogram

	// UnresolvedErrors tracks the current unresolved defect count.
	UnresolvedErrors metric.Int64ObservableGauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// # Inputs
//
//	meter - The OTel meter to use for metric registration.
//
// # Outputs
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ErrorsCaptured, err = meter.Int64Counter(
		"mend_errors_captured_total",
		metric.WithDescription("Error reports accepted by the collector"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_captured: %w", err)
	}

	m.ErrorsDropped, err = meter.Int64Counter(
		"mend_errors_dropped_total",
		metric.WithDescription("Error reports dropped by reason"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_dropped: %w", err)
	}

	m.CandidatesGenerated, err = meter.Int64Counter(
		"mend_candidates_generated_total",
		metric.WithDescription("Fix candidates produced by origin"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create candidates_generated: %w", err)
	}

	m.CandidatesRateLimited, err = meter.Int64Counter(
		"mend_candidates_rate_limited_total",
		metric.WithDescription("Generation requests refused by the hourly budget"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create candidates_rate_limited: %w", err)
	}

	m.OracleLatency, err = meter.Float64Histogram(
		"mend_oracle_latency_seconds",
		metric.WithDescription("Oracle round-trip duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create oracle_latency: %w", err)
	}

	m.ValidationsTotal, err = meter.Int64Counter(
		"mend_validations_total",
		metric.WithDescription("Validation runs by outcome"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create validations_total: %w", err)
	}

	m.ValidationDuration, err = meter.Float64Histogram(
		"mend_validation_duration_seconds",
		metric.WithDescription("Validation pipeline duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create validation_duration: %w", err)
	}

	m.FixesApplied, err = meter.Int64Counter(
		"mend_fixes_applied_total",
		metric.WithDescription("Patches written to the target tree"),
		metric.WithUnit("{fix}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fixes_applied: %w", err)
	}

	m.FixesRolledBack, err = meter.Int64Counter(
		"mend_fixes_rolled_back_total",
		metric.WithDescription("Patches reverted by reason"),
		metric.WithUnit("{fix}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fixes_rolled_back: %w", err)
	}

	m.IterationsTotal, err = meter.Int64Counter(
		"mend_iterations_total",
		metric.WithDescription("Completed loop iterations"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create iterations_total: %w", err)
	}

	m.IterationDuration, err = meter.Float64Histogram(
		"mend_iteration_duration_seconds",
		metric.WithDescription("Loop iteration duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create iteration_duration: %w", err)
	}

	return m, nil
}

// RegisterUnresolvedGauge registers a callback for the unresolved
// defect gauge.
//
// # Description
//
//	Sets up an observable gauge reporting the collector's current
//	unresolved count. The callback is invoked each time metrics are
//	scraped.
//
// # Inputs
//
//	meter - The OTel meter to use for registration.
//	countFunc - A function returning the current unresolved count.
//
// # Outputs
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterUnresolvedGauge(meter metric.Meter, countFunc func() int64) (metric.Registration, error) {
	var err error
	m.UnresolvedErrors, err = meter.Int64ObservableGauge(
		"mend_unresolved_errors",
		metric.WithDescription("Current unresolved defect count"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create unresolved_errors: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.UnresolvedErrors, countFunc())
		return nil
	}, m.UnresolvedErrors)
}
