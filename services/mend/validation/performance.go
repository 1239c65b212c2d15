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
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianMend/services/mend/browser"
)

// performanceCheck compares a fixed micro-benchmark before and after
// patch injection in a fresh page. The benchmark expression must
// evaluate to a duration in milliseconds. Fails when the post-patch
// time exceeds the configured multiple of baseline.
type performanceCheck struct {
	targetURL string
	expr      string
	runs      int
	limit     float64
}

func (performanceCheck) name() string { return CheckPerformance }

func (c performanceCheck) run(ctx context.Context, in *checkInput) CheckResult {
	start := time.Now()
	res := CheckResult{Name: CheckPerformance}

	if c.expr == "" || !in.browserConfigured {
		res.Skipped = true
		res.Details = append(res.Details, "no benchmark configured")
		res.Duration = time.Since(start)
		return res
	}
	if in.session == nil {
		res.Details = append(res.Details, "no automation session available")
		res.Duration = time.Since(start)
		return res
	}

	// Fresh navigation resets any earlier injection, so the baseline
	// measures the unpatched page.
	if err := in.session.Navigate(ctx, c.targetURL); err != nil {
		in.sessionBroken = true
		res.Details = append(res.Details, fmt.Sprintf("navigate: %v", err))
		res.Duration = time.Since(start)
		return res
	}

	baseline, err := c.measure(ctx, in.session)
	if err != nil {
		in.sessionBroken = true
		res.Details = append(res.Details, fmt.Sprintf("baseline benchmark: %v", err))
		res.Duration = time.Since(start)
		return res
	}
	if baseline <= 0 {
		res.Details = append(res.Details, fmt.Sprintf("benchmark returned non-positive baseline %.3f", baseline))
		res.Duration = time.Since(start)
		return res
	}

	if err := in.session.Inject(ctx, in.patched); err != nil {
		in.sessionBroken = true
		res.Details = append(res.Details, fmt.Sprintf("inject: %v", err))
		res.Duration = time.Since(start)
		return res
	}

	after, err := c.measure(ctx, in.session)
	if err != nil {
		in.sessionBroken = true
		res.Details = append(res.Details, fmt.Sprintf("post-patch benchmark: %v", err))
		res.Duration = time.Since(start)
		return res
	}

	ratio := after / baseline
	res.Passed = ratio <= c.limit
	res.Score = ratioScore(ratio)
	res.Details = append(res.Details,
		fmt.Sprintf("baseline %.3fms, patched %.3fms, ratio %.2fx (limit %.2fx)", baseline, after, ratio, c.limit))
	res.Duration = time.Since(start)
	return res
}

// measure evaluates the benchmark expression runs times and averages.
func (c performanceCheck) measure(ctx context.Context, session browser.Session) (float64, error) {
	runs := c.runs
	if runs < 1 {
		runs = 1
	}

	var total float64
	for i := 0; i < runs; i++ {
		raw, err := session.Evaluate(ctx, c.expr)
		if err != nil {
			return 0, err
		}
		ms, err := toMillis(raw)
		if err != nil {
			return 0, err
		}
		total += ms
	}
	return total / float64(runs), nil
}

// toMillis coerces an Evaluate result into a millisecond reading.
// JSON decoding delivers numbers as float64; scripted test sessions
// may hand back other numeric types.
func toMillis(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("benchmark result %v (%T) is not a number", v, v)
	}
}

// ratioScore grades the slowdown: no regression scores 100, and every
// additional 1% of slowdown costs a point.
func ratioScore(ratio float64) float64 {
	if ratio <= 1 {
		return 100
	}
	score := 100 - (ratio-1)*100
	if score < 0 {
		score = 0
	}
	return score
}
