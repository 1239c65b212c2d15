// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"log/slog"
)

const (
	// strategyBonus is added when the candidate's strategy has fixed
	// this error kind before.
	strategyBonus = 15

	// largePatchPenalty is subtracted when the replacement exceeds
	// largePatchLines lines.
	largePatchPenalty = 10
	largePatchLines   = 40
)

// StrategyHistory answers whether a (kind, strategy) pair has a
// confirmed successful fix on record. *history.Store satisfies this.
type StrategyHistory interface {
	HasStrategySucceeded(ctx context.Context, kind, tag string) (bool, error)
}

// adjustConfidence applies the local re-weighting pass to a candidate's
// oracle-reported confidence and returns the final clamped score.
// Fallback candidates stay at or below the template ceiling.
func adjustConfidence(ctx context.Context, cand FixCandidate, hist StrategyHistory, logger *slog.Logger) int {
	score := cand.Confidence

	if hist != nil && cand.StrategyTag != "" {
		ok, err := hist.HasStrategySucceeded(ctx, string(cand.Kind), cand.StrategyTag)
		if err != nil {
			logger.Warn("strategy history lookup failed",
				"kind", string(cand.Kind),
				"strategy", cand.StrategyTag,
				"error", err)
		} else if ok {
			score += strategyBonus
		}
	}

	if cand.Patch.LineCount() > largePatchLines {
		score -= largePatchPenalty
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	if cand.Origin == OriginFallback && score > fallbackCeiling {
		score = fallbackCeiling
	}
	return score
}
