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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianMend/services/mend/collector"
)

const systemPrompt = `You are a code repair assistant for a browser-based JavaScript application.
You receive one runtime error with its surrounding context and propose minimal patches.

Respond with ONLY a JSON array of candidate objects, no prose:
[{"confidence": <0-100>, "code": "<replacement source lines>", "explanation": "<one sentence>", "startLine": <n>, "endLine": <n>, "strategy": "<short-tag>"}]

Rules:
- startLine and endLine are 1-based inclusive line numbers in the target file.
- code replaces exactly those lines; include correct indentation.
- Propose at most 3 candidates, best first.
- Prefer the smallest change that removes the error.
- strategy is a short kebab-case tag naming the repair approach.`

// promptPayload is the user-message body sent to the oracle.
type promptPayload struct {
	Kind          string         `json:"kind"`
	Message       string         `json:"message"`
	File          string         `json:"file"`
	Line          int            `json:"line"`
	Column        int            `json:"column,omitempty"`
	StackTrace    string         `json:"stack_trace,omitempty"`
	SourceSnippet string         `json:"source_snippet,omitempty"`
	RecentActions []string       `json:"recent_actions,omitempty"`
	StateSnapshot map[string]any `json:"state_snapshot,omitempty"`
}

// buildPrompt renders the user message for one error record. The
// payload is JSON so the oracle sees structure rather than free text.
func buildPrompt(rec *collector.ErrorRecord, bundle collector.ContextBundle) (string, error) {
	payload := promptPayload{
		Kind:          string(rec.Kind),
		Message:       rec.Message,
		File:          rec.Location.File,
		Line:          rec.Location.Line,
		Column:        rec.Location.Column,
		StackTrace:    rec.StackTrace,
		SourceSnippet: bundle.SourceSnippet,
		RecentActions: bundle.RecentActions,
		StateSnapshot: bundle.StateSnapshot,
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding prompt payload: %w", err)
	}

	var b strings.Builder
	b.WriteString("Fix the following runtime error:\n\n")
	b.Write(body)
	return b.String(), nil
}

// extractJSONArray strips markdown fences and surrounding prose so the
// oracle response parses even when the model ignores the format rules.
func extractJSONArray(response string) string {
	s := strings.TrimSpace(response)

	// Peel a fenced block if present.
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimPrefix(s, "JSON")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	// Slice from the first '[' to the matching final ']'. Models often
	// wrap the array in a sentence of prose.
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// parseCandidates decodes the oracle response into raw candidates.
// A single object is tolerated and wrapped into a one-element slice.
func parseCandidates(response string) ([]rawCandidate, error) {
	cleaned := extractJSONArray(response)
	if cleaned == "" {
		return nil, fmt.Errorf("empty oracle response")
	}

	var cands []rawCandidate
	if err := json.Unmarshal([]byte(cleaned), &cands); err != nil {
		var single rawCandidate
		if err2 := json.Unmarshal([]byte(cleaned), &single); err2 == nil {
			return []rawCandidate{single}, nil
		}
		return nil, fmt.Errorf("decoding oracle response: %w", err)
	}
	return cands, nil
}
