// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	inputval "github.com/AleutianAI/AleutianMend/pkg/validation"
	"github.com/AleutianAI/AleutianMend/services/mend/collector"
)

const (
	defaultSnippetRadius = 12
	defaultActionLogSize = 50
)

// ContextBuilder assembles the oracle context for an error: a source
// window around the error location, the most recent user actions, and
// the latest app-state snapshot. It is the remediation loop's context
// provider.
//
// # Thread Safety
//
// Safe for concurrent use. The websocket read loop writes actions and
// state while loop workers read bundles.
type ContextBuilder struct {
	root   string
	radius int
	limit  int
	logger *slog.Logger

	mu      sync.RWMutex
	actions []string
	state   map[string]any
}

// NewContextBuilder builds a context provider over the target tree at
// root. snippetRadius is how many lines either side of the error line
// the source window covers; actionLog is the rolling action capacity.
// Zero values take defaults (12 lines, 50 actions).
func NewContextBuilder(root string, snippetRadius, actionLog int, logger *slog.Logger) *ContextBuilder {
	if snippetRadius <= 0 {
		snippetRadius = defaultSnippetRadius
	}
	if actionLog <= 0 {
		actionLog = defaultActionLogSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{
		root:   root,
		radius: snippetRadius,
		limit:  actionLog,
		logger: logger,
	}
}

// RecordAction appends one interaction to the rolling log, evicting
// the oldest entry past capacity.
func (b *ContextBuilder) RecordAction(a ActionEvent) {
	rendered := a.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions = append(b.actions, rendered)
	if len(b.actions) > b.limit {
		b.actions = b.actions[len(b.actions)-b.limit:]
	}
}

// SetState replaces the latest app-state snapshot.
func (b *ContextBuilder) SetState(snapshot map[string]any) {
	state := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		state[k] = v
	}
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

// Actions returns a copy of the rolling action log, oldest first.
func (b *ContextBuilder) Actions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.actions...)
}

// BundleFor assembles the context bundle for one error record. A
// record whose file cannot be read or whose line falls outside it
// still gets the action log and state snapshot, just no source
// window; generation then has less to work with but is not blocked.
func (b *ContextBuilder) BundleFor(rec *collector.ErrorRecord) collector.ContextBundle {
	bundle := collector.ContextBundle{}

	b.mu.RLock()
	bundle.RecentActions = append([]string(nil), b.actions...)
	if len(b.state) > 0 {
		state := make(map[string]any, len(b.state))
		for k, v := range b.state {
			state[k] = v
		}
		bundle.StateSnapshot = state
	}
	b.mu.RUnlock()

	if bundle.StateSnapshot == nil && len(rec.ContextSnapshot) > 0 {
		// No state message yet; the error's own context is better
		// than nothing.
		bundle.StateSnapshot = rec.ContextSnapshot
	}

	snippet, start, ok := b.sourceWindow(rec.Location.File, rec.Location.Line)
	if ok {
		bundle.SourceSnippet = snippet
		bundle.SnippetStartLine = start
	}
	return bundle
}

// sourceWindow reads radius lines either side of the 1-based line from
// the target file.
func (b *ContextBuilder) sourceWindow(file string, line int) (string, int, bool) {
	if b.root == "" || file == "" || line < 1 {
		return "", 0, false
	}
	if err := inputval.ValidateRelativePath(file); err != nil {
		b.logger.Warn("refusing context read", "file", file, "error", err)
		return "", 0, false
	}
	if err := inputval.ValidateWithinRoot(b.root, file); err != nil {
		b.logger.Warn("refusing context read", "file", file, "error", err)
		return "", 0, false
	}

	data, err := os.ReadFile(filepath.Join(b.root, file))
	if err != nil {
		b.logger.Debug("context source unavailable", "file", file, "error", err)
		return "", 0, false
	}

	lines := strings.Split(string(data), "\n")
	if line > len(lines) {
		b.logger.Debug("error line beyond file end", "file", file, "line", line, "lines", len(lines))
		return "", 0, false
	}

	start := line - b.radius
	if start < 1 {
		start = 1
	}
	end := line + b.radius
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start-1:end], "\n"), start, true
}
