// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package applier

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DriftHandler is called with target-relative paths of files modified
// outside the loop, after debouncing.
type DriftHandler func(files []string)

// DriftWatcher detects out-of-band modifications to the target tree.
//
// # Description
//
// The loop assumes the target tree only changes through the applier.
// When an operator or editor touches a managed file mid-run, that
// file's backups no longer describe the tree and cached candidates
// for it may splice into the wrong lines. The watcher surfaces such
// edits so backups get marked stale and caches invalidated.
//
// The applier announces its own writes through Expect; events landing
// inside the expectation window are not drift.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from one goroutine.
type DriftWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	handler  DriftHandler
	logger   *slog.Logger
	debounce time.Duration
	ignore   []string

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	expected map[string]time.Time
}

// expectWindow is how long after Expect a write to the same file is
// attributed to the applier rather than to drift.
const expectWindow = 2 * time.Second

// NewDriftWatcher creates a watcher over the target root. The handler
// receives batches of drifted files; Start must be called to begin
// watching.
func NewDriftWatcher(root string, handler DriftHandler, logger *slog.Logger) (*DriftWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DriftWatcher{
		root:     root,
		watcher:  fsw,
		handler:  handler,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		ignore:   []string{".git", "node_modules", ".tmp-*", "*.swp", "*.tmp"},
		changes:  make(chan string, 256),
		done:     make(chan struct{}),
		expected: make(map[string]time.Time),
	}, nil
}

// Start begins watching the target tree recursively. Both goroutines
// exit when Stop is called or the context is cancelled.
func (w *DriftWatcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher. Idempotent.
func (w *DriftWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

// Expect marks a target-relative file as about to be written by the
// applier. Events for it within the expectation window are ignored.
func (w *DriftWatcher) Expect(file string) {
	w.mu.Lock()
	w.expected[file] = time.Now()
	w.mu.Unlock()
}

// isExpected reports whether a change to file falls inside an active
// expectation window; the window stays open until it lapses so a
// rename's create+write pair is swallowed whole.
func (w *DriftWatcher) isExpected(file string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.expected[file]
	if !ok {
		return false
	}
	if time.Since(at) > expectWindow {
		delete(w.expected, file)
		return false
	}
	return true
}

func (w *DriftWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *DriftWatcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.ignore {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

func (w *DriftWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			// New directories join the watch so nested edits are seen.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.watcher.Add(event.Name)
					continue
				}
			}
			if event.Op == fsnotify.Chmod {
				continue
			}

			rel, err := filepath.Rel(w.root, event.Name)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			if w.isExpected(rel) {
				continue
			}

			select {
			case w.changes <- rel:
			default:
				// Buffer full; the debouncer will pick up the next
				// event for this file anyway.
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("drift watcher error", "error", err)
		}
	}
}

// debounceLoop batches drifted files and calls the handler once the
// window closes, deduplicated per file.
func (w *DriftWatcher) debounceLoop(ctx context.Context) {
	seen := make(map[string]bool)
	var batch []string
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 && w.handler != nil {
			w.handler(batch)
		}
		batch = nil
		seen = make(map[string]bool)
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case file := <-w.changes:
			if seen[file] {
				continue
			}
			seen[file] = true
			batch = append(batch, file)

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			flush()
		}
	}
}
