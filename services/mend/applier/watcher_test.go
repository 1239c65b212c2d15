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
	"os"
	"path/filepath"
	"testing"
	"time"
)

// startWatcher wires a DriftWatcher over root whose batches land on
// the returned channel.
func startWatcher(t *testing.T, root string) chan []string {
	t.Helper()

	drifts := make(chan []string, 8)
	w, err := NewDriftWatcher(root, func(files []string) {
		drifts <- files
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewDriftWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	// Give the kernel a beat to register the watches.
	time.Sleep(50 * time.Millisecond)
	return drifts
}

func waitForDrift(t *testing.T, drifts chan []string) []string {
	t.Helper()
	select {
	case files := <-drifts:
		return files
	case <-time.After(3 * time.Second):
		t.Fatal("no drift reported within 3s")
		return nil
	}
}

func TestDriftWatcher_ReportsOutOfBandWrite(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "app.js"), []byte("v1"), 0o644); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	drifts := startWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, "app.js"), []byte("edited by hand"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}

	files := waitForDrift(t, drifts)
	if len(files) == 0 || files[0] != "app.js" {
		t.Fatalf("drift = %v, want [app.js]", files)
	}
}

func TestDriftWatcher_SuppressesExpectedWrites(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "app.js"), []byte("v1"), 0o644); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	drifts := make(chan []string, 8)
	w, err := NewDriftWatcher(root, func(files []string) {
		drifts <- files
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewDriftWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	time.Sleep(50 * time.Millisecond)

	// An announced write must not register as drift. The later
	// unannounced write to another file must.
	w.Expect("app.js")
	if err := os.WriteFile(filepath.Join(root, "app.js"), []byte("applied"), 0o644); err != nil {
		t.Fatalf("writing app.js: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "other.js"), []byte("hand edit"), 0o644); err != nil {
		t.Fatalf("writing other.js: %v", err)
	}

	files := waitForDrift(t, drifts)
	for _, f := range files {
		if f == "app.js" {
			t.Fatalf("expected write reported as drift: %v", files)
		}
	}
	found := false
	for _, f := range files {
		if f == "other.js" {
			found = true
		}
	}
	if !found {
		t.Fatalf("drift = %v, want other.js reported", files)
	}
}

func TestDriftWatcher_IgnoresTempFiles(t *testing.T) {
	root := t.TempDir()
	drifts := startWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, ".tmp-12345"), []byte("scratch"), 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}

	select {
	case files := <-drifts:
		t.Fatalf("temp file reported as drift: %v", files)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestDriftWatcher_WatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	drifts := startWatcher(t, root)

	sub := filepath.Join(root, "src")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Let the create event land and the directory join the watch.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "new.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing nested file: %v", err)
	}

	files := waitForDrift(t, drifts)
	found := false
	for _, f := range files {
		if f == filepath.Join("src", "new.js") {
			found = true
		}
	}
	if !found {
		t.Fatalf("drift = %v, want src/new.js reported", files)
	}
}

func TestDriftWatcher_BatchesAndDeduplicates(t *testing.T) {
	root := t.TempDir()
	drifts := startWatcher(t, root)

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(root, "app.js"), []byte{byte('0' + i)}, 0o644); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	files := waitForDrift(t, drifts)
	count := 0
	for _, f := range files {
		if f == "app.js" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("drift = %v, want app.js reported once", files)
	}
}

func TestDriftWatcher_ExpectWindowLapses(t *testing.T) {
	w, err := NewDriftWatcher(t.TempDir(), nil, discardLogger())
	if err != nil {
		t.Fatalf("NewDriftWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	w.Expect("app.js")
	if !w.isExpected("app.js") {
		t.Fatal("file should be expected immediately after Expect")
	}
	if w.isExpected("other.js") {
		t.Fatal("unannounced file must not be expected")
	}

	w.mu.Lock()
	w.expected["app.js"] = time.Now().Add(-expectWindow - time.Second)
	w.mu.Unlock()
	if w.isExpected("app.js") {
		t.Fatal("expectation should lapse after the window")
	}
}
