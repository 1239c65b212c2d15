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
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestBackupStore_RoundTrip(t *testing.T) {
	store, err := newBackupStore(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("newBackupStore: %v", err)
	}

	content := []byte("original content\nno trailing newline on line two")
	backup, err := store.capture("src/app.js", content)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if backup.Ref == "" {
		t.Fatal("capture should assign a ref")
	}
	if backup.File != "src/app.js" {
		t.Fatalf("File = %q, want src/app.js", backup.File)
	}
	if backup.CapturedAt.IsZero() {
		t.Fatal("capture should record the capture time")
	}

	got, gotContent, err := store.get(backup.Ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Ref != backup.Ref || got.Stale {
		t.Fatalf("get = %+v, want fresh backup %s", got, backup.Ref)
	}
	if !bytes.Equal(gotContent, content) {
		t.Fatalf("content = %q, want %q", gotContent, content)
	}
}

func TestBackupStore_SurvivesReload(t *testing.T) {
	dir := t.TempDir()

	store, err := newBackupStore(dir, 8)
	if err != nil {
		t.Fatalf("newBackupStore: %v", err)
	}
	content := []byte("const a = 1;\n")
	backup, err := store.capture("app.js", content)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	// A fresh store over the same directory must rebuild its index
	// from disk, so rollback works across process restarts.
	reloaded, err := newBackupStore(dir, 8)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	got, gotContent, err := reloaded.get(backup.Ref)
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if got.File != "app.js" || !bytes.Equal(gotContent, content) {
		t.Fatalf("reloaded backup = %+v %q, want original", got, gotContent)
	}
}

func TestBackupStore_PerFileBound(t *testing.T) {
	store, err := newBackupStore(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("newBackupStore: %v", err)
	}

	var refs []string
	for i := 0; i < 3; i++ {
		b, err := store.capture("app.js", []byte(fmt.Sprintf("version %d", i)))
		if err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
		refs = append(refs, b.Ref)
	}

	if _, _, err := store.get(refs[0]); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("oldest backup err = %v, want ErrBackupNotFound after eviction", err)
	}
	for _, ref := range refs[1:] {
		if _, _, err := store.get(ref); err != nil {
			t.Fatalf("backup %s should survive the bound: %v", ref, err)
		}
	}
}

func TestBackupStore_BoundIsPerFile(t *testing.T) {
	store, err := newBackupStore(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("newBackupStore: %v", err)
	}

	a, err := store.capture("a.js", []byte("a"))
	if err != nil {
		t.Fatalf("capture a: %v", err)
	}
	b, err := store.capture("b.js", []byte("b"))
	if err != nil {
		t.Fatalf("capture b: %v", err)
	}

	// Different files do not evict each other.
	if _, _, err := store.get(a.Ref); err != nil {
		t.Fatalf("a.js backup evicted by b.js capture: %v", err)
	}
	if _, _, err := store.get(b.Ref); err != nil {
		t.Fatalf("get b: %v", err)
	}
}

func TestBackupStore_Discard(t *testing.T) {
	store, err := newBackupStore(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("newBackupStore: %v", err)
	}

	backup, err := store.capture("app.js", []byte("x"))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	if err := store.discard(backup.Ref); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, _, err := store.get(backup.Ref); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("get after discard = %v, want ErrBackupNotFound", err)
	}
	if err := store.discard(backup.Ref); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("second discard = %v, want ErrBackupNotFound", err)
	}
}

func TestBackupStore_MarkStalePersists(t *testing.T) {
	dir := t.TempDir()

	store, err := newBackupStore(dir, 8)
	if err != nil {
		t.Fatalf("newBackupStore: %v", err)
	}
	first, err := store.capture("app.js", []byte("v1"))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	second, err := store.capture("app.js", []byte("v2"))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	other, err := store.capture("other.js", []byte("o"))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	if n := store.markStale("app.js"); n != 2 {
		t.Fatalf("markStale flagged %d backups, want 2", n)
	}

	reloaded, err := newBackupStore(dir, 8)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	for _, ref := range []string{first.Ref, second.Ref} {
		got, _, err := reloaded.get(ref)
		if err != nil {
			t.Fatalf("get %s: %v", ref, err)
		}
		if !got.Stale {
			t.Fatalf("backup %s should stay stale across reload", ref)
		}
	}
	got, _, err := reloaded.get(other.Ref)
	if err != nil {
		t.Fatalf("get other: %v", err)
	}
	if got.Stale {
		t.Fatal("other file's backup must not be flagged")
	}
}
