// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// snapshotSchemaVersion guards resumed snapshots against shape drift.
// Bump it whenever Snapshot changes incompatibly; old snapshots are
// then refused rather than misread.
const snapshotSchemaVersion = 1

var (
	// ErrNoSnapshot means no persisted run state exists.
	ErrNoSnapshot = errors.New("no persisted run state")

	// ErrStaleState means a snapshot exists but cannot be safely
	// resumed. The caller may discard it and start fresh.
	ErrStaleState = errors.New("persisted run state is stale")
)

// Snapshot is the durable form of a run, written after every
// iteration so an interrupted run can resume.
type Snapshot struct {
	SchemaVersion int `json:"schema_version"`

	State IterationState `json:"state"`

	// ErrorCountHistory is the unresolved count after each iteration,
	// oldest first. The stall detector reads the tail.
	ErrorCountHistory []int `json:"error_count_history"`

	// FixHistory is every fix applied this run, in order, with its
	// confirmation state. Needed on resume so unconfirmed fixes can
	// still be rolled back.
	FixHistory []FixEntry `json:"fix_history"`

	// TargetFingerprint identifies the target tree the run was
	// operating on. Resume refuses a snapshot whose fingerprint no
	// longer matches; the tree changed out from under the run.
	TargetFingerprint string `json:"target_fingerprint"`

	SavedAt time.Time `json:"saved_at"`
}

// StateStore persists run snapshots as a single JSON file.
//
// # Thread Safety
//
// Not safe for concurrent use. The orchestrator serializes access.
type StateStore struct {
	path string
}

// NewStateStore returns a store writing to path. The parent directory
// is created on first save.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Save writes the snapshot atomically: the new state is fully on disk
// before the old one is replaced, so a crash mid-save leaves the
// previous snapshot intact.
func (s *StateStore) Save(snap Snapshot) error {
	snap.SchemaVersion = snapshotSchemaVersion
	snap.SavedAt = time.Now()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing run state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing run state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replacing run state: %w", err)
	}
	success = true
	return nil
}

// Load reads the persisted snapshot. Returns ErrNoSnapshot when none
// exists and ErrStaleState when one exists but its schema version is
// not the current one.
func (s *StateStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, fmt.Errorf("reading run state: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: undecodable snapshot: %v", ErrStaleState, err)
	}
	if snap.SchemaVersion != snapshotSchemaVersion {
		return Snapshot{}, fmt.Errorf("%w: schema version %d, want %d",
			ErrStaleState, snap.SchemaVersion, snapshotSchemaVersion)
	}
	return snap, nil
}

// Discard removes the persisted snapshot. Removing a snapshot that
// does not exist is not an error.
func (s *StateStore) Discard() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("discarding run state: %w", err)
	}
	return nil
}

// Path returns where the snapshot lives, for status output.
func (s *StateStore) Path() string {
	return s.path
}

// fingerprintTree hashes the shape of the target tree: every file's
// relative path, size, and modification time, in sorted order. Content
// is deliberately not read; the fingerprint must stay cheap on large
// trees, and a changed file almost always changes size or mtime.
//
// Dot directories and node_modules are skipped. They churn constantly
// without meaning the managed sources changed.
func fingerprintTree(root string) (string, error) {
	type entry struct {
		rel  string
		size int64
		mod  int64
	}
	var entries []entry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || name == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{
			rel:  filepath.ToSlash(rel),
			size: info.Size(),
			mod:  info.ModTime().UnixNano(),
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking target tree: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s|%d|%d\n", e.rel, e.size, e.mod)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
