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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backup is the metadata of one captured file snapshot. Content lives
// on disk next to the metadata so rollbacks survive process restarts.
type Backup struct {
	Ref        string    `json:"ref"`
	File       string    `json:"file"`
	CapturedAt time.Time `json:"captured_at"`

	// Stale is set when the file changed outside the loop after this
	// backup was captured. Stale backups refuse rollback.
	Stale bool `json:"stale,omitempty"`
}

// backupStore keeps bounded per-file snapshot history on disk.
//
// Layout: <dir>/<ref>.json holds the Backup metadata, <dir>/<ref>.orig
// the captured bytes. The in-memory index is rebuilt from the metadata
// files on open.
type backupStore struct {
	dir     string
	perFile int

	mu     sync.Mutex
	index  map[string]*Backup
	byFile map[string][]string
}

func newBackupStore(dir string, perFile int) (*backupStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}

	s := &backupStore{
		dir:     dir,
		perFile: perFile,
		index:   make(map[string]*Backup),
		byFile:  make(map[string][]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load rebuilds the index from metadata files, oldest first.
func (s *backupStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading backup dir: %w", err)
	}

	var all []*Backup
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var b Backup
		if err := json.Unmarshal(raw, &b); err != nil || b.Ref == "" {
			continue
		}
		all = append(all, &b)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CapturedAt.Before(all[j].CapturedAt)
	})
	for _, b := range all {
		s.index[b.Ref] = b
		s.byFile[b.File] = append(s.byFile[b.File], b.Ref)
	}
	return nil
}

// capture snapshots content for file and returns the new backup,
// evicting the file's oldest backup when over the per-file bound.
func (s *backupStore) capture(file string, content []byte) (*Backup, error) {
	b := &Backup{
		Ref:        uuid.New().String(),
		File:       file,
		CapturedAt: time.Now(),
	}

	if err := os.WriteFile(s.contentPath(b.Ref), content, 0o600); err != nil {
		return nil, fmt.Errorf("writing backup content: %w", err)
	}
	if err := s.writeMeta(b); err != nil {
		os.Remove(s.contentPath(b.Ref))
		return nil, err
	}

	s.mu.Lock()
	s.index[b.Ref] = b
	s.byFile[file] = append(s.byFile[file], b.Ref)
	var evict string
	if len(s.byFile[file]) > s.perFile {
		evict = s.byFile[file][0]
		s.byFile[file] = s.byFile[file][1:]
		delete(s.index, evict)
	}
	s.mu.Unlock()

	if evict != "" {
		s.removeFiles(evict)
	}
	return b, nil
}

// get returns a backup's metadata copy and captured content.
func (s *backupStore) get(ref string) (*Backup, []byte, error) {
	s.mu.Lock()
	b, ok := s.index[ref]
	if !ok {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrBackupNotFound, ref)
	}
	cp := *b
	s.mu.Unlock()

	content, err := os.ReadFile(s.contentPath(ref))
	if err != nil {
		return nil, nil, fmt.Errorf("reading backup content: %w", err)
	}
	return &cp, content, nil
}

// discard removes a backup from the index and from disk.
func (s *backupStore) discard(ref string) error {
	s.mu.Lock()
	b, ok := s.index[ref]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBackupNotFound, ref)
	}
	delete(s.index, ref)
	refs := s.byFile[b.File]
	for i, r := range refs {
		if r == ref {
			s.byFile[b.File] = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.removeFiles(ref)
	return nil
}

// markStale flags every backup of file as stale and persists the flag.
// Returns how many backups were flagged.
func (s *backupStore) markStale(file string) int {
	s.mu.Lock()
	var stale []*Backup
	for _, ref := range s.byFile[file] {
		if b := s.index[ref]; b != nil && !b.Stale {
			b.Stale = true
			cp := *b
			stale = append(stale, &cp)
		}
	}
	s.mu.Unlock()

	for _, b := range stale {
		if err := s.writeMeta(b); err != nil {
			// The in-memory flag still protects this process; the next
			// load sees the file unflagged only if the write failed.
			continue
		}
	}
	return len(stale)
}

func (s *backupStore) writeMeta(b *Backup) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding backup metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(b.Ref), raw, 0o600); err != nil {
		return fmt.Errorf("writing backup metadata: %w", err)
	}
	return nil
}

func (s *backupStore) removeFiles(ref string) {
	os.Remove(s.contentPath(ref))
	os.Remove(s.metaPath(ref))
}

func (s *backupStore) contentPath(ref string) string {
	return filepath.Join(s.dir, ref+".orig")
}

func (s *backupStore) metaPath(ref string) string {
	return filepath.Join(s.dir, ref+".json")
}
