// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package applier writes validated patches into the target tree.
//
// # Description
//
// Every apply is reversible: the current content is backed up before
// the patched content goes down in an atomic temp-and-rename write,
// and a post-write verification re-reads and re-parses the file. A
// verification failure rolls the file back before Apply returns, so
// the tree is never left holding a patch that does not parse.
//
// Candidates touching the same file in one batch are serialized in
// ascending start-line order with later ranges shifted by the line
// delta of earlier patches; overlapping ranges are resolved
// deterministically with the lowest start line winning (see
// PlanBatch).
//
// # Thread Safety
//
// Applier is safe for concurrent use. A per-file mutex serializes
// writers of the same file; distinct files proceed in parallel.
package applier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	inputval "github.com/AleutianAI/AleutianMend/pkg/validation"
	"github.com/AleutianAI/AleutianMend/services/mend/oracle"
)

var (
	// ErrVerificationFailed means the patched file failed post-write
	// verification and was rolled back.
	ErrVerificationFailed = errors.New("post-write verification failed")

	// ErrBackupNotFound is returned for unknown backup refs.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrBackupStale is returned when a rollback would clobber
	// out-of-band edits made after the backup was captured.
	ErrBackupStale = errors.New("backup is stale, file changed outside the loop")
)

// VerifyFunc checks patched content after it has been written.
// Returning an error triggers an automatic rollback.
type VerifyFunc func(ctx context.Context, source string) error

// AppliedFix describes one successfully applied patch.
type AppliedFix struct {
	CandidateID string    `json:"candidate_id"`
	ErrorKey    string    `json:"error_key"`
	ErrorKind   string    `json:"error_kind"`
	StrategyTag string    `json:"strategy_tag"`
	File        string    `json:"file"`
	BackupRef   string    `json:"backup_ref"`
	Diff        string    `json:"diff,omitempty"`
	AppliedAt   time.Time `json:"applied_at"`
}

// Config controls the applier.
type Config struct {
	// TargetRoot is the directory containing the managed source tree.
	TargetRoot string

	// BackupDir is where pre-apply backups live. Keep it outside
	// TargetRoot so backup writes never register as drift.
	BackupDir string

	// BackupsPerFile bounds retained backups per file; the oldest is
	// discarded when the bound is hit. Default: 8.
	BackupsPerFile int
}

// Applier applies and reverts patches in the target tree.
type Applier struct {
	cfg     Config
	verify  VerifyFunc
	logger  *slog.Logger
	backups *backupStore
	watcher *DriftWatcher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Applier. verify may be nil, which disables post-write
// verification (dry runs and tests).
func New(cfg Config, verify VerifyFunc, logger *slog.Logger) (*Applier, error) {
	if cfg.TargetRoot == "" {
		return nil, fmt.Errorf("applier: target root is required")
	}
	if cfg.BackupDir == "" {
		return nil, fmt.Errorf("applier: backup dir is required")
	}
	if cfg.BackupsPerFile <= 0 {
		cfg.BackupsPerFile = 8
	}
	if logger == nil {
		logger = slog.Default()
	}

	backups, err := newBackupStore(cfg.BackupDir, cfg.BackupsPerFile)
	if err != nil {
		return nil, fmt.Errorf("applier: opening backup store: %w", err)
	}

	return &Applier{
		cfg:     cfg,
		verify:  verify,
		logger:  logger,
		backups: backups,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// SetDriftWatcher attaches a drift watcher so the applier can flag its
// own writes before they land. Call before Apply; not synchronized
// with in-flight applies.
func (a *Applier) SetDriftWatcher(w *DriftWatcher) {
	a.watcher = w
}

// Apply writes one candidate's patch into the target tree.
//
// # Description
//
// Reads the current file, captures a backup, splices the replacement
// lines, writes atomically, then verifies the written content. On
// verification failure the backup is restored and the returned error
// wraps ErrVerificationFailed.
//
// # Inputs
//
//   - ctx: cancellation for the verification step.
//   - cand: the validated candidate to apply.
//
// # Outputs
//
//   - *AppliedFix: the apply record, including the backup ref and a
//     unified diff of the change.
//   - error: non-nil when nothing was changed or the change was
//     rolled back.
func (a *Applier) Apply(ctx context.Context, cand oracle.FixCandidate) (*AppliedFix, error) {
	patch := cand.Patch
	if err := inputval.ValidateRelativePath(patch.TargetFile); err != nil {
		return nil, fmt.Errorf("patch target: %w", err)
	}
	if err := inputval.ValidateWithinRoot(a.cfg.TargetRoot, patch.TargetFile); err != nil {
		return nil, fmt.Errorf("patch target: %w", err)
	}
	target := filepath.Join(a.cfg.TargetRoot, patch.TargetFile)

	lock := a.fileLock(patch.TargetFile)
	lock.Lock()
	defer lock.Unlock()

	raw, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", patch.TargetFile, err)
	}
	original := string(raw)
	mode := fileMode(target)

	patched, err := patch.ApplyTo(original)
	if err != nil {
		return nil, fmt.Errorf("splicing patch into %s: %w", patch.TargetFile, err)
	}

	backup, err := a.backups.capture(patch.TargetFile, raw)
	if err != nil {
		return nil, fmt.Errorf("backing up %s: %w", patch.TargetFile, err)
	}

	diffText, err := renderDiff(patch.TargetFile, original, patch)
	if err != nil {
		a.logger.Warn("diff rendering failed", "file", patch.TargetFile, "error", err)
		diffText = ""
	}

	if a.watcher != nil {
		a.watcher.Expect(patch.TargetFile)
	}
	if err := atomicWriteFile(target, []byte(patched), mode); err != nil {
		return nil, fmt.Errorf("writing %s: %w", patch.TargetFile, err)
	}

	if err := a.verifyWritten(ctx, target, patched); err != nil {
		if rbErr := a.restore(target, raw, mode); rbErr != nil {
			return nil, fmt.Errorf("%w: %v; rollback also failed: %v",
				ErrVerificationFailed, err, rbErr)
		}
		a.logger.Warn("patch rolled back after failed verification",
			"candidate", cand.ID, "file", patch.TargetFile, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	a.logger.Info("patch applied",
		"candidate", cand.ID,
		"file", patch.TargetFile,
		"lines", fmt.Sprintf("%d-%d", patch.StartLine, patch.EndLine),
		"backup", backup.Ref)

	return &AppliedFix{
		CandidateID: cand.ID,
		ErrorKey:    cand.ErrorKey,
		ErrorKind:   string(cand.Kind),
		StrategyTag: cand.StrategyTag,
		File:        patch.TargetFile,
		BackupRef:   backup.Ref,
		Diff:        diffText,
		AppliedAt:   time.Now(),
	}, nil
}

// Rollback restores the file a backup was captured from,
// byte-identical to the captured content. Stale backups (the file
// changed outside the loop since capture) are refused.
func (a *Applier) Rollback(ctx context.Context, ref string) error {
	backup, content, err := a.backups.get(ref)
	if err != nil {
		return err
	}
	if backup.Stale {
		return fmt.Errorf("%w: %s", ErrBackupStale, backup.File)
	}

	lock := a.fileLock(backup.File)
	lock.Lock()
	defer lock.Unlock()

	target := filepath.Join(a.cfg.TargetRoot, backup.File)
	if a.watcher != nil {
		a.watcher.Expect(backup.File)
	}
	if err := atomicWriteFile(target, content, fileMode(target)); err != nil {
		return fmt.Errorf("restoring %s: %w", backup.File, err)
	}

	a.logger.Info("backup restored", "file", backup.File, "backup", ref)
	return nil
}

// Confirm discards a backup once the loop has confirmed the fix
// stable. The apply can no longer be rolled back through this ref.
func (a *Applier) Confirm(ref string) error {
	return a.backups.discard(ref)
}

// Discard drops a backup without confirming anything.
func (a *Applier) Discard(ref string) error {
	return a.backups.discard(ref)
}

// LookupBackup returns backup metadata by ref.
func (a *Applier) LookupBackup(ref string) (*Backup, error) {
	backup, _, err := a.backups.get(ref)
	return backup, err
}

// MarkDrifted flags every backup of a file as stale after an
// out-of-band modification. Stale backups refuse rollback.
func (a *Applier) MarkDrifted(file string) {
	n := a.backups.markStale(file)
	if n > 0 {
		a.logger.Warn("file changed outside the loop, backups marked stale",
			"file", file, "backups", n)
	}
}

// verifyWritten re-reads the target and checks both that the write
// landed intact and that the content verifies.
func (a *Applier) verifyWritten(ctx context.Context, target, want string) error {
	got, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("re-reading written file: %w", err)
	}
	if !bytes.Equal(got, []byte(want)) {
		return fmt.Errorf("written content does not match patch result")
	}
	if a.verify == nil {
		return nil
	}
	return a.verify(ctx, string(got))
}

// restore puts the pre-apply content back after a failed verification.
func (a *Applier) restore(target string, content []byte, mode fs.FileMode) error {
	return atomicWriteFile(target, content, mode)
}

// fileLock returns the mutex serializing writers of one file.
func (a *Applier) fileLock(file string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lk, ok := a.locks[file]
	if !ok {
		lk = &sync.Mutex{}
		a.locks[file] = lk
	}
	return lk
}

// fileMode returns the file's current permission bits, or 0644 for a
// file that cannot be statted.
func fileMode(path string) fs.FileMode {
	info, err := os.Stat(path)
	if err != nil {
		return 0o644
	}
	return info.Mode().Perm()
}

// atomicWriteFile writes content via a temp file in the same directory
// and a rename, so the target is either fully written or untouched.
func atomicWriteFile(path string, content []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
