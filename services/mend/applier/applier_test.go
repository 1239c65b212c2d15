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
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianMend/services/mend/collector"
	"github.com/AleutianAI/AleutianMend/services/mend/oracle"
)

const targetSource = `function addToCart(item) {
  const count = cart.items.length;
  cart.items.push(item);
  updateBadge(count + 1);
}
`

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestApplier(t *testing.T, verify VerifyFunc) (*Applier, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "app.js"), []byte(targetSource), 0o644); err != nil {
		t.Fatalf("seeding target: %v", err)
	}

	a, err := New(Config{
		TargetRoot: root,
		BackupDir:  t.TempDir(),
	}, verify, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, root
}

func candidateFor(file string, start, end int, replacement string) oracle.FixCandidate {
	return oracle.FixCandidate{
		ID:          "cand-1",
		ErrorKey:    "k1",
		Kind:        collector.KindTypeError,
		StrategyTag: "optional-chain",
		Patch: oracle.Patch{
			TargetFile:  file,
			StartLine:   start,
			EndLine:     end,
			Replacement: replacement,
		},
	}
}

func TestApply_WritesPatchAndBacksUp(t *testing.T) {
	a, root := newTestApplier(t, nil)

	fix, err := a.Apply(context.Background(),
		candidateFor("app.js", 2, 2, "  const count = cart?.items?.length ?? 0;"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "app.js"))
	if err != nil {
		t.Fatalf("reading patched file: %v", err)
	}
	if !strings.Contains(string(got), "cart?.items?.length ?? 0") {
		t.Fatalf("patched file missing replacement:\n%s", got)
	}
	if strings.Contains(string(got), "const count = cart.items.length;") {
		t.Fatalf("patched file still has the original line:\n%s", got)
	}

	if fix.CandidateID != "cand-1" || fix.File != "app.js" || fix.ErrorKey != "k1" {
		t.Fatalf("fix = %+v, want candidate metadata carried through", fix)
	}
	if fix.BackupRef == "" {
		t.Fatal("fix should carry a backup ref")
	}
	if fix.AppliedAt.IsZero() {
		t.Fatal("fix should carry the apply time")
	}

	backup, err := a.LookupBackup(fix.BackupRef)
	if err != nil {
		t.Fatalf("LookupBackup: %v", err)
	}
	if backup.File != "app.js" || backup.Stale {
		t.Fatalf("backup = %+v, want fresh backup of app.js", backup)
	}

	if !strings.Contains(fix.Diff, "-  const count = cart.items.length;") {
		t.Fatalf("diff missing removed line:\n%s", fix.Diff)
	}
	if !strings.Contains(fix.Diff, "+  const count = cart?.items?.length ?? 0;") {
		t.Fatalf("diff missing added line:\n%s", fix.Diff)
	}
}

func TestApply_VerificationFailureRollsBack(t *testing.T) {
	verify := func(ctx context.Context, source string) error {
		return errors.New("does not parse")
	}
	a, root := newTestApplier(t, verify)

	_, err := a.Apply(context.Background(), candidateFor("app.js", 2, 2, "garbage {{{"))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}

	got, readErr := os.ReadFile(filepath.Join(root, "app.js"))
	if readErr != nil {
		t.Fatalf("reading target after rollback: %v", readErr)
	}
	if string(got) != targetSource {
		t.Fatalf("target not restored after failed verification:\n%s", got)
	}
}

func TestApply_VerifierSeesWrittenContent(t *testing.T) {
	var seen string
	verify := func(ctx context.Context, source string) error {
		seen = source
		return nil
	}
	a, _ := newTestApplier(t, verify)

	if _, err := a.Apply(context.Background(),
		candidateFor("app.js", 2, 2, "  const count = 0;")); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !strings.Contains(seen, "const count = 0;") {
		t.Fatal("verifier should receive the patched content")
	}
}

func TestApply_PreservesFileMode(t *testing.T) {
	a, root := newTestApplier(t, nil)
	target := filepath.Join(root, "app.js")
	if err := os.Chmod(target, 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	if _, err := a.Apply(context.Background(),
		candidateFor("app.js", 2, 2, "  const count = 0;")); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600 preserved", info.Mode().Perm())
	}
}

func TestApply_RejectsPathEscape(t *testing.T) {
	a, _ := newTestApplier(t, nil)

	if _, err := a.Apply(context.Background(),
		candidateFor("../escape.js", 1, 1, "x")); err == nil {
		t.Fatal("expected error for a target escaping the root")
	}
}

func TestApply_MissingTarget(t *testing.T) {
	a, _ := newTestApplier(t, nil)

	_, err := a.Apply(context.Background(), candidateFor("ghost.js", 1, 1, "x"))
	if err == nil || !strings.Contains(err.Error(), "reading") {
		t.Fatalf("err = %v, want read failure", err)
	}
}

func TestApply_RangeBeyondFile(t *testing.T) {
	a, root := newTestApplier(t, nil)

	_, err := a.Apply(context.Background(), candidateFor("app.js", 99, 99, "x"))
	if err == nil || !strings.Contains(err.Error(), "splicing") {
		t.Fatalf("err = %v, want splice failure", err)
	}

	got, _ := os.ReadFile(filepath.Join(root, "app.js"))
	if string(got) != targetSource {
		t.Fatal("target must be untouched when the splice fails")
	}
}

func TestRollback_ByteIdentical(t *testing.T) {
	a, root := newTestApplier(t, nil)

	// Mixed line endings and no trailing newline must survive the
	// backup-restore round trip exactly.
	odd := []byte("line one\r\nline two\nlast line without newline")
	target := filepath.Join(root, "app.js")
	if err := os.WriteFile(target, odd, 0o644); err != nil {
		t.Fatalf("seeding odd content: %v", err)
	}

	fix, err := a.Apply(context.Background(), candidateFor("app.js", 2, 2, "replaced"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := a.Rollback(context.Background(), fix.BackupRef); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if !bytes.Equal(got, odd) {
		t.Fatalf("restored content differs:\ngot  %q\nwant %q", got, odd)
	}
}

func TestRollback_UnknownRef(t *testing.T) {
	a, _ := newTestApplier(t, nil)
	if err := a.Rollback(context.Background(), "no-such-ref"); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("err = %v, want ErrBackupNotFound", err)
	}
}

func TestRollback_StaleBackupRefused(t *testing.T) {
	a, _ := newTestApplier(t, nil)

	fix, err := a.Apply(context.Background(), candidateFor("app.js", 2, 2, "  const count = 0;"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	a.MarkDrifted("app.js")

	if err := a.Rollback(context.Background(), fix.BackupRef); !errors.Is(err, ErrBackupStale) {
		t.Fatalf("err = %v, want ErrBackupStale", err)
	}
}

func TestConfirm_DiscardsBackup(t *testing.T) {
	a, _ := newTestApplier(t, nil)

	fix, err := a.Apply(context.Background(), candidateFor("app.js", 2, 2, "  const count = 0;"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := a.Confirm(fix.BackupRef); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := a.Rollback(context.Background(), fix.BackupRef); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("err = %v, want ErrBackupNotFound after confirm", err)
	}
}

func TestApply_SequentialAppliesStack(t *testing.T) {
	a, root := newTestApplier(t, nil)

	if _, err := a.Apply(context.Background(),
		candidateFor("app.js", 2, 2, "  const count = cart?.items?.length ?? 0;")); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if _, err := a.Apply(context.Background(),
		candidateFor("app.js", 4, 4, "  updateBadge(count);")); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	got, _ := os.ReadFile(filepath.Join(root, "app.js"))
	content := string(got)
	if !strings.Contains(content, "cart?.items?.length") || !strings.Contains(content, "updateBadge(count);") {
		t.Fatalf("both patches should be present:\n%s", content)
	}
}
