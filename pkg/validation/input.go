// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for inputs that end up in file paths or
// file mutations: oracle-supplied patch targets, line ranges, and operator
// supplied reason strings. Using these validators prevents path traversal
// out of the managed target tree and garbage writes from malformed patches.
package validation

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// ValidateRelativePath validates a patch target path before it is joined
// to the managed target root.
//
// Valid paths:
//   - non-empty, relative (no leading /)
//   - no ".." traversal segments after cleaning
//   - no NUL bytes or control characters
//
// Returns an error if the path is unsafe to join.
//
// Example:
//
//	if err := validation.ValidateRelativePath(patch.TargetFile); err != nil {
//	    return nil, fmt.Errorf("invalid patch target: %w", err)
//	}
//	full := filepath.Join(root, patch.TargetFile)
func ValidateRelativePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains NUL byte")
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return fmt.Errorf("path contains control character")
		}
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative: %q", path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes target root: %q", path)
	}
	return nil
}

// ValidateWithinRoot verifies that joining path to root stays inside root.
// Both arguments are cleaned before comparison. Use this as the final
// check after ValidateRelativePath, immediately before any file operation.
func ValidateWithinRoot(root, path string) error {
	full := filepath.Clean(filepath.Join(root, path))
	rel, err := filepath.Rel(filepath.Clean(root), full)
	if err != nil {
		return fmt.Errorf("resolving path against root: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes target root: %q", path)
	}
	return nil
}

// ValidateLineRange validates a patch line range.
//
// Lines are 1-based and inclusive. End must be >= start. An upper bound
// guards against absurd ranges from a confused oracle; fileLines of 0
// disables the bound check (file length unknown at validation time).
func ValidateLineRange(start, end, fileLines int) error {
	if start < 1 {
		return fmt.Errorf("start line must be >= 1, got %d", start)
	}
	if end < start {
		return fmt.Errorf("end line %d before start line %d", end, start)
	}
	if fileLines > 0 && start > fileLines {
		return fmt.Errorf("start line %d beyond end of file (%d lines)", start, fileLines)
	}
	return nil
}

// ValidateReason validates an operator-supplied reason string (rollback
// audit entries). Reasons are stored and later rendered in reports, so
// control characters are rejected and length is capped.
func ValidateReason(reason string) error {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return fmt.Errorf("reason cannot be empty")
	}
	if len(trimmed) > 500 {
		return fmt.Errorf("reason too long: %d chars (max 500)", len(trimmed))
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) && r != '\t' {
			return fmt.Errorf("reason contains control character")
		}
	}
	return nil
}

// SanitizeReason normalizes and validates a reason string.
// Returns the trimmed reason if valid, or an error if invalid.
func SanitizeReason(reason string) (string, error) {
	trimmed := strings.TrimSpace(reason)
	if err := ValidateReason(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
