// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collector

import (
	"regexp"
	"strings"
)

// Volatile fragments that vary between otherwise-identical errors.
// Order matters: hex addresses must be collapsed before bare numbers,
// otherwise "0x1a2b" becomes "0xNaN-shaped" garbage.
var (
	hexPattern    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	numberPattern = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	singleQuoted  = regexp.MustCompile(`'[^']*'`)
	doubleQuoted  = regexp.MustCompile(`"[^"]*"`)
	backQuoted    = regexp.MustCompile("`[^`]*`")
	uuidPattern   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

// NormalizeMessage collapses the volatile parts of an error message so
// that repeats of the same defect hash to the same identity key.
//
// "Gold was -42.7 at tick 19384" and "Gold was -9.1 at tick 19391"
// both normalize to "Gold was <num> at tick <num>".
func NormalizeMessage(message string) string {
	m := strings.TrimSpace(message)
	m = uuidPattern.ReplaceAllString(m, "<id>")
	m = hexPattern.ReplaceAllString(m, "<addr>")
	m = singleQuoted.ReplaceAllString(m, "<str>")
	m = doubleQuoted.ReplaceAllString(m, "<str>")
	m = backQuoted.ReplaceAllString(m, "<str>")
	m = numberPattern.ReplaceAllString(m, "<num>")
	m = strings.Join(strings.Fields(m), " ")
	return m
}
