// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"strings"
	"testing"
)

func TestVerifySource(t *testing.T) {
	ctx := context.Background()

	if err := VerifySource(ctx, sampleTarget); err != nil {
		t.Fatalf("clean source rejected: %v", err)
	}
	if err := VerifySource(ctx, ""); err != nil {
		t.Fatalf("empty source rejected: %v", err)
	}

	err := VerifySource(ctx, "function broken( {\n  return 1;\n")
	if err == nil {
		t.Fatal("broken source accepted")
	}
	if !strings.Contains(err.Error(), "does not parse") {
		t.Fatalf("err = %v, want parse failure naming a line", err)
	}
}
