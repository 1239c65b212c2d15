// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"strings"
	"testing"
	"time"
)

func TestNewSpinner_ReturnsNonNil(t *testing.T) {
	spin := NewSpinner("Loading...")
	if spin == nil {
		t.Fatal("NewSpinner returned nil")
	}
}

func TestNewSpinner_SetsMessage(t *testing.T) {
	spin := NewSpinner("Applying fixes")
	if spin.message != "Applying fixes" {
		t.Errorf("expected message 'Applying fixes', got %q", spin.message)
	}
}

func TestNewSpinner_InitializesChannels(t *testing.T) {
	spin := NewSpinner("Loading...")
	if spin.stop == nil {
		t.Error("stop channel should be initialized")
	}
	if spin.done == nil {
		t.Error("done channel should be initialized")
	}
}

func TestSpinner_NonInteractive_PrintsOnce(t *testing.T) {
	orig := Interactive()
	defer SetInteractive(orig)
	SetInteractive(false)

	spin := NewSpinner("Applying fixes")
	output := captureStdout(func() {
		spin.Start()
		spin.Start() // a second Start must not repeat the line
		spin.Stop()
	})
	if output != "PROGRESS: Applying fixes\n" {
		t.Errorf("expected one tagged progress line, got %q", output)
	}
}

func TestSpinner_StopWithoutStart(t *testing.T) {
	spin := NewSpinner("idle")
	spin.Stop() // must not panic or block
}

func TestSpinner_Interactive_AnimatesAndClears(t *testing.T) {
	orig := Interactive()
	defer SetInteractive(orig)
	SetInteractive(true)

	spin := NewSpinner("remediation loop running")
	output := captureStdout(func() {
		spin.Start()
		time.Sleep(200 * time.Millisecond)
		spin.Stop()
	})

	if !strings.Contains(output, "remediation loop running") {
		t.Errorf("expected spinner frames in output, got %q", output)
	}
	if !strings.Contains(output, "\r\033[K") {
		t.Errorf("expected the line cleared on stop, got %q", output)
	}
}
