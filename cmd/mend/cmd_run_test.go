// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianMend/cmd/mend/config"
	"github.com/AleutianAI/AleutianMend/pkg/logging"
)

// TestLoopConfigFrom tests that file settings reach the loop with the
// right units.
func TestLoopConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Loop.MaxIterations = 4
	cfg.Loop.WallClockMinutes = 20
	cfg.Loop.ItemTimeoutSeconds = 90
	cfg.Loop.SettleSeconds = 5
	cfg.Loop.MaxResumeAgeMinutes = 30
	cfg.Loop.AutoApply = true

	got := loopConfigFrom(&cfg, "/srv/app")

	if got.MaxIterations != 4 {
		t.Errorf("MaxIterations = %d, want 4", got.MaxIterations)
	}
	if got.WallClockBudget != 20*time.Minute {
		t.Errorf("WallClockBudget = %s, want 20m", got.WallClockBudget)
	}
	if got.ItemTimeout != 90*time.Second {
		t.Errorf("ItemTimeout = %s, want 90s", got.ItemTimeout)
	}
	if got.ReobserveSettle != 5*time.Second {
		t.Errorf("ReobserveSettle = %s, want 5s", got.ReobserveSettle)
	}
	if got.MaxResumeAge != 30*time.Minute {
		t.Errorf("MaxResumeAge = %s, want 30m", got.MaxResumeAge)
	}
	if !got.AutoApply {
		t.Error("AutoApply did not carry over")
	}
	if got.TargetRoot != "/srv/app" {
		t.Errorf("TargetRoot = %q, want /srv/app", got.TargetRoot)
	}
	if got.TargetURL != cfg.Target.URL {
		t.Errorf("TargetURL = %q, want %q", got.TargetURL, cfg.Target.URL)
	}
}

// TestOracleConfigFrom tests the seconds/minutes conversions.
func TestOracleConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Oracle.TimeoutSeconds = 45
	cfg.Oracle.HourlyLimit = 12
	cfg.Oracle.CacheTTLMinutes = 7

	got := oracleConfigFrom(&cfg)

	if got.RequestTimeout != 45*time.Second {
		t.Errorf("RequestTimeout = %s, want 45s", got.RequestTimeout)
	}
	if got.HourlyLimit != 12 {
		t.Errorf("HourlyLimit = %d, want 12", got.HourlyLimit)
	}
	if got.CacheTTL != 7*time.Minute {
		t.Errorf("CacheTTL = %s, want 7m", got.CacheTTL)
	}
}

// TestChecksConfigFrom tests that validation settings carry over.
func TestChecksConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Checks.PassThreshold = 80
	cfg.Checks.BenchmarkExpr = "measureFrame()"
	cfg.Checks.RegressionCommand = []string{"npm", "test"}
	cfg.Checks.RegressionDir = "/srv/app"

	got := checksConfigFrom(&cfg, "/srv/app/src")

	if got.TargetRoot != "/srv/app/src" {
		t.Errorf("TargetRoot = %q, want /srv/app/src", got.TargetRoot)
	}
	if got.PassThreshold != 80 {
		t.Errorf("PassThreshold = %v, want 80", got.PassThreshold)
	}
	if got.BenchmarkExpr != "measureFrame()" {
		t.Errorf("BenchmarkExpr = %q", got.BenchmarkExpr)
	}
	if len(got.RegressionCommand) != 2 || got.RegressionCommand[0] != "npm" {
		t.Errorf("RegressionCommand = %v, want [npm test]", got.RegressionCommand)
	}
	if got.RegressionDir != "/srv/app" {
		t.Errorf("RegressionDir = %q, want /srv/app", got.RegressionDir)
	}
}

// TestLoggingConfigFrom tests level parsing and the verbose override.
func TestLoggingConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "warn"

	got := loggingConfigFrom(&cfg, false)
	if got.Level != logging.LevelWarn {
		t.Errorf("Level = %v, want LevelWarn", got.Level)
	}
	if got.Service != "mend" {
		t.Errorf("Service = %q, want mend", got.Service)
	}

	got = loggingConfigFrom(&cfg, true)
	if got.Level != logging.LevelDebug {
		t.Errorf("verbose Level = %v, want LevelDebug", got.Level)
	}
}

// TestApplyRunOverrides tests that only explicitly-set flags replace
// file config. Runs against the real command so flag registration is
// covered too.
func TestApplyRunOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	baseIterations := cfg.Loop.MaxIterations
	baseParallel := cfg.Loop.Parallelism

	applyRunOverrides(runCmd, &cfg)
	if cfg.Loop.MaxIterations != baseIterations {
		t.Errorf("untouched flag overrode MaxIterations: %d", cfg.Loop.MaxIterations)
	}

	if err := runCmd.Flags().Set("max-iterations", "4"); err != nil {
		t.Fatalf("Failed to set max-iterations: %v", err)
	}
	if err := runCmd.Flags().Set("confidence", "85"); err != nil {
		t.Fatalf("Failed to set confidence: %v", err)
	}

	applyRunOverrides(runCmd, &cfg)
	if cfg.Loop.MaxIterations != 4 {
		t.Errorf("MaxIterations = %d, want 4", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.ConfidenceThreshold != 85 {
		t.Errorf("ConfidenceThreshold = %d, want 85", cfg.Loop.ConfidenceThreshold)
	}
	if cfg.Loop.Parallelism != baseParallel {
		t.Errorf("Parallelism = %d overridden without the flag set", cfg.Loop.Parallelism)
	}
}

// TestBackupDirFor tests that backups live beside the state snapshot.
func TestBackupDirFor(t *testing.T) {
	got := backupDirFor("/home/u/.aleutianmend/state.json")
	want := filepath.Join("/home/u/.aleutianmend", "backups")
	if got != want {
		t.Errorf("backupDirFor = %q, want %q", got, want)
	}
}

// TestBuildTransport tests both construction paths: a configured base
// URL needs no key, and a key alone is enough for the default API.
func TestBuildTransport(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	t.Setenv("OPENAI_API_KEY", "")
	cfg := config.DefaultConfig()
	cfg.Oracle.BaseURL = "http://127.0.0.1:11434/v1"
	if tr := buildTransport(&cfg, log); tr == nil {
		t.Fatal("Expected a transport for a configured base URL")
	}

	t.Setenv("OPENAI_API_KEY", "test-key")
	cfg.Oracle.BaseURL = ""
	if tr := buildTransport(&cfg, log); tr == nil {
		t.Fatal("Expected a transport when the API key is set")
	}
}
