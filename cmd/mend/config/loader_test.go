// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// TestCreateDefault verifies starter config creation.
func TestCreateDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ".aleutianmend", "mend.yaml")

	if err := createDefault(configPath); err != nil {
		t.Fatalf("createDefault() failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}

	var cfg MendConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Target.URL != "http://localhost:3000" {
		t.Errorf("Target.URL = %q, want http://localhost:3000", cfg.Target.URL)
	}
	if cfg.Loop.BatchSize != 8 {
		t.Errorf("Loop.BatchSize = %d, want 8", cfg.Loop.BatchSize)
	}
	if cfg.Loop.AutoApply {
		t.Error("starter config has auto_apply on; it must be an explicit opt-in")
	}
}

func TestCreateDefault_DirectoryCreation(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "deep", "nested", "path", "mend.yaml")

	if err := createDefault(configPath); err != nil {
		t.Fatalf("createDefault() failed with nested path: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(configPath)); os.IsNotExist(err) {
		t.Fatal("nested directories were not created")
	}
}

// TestStarterMatchesDefaults pins the commented starter file to
// DefaultConfig() so the two cannot drift apart.
func TestStarterMatchesDefaults(t *testing.T) {
	var fromStarter MendConfig
	if err := yaml.Unmarshal([]byte(starterYAML), &fromStarter); err != nil {
		t.Fatalf("starter yaml does not parse: %v", err)
	}

	def := DefaultConfig()

	if fromStarter.Target != def.Target {
		t.Errorf("target: starter %+v, defaults %+v", fromStarter.Target, def.Target)
	}
	if fromStarter.Server != def.Server {
		t.Errorf("server: starter %+v, defaults %+v", fromStarter.Server, def.Server)
	}
	if fromStarter.Oracle != def.Oracle {
		t.Errorf("oracle: starter %+v, defaults %+v", fromStarter.Oracle, def.Oracle)
	}
	if fromStarter.Loop != def.Loop {
		t.Errorf("loop: starter %+v, defaults %+v", fromStarter.Loop, def.Loop)
	}
	if fromStarter.Browser != def.Browser {
		t.Errorf("browser: starter %+v, defaults %+v", fromStarter.Browser, def.Browser)
	}
	if fromStarter.History != def.History {
		t.Errorf("history: starter %+v, defaults %+v", fromStarter.History, def.History)
	}
	if fromStarter.State != def.State {
		t.Errorf("state: starter %+v, defaults %+v", fromStarter.State, def.State)
	}
	if fromStarter.Logging != def.Logging {
		t.Errorf("logging: starter %+v, defaults %+v", fromStarter.Logging, def.Logging)
	}
	if fromStarter.Telemetry != def.Telemetry {
		t.Errorf("telemetry: starter %+v, defaults %+v", fromStarter.Telemetry, def.Telemetry)
	}

	// Checks holds a slice, so compare its fields directly.
	if fromStarter.Checks.PassThreshold != def.Checks.PassThreshold ||
		fromStarter.Checks.PerformanceLimit != def.Checks.PerformanceLimit ||
		fromStarter.Checks.BenchmarkExpr != def.Checks.BenchmarkExpr ||
		fromStarter.Checks.RegressionDir != def.Checks.RegressionDir ||
		len(fromStarter.Checks.RegressionCommand) != len(def.Checks.RegressionCommand) {
		t.Errorf("checks: starter %+v, defaults %+v", fromStarter.Checks, def.Checks)
	}
}

func TestPath_EnvOverride(t *testing.T) {
	t.Setenv("MEND_CONFIG", "/tmp/custom-mend.yaml")
	got, err := Path()
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if got != "/tmp/custom-mend.yaml" {
		t.Errorf("Path() = %q, want the MEND_CONFIG value", got)
	}
}

func TestPath_Default(t *testing.T) {
	t.Setenv("MEND_CONFIG", "")
	got, err := Path()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if !strings.HasSuffix(got, filepath.Join(".aleutianmend", "mend.yaml")) {
		t.Errorf("Path() = %q, want a ~/.aleutianmend/mend.yaml location", got)
	}
}

func TestLoadInternal_ReadsFileOverDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "mend.yaml")
	content := "target:\n  root: /srv/app\nloop:\n  max_iterations: 4\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("seeding config: %v", err)
	}
	t.Setenv("MEND_CONFIG", configPath)

	if err := loadInternal(); err != nil {
		t.Fatalf("loadInternal() error = %v", err)
	}

	cfg := Global()
	if cfg.Target.Root != "/srv/app" {
		t.Errorf("Target.Root = %q, want the file's value", cfg.Target.Root)
	}
	if cfg.Loop.MaxIterations != 4 {
		t.Errorf("Loop.MaxIterations = %d, want 4", cfg.Loop.MaxIterations)
	}
	// Absent keys keep their defaults.
	if cfg.Loop.BatchSize != 8 {
		t.Errorf("Loop.BatchSize = %d, want the default 8", cfg.Loop.BatchSize)
	}
}

func TestLoadInternal_RejectsInvalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "mend.yaml")
	content := "loop:\n  confidence_threshold: 140\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("seeding config: %v", err)
	}
	t.Setenv("MEND_CONFIG", configPath)

	if err := loadInternal(); err == nil {
		t.Error("loadInternal() accepted an out-of-range confidence threshold")
	}
}

func TestLoadInternal_CreatesStarter(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "fresh", "mend.yaml")
	t.Setenv("MEND_CONFIG", configPath)

	if err := loadInternal(); err != nil {
		t.Fatalf("loadInternal() error = %v", err)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("starter config was not written: %v", err)
	}
}
