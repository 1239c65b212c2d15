// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the mend configuration from
// ~/.aleutianmend/mend.yaml (override with MEND_CONFIG). A starter
// file is written on first run. CLI flags override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// mendValidate is the validator instance for config structs.
var mendValidate *validator.Validate

func init() {
	mendValidate = validator.New()
}

// MendConfig is the full configuration tree.
type MendConfig struct {
	// Target is the app under remediation.
	Target TargetConfig `yaml:"target"`

	// Server is the ingestion channel the instrumented page connects to.
	Server ServerConfig `yaml:"server"`

	// Oracle configures fix generation.
	Oracle OracleConfig `yaml:"oracle"`

	// Loop configures the remediation run itself.
	Loop LoopConfig `yaml:"loop"`

	// Checks configures the validation pipeline.
	Checks ChecksConfig `yaml:"checks"`

	// Browser configures the automation bridge. An empty bridge URL
	// disables live re-observation; fixes then confirm on validation.
	Browser BrowserConfig `yaml:"browser"`

	// History is the local fix/strategy store. An empty dir runs
	// in-memory (nothing survives the process).
	History HistoryConfig `yaml:"history"`

	// State is where run snapshots live for mend status and --resume.
	State StateConfig `yaml:"state"`

	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type TargetConfig struct {
	// Root is the directory containing the app's source tree.
	Root string `yaml:"root" validate:"required"`

	// URL is the page the browser loads for replay and re-observation.
	URL string `yaml:"url"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type OracleConfig struct {
	// Model is the chat-completion model name.
	Model string `yaml:"model"`

	// BaseURL points at an OpenAI-compatible endpoint. Empty uses the
	// public API. The key always comes from OPENAI_API_KEY.
	BaseURL string `yaml:"base_url"`

	TimeoutSeconds  int `yaml:"timeout_seconds" validate:"gte=0"`
	HourlyLimit     int `yaml:"hourly_limit" validate:"gte=0"`
	CacheTTLMinutes int `yaml:"cache_ttl_minutes" validate:"gte=0"`
}

type LoopConfig struct {
	BatchSize           int `yaml:"batch_size" validate:"gte=0"`
	Parallelism         int `yaml:"parallelism" validate:"gte=0"`
	ConfidenceThreshold int `yaml:"confidence_threshold" validate:"gte=0,lte=100"`
	MaxAttempts         int `yaml:"max_attempts" validate:"gte=0"`
	MaxIterations       int `yaml:"max_iterations" validate:"gte=0"`
	WallClockMinutes    int `yaml:"wall_clock_minutes" validate:"gte=0"`
	ItemTimeoutSeconds  int `yaml:"item_timeout_seconds" validate:"gte=0"`
	MaxResumeAgeMinutes int `yaml:"max_resume_age_minutes" validate:"gte=0"`
	SettleSeconds       int `yaml:"settle_seconds" validate:"gte=0"`

	// AutoApply lets the loop write validated fixes to disk. Off, the
	// loop reports what it would have applied and stalls.
	AutoApply bool `yaml:"auto_apply"`

	// ApplyMonitored extends auto-apply to the monitoring-confidence
	// band.
	ApplyMonitored bool `yaml:"apply_monitored"`
}

type ChecksConfig struct {
	PassThreshold    float64 `yaml:"pass_threshold" validate:"gte=0,lte=100"`
	PerformanceLimit float64 `yaml:"performance_limit" validate:"gte=0"`

	// BenchmarkExpr evaluates to a millisecond timing in the page.
	// Empty disables the performance check.
	BenchmarkExpr string `yaml:"benchmark_expr"`

	// RegressionCommand is the test suite invocation. Empty skips the
	// regression check.
	RegressionCommand []string `yaml:"regression_command"`
	RegressionDir     string   `yaml:"regression_dir"`
}

type BrowserConfig struct {
	// BridgeURL is the automation shim endpoint, e.g.
	// "ws://127.0.0.1:9223/session".
	BridgeURL string `yaml:"bridge_url"`

	PoolSize int `yaml:"pool_size" validate:"gte=0"`
}

type HistoryConfig struct {
	Dir string `yaml:"dir"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Dir enables file logging when set.
	Dir string `yaml:"dir"`

	// JSON switches stderr output to JSON.
	JSON bool `yaml:"json"`

	// Quiet drops stderr logging so the report owns the terminal.
	Quiet bool `yaml:"quiet"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the starter configuration written on first run.
func DefaultConfig() MendConfig {
	return MendConfig{
		Target: TargetConfig{
			Root: ".",
			URL:  "http://localhost:3000",
		},
		Server: ServerConfig{
			Addr: ":8787",
		},
		Oracle: OracleConfig{
			Model:           "gpt-4o-mini",
			TimeoutSeconds:  30,
			HourlyLimit:     30,
			CacheTTLMinutes: 5,
		},
		Loop: LoopConfig{
			BatchSize:           8,
			Parallelism:         3,
			ConfidenceThreshold: 70,
			MaxAttempts:         3,
			MaxIterations:       10,
			WallClockMinutes:    15,
			ItemTimeoutSeconds:  120,
			MaxResumeAgeMinutes: 60,
			SettleSeconds:       2,
		},
		Checks: ChecksConfig{
			PassThreshold:    70,
			PerformanceLimit: 1.2,
		},
		Browser: BrowserConfig{
			PoolSize: 1,
		},
		History: HistoryConfig{
			Dir: "~/.aleutianmend/history",
		},
		State: StateConfig{
			Path: "~/.aleutianmend/state.json",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.aleutianmend/logs",
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

// Validate applies the struct tags plus the cross-field rules the tags
// cannot express.
func (c *MendConfig) Validate() error {
	if err := mendValidate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Loop.AutoApply && c.Target.Root == "/" {
		return fmt.Errorf("config validation: refusing auto-apply with target root %q", c.Target.Root)
	}
	if c.Checks.BenchmarkExpr != "" && c.Browser.BridgeURL == "" {
		return fmt.Errorf("config validation: benchmark_expr needs a browser bridge_url")
	}
	return nil
}

// ExpandHome resolves a leading ~ against the user's home directory.
// Paths without one pass through unchanged.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
