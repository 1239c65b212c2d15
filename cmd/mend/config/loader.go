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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	global MendConfig
	once   sync.Once
)

// Load reads the config into the package singleton, once. Later calls
// return the first call's result.
func Load() error {
	var err error
	once.Do(func() {
		err = loadInternal()
	})
	return err
}

// Global returns the loaded configuration. Call Load first.
func Global() *MendConfig {
	return &global
}

// Path resolves the config file location: MEND_CONFIG when set,
// otherwise ~/.aleutianmend/mend.yaml.
func Path() (string, error) {
	if p := os.Getenv("MEND_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutianmend", "mend.yaml"), nil
}

func loadInternal() error {
	configPath, err := Path()
	if err != nil {
		return err
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Printf("First run detected, creating the config at %s\n", configPath)
		if err := createDefault(configPath); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read the config file: %w", err)
	}
	// Start from defaults so absent keys keep their documented values.
	global = DefaultConfig()
	if err = yaml.Unmarshal(data, &global); err != nil {
		return fmt.Errorf("failed to parse the config file: %w", err)
	}
	return global.Validate()
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	return os.WriteFile(path, []byte(starterYAML), 0644)
}

// starterYAML is the commented first-run config. Values here must
// match DefaultConfig(); TestStarterMatchesDefaults holds them
// together.
const starterYAML = `# mend configuration
# Docs: every value here can be omitted; defaults are shown.

target:
  # Source tree of the app under remediation.
  root: .
  # Page the browser loads for replay and re-observation.
  url: http://localhost:3000

server:
  # Ingestion channel the instrumented page connects to.
  addr: ":8787"

oracle:
  model: gpt-4o-mini
  # OpenAI-compatible endpoint; empty uses the public API.
  # The key comes from OPENAI_API_KEY.
  base_url: ""
  timeout_seconds: 30
  hourly_limit: 30
  cache_ttl_minutes: 5

loop:
  batch_size: 8
  parallelism: 3
  confidence_threshold: 70
  max_attempts: 3
  max_iterations: 10
  wall_clock_minutes: 15
  item_timeout_seconds: 120
  max_resume_age_minutes: 60
  settle_seconds: 2
  # Off by default: the loop reports what it would apply but writes
  # nothing until you opt in.
  auto_apply: false
  apply_monitored: false

checks:
  pass_threshold: 70
  performance_limit: 1.2
  # JS expression evaluating to a millisecond timing, e.g.
  # "window.__bench()". Empty disables the performance check.
  benchmark_expr: ""
  # Test suite invocation, e.g. ["npm", "test"]. Empty skips the
  # regression check.
  regression_command: []
  regression_dir: ""

browser:
  # Automation shim endpoint, e.g. "ws://127.0.0.1:9223/session".
  # Empty disables live re-observation.
  bridge_url: ""
  pool_size: 1

history:
  dir: ~/.aleutianmend/history

state:
  path: ~/.aleutianmend/state.json

logging:
  level: info
  dir: ~/.aleutianmend/logs
  json: false
  quiet: false

telemetry:
  enabled: true
`
