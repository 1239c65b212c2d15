// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for the
// mend remediation loop.
//
// This package initializes the OTel SDK with opinionated defaults for
// metrics and optional tracing, while allowing backend flexibility
// through exporter configuration.
//
// # Philosophy
//
// Be opinionated about the API, flexible about the backend.
// OpenTelemetry IS the abstraction layer. We use OTel APIs directly
// (no custom interfaces), and users swap backends by changing exporter
// configuration, not code.
//
// # Metrics Backend (default: Prometheus)
//
// Metrics are registered against a dedicated Prometheus registry whose
// promhttp handler is mounted on the ingestion server at /metrics.
// Iteration, validation, and oracle latency are all covered by the
// pre-defined Metrics set.
//
// # Tracing (default: none)
//
// mend is a local CLI tool, so tracing is off unless an exporter is
// configured. When enabled, spans cover the generate, validate, and
// apply phases of each iteration.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(ctx)
//
//	metrics, err := telemetry.NewMetrics(otel.Meter("mend"))
//
// # Environment Variables
//
// Standard OTel environment variables are supported:
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - MEND_ENV: environment name (default: development)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init() returns.
package telemetry
