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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianMend/cmd/mend/config"
	"github.com/AleutianAI/AleutianMend/pkg/logging"
	"github.com/AleutianAI/AleutianMend/pkg/ux"
	"github.com/AleutianAI/AleutianMend/services/mend/applier"
	"github.com/AleutianAI/AleutianMend/services/mend/browser"
	"github.com/AleutianAI/AleutianMend/services/mend/collector"
	"github.com/AleutianAI/AleutianMend/services/mend/history"
	"github.com/AleutianAI/AleutianMend/services/mend/ingest"
	"github.com/AleutianAI/AleutianMend/services/mend/loop"
	"github.com/AleutianAI/AleutianMend/services/mend/oracle"
	"github.com/AleutianAI/AleutianMend/services/mend/telemetry"
	"github.com/AleutianAI/AleutianMend/services/mend/validation"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	runMaxIterations int  // Override loop.max_iterations
	runConfidence    int  // Override loop.confidence_threshold
	runParallel      int  // Override loop.parallelism
	runResume        bool // Continue the previous interrupted run
	runDiscardState  bool // With --resume: drop a stale snapshot and start fresh
	runJSON          bool // Print the final report as JSON
)

func init() {
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0,
		"Override the iteration cap for this run")
	runCmd.Flags().IntVar(&runConfidence, "confidence", 0,
		"Override the candidate confidence threshold (0-100)")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0,
		"Override how many errors are worked concurrently")
	runCmd.Flags().BoolVar(&runResume, "resume", false,
		"Continue the previous interrupted run from its snapshot")
	runCmd.Flags().BoolVar(&runDiscardState, "discard-state", false,
		"With --resume: discard a refused snapshot and start fresh")
	runCmd.Flags().BoolVar(&runJSON, "json", false,
		"Print the final report as JSON")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runLoopCommand(cmd *cobra.Command, args []string) {
	os.Exit(executeRun(cmd))
}

// executeRun wires the full remediation stack from config and runs the
// loop. Factored out of the cobra handler so deferred cleanup survives
// the exit path.
func executeRun(cmd *cobra.Command) int {
	cfg := config.Global()
	applyRunOverrides(cmd, cfg)
	if runJSON {
		ux.SetInteractive(false)
	}

	logger := logging.New(loggingConfigFrom(cfg, verbose))
	defer logger.Close()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	targetRoot := config.ExpandHome(cfg.Target.Root)
	statePath := config.ExpandHome(cfg.State.Path)

	// Telemetry first so every later component can record into it.
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
		if err != nil {
			log.Warn("telemetry disabled", "error", err)
		} else {
			defer shutdown(context.Background())
			m, err := telemetry.NewMetrics(otel.Meter("mend"))
			if err != nil {
				log.Warn("metric instruments unavailable", "error", err)
			} else {
				metrics = m
			}
		}
	}

	col := collector.New(collector.DefaultConfig(), log)
	col.Subscribe(collector.LoggingHandler(log, slog.LevelInfo))
	if metrics != nil {
		col.Subscribe(captureMetricsHandler(ctx, metrics))
		if _, err := metrics.RegisterUnresolvedGauge(otel.Meter("mend"), func() int64 {
			return int64(col.Unresolved())
		}); err != nil {
			log.Warn("unresolved gauge unavailable", "error", err)
		}
	}

	db, err := openHistory(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening history store: %v\n", err)
		return ExitError
	}
	defer db.Close()
	hist := history.NewStore(db, log)

	transport := buildTransport(cfg, log)
	orc := oracle.New(oracleConfigFrom(cfg), transport, hist, log)

	var pool *browser.Pool
	if cfg.Browser.BridgeURL != "" {
		driver := browser.NewBridgeDriver(browser.BridgeConfig{URL: cfg.Browser.BridgeURL}, log)
		pool = browser.NewPool(driver, cfg.Browser.PoolSize, log)
	} else {
		log.Info("no browser bridge configured; fixes confirm on validation alone")
	}

	pipe := validation.New(checksConfigFrom(cfg, targetRoot), pool, log)

	app, err := applier.New(applier.Config{
		TargetRoot: targetRoot,
		BackupDir:  backupDirFor(statePath),
	}, validation.VerifySource, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing applier: %v\n", err)
		return ExitError
	}

	watcher, err := applier.NewDriftWatcher(targetRoot, func(files []string) {
		for _, f := range files {
			app.MarkDrifted(f)
			if n := orc.InvalidateFile(f); n > 0 {
				log.Info("dropped cached candidates for drifted file", "file", f, "entries", n)
			}
		}
	}, log)
	if err != nil {
		log.Warn("drift watching unavailable", "error", err)
	} else if err := watcher.Start(ctx); err != nil {
		log.Warn("drift watching unavailable", "error", err)
	} else {
		defer watcher.Stop()
		app.SetDriftWatcher(watcher)
	}

	bundles := ingest.NewContextBuilder(targetRoot, 0, 0, log)
	srv, err := ingest.New(ingest.Config{Addr: cfg.Server.Addr}, col, bundles, metrics, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing ingestion server: %v\n", err)
		return ExitError
	}
	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Error("ingestion server stopped", "error", err)
		}
	}()

	orch, err := loop.New(loopConfigFrom(cfg, targetRoot), loop.Deps{
		Collector: col,
		Oracle:    orc,
		Pipeline:  pipe,
		Applier:   app,
		Store:     loop.NewStateStore(statePath),
		History:   hist,
		Browser:   pool,
		Context:   bundles,
		Metrics:   metrics,
		Logger:    log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building the loop: %v\n", err)
		return ExitError
	}

	var spin *ux.Spinner
	if !runJSON {
		msg := "remediation loop running"
		if runResume {
			msg = "resuming the previous run"
		}
		spin = ux.NewSpinner(msg)
		spin.Start()
	}

	var report *loop.FinalReport
	if runResume {
		report, err = orch.Resume(ctx, runDiscardState)
	} else {
		report, err = orch.Run(ctx)
	}
	if spin != nil {
		spin.Stop()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, loop.ErrStaleState) {
			fmt.Fprintln(os.Stderr, "Rerun with --resume --discard-state to drop the snapshot and start fresh.")
		}
		return ExitError
	}

	if runJSON {
		if err := OutputJSON(report); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode report: %v\n", err)
			return ExitError
		}
	} else {
		renderReport(os.Stdout, report)
	}

	if report.Converged() {
		return ExitConverged
	}
	return ExitUnresolved
}

// applyRunOverrides copies explicitly-set flags over the file config.
func applyRunOverrides(cmd *cobra.Command, cfg *config.MendConfig) {
	if cmd == nil {
		return
	}
	if cmd.Flags().Changed("max-iterations") {
		cfg.Loop.MaxIterations = runMaxIterations
	}
	if cmd.Flags().Changed("confidence") {
		cfg.Loop.ConfidenceThreshold = runConfidence
	}
	if cmd.Flags().Changed("parallel") {
		cfg.Loop.Parallelism = runParallel
	}
}

// captureMetricsHandler bridges collector events to the counters.
func captureMetricsHandler(ctx context.Context, m *telemetry.Metrics) collector.Handler {
	return func(ev *collector.Event) {
		switch ev.Type {
		case collector.EventCaptured:
			m.ErrorsCaptured.Add(ctx, 1)
		case collector.EventEvicted:
			m.ErrorsDropped.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", "evicted")))
		}
	}
}

func openHistory(cfg *config.MendConfig, log *slog.Logger) (*history.DB, error) {
	if cfg.History.Dir == "" {
		log.Warn("history dir unset; strategy stats will not survive this process")
		return history.OpenInMemory()
	}
	return history.OpenDB(history.Config{
		Path:   config.ExpandHome(cfg.History.Dir),
		Logger: log,
	})
}

// buildTransport constructs the remote oracle. A missing key is not
// fatal; the oracle then serves template fallbacks only.
func buildTransport(cfg *config.MendConfig, log *slog.Logger) oracle.Transport {
	if cfg.Oracle.BaseURL != "" {
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			// Local OpenAI-compatible servers often need no key.
			key = "unused"
		}
		clientCfg := openai.DefaultConfig(key)
		clientCfg.BaseURL = cfg.Oracle.BaseURL
		client := openai.NewClientWithConfig(clientCfg)
		return oracle.NewOpenAITransportWithClient(client, cfg.Oracle.Model)
	}

	transport, err := oracle.NewOpenAITransport()
	if err != nil {
		log.Warn("remote oracle unavailable; template fallbacks only", "error", err)
		return nil
	}
	return transport
}

// backupDirFor keeps applier backups beside the state snapshot, out of
// the target tree so backup writes never register as drift.
func backupDirFor(statePath string) string {
	return filepath.Join(filepath.Dir(statePath), "backups")
}

// =============================================================================
// CONFIG MAPPING
// =============================================================================

func loggingConfigFrom(cfg *config.MendConfig, debug bool) logging.Config {
	level := logging.ParseLevel(cfg.Logging.Level)
	if debug {
		level = logging.LevelDebug
	}
	return logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "mend",
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	}
}

func loopConfigFrom(cfg *config.MendConfig, targetRoot string) loop.Config {
	return loop.Config{
		BatchSize:           cfg.Loop.BatchSize,
		Parallelism:         cfg.Loop.Parallelism,
		ConfidenceThreshold: cfg.Loop.ConfidenceThreshold,
		MaxAttempts:         cfg.Loop.MaxAttempts,
		MaxIterations:       cfg.Loop.MaxIterations,
		WallClockBudget:     time.Duration(cfg.Loop.WallClockMinutes) * time.Minute,
		ItemTimeout:         time.Duration(cfg.Loop.ItemTimeoutSeconds) * time.Second,
		AutoApply:           cfg.Loop.AutoApply,
		ApplyMonitored:      cfg.Loop.ApplyMonitored,
		MaxResumeAge:        time.Duration(cfg.Loop.MaxResumeAgeMinutes) * time.Minute,
		ReobserveSettle:     time.Duration(cfg.Loop.SettleSeconds) * time.Second,
		TargetURL:           cfg.Target.URL,
		TargetRoot:          targetRoot,
	}
}

func oracleConfigFrom(cfg *config.MendConfig) oracle.Config {
	return oracle.Config{
		RequestTimeout: time.Duration(cfg.Oracle.TimeoutSeconds) * time.Second,
		HourlyLimit:    cfg.Oracle.HourlyLimit,
		CacheTTL:       time.Duration(cfg.Oracle.CacheTTLMinutes) * time.Minute,
	}
}

func checksConfigFrom(cfg *config.MendConfig, targetRoot string) validation.Config {
	return validation.Config{
		TargetRoot:        targetRoot,
		TargetURL:         cfg.Target.URL,
		PassThreshold:     cfg.Checks.PassThreshold,
		PerformanceLimit:  cfg.Checks.PerformanceLimit,
		BenchmarkExpr:     cfg.Checks.BenchmarkExpr,
		RegressionCommand: cfg.Checks.RegressionCommand,
		RegressionDir:     config.ExpandHome(cfg.Checks.RegressionDir),
	}
}
