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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMend/cmd/mend/config"
	"github.com/AleutianAI/AleutianMend/pkg/logging"
	"github.com/AleutianAI/AleutianMend/pkg/ux"
	"github.com/AleutianAI/AleutianMend/services/mend/applier"
	"github.com/AleutianAI/AleutianMend/services/mend/history"
)

func runRollbackCommand(cmd *cobra.Command, args []string) {
	os.Exit(executeRollback(args[0]))
}

// executeRollback restores the most recent applied fix from its backup
// and records why. Only fixes written by a persistent-history run can
// be rolled back; an in-memory run leaves no record to find.
func executeRollback(reason string) int {
	cfg := config.Global()

	logger := logging.New(loggingConfigFrom(cfg, verbose))
	defer logger.Close()
	log := logger.Slog()

	if cfg.History.Dir == "" {
		ux.Warning("No history dir configured; there is no record of an applied fix to roll back.")
		return ExitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := history.OpenDB(history.Config{
		Path:   config.ExpandHome(cfg.History.Dir),
		Logger: log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening history store: %v\n", err)
		return ExitError
	}
	defer db.Close()
	hist := history.NewStore(db, log)

	rec, err := hist.LatestActiveFix(ctx)
	if errors.Is(err, history.ErrNotFound) {
		ux.Warning("No applied fix to roll back.")
		return ExitError
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading history: %v\n", err)
		return ExitError
	}

	statePath := config.ExpandHome(cfg.State.Path)
	app, err := applier.New(applier.Config{
		TargetRoot: config.ExpandHome(cfg.Target.Root),
		BackupDir:  backupDirFor(statePath),
	}, nil, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing applier: %v\n", err)
		return ExitError
	}

	if err := app.Rollback(ctx, rec.BackupRef); err != nil {
		fmt.Fprintf(os.Stderr, "Rollback failed: %v\n", err)
		return ExitError
	}

	if err := hist.RecordRollback(ctx, *rec, reason); err != nil {
		log.Warn("fix restored but the rollback was not recorded", "error", err)
	}

	ux.Success(fmt.Sprintf("Rolled back %s (candidate %s): %s", rec.File, rec.CandidateID, reason))
	return ExitConverged
}
