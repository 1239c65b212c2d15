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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMend/cmd/mend/config"
	"github.com/AleutianAI/AleutianMend/pkg/ux"
	"github.com/AleutianAI/AleutianMend/services/mend/loop"
)

var statusJSON bool // Print the snapshot as JSON

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false,
		"Print the run snapshot as JSON")
}

func runStatusCommand(cmd *cobra.Command, args []string) {
	os.Exit(executeStatus())
}

// executeStatus reads the persisted run snapshot and summarizes it.
// It never takes the run lock; a concurrent run keeps going.
func executeStatus() int {
	cfg := config.Global()
	if statusJSON {
		ux.SetInteractive(false)
	}

	store := loop.NewStateStore(config.ExpandHome(cfg.State.Path))
	snap, err := store.Load()
	if errors.Is(err, loop.ErrNoSnapshot) {
		ux.Info("No run state found.")
		return ExitConverged
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading run state: %v\n", err)
		return ExitError
	}

	if statusJSON {
		if err := OutputJSON(snap); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode snapshot: %v\n", err)
			return ExitError
		}
		return ExitConverged
	}

	renderStatus(os.Stdout, snap)
	return ExitConverged
}
