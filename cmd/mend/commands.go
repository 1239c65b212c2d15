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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMend/cmd/mend/config"
)

// --- Global Command Variables ---
var (
	configFlag string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "mend",
		Short: "An automated remediation loop for browser apps",
		Long: `Mend ingests runtime errors from an instrumented browser app,
asks an oracle for fix candidates, validates them against the live
page, and applies the ones that hold up. The loop runs until the
error count reaches zero, stops shrinking, or a budget runs out.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configFlag != "" {
				os.Setenv("MEND_CONFIG", configFlag)
			}
			if err := config.Load(); err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(ExitError)
			}
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the remediation loop until it converges, stalls, or errors",
		Run:   runLoopCommand, // Defined in cmd_run.go
	}

	rollbackCmd = &cobra.Command{
		Use:   "rollback <reason>",
		Short: "Revert the most recent applied fix, recording why",
		Args:  cobra.ExactArgs(1),
		Run:   runRollbackCommand, // Defined in cmd_rollback.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the persisted state of the last run",
		Run:   runStatusCommand, // Defined in cmd_status.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "",
		"Path to the config file (default ~/.aleutianmend/mend.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
}
