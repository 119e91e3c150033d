// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/ussd-runner/internal/config"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Process exit codes.
const (
	exitPass  = 0
	exitFail  = 1
	exitError = 2
)

// errFailed marks a run that completed with a FAIL verdict.
var errFailed = errors.New("run failed")

var rootCmd = &cobra.Command{
	Use:           "runner",
	Short:         "Adaptive USSD test runner",
	Long:          "runner drives USSD dialogs on Android devices through Appium, records every step attempt and orchestrates batches of test cases.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "runner %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	code := exitCode(err)
	if code == exitError {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(code)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitPass
	case errors.Is(err, errFailed):
		return exitFail
	default:
		return exitError
	}
}

func loadConfig() config.Config {
	return config.Load()
}
