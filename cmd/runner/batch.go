// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/adiadia/ussd-runner/internal/app"
	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/driver"
	"github.com/adiadia/ussd-runner/internal/logging"
	"github.com/adiadia/ussd-runner/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	batchDevice          string
	batchPlatformVersion string
	batchExecutor        int64
	batchInputs          []string
	batchPassword        string
	batchTakeover        bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <batch-id>",
	Short: "Start, resume or retry a batch",
	Long: `Runs every outstanding assignment of a batch in order.

A pending batch is started, an in-progress batch resumes after its last
completed assignment and a failed batch is reset and run again. Inputs use
the keys name, COMMON__name and TC_<id>__name.

An in-progress batch whose heartbeat is younger than RECLAIM_AFTER is
assumed to be driven by another process and is refused unless --takeover
is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVar(&batchDevice, "device", "", "Device UDID to drive (required)")
	batchCmd.Flags().StringVar(&batchPlatformVersion, "platform-version", "", "Android platform version")
	batchCmd.Flags().Int64Var(&batchExecutor, "executor", 0, "Executor ID recorded with each execution")
	batchCmd.Flags().StringArrayVar(&batchInputs, "input", nil, "Batch parameter input (key=value), repeatable")
	batchCmd.Flags().StringVar(&batchPassword, "password", "", "Password exposed to dynamic steps (default $"+passwordEnv+")")
	batchCmd.Flags().BoolVar(&batchTakeover, "takeover", false, "Resume an in-progress batch even if another process heartbeated it recently")
	_ = batchCmd.MarkFlagRequired("device")
}

func runBatch(cmd *cobra.Command, args []string) error {
	batchID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || batchID <= 0 {
		return fmt.Errorf("invalid batch id %q", args[0])
	}
	inputs, err := parseKeyValues(batchInputs)
	if err != nil {
		return err
	}

	cfg := loadConfig()
	out, closeOut, err := liveOutput(cfg.ReportsDir, batchID)
	if err != nil {
		return err
	}
	defer closeOut()

	logger := logging.NewLoggerTo(cfg.Env, out)
	ctx := cmd.Context()

	stack, err := app.New(ctx, app.Options{Base: ctx, Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer stack.Close()

	batch, err := stack.Orchestrator.Run(ctx, orchestrator.BatchRequest{
		BatchID:    batchID,
		ExecutorID: batchExecutor,
		Target: driver.Target{
			DeviceID:        batchDevice,
			PlatformVersion: batchPlatformVersion,
		},
		Password: password(batchPassword),
		Inputs:   inputs,
		Takeover: batchTakeover,
	})
	if errors.Is(err, domain.ErrBatchCancelled) {
		fmt.Fprintf(cmd.OutOrStdout(), "batch %d cancelled after %d/%d assignments\n", batchID, batch.Completed, batch.Total)
		return errFailed
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "batch %d: %s (%d/%d passed)\n", batch.ID, batch.Status, batch.Passed, batch.Total)
	if batch.Status != domain.BatchCompletedPass {
		return errFailed
	}
	return nil
}

// liveOutput tees logs into <reportsDir>/batch_<id>_live.log so a batch can
// be followed while it runs. An empty reportsDir logs to stdout only.
func liveOutput(reportsDir string, batchID int64) (io.Writer, func(), error) {
	if reportsDir == "" {
		return os.Stdout, func() {}, nil
	}
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create reports dir: %w", err)
	}

	path := filepath.Join(reportsDir, fmt.Sprintf("batch_%d_live.log", batchID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open live output: %w", err)
	}
	return io.MultiWriter(os.Stdout, f), func() { _ = f.Close() }, nil
}
