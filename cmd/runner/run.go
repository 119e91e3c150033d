// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/adiadia/ussd-runner/internal/app"
	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/driver"
	"github.com/adiadia/ussd-runner/internal/logging"
	"github.com/adiadia/ussd-runner/internal/runner"
	"github.com/spf13/cobra"
)

var (
	runDevice          string
	runPlatformVersion string
	runExecutor        int64
	runAssignment      int64
	runParams          []string
	runPassword        string
)

var runCmd = &cobra.Command{
	Use:   "run <test-case-id>",
	Short: "Execute one test case on a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runSingle,
}

func init() {
	runCmd.Flags().StringVar(&runDevice, "device", "", "Device UDID to drive (required)")
	runCmd.Flags().StringVar(&runPlatformVersion, "platform-version", "", "Android platform version")
	runCmd.Flags().Int64Var(&runExecutor, "executor", 0, "Executor ID recorded with the execution")
	runCmd.Flags().Int64Var(&runAssignment, "assignment", 0, "Assignment to mark with the result")
	runCmd.Flags().StringArrayVar(&runParams, "param", nil, "Dynamic parameter (name=value), repeatable")
	runCmd.Flags().StringVar(&runPassword, "password", "", "Password exposed to dynamic steps (default $"+passwordEnv+")")
	_ = runCmd.MarkFlagRequired("device")
}

func runSingle(cmd *cobra.Command, args []string) error {
	testCaseID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || testCaseID <= 0 {
		return fmt.Errorf("invalid test case id %q", args[0])
	}
	params, err := parseKeyValues(runParams)
	if err != nil {
		return err
	}

	cfg := loadConfig()
	logger := logging.NewLogger(cfg.Env)
	ctx := cmd.Context()

	stack, err := app.New(ctx, app.Options{Base: ctx, Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer stack.Close()

	req := runner.CaseRequest{
		TestCaseID: testCaseID,
		ExecutorID: runExecutor,
		Target: driver.Target{
			DeviceID:        runDevice,
			PlatformVersion: runPlatformVersion,
		},
		Params:   domain.ParameterSet(params),
		Password: password(runPassword),
	}
	if runAssignment > 0 {
		req.AssignmentID = &runAssignment
	}

	res, err := stack.Runner.RunSingle(ctx, req)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "execution %s: %s\n%s\n", res.ExecutionID, res.Status, res.LogMessage)
	if !res.Succeeded() {
		return errFailed
	}
	return nil
}
