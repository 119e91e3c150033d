// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/adiadia/ussd-runner/internal/app"
	"github.com/adiadia/ussd-runner/internal/logging"
	"github.com/adiadia/ussd-runner/internal/suite"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <suite.yaml>",
	Short: "Create test cases, and optionally a batch, from a suite file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	sf, err := suite.LoadFile(args[0])
	if err != nil {
		return err
	}

	cfg := loadConfig()
	logger := logging.NewLogger(cfg.Env)
	ctx := cmd.Context()

	store, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	res, err := suite.Import(ctx, store, sf)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for i, id := range res.TestCaseIDs {
		fmt.Fprintf(w, "test case %d: %s\n", id, sf.TestCases[i].Name)
	}
	if res.Batch != nil {
		fmt.Fprintf(w, "batch %d: %s (%d assignments)\n", res.Batch.ID, res.Batch.Name, res.Batch.Total)
	}
	return nil
}
