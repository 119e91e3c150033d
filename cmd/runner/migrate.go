// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/adiadia/ussd-runner/internal/app"
	"github.com/adiadia/ussd-runner/internal/logging"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := loadConfig()
		cfg.AutoMigrate = true
		logger := logging.NewLogger(cfg.Env)

		_, closeStore, err := app.OpenStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		closeStore()

		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}
