// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/ussd-runner/internal/app"
	"github.com/adiadia/ussd-runner/internal/config"
	"github.com/adiadia/ussd-runner/internal/logging"
	"github.com/adiadia/ussd-runner/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	stack, err := app.New(ctx, app.Options{
		Base:   ctx,
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	w := worker.New(worker.Deps{
		Batches:      stack.Store,
		Launcher:     stack.Launcher,
		Active:       stack.Launcher.Registry(),
		Logger:       logger,
		ReclaimAfter: cfg.ReclaimAfter,
		PollInterval: cfg.WorkerPollInterval,
	})

	w.Run(ctx)
}
