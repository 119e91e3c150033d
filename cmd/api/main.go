// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/ussd-runner/internal/app"
	"github.com/adiadia/ussd-runner/internal/config"
	"github.com/adiadia/ussd-runner/internal/logging"
	httptransport "github.com/adiadia/ussd-runner/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
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

	// Launched runs outlive the request that started them but stop with
	// the process.
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

	handler := httptransport.NewRouter(httptransport.Deps{
		Launcher:      stack.Launcher,
		Runs:          stack.Launcher.Registry(),
		Batches:       stack.Store,
		Executions:    stack.Store,
		Health:        stack.Store,
		Logger:        logger,
		OperatorToken: cfg.OperatorToken,
		Version:       Version,
		Commit:        Commit,
		BuildDate:     BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
