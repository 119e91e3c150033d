// SPDX-License-Identifier: Apache-2.0

// Package app wires the store, the Step Engine and the batch machinery shared
// by the runner, api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/ussd-runner/internal/config"
	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/driver"
	"github.com/adiadia/ussd-runner/internal/driver/appium"
	"github.com/adiadia/ussd-runner/internal/engine"
	"github.com/adiadia/ussd-runner/internal/launcher"
	"github.com/adiadia/ussd-runner/internal/notify"
	"github.com/adiadia/ussd-runner/internal/orchestrator"
	"github.com/adiadia/ussd-runner/internal/persistence/postgres"
	"github.com/adiadia/ussd-runner/internal/persistence/sqlite"
	"github.com/adiadia/ussd-runner/internal/profile"
	"github.com/adiadia/ussd-runner/internal/repository"
	"github.com/adiadia/ussd-runner/internal/runner"
	"github.com/google/uuid"
)

// Store is everything the binaries need from persistence. Both the Postgres
// repositories and the SQLite store satisfy it.
type Store interface {
	engine.Ledger
	orchestrator.BatchStore

	CreateTestCase(ctx context.Context, name string, steps []domain.StepDefinition) (int64, error)
	CreateBatch(ctx context.Context, name string, testCaseIDs []int64) (domain.BatchRun, error)
	CancelBatch(ctx context.Context, batchID int64) (domain.BatchRun, error)
	ListSteps(ctx context.Context, testCaseID int64) ([]domain.StepDefinition, error)
	GetAssignment(ctx context.Context, assignmentID int64) (domain.Assignment, error)
	RecordAssignmentResult(ctx context.Context, result domain.AssignmentResult) error
	GetExecution(ctx context.Context, executionID uuid.UUID) (domain.Execution, error)
	ListAttempts(ctx context.Context, executionID uuid.UUID) ([]domain.StepAttempt, error)
	ClaimStaleBatch(ctx context.Context, staleAfter time.Duration, exclude []int64) (domain.BatchRun, domain.LaunchSpec, bool, error)
	Check(ctx context.Context) error
}

type pgStore struct {
	*repository.StepRepository
	*repository.ExecutionRepository
	*repository.BatchRepository
	*postgres.SchemaHealthChecker
}

// OpenStore connects to DatabaseURL. A sqlite:// or file: URL opens the
// embedded store; anything else is treated as a Postgres URL. The returned
// func releases the connection.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, func(), error) {
	if sqlite.IsURL(cfg.DatabaseURL) {
		s, err := sqlite.Open(sqlite.PathFromURL(cfg.DatabaseURL), logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect failed: %w", err)
	}

	if cfg.AutoMigrate {
		err = postgres.EnsureSchema(ctx, pool, logger)
	} else {
		err = postgres.SchemaReady(ctx, pool)
	}
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	return &pgStore{
		StepRepository:      repository.NewStepRepository(pool, logger),
		ExecutionRepository: repository.NewExecutionRepository(pool, logger),
		BatchRepository:     repository.NewBatchRepository(pool, logger),
		SchemaHealthChecker: postgres.NewSchemaHealthChecker(pool),
	}, pool.Close, nil
}

type Options struct {
	// Base is the parent context of launched runs.
	Base   context.Context
	Config config.Config
	Logger *slog.Logger

	// Factory overrides the Appium session factory.
	Factory driver.Factory
}

// Stack is a fully wired set of runtime components over one store.
type Stack struct {
	Store        Store
	Engine       *engine.Engine
	Runner       *runner.Runner
	Orchestrator *orchestrator.Orchestrator
	Launcher     *launcher.Launcher

	close func()
}

func New(ctx context.Context, opts Options) (*Stack, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	prof, err := profile.Load(cfg.DriverProfile)
	if err != nil {
		return nil, fmt.Errorf("load driver profile: %w", err)
	}

	store, closeStore, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	factory := opts.Factory
	if factory == nil {
		factory = appium.NewFactory(cfg.AppiumURL, prof, logger)
	}

	eng := engine.New(engine.Deps{
		Ledger:  store,
		Factory: factory,
		Config:  runner.EngineConfig(prof, cfg.MaxAdaptiveJumps, cfg.StepSettleDelay, cfg.ReportsDir),
		Logger:  logger,
	})

	run := runner.New(runner.Deps{
		Engine:      eng,
		Catalog:     store,
		Assignments: store,
		Logger:      logger,
	})

	orchDeps := orchestrator.Deps{
		Batches:           store,
		Catalog:           store,
		Runner:            run,
		Logger:            logger,
		HeartbeatInterval: cfg.ReclaimAfter / 4,
		LeaseTimeout:      cfg.ReclaimAfter,
	}
	if hook := notify.NewWebhook(notify.Deps{
		URL:    cfg.BatchWebhookURL,
		Secret: cfg.BatchWebhookSecret,
		Logger: logger,
	}); hook != nil {
		orchDeps.Notifier = hook
	}
	orch := orchestrator.New(orchDeps)

	base := opts.Base
	if base == nil {
		base = context.Background()
	}

	return &Stack{
		Store:        store,
		Engine:       eng,
		Runner:       run,
		Orchestrator: orch,
		Launcher: launcher.New(launcher.Deps{
			Base:         base,
			Registry:     launcher.NewRegistry(),
			Batches:      store,
			Orchestrator: orch,
			Runner:       run,
			Logger:       logger,
			LeaseTimeout: cfg.ReclaimAfter,
		}),
		close: closeStore,
	}, nil
}

// Close waits for launched runs and releases the store.
func (s *Stack) Close() {
	s.Launcher.Wait()
	s.close()
}
