// SPDX-License-Identifier: Apache-2.0

// Package launcher starts batch and ad-hoc runs in their own goroutines while
// keeping at most one run per batch, one ad-hoc run and one run per device.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/engine"
	"github.com/adiadia/ussd-runner/internal/orchestrator"
	"github.com/adiadia/ussd-runner/internal/runner"
)

type BatchReader interface {
	GetBatch(ctx context.Context, batchID int64) (domain.BatchRun, error)
}

type BatchRunner interface {
	Run(ctx context.Context, req orchestrator.BatchRequest) (domain.BatchRun, error)
}

type SingleRunner interface {
	CheckAssignment(ctx context.Context, req runner.CaseRequest) error
	RunSingle(ctx context.Context, req runner.CaseRequest) (engine.Result, error)
}

type Deps struct {
	// Base is the parent context of every launched run. It outlives the
	// request that triggered the launch.
	Base         context.Context
	Registry     *Registry
	Batches      BatchReader
	Orchestrator BatchRunner
	Runner       SingleRunner
	Logger       *slog.Logger

	// LeaseTimeout rejects batches another process heartbeated more
	// recently than this. Zero disables the check.
	LeaseTimeout time.Duration
}

type Launcher struct {
	base         context.Context
	registry     *Registry
	batches      BatchReader
	orchestrator BatchRunner
	runner       SingleRunner
	logger       *slog.Logger
	leaseTimeout time.Duration
	wg           sync.WaitGroup
}

func New(deps Deps) *Launcher {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	base := deps.Base
	if base == nil {
		base = context.Background()
	}
	reg := deps.Registry
	if reg == nil {
		reg = NewRegistry()
	}

	return &Launcher{
		base:         base,
		registry:     reg,
		batches:      deps.Batches,
		orchestrator: deps.Orchestrator,
		runner:       deps.Runner,
		logger:       l,
		leaseTimeout: deps.LeaseTimeout,
	}
}

func (l *Launcher) Registry() *Registry {
	return l.registry
}

// LaunchBatch checks that the batch can run and starts it in the background.
func (l *Launcher) LaunchBatch(ctx context.Context, req orchestrator.BatchRequest) (Info, error) {
	batch, err := l.batches.GetBatch(ctx, req.BatchID)
	if err != nil {
		return Info{}, err
	}
	if !batch.Runnable() {
		return Info{}, domain.ErrBatchNotRunnable
	}
	if !req.Takeover && batch.LeaseHeld(time.Now(), l.leaseTimeout) {
		return Info{}, fmt.Errorf("%w: batch %d heartbeat is fresh", domain.ErrRunActive, req.BatchID)
	}

	scope := domain.BatchScope(req.BatchID)
	return l.launch(scope, req.Target.DeviceID, func(ctx context.Context) {
		out, err := l.orchestrator.Run(ctx, req)
		switch {
		case errors.Is(err, domain.ErrBatchCancelled):
			l.logger.Info("batch run stopped", "batch_id", req.BatchID, "status", out.Status)
		case err != nil:
			l.logger.Error("batch run ended with error",
				"batch_id", req.BatchID,
				"completed", out.Completed,
				"total", out.Total,
				"error", err,
			)
		default:
			l.logger.Info("batch run finished",
				"batch_id", req.BatchID,
				"status", out.Status,
				"passed", out.Passed,
				"total", out.Total,
			)
		}
	})
}

// LaunchAdHoc validates the request's assignment and starts a single test
// case run in the background.
func (l *Launcher) LaunchAdHoc(ctx context.Context, req runner.CaseRequest) (Info, error) {
	if err := l.runner.CheckAssignment(ctx, req); err != nil {
		return Info{}, err
	}
	return l.launch(domain.AdHocScope, req.Target.DeviceID, func(ctx context.Context) {
		res, err := l.runner.RunSingle(ctx, req)
		if err != nil {
			l.logger.Error("ad-hoc run ended with error",
				"test_case_id", req.TestCaseID,
				"error", err,
			)
			return
		}
		l.logger.Info("ad-hoc run finished",
			"test_case_id", req.TestCaseID,
			"execution_id", res.ExecutionID,
			"status", res.Status,
		)
	})
}

func (l *Launcher) launch(scope domain.RunScope, deviceID string, fn func(ctx context.Context)) (Info, error) {
	ctx, cancel := context.WithCancel(l.base)

	h, err := l.registry.acquire(scope, deviceID, cancel)
	if err != nil {
		cancel()
		l.logger.Warn("launch rejected", "scope", scope, "device_id", deviceID, "error", err)
		return Info{}, err
	}

	l.logger.Info("run launched", "scope", scope, "device_id", deviceID)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.registry.release(h)
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				l.logger.Error("run panicked", "scope", scope, "panic", p)
			}
		}()

		fn(ctx)
	}()

	return h.info, nil
}

// Wait blocks until every launched run has returned.
func (l *Launcher) Wait() {
	l.wg.Wait()
}
