// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives a batch of test case assignments to a final
// verdict, persisting progress after every assignment so an interrupted
// batch can be resumed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/driver"
	"github.com/adiadia/ussd-runner/internal/engine"
	"github.com/adiadia/ussd-runner/internal/metrics"
	"github.com/adiadia/ussd-runner/internal/params"
	"github.com/adiadia/ussd-runner/internal/runner"
)

type BatchStore interface {
	GetBatch(ctx context.Context, batchID int64) (domain.BatchRun, error)
	TransitionBatch(ctx context.Context, batchID int64, from, to domain.BatchStatus) (bool, error)
	ResetBatch(ctx context.Context, batchID int64) (domain.BatchRun, error)
	ListAssignments(ctx context.Context, batchID int64) ([]domain.Assignment, error)
	MarkAssignmentInProgress(ctx context.Context, assignmentID int64) error
	CompleteAssignment(ctx context.Context, batchID int64, result domain.AssignmentResult) (domain.BatchRun, error)
	SaveLaunchSpec(ctx context.Context, batchID int64, spec domain.LaunchSpec) error
	HeartbeatBatch(ctx context.Context, batchID int64) error
}

type CaseRunner interface {
	RunCase(ctx context.Context, req runner.CaseRequest) (engine.Result, error)
}

// Notifier is told about batches that reached a final verdict.
type Notifier interface {
	BatchCompleted(ctx context.Context, batch domain.BatchRun)
}

// DefaultHeartbeatInterval is how often a running assignment refreshes the
// batch heartbeat when Deps leaves it unset.
const DefaultHeartbeatInterval = time.Minute

type Deps struct {
	Batches  BatchStore
	Catalog  runner.Catalog
	Runner   CaseRunner
	Notifier Notifier
	Logger   *slog.Logger

	// HeartbeatInterval must stay well below the worker's reclaim age.
	HeartbeatInterval time.Duration

	// LeaseTimeout refuses to resume an IN_PROGRESS batch whose heartbeat is
	// younger than this, since another process is probably driving it. Zero
	// disables the check.
	LeaseTimeout time.Duration
}

type Orchestrator struct {
	batches           BatchStore
	catalog           runner.Catalog
	runner            CaseRunner
	notifier          Notifier
	logger            *slog.Logger
	heartbeatInterval time.Duration
	leaseTimeout      time.Duration
}

func New(deps Deps) *Orchestrator {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	interval := deps.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	return &Orchestrator{
		batches:           deps.Batches,
		catalog:           deps.Catalog,
		runner:            deps.Runner,
		notifier:          deps.Notifier,
		logger:            l,
		heartbeatInterval: interval,
		leaseTimeout:      deps.LeaseTimeout,
	}
}

// BatchRequest starts or resumes one batch.
type BatchRequest struct {
	BatchID    int64
	ExecutorID int64
	Target     driver.Target
	Password   string
	Inputs     map[string]string

	// Takeover resumes an IN_PROGRESS batch even when its heartbeat is
	// fresh. The worker sets it after claiming a stale batch.
	Takeover bool
}

// Run executes every outstanding assignment of the batch and sets its final
// status. It returns ErrBatchCancelled when the batch was cancelled between
// assignments and ErrBatchIncomplete when ctx ended first; in both cases the
// progress made so far is kept.
func (o *Orchestrator) Run(ctx context.Context, req BatchRequest) (domain.BatchRun, error) {
	logger := o.logger.With("batch_id", req.BatchID, "device_id", req.Target.DeviceID)

	batch, err := o.start(ctx, logger, req)
	if err != nil {
		return batch, err
	}

	err = o.batches.SaveLaunchSpec(ctx, req.BatchID, domain.LaunchSpec{
		ExecutorID:      req.ExecutorID,
		DeviceID:        req.Target.DeviceID,
		PlatformVersion: req.Target.PlatformVersion,
		Inputs:          req.Inputs,
	})
	if err != nil {
		logger.Warn("save launch spec failed", "error", err)
	}

	assignments, err := o.batches.ListAssignments(ctx, req.BatchID)
	if err != nil {
		logger.Error("list assignments failed", "error", err)
		return batch, fmt.Errorf("list assignments: %w", err)
	}

	classification, err := o.classify(ctx, assignments)
	if err != nil {
		logger.Error("load batch steps failed", "error", err)
		return batch, err
	}

	logger.Info("batch running",
		"total", batch.Total,
		"completed", batch.Completed,
		"passed", batch.Passed,
		"assignments", len(assignments),
		"common_params", len(classification.Common),
	)

	for _, a := range assignments {
		if a.Status.Executed() {
			logger.Info("assignment already executed, skipping",
				"assignment_id", a.ID,
				"test_case_id", a.TestCaseID,
				"status", a.Status,
			)
			continue
		}

		if err := ctx.Err(); err != nil {
			logger.Warn("batch interrupted", "error", err)
			return batch, fmt.Errorf("%w: %v", domain.ErrBatchIncomplete, err)
		}

		current, err := o.batches.GetBatch(ctx, req.BatchID)
		if err != nil {
			logger.Error("reload batch failed", "error", err)
			return batch, fmt.Errorf("reload batch: %w", err)
		}
		batch = current
		if batch.Status == domain.BatchCancelled {
			logger.Info("batch cancelled, stopping",
				"completed", batch.Completed,
				"total", batch.Total,
			)
			metrics.IncBatchStatus(domain.BatchCancelled)
			return batch, domain.ErrBatchCancelled
		}

		next, err := o.runAssignment(ctx, logger, req, classification, a)
		if err != nil {
			return batch, err
		}
		batch = next
	}

	return o.finish(ctx, logger, batch)
}

func (o *Orchestrator) start(ctx context.Context, logger *slog.Logger, req BatchRequest) (domain.BatchRun, error) {
	batchID := req.BatchID
	batch, err := o.batches.GetBatch(ctx, batchID)
	if err != nil {
		logger.Error("load batch failed", "error", err)
		return domain.BatchRun{}, err
	}

	switch batch.Status {
	case domain.BatchPending:
		ok, err := o.batches.TransitionBatch(ctx, batchID, domain.BatchPending, domain.BatchInProgress)
		if err != nil {
			logger.Error("start batch failed", "error", err)
			return batch, err
		}
		if !ok {
			return batch, fmt.Errorf("%w: status changed concurrently", domain.ErrBatchNotRunnable)
		}
		batch.Status = domain.BatchInProgress
		logger.Info("batch started", "total", batch.Total)

	case domain.BatchCompletedFail:
		batch, err = o.batches.ResetBatch(ctx, batchID)
		if err != nil {
			logger.Error("reset batch failed", "error", err)
			return batch, err
		}
		logger.Info("batch reset for rerun", "total", batch.Total)

	case domain.BatchInProgress:
		if !req.Takeover && batch.LeaseHeld(time.Now(), o.leaseTimeout) {
			logger.Warn("batch heartbeat is fresh, refusing to resume",
				"heartbeat_at", batch.HeartbeatAt,
				"lease_timeout", o.leaseTimeout,
			)
			return batch, fmt.Errorf("%w: batch %d is driven by another process", domain.ErrRunActive, batchID)
		}
		logger.Info("batch resuming",
			"completed", batch.Completed,
			"passed", batch.Passed,
			"total", batch.Total,
		)

	default:
		logger.Warn("batch not runnable", "status", batch.Status)
		return batch, fmt.Errorf("%w: status %s", domain.ErrBatchNotRunnable, batch.Status)
	}

	return batch, nil
}

func (o *Orchestrator) classify(ctx context.Context, assignments []domain.Assignment) (params.Classification, error) {
	stepsByCase := make(map[int64][]domain.StepDefinition)
	for _, a := range assignments {
		if _, ok := stepsByCase[a.TestCaseID]; ok {
			continue
		}
		steps, err := o.catalog.ListSteps(ctx, a.TestCaseID)
		if err != nil && !errors.Is(err, domain.ErrTestCaseNotFound) {
			return params.Classification{}, fmt.Errorf("load steps for test case %d: %w", a.TestCaseID, err)
		}
		stepsByCase[a.TestCaseID] = steps
	}
	return params.Classify(stepsByCase), nil
}

func (o *Orchestrator) runAssignment(
	ctx context.Context,
	logger *slog.Logger,
	req BatchRequest,
	classification params.Classification,
	a domain.Assignment,
) (domain.BatchRun, error) {
	logger = logger.With("assignment_id", a.ID, "test_case_id", a.TestCaseID)

	if err := o.batches.MarkAssignmentInProgress(ctx, a.ID); err != nil {
		logger.Error("mark assignment in progress failed", "error", err)
		return domain.BatchRun{}, fmt.Errorf("mark assignment %d: %w", a.ID, err)
	}

	set, warnings := classification.Resolve(req.Inputs, a.TestCaseID)
	for _, w := range warnings {
		logger.Warn("parameter input ignored", "reason", w)
	}
	if missing := classification.Missing(set, a.TestCaseID); len(missing) > 0 {
		logger.Warn("parameters missing for test case", "params", missing)
	}

	assignmentID := a.ID
	started := time.Now()
	stopHeartbeat := o.keepAlive(ctx, logger, req.BatchID)
	res, err := o.runner.RunCase(ctx, runner.CaseRequest{
		TestCaseID:   a.TestCaseID,
		ExecutorID:   req.ExecutorID,
		AssignmentID: &assignmentID,
		Target:       req.Target,
		Params:       set,
		Password:     req.Password,
	})
	stopHeartbeat()
	if err != nil {
		logger.Error("assignment run failed", "error", err)
	}
	if ctx.Err() != nil && res.Status != domain.ExecutionPass {
		// Left IN_PROGRESS so a resume runs it again.
		logger.Warn("assignment interrupted", "error", ctx.Err())
		return domain.BatchRun{}, fmt.Errorf("%w: %v", domain.ErrBatchIncomplete, ctx.Err())
	}

	result := domain.AssignmentResult{
		AssignmentID: a.ID,
		ExecutionID:  res.ExecutionID,
		Passed:       err == nil && res.Succeeded(),
	}
	batch, err := o.batches.CompleteAssignment(context.WithoutCancel(ctx), req.BatchID, result)
	if err != nil {
		logger.Error("complete assignment failed", "error", err)
		return domain.BatchRun{}, fmt.Errorf("complete assignment %d: %w", a.ID, err)
	}

	metrics.IncAssignmentStatus(result.Status())
	logger.Info("assignment completed",
		"status", result.Status(),
		"execution_id", res.ExecutionID,
		"completed", batch.Completed,
		"passed", batch.Passed,
		"total", batch.Total,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return batch, nil
}

// keepAlive refreshes the batch heartbeat until the returned func is called.
func (o *Orchestrator) keepAlive(ctx context.Context, logger *slog.Logger, batchID int64) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(o.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.batches.HeartbeatBatch(ctx, batchID); err != nil {
					logger.Warn("batch heartbeat failed", "error", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, batch domain.BatchRun) (domain.BatchRun, error) {
	current, err := o.batches.GetBatch(ctx, batch.ID)
	if err != nil {
		logger.Error("reload batch failed", "error", err)
		return batch, fmt.Errorf("reload batch: %w", err)
	}
	batch = current

	final, ok := batch.FinalStatus()
	if !ok {
		logger.Warn("batch counters incomplete after loop",
			"completed", batch.Completed,
			"total", batch.Total,
		)
		return batch, domain.ErrBatchIncomplete
	}

	moved, err := o.batches.TransitionBatch(ctx, batch.ID, domain.BatchInProgress, final)
	if err != nil {
		logger.Error("finalize batch failed", "status", final, "error", err)
		return batch, fmt.Errorf("finalize batch: %w", err)
	}
	if !moved {
		latest, err := o.batches.GetBatch(ctx, batch.ID)
		if err == nil && latest.Status == domain.BatchCancelled {
			logger.Info("batch cancelled before finalization")
			return latest, domain.ErrBatchCancelled
		}
		logger.Warn("batch status changed before finalization", "status", latest.Status)
		return latest, fmt.Errorf("%w: status changed concurrently", domain.ErrBatchNotRunnable)
	}
	batch.Status = final

	metrics.IncBatchStatus(final)
	logger.Info("batch completed",
		"status", final,
		"completed", batch.Completed,
		"passed", batch.Passed,
		"total", batch.Total,
	)

	if o.notifier != nil {
		o.notifier.BatchCompleted(context.WithoutCancel(ctx), batch)
	}
	return batch, nil
}
