// SPDX-License-Identifier: Apache-2.0

// Package runner loads a test case from the step catalog and executes it
// through the engine.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/driver"
	"github.com/adiadia/ussd-runner/internal/engine"
	"github.com/adiadia/ussd-runner/internal/profile"
)

type Catalog interface {
	ListSteps(ctx context.Context, testCaseID int64) ([]domain.StepDefinition, error)
}

// AssignmentRecorder writes a single run's outcome back to its assignment.
type AssignmentRecorder interface {
	GetAssignment(ctx context.Context, assignmentID int64) (domain.Assignment, error)
	RecordAssignmentResult(ctx context.Context, result domain.AssignmentResult) error
}

type Deps struct {
	Engine      *engine.Engine
	Catalog     Catalog
	Assignments AssignmentRecorder
	Logger      *slog.Logger
}

type Runner struct {
	engine      *engine.Engine
	catalog     Catalog
	assignments AssignmentRecorder
	logger      *slog.Logger
}

func New(deps Deps) *Runner {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	return &Runner{
		engine:      deps.Engine,
		catalog:     deps.Catalog,
		assignments: deps.Assignments,
		logger:      l,
	}
}

type CaseRequest struct {
	TestCaseID   int64
	ExecutorID   int64
	AssignmentID *int64
	Target       driver.Target
	Params       domain.ParameterSet
	Password     string
}

// RunCase executes one test case. A test case without steps still produces
// a failed execution; only catalog and ledger errors are returned.
func (r *Runner) RunCase(ctx context.Context, req CaseRequest) (engine.Result, error) {
	steps, err := r.catalog.ListSteps(ctx, req.TestCaseID)
	if err != nil {
		r.logger.Error("load steps failed",
			"test_case_id", req.TestCaseID,
			"error", err,
		)
		return engine.Result{}, fmt.Errorf("load steps for test case %d: %w", req.TestCaseID, err)
	}

	return r.engine.Run(ctx, engine.Request{
		TestCaseID:   req.TestCaseID,
		ExecutorID:   req.ExecutorID,
		AssignmentID: req.AssignmentID,
		Target:       req.Target,
		Steps:        steps,
		Params:       req.Params,
		Password:     req.Password,
	})
}

// CheckAssignment rejects a standalone run against an assignment that does
// not exist, belongs to a batch or targets another test case. Batch
// assignments are only completed by the orchestrator so the batch counters
// stay in step with them.
func (r *Runner) CheckAssignment(ctx context.Context, req CaseRequest) error {
	if req.AssignmentID == nil || r.assignments == nil {
		return nil
	}

	a, err := r.assignments.GetAssignment(ctx, *req.AssignmentID)
	if err != nil {
		return fmt.Errorf("assignment %d: %w", *req.AssignmentID, err)
	}
	if a.BatchID != 0 {
		return fmt.Errorf("assignment %d of batch %d: %w", a.ID, a.BatchID, domain.ErrAssignmentInBatch)
	}
	if a.TestCaseID != req.TestCaseID {
		return fmt.Errorf("%w: assignment %d is for test case %d", domain.ErrAssignmentMismatch, a.ID, a.TestCaseID)
	}
	return nil
}

// RunSingle runs one test case outside a batch and, when it belongs to an
// assignment, records the outcome on that assignment.
func (r *Runner) RunSingle(ctx context.Context, req CaseRequest) (engine.Result, error) {
	if err := r.CheckAssignment(ctx, req); err != nil {
		r.logger.Warn("standalone run rejected",
			"test_case_id", req.TestCaseID,
			"error", err,
		)
		return engine.Result{}, err
	}

	res, err := r.RunCase(ctx, req)
	if err != nil {
		return res, err
	}
	if req.AssignmentID == nil || r.assignments == nil {
		return res, nil
	}

	err = r.assignments.RecordAssignmentResult(context.WithoutCancel(ctx), domain.AssignmentResult{
		AssignmentID: *req.AssignmentID,
		ExecutionID:  res.ExecutionID,
		Passed:       res.Succeeded(),
	})
	if err != nil {
		r.logger.Error("record assignment result failed",
			"assignment_id", *req.AssignmentID,
			"execution_id", res.ExecutionID,
			"error", err,
		)
		return res, fmt.Errorf("record assignment %d: %w", *req.AssignmentID, err)
	}
	return res, nil
}

// EngineConfig combines a driver profile with run settings.
func EngineConfig(p profile.Profile, maxJumps int, settle time.Duration, reportsDir string) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.MaxAdaptiveJumps = maxJumps
	cfg.RecoverySymbol = p.RecoverySymbol
	cfg.InputField = p.InputField
	cfg.Submit = p.Submit
	cfg.ResponseLocators = p.ResponseLocators
	cfg.InitiationLocators = p.InitiationLocators
	cfg.InitiationAttempts = p.InitiationAttempts
	cfg.HomeMarkers = p.HomeMarkers
	if settle >= 0 {
		cfg.SettleDelay = settle
	}
	cfg.ReportsDir = reportsDir
	return cfg
}
