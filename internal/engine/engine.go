// SPDX-License-Identifier: Apache-2.0

// Package engine runs the ordered steps of one test case against a live
// session, recovering from unexpected screens by probing the session and
// re-synchronising its cursor with the detected step.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/driver"
	"github.com/adiadia/ussd-runner/internal/metrics"
	"github.com/google/uuid"
)

const (
	DefaultMaxAdaptiveJumps   = 5
	DefaultRecoverySymbol     = "*"
	DefaultInitiationAttempts = 9

	// PasswordParam is the dynamic parameter name the optional run password
	// is exposed under.
	PasswordParam = "password"

	maxNoteLength = 1990
	teardownWait  = 30 * time.Second
)

// Ledger is the durable record of executions and their step attempts.
type Ledger interface {
	CreateExecution(ctx context.Context, exec domain.NewExecution) (uuid.UUID, error)
	AppendStepAttempt(ctx context.Context, attempt domain.StepAttempt) error
	LatestAttempt(ctx context.Context, executionID uuid.UUID, stepID int64) (domain.StepAttempt, bool, error)
	FinalizeExecution(ctx context.Context, executionID uuid.UUID, status domain.ExecutionStatus, logMessage string) error
}

type Config struct {
	MaxAdaptiveJumps   int
	RecoverySymbol     string
	InputField         driver.Locator
	Submit             driver.Locator
	ResponseLocators   []driver.Locator
	InitiationLocators []driver.Locator
	InitiationAttempts int

	// HomeMarkers must all appear on the screen reached by an initiation
	// code. Empty accepts any non-empty screen.
	HomeMarkers []string

	// SettleDelay is waited after submitting input and before capturing.
	SettleDelay time.Duration

	// ProbeDelay is waited after submitting the recovery symbol.
	ProbeDelay time.Duration

	// ReportsDir is the root for screenshots. Empty disables screenshots.
	ReportsDir string
}

func (c Config) withDefaults() Config {
	if c.MaxAdaptiveJumps < 0 {
		c.MaxAdaptiveJumps = 0
	}
	if c.RecoverySymbol == "" {
		c.RecoverySymbol = DefaultRecoverySymbol
	}
	if c.InitiationAttempts <= 0 {
		c.InitiationAttempts = DefaultInitiationAttempts
	}
	if len(c.InitiationLocators) == 0 {
		c.InitiationLocators = c.ResponseLocators
	}
	return c
}

// DefaultConfig returns a Config with the standard adaptive budget.
func DefaultConfig() Config {
	return Config{
		MaxAdaptiveJumps:   DefaultMaxAdaptiveJumps,
		RecoverySymbol:     DefaultRecoverySymbol,
		InitiationAttempts: DefaultInitiationAttempts,
		SettleDelay:        5 * time.Second,
		ProbeDelay:         3 * time.Second,
	}
}

type Deps struct {
	Ledger  Ledger
	Factory driver.Factory
	Config  Config
	Logger  *slog.Logger
}

type Engine struct {
	ledger  Ledger
	factory driver.Factory
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(deps Deps) *Engine {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	return &Engine{
		ledger:  deps.Ledger,
		factory: deps.Factory,
		cfg:     deps.Config.withDefaults(),
		logger:  l,
		now:     time.Now,
	}
}

// Request describes one test case run.
type Request struct {
	TestCaseID   int64
	ExecutorID   int64
	AssignmentID *int64
	Target       driver.Target
	Steps        []domain.StepDefinition
	Params       domain.ParameterSet
	Password     string
}

type Result struct {
	ExecutionID   uuid.UUID
	Status        domain.ExecutionStatus
	TotalSteps    int
	Attempted     int
	Passed        int
	Failed        int
	AdaptiveJumps int
	LogMessage    string
}

func (r Result) Succeeded() bool {
	return r.Status == domain.ExecutionPass
}

// Run executes req to completion and finalizes its execution. Failures of the
// session or of individual steps are reported through Result; an error is
// returned only when the execution record itself cannot be created.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	steps := append([]domain.StepDefinition(nil), req.Steps...)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})

	params := req.Params.Clone()
	if req.Password != "" {
		if _, ok := params[PasswordParam]; !ok {
			params[PasswordParam] = req.Password
		}
	}

	execID, err := e.ledger.CreateExecution(ctx, domain.NewExecution{
		TestCaseID:   req.TestCaseID,
		ExecutorID:   req.ExecutorID,
		AssignmentID: req.AssignmentID,
		Parameters: domain.ExecutionParameters{
			DeviceID:         req.Target.DeviceID,
			PlatformVersion:  req.Target.PlatformVersion,
			ExecutorID:       req.ExecutorID,
			AssignmentID:     req.AssignmentID,
			DynamicInputs:    req.Params.Clone(),
			PasswordProvided: req.Password != "",
		},
	})
	if err != nil {
		e.logger.Error("create execution failed",
			"test_case_id", req.TestCaseID,
			"error", err,
		)
		return Result{}, fmt.Errorf("create execution: %w", err)
	}

	logger := e.logger.With(
		"execution_id", execID,
		"test_case_id", req.TestCaseID,
		"device_id", req.Target.DeviceID,
	)
	logger.Info("execution started",
		"total_steps", len(steps),
		"password_provided", req.Password != "",
	)

	res := Result{
		ExecutionID: execID,
		TotalSteps:  len(steps),
	}

	if len(steps) == 0 {
		res.Status = domain.ExecutionFail
		res.LogMessage = fmt.Sprintf("No steps defined for test case %d.", req.TestCaseID)
		logger.Warn("execution has no steps")
		e.finalize(ctx, logger, &res)
		return res, nil
	}

	sess, err := e.factory(ctx, req.Target)
	if err != nil {
		res.Status = domain.ExecutionFail
		res.LogMessage = truncate(fmt.Sprintf("Session setup failed: %v. No steps were attempted.", err))
		logger.Error("session setup failed", "error", err)
		e.finalize(ctx, logger, &res)
		return res, nil
	}
	defer e.teardown(ctx, logger, sess)

	r := &run{
		engine:      e,
		cfg:         e.cfg,
		sess:        sess,
		execID:      execID,
		steps:       steps,
		params:      params,
		logger:      logger,
		latest:      make(map[int64]domain.StepAttempt, len(steps)),
		unpersisted: make(map[int64]bool),
	}
	r.loop(ctx)

	res.Attempted = len(r.attempts)
	res.AdaptiveJumps = r.jumps
	for _, a := range r.attempts {
		if a.Status == domain.AttemptPass {
			res.Passed++
		} else {
			res.Failed++
		}
	}

	ok, reason := r.verify(ctx)
	switch {
	case ok:
		res.Status = domain.ExecutionPass
		res.LogMessage = fmt.Sprintf("Execution completed successfully. All %d defined steps ultimately passed.", len(steps))
	case r.hardFail != "":
		res.Status = domain.ExecutionFail
		res.LogMessage = fmt.Sprintf("Execution failed: %s. %s.", r.hardFail, reason)
	default:
		res.Status = domain.ExecutionFail
		res.LogMessage = fmt.Sprintf("Execution completed with failures: %s.", reason)
	}
	res.LogMessage = truncate(fmt.Sprintf("%s Attempted %d, passed %d, failed %d, adaptive jumps %d.",
		res.LogMessage, res.Attempted, res.Passed, res.Failed, res.AdaptiveJumps))

	e.finalize(ctx, logger, &res)
	return res, nil
}

// finalize writes the terminal status, retrying once.
func (e *Engine) finalize(ctx context.Context, logger *slog.Logger, res *Result) {
	ctx = context.WithoutCancel(ctx)

	err := e.ledger.FinalizeExecution(ctx, res.ExecutionID, res.Status, res.LogMessage)
	if err != nil {
		logger.Warn("finalize execution failed, retrying", "error", err)
		err = e.ledger.FinalizeExecution(ctx, res.ExecutionID, res.Status, res.LogMessage)
	}
	if err != nil {
		logger.Error("finalize execution failed", "status", res.Status, "error", err)
	}

	metrics.IncExecutionStatus(res.Status)
	logger.Info("execution finalized",
		"status", res.Status,
		"attempted", res.Attempted,
		"passed", res.Passed,
		"failed", res.Failed,
		"adaptive_jumps", res.AdaptiveJumps,
		"log_message", res.LogMessage,
	)
}

func (e *Engine) teardown(ctx context.Context, logger *slog.Logger, sess driver.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownWait)
	defer cancel()

	sess.CancelOrDismiss(ctx)
	if err := sess.Quit(ctx); err != nil {
		logger.Warn("session quit failed", "error", err)
	}
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxNoteLength {
		return s
	}
	return string(r[:maxNoteLength]) + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
