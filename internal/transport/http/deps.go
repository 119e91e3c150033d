// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/launcher"
	"github.com/adiadia/ussd-runner/internal/orchestrator"
	"github.com/adiadia/ussd-runner/internal/runner"
	"github.com/google/uuid"
)

type RunLauncher interface {
	LaunchBatch(ctx context.Context, req orchestrator.BatchRequest) (launcher.Info, error)
	LaunchAdHoc(ctx context.Context, req runner.CaseRequest) (launcher.Info, error)
}

type ActiveRuns interface {
	List() []launcher.Info
	Active(scope domain.RunScope) (launcher.Info, bool)
}

type BatchReader interface {
	GetBatch(ctx context.Context, batchID int64) (domain.BatchRun, error)
	ListAssignments(ctx context.Context, batchID int64) ([]domain.Assignment, error)
	CancelBatch(ctx context.Context, batchID int64) (domain.BatchRun, error)
}

type ExecutionReader interface {
	GetExecution(ctx context.Context, executionID uuid.UUID) (domain.Execution, error)
	ListAttempts(ctx context.Context, executionID uuid.UUID) ([]domain.StepAttempt, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
