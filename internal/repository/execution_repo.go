// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ExecutionRepository is the execution ledger.
type ExecutionRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewExecutionRepository(pool *pgxpool.Pool, logger *slog.Logger) *ExecutionRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &ExecutionRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *ExecutionRepository) CreateExecution(ctx context.Context, exec domain.NewExecution) (uuid.UUID, error) {
	id := uuid.New()

	params, err := json.Marshal(exec.Parameters)
	if err != nil {
		r.logger.Error("marshal execution parameters failed", "error", err)
		return uuid.Nil, err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO executions (id, test_case_id, executor_id, assignment_id, status, parameters, log_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		id,
		exec.TestCaseID,
		exec.ExecutorID,
		exec.AssignmentID,
		domain.ExecutionNotExecuted,
		params,
		"Execution started.",
	)
	if err != nil {
		r.logger.Error("insert execution failed",
			"test_case_id", exec.TestCaseID,
			"error", err,
		)
		return uuid.Nil, err
	}

	r.logger.Debug("execution created", "execution_id", id, "test_case_id", exec.TestCaseID)
	return id, nil
}

// AppendStepAttempt inserts a new attempt. Attempts are never updated.
func (r *ExecutionRepository) AppendStepAttempt(ctx context.Context, a domain.StepAttempt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO step_attempts (
			id, execution_id, step_id, step_order, actual_input, actual_response,
			status, screenshot_ref, start_time, end_time, duration_ms, note
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		a.ID,
		a.ExecutionID,
		a.StepID,
		a.Order,
		a.ActualInput,
		a.ActualResponse,
		a.Status,
		a.ScreenshotRef,
		a.StartTime,
		a.EndTime,
		a.DurationMs,
		a.Note,
	)
	if err != nil {
		r.logger.Error("insert step attempt failed",
			"execution_id", a.ExecutionID,
			"step_id", a.StepID,
			"error", err,
		)
		return err
	}
	return nil
}

func (r *ExecutionRepository) LatestAttempt(ctx context.Context, executionID uuid.UUID, stepID int64) (domain.StepAttempt, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM step_attempts
		WHERE execution_id=$1 AND step_id=$2
		ORDER BY seq DESC
		LIMIT 1
	`, executionID, stepID)

	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StepAttempt{}, false, nil
		}
		r.logger.Error("latest attempt query failed",
			"execution_id", executionID,
			"step_id", stepID,
			"error", err,
		)
		return domain.StepAttempt{}, false, err
	}
	return a, true, nil
}

// FinalizeExecution sets the terminal status. Repeated calls overwrite.
func (r *ExecutionRepository) FinalizeExecution(ctx context.Context, executionID uuid.UUID, status domain.ExecutionStatus, logMessage string) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET status=$2, log_message=$3, end_time=NOW()
		WHERE id=$1
	`, executionID, status, logMessage)
	if err != nil {
		r.logger.Error("finalize execution failed",
			"execution_id", executionID,
			"status", status,
			"error", err,
		)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrExecutionNotFound
	}
	return nil
}

func (r *ExecutionRepository) GetExecution(ctx context.Context, executionID uuid.UUID) (domain.Execution, error) {
	var (
		exec   domain.Execution
		params []byte
	)

	err := r.pool.QueryRow(ctx, `
		SELECT id, test_case_id, executor_id, assignment_id, start_time, status, parameters, log_message
		FROM executions
		WHERE id=$1
	`, executionID).Scan(
		&exec.ID,
		&exec.TestCaseID,
		&exec.ExecutorID,
		&exec.AssignmentID,
		&exec.StartTime,
		&exec.Status,
		&params,
		&exec.LogMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Execution{}, domain.ErrExecutionNotFound
		}
		r.logger.Error("get execution failed", "execution_id", executionID, "error", err)
		return domain.Execution{}, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &exec.Parameters); err != nil {
			r.logger.Warn("decode execution parameters failed", "execution_id", executionID, "error", err)
		}
	}
	return exec, nil
}

// ListAttempts returns every attempt of an execution in insertion order.
func (r *ExecutionRepository) ListAttempts(ctx context.Context, executionID uuid.UUID) ([]domain.StepAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM step_attempts
		WHERE execution_id=$1
		ORDER BY seq ASC
	`, executionID)
	if err != nil {
		r.logger.Error("list attempts query failed", "execution_id", executionID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StepAttempt, 0, 8)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			r.logger.Error("scan attempt row failed", "execution_id", executionID, "error", err)
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("rows iteration failed", "execution_id", executionID, "error", err)
		return nil, err
	}
	return out, nil
}

const attemptColumns = `id, execution_id, step_id, step_order, actual_input, actual_response,
		       status, screenshot_ref, start_time, end_time, duration_ms, note`

func scanAttempt(row pgx.Row) (domain.StepAttempt, error) {
	var a domain.StepAttempt
	err := row.Scan(
		&a.ID,
		&a.ExecutionID,
		&a.StepID,
		&a.Order,
		&a.ActualInput,
		&a.ActualResponse,
		&a.Status,
		&a.ScreenshotRef,
		&a.StartTime,
		&a.EndTime,
		&a.DurationMs,
		&a.Note,
	)
	return a, err
}
