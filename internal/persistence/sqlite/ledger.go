// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/google/uuid"
)

func (s *Store) CreateExecution(ctx context.Context, exec domain.NewExecution) (uuid.UUID, error) {
	id := uuid.New()

	params, err := json.Marshal(exec.Parameters)
	if err != nil {
		return uuid.Nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, test_case_id, executor_id, assignment_id, status, parameters, log_message, start_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), exec.TestCaseID, exec.ExecutorID, exec.AssignmentID,
		string(domain.ExecutionNotExecuted), string(params), "Execution started.", time.Now().UTC())
	if err != nil {
		s.logger.Error("insert execution failed", "test_case_id", exec.TestCaseID, "error", err)
		return uuid.Nil, err
	}
	return id, nil
}

func (s *Store) AppendStepAttempt(ctx context.Context, a domain.StepAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_attempts (
			id, execution_id, step_id, step_order, actual_input, actual_response,
			status, screenshot_ref, start_time, end_time, duration_ms, note
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID.String(), a.ExecutionID.String(), a.StepID, a.Order, a.ActualInput, a.ActualResponse,
		string(a.Status), a.ScreenshotRef, a.StartTime.UTC(), a.EndTime.UTC(), a.DurationMs, a.Note)
	if err != nil {
		s.logger.Error("insert step attempt failed",
			"execution_id", a.ExecutionID,
			"step_id", a.StepID,
			"error", err,
		)
		return err
	}
	return nil
}

const attemptColumns = `id, execution_id, step_id, step_order, actual_input, actual_response,
	status, screenshot_ref, start_time, end_time, duration_ms, note`

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (domain.StepAttempt, error) {
	var (
		a      domain.StepAttempt
		status string
	)
	err := row.Scan(&a.ID, &a.ExecutionID, &a.StepID, &a.Order, &a.ActualInput, &a.ActualResponse,
		&status, &a.ScreenshotRef, &a.StartTime, &a.EndTime, &a.DurationMs, &a.Note)
	a.Status = domain.AttemptStatus(status)
	return a, err
}

func (s *Store) LatestAttempt(ctx context.Context, executionID uuid.UUID, stepID int64) (domain.StepAttempt, bool, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM step_attempts
		WHERE execution_id = ? AND step_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, executionID.String(), stepID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StepAttempt{}, false, nil
	}
	if err != nil {
		return domain.StepAttempt{}, false, fmt.Errorf("failed to query latest attempt: %w", err)
	}
	return a, true, nil
}

func (s *Store) FinalizeExecution(ctx context.Context, executionID uuid.UUID, status domain.ExecutionStatus, logMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, log_message = ?, end_time = ? WHERE id = ?
	`, string(status), logMessage, time.Now().UTC(), executionID.String())
	if err != nil {
		s.logger.Error("finalize execution failed", "execution_id", executionID, "error", err)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrExecutionNotFound
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID uuid.UUID) (domain.Execution, error) {
	var (
		exec   domain.Execution
		status string
		params string
		asg    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, test_case_id, executor_id, assignment_id, start_time, status, parameters, log_message
		FROM executions WHERE id = ?
	`, executionID.String()).Scan(&exec.ID, &exec.TestCaseID, &exec.ExecutorID, &asg,
		&exec.StartTime, &status, &params, &exec.LogMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("failed to get execution: %w", err)
	}

	exec.Status = domain.ExecutionStatus(status)
	if asg.Valid {
		v := asg.Int64
		exec.AssignmentID = &v
	}
	if err := json.Unmarshal([]byte(params), &exec.Parameters); err != nil {
		s.logger.Warn("decode execution parameters failed", "execution_id", executionID, "error", err)
	}
	return exec, nil
}

func (s *Store) ListAttempts(ctx context.Context, executionID uuid.UUID) ([]domain.StepAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM step_attempts
		WHERE execution_id = ?
		ORDER BY seq ASC
	`, executionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.StepAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
