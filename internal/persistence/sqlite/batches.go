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

const batchColumns = `id, name, total_count, completed_count, passed_count, status, heartbeat_at`

func scanBatch(row scanner) (domain.BatchRun, error) {
	var (
		b         domain.BatchRun
		status    string
		heartbeat sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.Name, &b.Total, &b.Completed, &b.Passed, &status, &heartbeat); err != nil {
		return domain.BatchRun{}, err
	}
	b.Status = domain.BatchStatus(status)
	if heartbeat.Valid {
		t := heartbeat.Time
		b.HeartbeatAt = &t
	}
	return b, nil
}

func getBatch(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, batchID int64) (domain.BatchRun, error) {
	b, err := scanBatch(q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_runs WHERE id = ?`, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BatchRun{}, domain.ErrBatchNotFound
	}
	if err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

func (s *Store) CreateBatch(ctx context.Context, name string, testCaseIDs []int64) (domain.BatchRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batch_runs (name, total_count, status) VALUES (?, ?, ?)`,
		name, len(testCaseIDs), string(domain.BatchPending))
	if err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to insert batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.BatchRun{}, err
	}

	for _, tc := range testCaseIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO assignments (batch_id, test_case_id, status) VALUES (?, ?, ?)`,
			id, tc, string(domain.AssignmentPending)); err != nil {
			return domain.BatchRun{}, fmt.Errorf("failed to insert assignment: %w", err)
		}
	}

	b, err := getBatch(ctx, tx, id)
	if err != nil {
		return domain.BatchRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to commit batch: %w", err)
	}

	s.logger.Info("batch created", "batch_id", id, "total", b.Total)
	return b, nil
}

func (s *Store) CreateAssignment(ctx context.Context, testCaseID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (test_case_id, status) VALUES (?, ?)`,
		testCaseID, string(domain.AssignmentPending))
	if err != nil {
		return 0, fmt.Errorf("failed to insert assignment: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetBatch(ctx context.Context, batchID int64) (domain.BatchRun, error) {
	return getBatch(ctx, s.db, batchID)
}

func (s *Store) TransitionBatch(ctx context.Context, batchID int64, from, to domain.BatchStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET status = ?, heartbeat_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), batchID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("batch status changed", "batch_id", batchID, "from", from, "to", to)
		return true, nil
	}
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ResetBatch(ctx context.Context, batchID int64) (domain.BatchRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE batch_runs SET completed_count = 0, passed_count = 0, status = ?, heartbeat_at = ?
		WHERE id = ?
	`, string(domain.BatchInProgress), time.Now().UTC(), batchID)
	if err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to reset batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.BatchRun{}, domain.ErrBatchNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE assignments SET status = ?, execution_id = NULL WHERE batch_id = ?`,
		string(domain.AssignmentPending), batchID); err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to reset assignments: %w", err)
	}

	b, err := getBatch(ctx, tx, batchID)
	if err != nil {
		return domain.BatchRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to commit reset: %w", err)
	}
	return b, nil
}

func (s *Store) CancelBatch(ctx context.Context, batchID int64) (domain.BatchRun, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET status = ? WHERE id = ? AND status IN (?, ?)`,
		string(domain.BatchCancelled), batchID, string(domain.BatchPending), string(domain.BatchInProgress)); err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to cancel batch: %w", err)
	}
	return s.GetBatch(ctx, batchID)
}

func (s *Store) ListAssignments(ctx context.Context, batchID int64) ([]domain.Assignment, error) {
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, test_case_id, status, execution_id
		FROM assignments WHERE batch_id = ? ORDER BY id ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []domain.Assignment
	for rows.Next() {
		var (
			a      domain.Assignment
			status string
		)
		if err := rows.Scan(&a.ID, &a.BatchID, &a.TestCaseID, &status, &a.ExecutionID); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		a.Status = domain.AssignmentStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) MarkAssignmentInProgress(ctx context.Context, assignmentID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var batchID sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT batch_id FROM assignments WHERE id = ?`, assignmentID).Scan(&batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrAssignmentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read assignment: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE assignments SET status = ? WHERE id = ?`,
		string(domain.AssignmentInProgress), assignmentID); err != nil {
		return fmt.Errorf("failed to update assignment: %w", err)
	}
	if batchID.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE batch_runs SET heartbeat_at = ? WHERE id = ?`,
			time.Now().UTC(), batchID.Int64); err != nil {
			return fmt.Errorf("failed to update heartbeat: %w", err)
		}
	}
	return tx.Commit()
}

// CompleteAssignment ignores assignments that are already EXECUTED_* and
// returns the batch unchanged for them.
func (s *Store) CompleteAssignment(ctx context.Context, batchID int64, result domain.AssignmentResult) (domain.BatchRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE assignments SET status = ?, execution_id = COALESCE(?, execution_id)
		WHERE id = ? AND batch_id = ? AND status NOT IN (?, ?)
	`, string(result.Status()), executionRef(result.ExecutionID), result.AssignmentID, batchID,
		string(domain.AssignmentExecutedPass), string(domain.AssignmentExecutedFail))
	if err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to update assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM assignments WHERE id = ? AND batch_id = ?`,
			result.AssignmentID, batchID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BatchRun{}, domain.ErrAssignmentNotFound
		}
		if err != nil {
			return domain.BatchRun{}, fmt.Errorf("failed to read assignment: %w", err)
		}
		s.logger.Warn("assignment already completed, counters unchanged",
			"assignment_id", result.AssignmentID,
			"batch_id", batchID,
			"status", status,
		)
		return getBatch(ctx, tx, batchID)
	}

	passed := 0
	if result.Passed {
		passed = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE batch_runs
		SET completed_count = MIN(completed_count + 1, total_count),
		    passed_count = CASE WHEN ? = 1 THEN MIN(passed_count + 1, MIN(completed_count + 1, total_count)) ELSE passed_count END,
		    heartbeat_at = ?
		WHERE id = ?
	`, passed, time.Now().UTC(), batchID); err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to update batch counters: %w", err)
	}

	b, err := getBatch(ctx, tx, batchID)
	if err != nil {
		return domain.BatchRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BatchRun{}, fmt.Errorf("failed to commit assignment completion: %w", err)
	}
	return b, nil
}

func (s *Store) GetAssignment(ctx context.Context, assignmentID int64) (domain.Assignment, error) {
	var (
		a       domain.Assignment
		batchID sql.NullInt64
		status  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, test_case_id, status, execution_id
		FROM assignments WHERE id = ?
	`, assignmentID).Scan(&a.ID, &batchID, &a.TestCaseID, &status, &a.ExecutionID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Assignment{}, domain.ErrAssignmentNotFound
	}
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("failed to get assignment: %w", err)
	}
	a.BatchID = batchID.Int64
	a.Status = domain.AssignmentStatus(status)
	return a, nil
}

// RecordAssignmentResult only accepts assignments outside any batch.
func (s *Store) RecordAssignmentResult(ctx context.Context, result domain.AssignmentResult) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET status = ?, execution_id = COALESCE(?, execution_id) WHERE id = ? AND batch_id IS NULL`,
		string(result.Status()), executionRef(result.ExecutionID), result.AssignmentID)
	if err != nil {
		return fmt.Errorf("failed to record assignment result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetAssignment(ctx, result.AssignmentID); err != nil {
			return err
		}
		return domain.ErrAssignmentInBatch
	}
	return nil
}

func (s *Store) HeartbeatBatch(ctx context.Context, batchID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		time.Now().UTC(), batchID, string(domain.BatchInProgress)); err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

func (s *Store) SaveLaunchSpec(ctx context.Context, batchID int64, spec domain.LaunchSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE batch_runs SET launch = ? WHERE id = ?`, string(raw), batchID)
	if err != nil {
		return fmt.Errorf("failed to save launch spec: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBatchNotFound
	}
	return nil
}

// ClaimStaleBatch mirrors the Postgres claim. A single connection serialises
// writers, so no row locking is needed.
func (s *Store) ClaimStaleBatch(ctx context.Context, staleAfter time.Duration, exclude []int64) (domain.BatchRun, domain.LaunchSpec, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`, launch
		FROM batch_runs
		WHERE status = ? AND launch IS NOT NULL AND (heartbeat_at IS NULL OR heartbeat_at < ?)
		ORDER BY heartbeat_at ASC, id ASC
	`, string(domain.BatchInProgress), time.Now().UTC().Add(-staleAfter))
	if err != nil {
		return domain.BatchRun{}, domain.LaunchSpec{}, false, fmt.Errorf("failed to query stale batches: %w", err)
	}

	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var (
		found bool
		batch domain.BatchRun
		raw   string
	)
	for rows.Next() {
		var (
			b         domain.BatchRun
			status    string
			heartbeat sql.NullTime
			launch    string
		)
		if err := rows.Scan(&b.ID, &b.Name, &b.Total, &b.Completed, &b.Passed, &status, &heartbeat, &launch); err != nil {
			rows.Close()
			return domain.BatchRun{}, domain.LaunchSpec{}, false, fmt.Errorf("failed to scan batch: %w", err)
		}
		if skip[b.ID] {
			continue
		}
		b.Status = domain.BatchStatus(status)
		batch, raw, found = b, launch, true
		break
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.BatchRun{}, domain.LaunchSpec{}, false, err
	}
	if !found {
		return domain.BatchRun{}, domain.LaunchSpec{}, false, nil
	}

	var spec domain.LaunchSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return domain.BatchRun{}, domain.LaunchSpec{}, false, fmt.Errorf("failed to decode launch spec: %w", err)
	}

	// the returned batch keeps the heartbeat it was claimed with
	if _, err := s.db.ExecContext(ctx, `UPDATE batch_runs SET heartbeat_at = ? WHERE id = ?`, time.Now().UTC(), batch.ID); err != nil {
		return domain.BatchRun{}, domain.LaunchSpec{}, false, fmt.Errorf("failed to claim batch: %w", err)
	}

	s.logger.Info("stale batch claimed", "batch_id", batch.ID)
	return batch, spec, true, nil
}

func executionRef(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}
