// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BatchRepository stores batch runs, their assignments and launch specs.
type BatchRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewBatchRepository(pool *pgxpool.Pool, logger *slog.Logger) *BatchRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &BatchRepository{
		pool:   pool,
		logger: logger,
	}
}

const batchColumns = `id, name, total_count, completed_count, passed_count, status, heartbeat_at`

func scanBatch(row pgx.Row) (domain.BatchRun, error) {
	var b domain.BatchRun
	err := row.Scan(&b.ID, &b.Name, &b.Total, &b.Completed, &b.Passed, &b.Status, &b.HeartbeatAt)
	return b, err
}

// CreateBatch creates a PENDING batch with one assignment per test case, in
// the given order.
func (r *BatchRepository) CreateBatch(ctx context.Context, name string, testCaseIDs []int64) (domain.BatchRun, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.BatchRun{}, err
	}
	defer tx.Rollback(ctx)

	b, err := scanBatch(tx.QueryRow(ctx, `
		INSERT INTO batch_runs (name, total_count, status)
		VALUES ($1, $2, $3)
		RETURNING `+batchColumns,
		name, len(testCaseIDs), domain.BatchPending,
	))
	if err != nil {
		r.logger.Error("insert batch failed", "name", name, "error", err)
		return domain.BatchRun{}, err
	}

	for _, tc := range testCaseIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO assignments (batch_id, test_case_id, status)
			VALUES ($1, $2, $3)
		`, b.ID, tc, domain.AssignmentPending); err != nil {
			r.logger.Error("insert assignment failed",
				"batch_id", b.ID,
				"test_case_id", tc,
				"error", err,
			)
			return domain.BatchRun{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit batch failed", "batch_id", b.ID, "error", err)
		return domain.BatchRun{}, err
	}

	r.logger.Info("batch created", "batch_id", b.ID, "total", b.Total)
	return b, nil
}

// CreateAssignment creates an assignment outside any batch.
func (r *BatchRepository) CreateAssignment(ctx context.Context, testCaseID int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO assignments (test_case_id, status)
		VALUES ($1, $2)
		RETURNING id
	`, testCaseID, domain.AssignmentPending).Scan(&id)
	if err != nil {
		r.logger.Error("insert assignment failed", "test_case_id", testCaseID, "error", err)
		return 0, err
	}
	return id, nil
}

func (r *BatchRepository) GetBatch(ctx context.Context, batchID int64) (domain.BatchRun, error) {
	b, err := scanBatch(r.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batch_runs WHERE id=$1`,
		batchID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BatchRun{}, domain.ErrBatchNotFound
		}
		r.logger.Error("get batch failed", "batch_id", batchID, "error", err)
		return domain.BatchRun{}, err
	}
	return b, nil
}

// TransitionBatch moves the batch from one status to another. It reports
// false when the batch is not in the from status.
func (r *BatchRepository) TransitionBatch(ctx context.Context, batchID int64, from, to domain.BatchStatus) (bool, error) {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE batch_runs
		SET status=$3, heartbeat_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, batchID, from, to)
	if err != nil {
		r.logger.Error("transition batch failed",
			"batch_id", batchID,
			"from", from,
			"to", to,
			"error", err,
		)
		return false, err
	}
	if cmd.RowsAffected() > 0 {
		r.logger.Info("batch status changed", "batch_id", batchID, "from", from, "to", to)
		return true, nil
	}

	if _, err := r.GetBatch(ctx, batchID); err != nil {
		return false, err
	}
	return false, nil
}

// ResetBatch zeroes the counters, returns every assignment to PENDING and
// marks the batch IN_PROGRESS.
func (r *BatchRepository) ResetBatch(ctx context.Context, batchID int64) (domain.BatchRun, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.BatchRun{}, err
	}
	defer tx.Rollback(ctx)

	b, err := scanBatch(tx.QueryRow(ctx, `
		UPDATE batch_runs
		SET completed_count=0, passed_count=0, status=$2, heartbeat_at=NOW(), updated_at=NOW()
		WHERE id=$1
		RETURNING `+batchColumns,
		batchID, domain.BatchInProgress,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BatchRun{}, domain.ErrBatchNotFound
		}
		r.logger.Error("reset batch failed", "batch_id", batchID, "error", err)
		return domain.BatchRun{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE assignments
		SET status=$2, execution_id=NULL, updated_at=NOW()
		WHERE batch_id=$1
	`, batchID, domain.AssignmentPending); err != nil {
		r.logger.Error("reset assignments failed", "batch_id", batchID, "error", err)
		return domain.BatchRun{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit reset failed", "batch_id", batchID, "error", err)
		return domain.BatchRun{}, err
	}

	r.logger.Info("batch reset", "batch_id", batchID)
	return b, nil
}

// CancelBatch marks a PENDING or IN_PROGRESS batch CANCELLED. Finished
// batches are returned unchanged.
func (r *BatchRepository) CancelBatch(ctx context.Context, batchID int64) (domain.BatchRun, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.BatchRun{}, err
	}
	defer tx.Rollback(ctx)

	b, err := scanBatch(tx.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batch_runs WHERE id=$1 FOR UPDATE`,
		batchID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BatchRun{}, domain.ErrBatchNotFound
		}
		r.logger.Error("read batch failed", "batch_id", batchID, "error", err)
		return domain.BatchRun{}, err
	}

	if b.Status != domain.BatchPending && b.Status != domain.BatchInProgress {
		r.logger.Info("cancel skipped (terminal)",
			"batch_id", batchID,
			"status", b.Status,
		)
		return b, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batch_runs SET status=$2, updated_at=NOW() WHERE id=$1`,
		batchID, domain.BatchCancelled,
	); err != nil {
		r.logger.Error("update batch cancel failed", "batch_id", batchID, "error", err)
		return domain.BatchRun{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit cancel failed", "batch_id", batchID, "error", err)
		return domain.BatchRun{}, err
	}

	b.Status = domain.BatchCancelled
	r.logger.Info("batch cancelled", "batch_id", batchID)
	return b, nil
}

func (r *BatchRepository) ListAssignments(ctx context.Context, batchID int64) ([]domain.Assignment, error) {
	if _, err := r.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, batch_id, test_case_id, status, execution_id
		FROM assignments
		WHERE batch_id=$1
		ORDER BY id ASC
	`, batchID)
	if err != nil {
		r.logger.Error("list assignments query failed", "batch_id", batchID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Assignment, 0, 16)
	for rows.Next() {
		var a domain.Assignment
		if err := rows.Scan(&a.ID, &a.BatchID, &a.TestCaseID, &a.Status, &a.ExecutionID); err != nil {
			r.logger.Error("scan assignment row failed", "batch_id", batchID, "error", err)
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("rows iteration failed", "batch_id", batchID, "error", err)
		return nil, err
	}
	return out, nil
}

func (r *BatchRepository) MarkAssignmentInProgress(ctx context.Context, assignmentID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	var batchID *int64
	if err := tx.QueryRow(ctx, `
		UPDATE assignments
		SET status=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING batch_id
	`, assignmentID, domain.AssignmentInProgress).Scan(&batchID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrAssignmentNotFound
		}
		r.logger.Error("mark assignment in progress failed", "assignment_id", assignmentID, "error", err)
		return err
	}

	if batchID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE batch_runs SET heartbeat_at=NOW() WHERE id=$1`,
			*batchID,
		); err != nil {
			r.logger.Error("batch heartbeat failed", "batch_id", *batchID, "error", err)
			return err
		}
	}

	return tx.Commit(ctx)
}

// CompleteAssignment records an assignment outcome and advances the batch
// counters in one transaction. Counters are clamped so that
// passed <= completed <= total. An assignment that already carries an
// EXECUTED_* status is left alone and the batch is returned unchanged, so a
// second completion of the same assignment never counts twice.
func (r *BatchRepository) CompleteAssignment(ctx context.Context, batchID int64, result domain.AssignmentResult) (domain.BatchRun, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.BatchRun{}, err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE assignments
		SET status=$3, execution_id=COALESCE($4, execution_id), updated_at=NOW()
		WHERE id=$1 AND batch_id=$2 AND status NOT IN ($5, $6)
	`, result.AssignmentID, batchID, result.Status(), nullableUUID(result.ExecutionID),
		domain.AssignmentExecutedPass, domain.AssignmentExecutedFail)
	if err != nil {
		r.logger.Error("update assignment failed",
			"assignment_id", result.AssignmentID,
			"batch_id", batchID,
			"error", err,
		)
		return domain.BatchRun{}, err
	}

	if cmd.RowsAffected() == 0 {
		var status domain.AssignmentStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM assignments WHERE id=$1 AND batch_id=$2`,
			result.AssignmentID, batchID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BatchRun{}, domain.ErrAssignmentNotFound
		}
		if err != nil {
			r.logger.Error("read assignment failed", "assignment_id", result.AssignmentID, "error", err)
			return domain.BatchRun{}, err
		}

		r.logger.Warn("assignment already completed, counters unchanged",
			"assignment_id", result.AssignmentID,
			"batch_id", batchID,
			"status", status,
		)
		b, err := scanBatch(tx.QueryRow(ctx,
			`SELECT `+batchColumns+` FROM batch_runs WHERE id=$1`,
			batchID,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.BatchRun{}, domain.ErrBatchNotFound
			}
			return domain.BatchRun{}, err
		}
		return b, tx.Commit(ctx)
	}

	b, err := scanBatch(tx.QueryRow(ctx, `
		UPDATE batch_runs
		SET completed_count = LEAST(completed_count + 1, total_count),
		    passed_count = CASE
		        WHEN $2 THEN LEAST(passed_count + 1, LEAST(completed_count + 1, total_count))
		        ELSE passed_count
		    END,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id=$1
		RETURNING `+batchColumns,
		batchID, result.Passed,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BatchRun{}, domain.ErrBatchNotFound
		}
		r.logger.Error("update batch counters failed", "batch_id", batchID, "error", err)
		return domain.BatchRun{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit assignment completion failed", "batch_id", batchID, "error", err)
		return domain.BatchRun{}, err
	}
	return b, nil
}

func (r *BatchRepository) GetAssignment(ctx context.Context, assignmentID int64) (domain.Assignment, error) {
	var (
		a       domain.Assignment
		batchID *int64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, batch_id, test_case_id, status, execution_id
		FROM assignments
		WHERE id=$1
	`, assignmentID).Scan(&a.ID, &batchID, &a.TestCaseID, &a.Status, &a.ExecutionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Assignment{}, domain.ErrAssignmentNotFound
		}
		r.logger.Error("get assignment failed", "assignment_id", assignmentID, "error", err)
		return domain.Assignment{}, err
	}
	if batchID != nil {
		a.BatchID = *batchID
	}
	return a, nil
}

// RecordAssignmentResult sets the outcome of an assignment that belongs to
// no batch. Batch assignments only change through CompleteAssignment.
func (r *BatchRepository) RecordAssignmentResult(ctx context.Context, result domain.AssignmentResult) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE assignments
		SET status=$2, execution_id=COALESCE($3, execution_id), updated_at=NOW()
		WHERE id=$1 AND batch_id IS NULL
	`, result.AssignmentID, result.Status(), nullableUUID(result.ExecutionID))
	if err != nil {
		r.logger.Error("record assignment result failed", "assignment_id", result.AssignmentID, "error", err)
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := r.GetAssignment(ctx, result.AssignmentID); err != nil {
			return err
		}
		return domain.ErrAssignmentInBatch
	}
	return nil
}

// HeartbeatBatch refreshes the heartbeat of an IN_PROGRESS batch so the
// worker does not reclaim it while an assignment is still running.
func (r *BatchRepository) HeartbeatBatch(ctx context.Context, batchID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE batch_runs SET heartbeat_at=NOW() WHERE id=$1 AND status=$2`,
		batchID, domain.BatchInProgress,
	)
	if err != nil {
		r.logger.Error("batch heartbeat failed", "batch_id", batchID, "error", err)
	}
	return err
}

func (r *BatchRepository) SaveLaunchSpec(ctx context.Context, batchID int64, spec domain.LaunchSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	cmd, err := r.pool.Exec(ctx,
		`UPDATE batch_runs SET launch=$2, updated_at=NOW() WHERE id=$1`,
		batchID, raw,
	)
	if err != nil {
		r.logger.Error("save launch spec failed", "batch_id", batchID, "error", err)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrBatchNotFound
	}
	return nil
}

// ClaimStaleBatch picks one IN_PROGRESS batch with a launch spec whose
// heartbeat is older than staleAfter and refreshes its heartbeat so other
// workers skip it. Batches listed in exclude are ignored.
func (r *BatchRepository) ClaimStaleBatch(ctx context.Context, staleAfter time.Duration, exclude []int64) (domain.BatchRun, domain.LaunchSpec, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.BatchRun{}, domain.LaunchSpec{}, false, err
	}
	defer tx.Rollback(ctx)

	if exclude == nil {
		exclude = []int64{}
	}
	staleBefore := time.Now().Add(-staleAfter)

	var (
		b   domain.BatchRun
		raw []byte
	)
	err = tx.QueryRow(ctx, `
		SELECT `+batchColumns+`, launch
		FROM batch_runs
		WHERE status=$1
		  AND launch IS NOT NULL
		  AND (heartbeat_at IS NULL OR heartbeat_at < $2)
		  AND NOT (id = ANY($3))
		ORDER BY heartbeat_at ASC NULLS FIRST, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, domain.BatchInProgress, staleBefore, exclude).Scan(
		&b.ID, &b.Name, &b.Total, &b.Completed, &b.Passed, &b.Status, &b.HeartbeatAt, &raw,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BatchRun{}, domain.LaunchSpec{}, false, nil
		}
		r.logger.Error("claim stale batch failed", "error", err)
		return domain.BatchRun{}, domain.LaunchSpec{}, false, err
	}

	var spec domain.LaunchSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		r.logger.Error("decode launch spec failed", "batch_id", b.ID, "error", err)
		return domain.BatchRun{}, domain.LaunchSpec{}, false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batch_runs SET heartbeat_at=NOW() WHERE id=$1`,
		b.ID,
	); err != nil {
		r.logger.Error("claim heartbeat failed", "batch_id", b.ID, "error", err)
		return domain.BatchRun{}, domain.LaunchSpec{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit claim failed", "batch_id", b.ID, "error", err)
		return domain.BatchRun{}, domain.LaunchSpec{}, false, err
	}

	r.logger.Info("stale batch claimed",
		"batch_id", b.ID,
		"completed", b.Completed,
		"total", b.Total,
	)
	return b, spec, true, nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
