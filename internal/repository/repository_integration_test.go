//go:build integration

// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/persistence/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionLedgerIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	steps := NewStepRepository(pool, logger)
	ledger := NewExecutionRepository(pool, logger)

	tcID, err := steps.CreateTestCase(ctx, "balance", []domain.StepDefinition{
		{Order: 2, Input: domain.DynamicInput("pin", "{pin}"), ExpectedKeywords: []string{"Balance"}},
		{Order: 1, Input: domain.StaticInput("*123#"), ExpectedKeywords: []string{"Welcome", "Bank"}},
	})
	require.NoError(t, err)

	list, err := steps.ListSteps(ctx, tcID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Order)
	assert.Equal(t, domain.InputDynamic, list[1].Input.Kind)
	assert.Equal(t, []string{"Welcome", "Bank"}, list[0].ExpectedKeywords)

	_, err = steps.ListSteps(ctx, tcID+1000)
	assert.ErrorIs(t, err, domain.ErrTestCaseNotFound)

	execID, err := ledger.CreateExecution(ctx, domain.NewExecution{
		TestCaseID: tcID,
		Parameters: domain.ExecutionParameters{DeviceID: "dev-1", DynamicInputs: domain.ParameterSet{"pin": "1234"}},
	})
	require.NoError(t, err)

	exec, err := ledger.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionNotExecuted, exec.Status)
	assert.Equal(t, "dev-1", exec.Parameters.DeviceID)

	_, ok, err := ledger.LatestAttempt(ctx, execID, list[0].ID)
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Now().UTC()
	for _, status := range []domain.AttemptStatus{domain.AttemptPass, domain.AttemptFail} {
		require.NoError(t, ledger.AppendStepAttempt(ctx, domain.StepAttempt{
			ID:          uuid.New(),
			ExecutionID: execID,
			StepID:      list[0].ID,
			Order:       1,
			Status:      status,
			StartTime:   now,
			EndTime:     now,
		}))
	}

	latest, ok, err := ledger.LatestAttempt(ctx, execID, list[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.AttemptFail, latest.Status)

	attempts, err := ledger.ListAttempts(ctx, execID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.AttemptPass, attempts[0].Status)

	require.NoError(t, ledger.FinalizeExecution(ctx, execID, domain.ExecutionFail, "failed"))
	require.NoError(t, ledger.FinalizeExecution(ctx, execID, domain.ExecutionPass, "passed"))
	exec, err = ledger.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionPass, exec.Status, "last writer wins")
	assert.Equal(t, "passed", exec.LogMessage)

	err = ledger.FinalizeExecution(ctx, uuid.New(), domain.ExecutionPass, "")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
}

func TestBatchRepositoryIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	steps := NewStepRepository(pool, logger)
	batches := NewBatchRepository(pool, logger)
	ids := createCases(t, ctx, steps, "a", "b", "c")

	b, err := batches.CreateBatch(ctx, "nightly", ids)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Total)
	assert.Equal(t, domain.BatchPending, b.Status)

	moved, err := batches.TransitionBatch(ctx, b.ID, domain.BatchPending, domain.BatchInProgress)
	require.NoError(t, err)
	assert.True(t, moved)
	moved, err = batches.TransitionBatch(ctx, b.ID, domain.BatchPending, domain.BatchInProgress)
	require.NoError(t, err)
	assert.False(t, moved, "second transition should not move")

	require.NoError(t, batches.SaveLaunchSpec(ctx, b.ID, domain.LaunchSpec{DeviceID: "dev-1", Inputs: map[string]string{"pin": "1"}}))

	list, err := batches.ListAssignments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[0], list[0].TestCaseID)

	require.NoError(t, batches.MarkAssignmentInProgress(ctx, list[0].ID))

	execID, err := NewExecutionRepository(pool, logger).CreateExecution(ctx, domain.NewExecution{TestCaseID: ids[0]})
	require.NoError(t, err)

	got, err := batches.CompleteAssignment(ctx, b.ID, domain.AssignmentResult{AssignmentID: list[0].ID, ExecutionID: execID, Passed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Completed)
	assert.Equal(t, 1, got.Passed)

	got, err = batches.CompleteAssignment(ctx, b.ID, domain.AssignmentResult{AssignmentID: list[1].ID})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Completed)
	assert.Equal(t, 1, got.Passed)

	_, err = batches.CompleteAssignment(ctx, b.ID, domain.AssignmentResult{AssignmentID: 999999})
	assert.ErrorIs(t, err, domain.ErrAssignmentNotFound)

	list, err = batches.ListAssignments(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentExecutedPass, list[0].Status)
	require.NotNil(t, list[0].ExecutionID)
	assert.Equal(t, execID, *list[0].ExecutionID)
	assert.Equal(t, domain.AssignmentExecutedFail, list[1].Status)

	// a fresh heartbeat keeps the batch from being claimed
	_, _, ok, err := batches.ClaimStaleBatch(ctx, time.Hour, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, spec, ok, err := batches.ClaimStaleBatch(ctx, -time.Minute, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.ID, claimed.ID)
	assert.Equal(t, "dev-1", spec.DeviceID)
	assert.Equal(t, "1", spec.Inputs["pin"])

	_, _, ok, err = batches.ClaimStaleBatch(ctx, -time.Minute, []int64{b.ID})
	require.NoError(t, err)
	assert.False(t, ok, "excluded batch is skipped")

	reset, err := batches.ResetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, reset.Completed)
	assert.Zero(t, reset.Passed)
	assert.Equal(t, domain.BatchInProgress, reset.Status)

	cancelled, err := batches.CancelBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCancelled, cancelled.Status)

	_, err = batches.GetBatch(ctx, b.ID+1000)
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestCompleteAssignmentIsIdempotentIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	batches := NewBatchRepository(pool, logger)
	ids := createCases(t, ctx, NewStepRepository(pool, logger), "a", "b")

	b, err := batches.CreateBatch(ctx, "nightly", ids)
	require.NoError(t, err)
	list, err := batches.ListAssignments(ctx, b.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = batches.CompleteAssignment(ctx, b.ID, domain.AssignmentResult{AssignmentID: list[0].ID, Passed: true})
		require.NoError(t, err)
	}
	got, err := batches.CompleteAssignment(ctx, b.ID, domain.AssignmentResult{AssignmentID: list[1].ID})
	require.NoError(t, err)

	assert.Equal(t, 2, got.Completed)
	assert.Equal(t, 1, got.Passed)
	final, ok := got.FinalStatus()
	require.True(t, ok)
	assert.Equal(t, domain.BatchCompletedFail, final)
}

func TestAssignmentOwnershipIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	batches := NewBatchRepository(pool, logger)
	ids := createCases(t, ctx, NewStepRepository(pool, logger), "a")

	b, err := batches.CreateBatch(ctx, "nightly", ids)
	require.NoError(t, err)
	list, err := batches.ListAssignments(ctx, b.ID)
	require.NoError(t, err)

	err = batches.RecordAssignmentResult(ctx, domain.AssignmentResult{AssignmentID: list[0].ID, Passed: true})
	assert.ErrorIs(t, err, domain.ErrAssignmentInBatch)

	a, err := batches.GetAssignment(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, a.BatchID)
	assert.Equal(t, domain.AssignmentPending, a.Status)

	adHoc, err := batches.CreateAssignment(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, batches.RecordAssignmentResult(ctx, domain.AssignmentResult{AssignmentID: adHoc, Passed: true}))
	a, err = batches.GetAssignment(ctx, adHoc)
	require.NoError(t, err)
	assert.Zero(t, a.BatchID)
	assert.Equal(t, domain.AssignmentExecutedPass, a.Status)

	err = batches.RecordAssignmentResult(ctx, domain.AssignmentResult{AssignmentID: 999999})
	assert.ErrorIs(t, err, domain.ErrAssignmentNotFound)
}

func TestHeartbeatBatchIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	batches := NewBatchRepository(pool, logger)
	ids := createCases(t, ctx, NewStepRepository(pool, logger), "a")

	b, err := batches.CreateBatch(ctx, "nightly", ids)
	require.NoError(t, err)
	_, err = batches.TransitionBatch(ctx, b.ID, domain.BatchPending, domain.BatchInProgress)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `UPDATE batch_runs SET heartbeat_at = NOW() - INTERVAL '1 hour' WHERE id=$1`, b.ID)
	require.NoError(t, err)

	require.NoError(t, batches.HeartbeatBatch(ctx, b.ID))
	got, err := batches.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.HeartbeatAt)
	assert.WithinDuration(t, time.Now(), *got.HeartbeatAt, time.Minute)
}

func createCases(t *testing.T, ctx context.Context, steps *StepRepository, names ...string) []int64 {
	t.Helper()

	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, err := steps.CreateTestCase(ctx, name, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func truncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE step_attempts, executions, assignments, batch_runs, steps, test_cases RESTART IDENTITY CASCADE`)
	return err
}

// integrationPool returns a pool over a freshly truncated schema.
func integrationPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create pgx pool (%v)", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	if err := postgres.EnsureSchema(ctx, pool, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		pool.Close()
		t.Skipf("skip integration test: schema bootstrap failed (%v)", err)
	}

	if err := truncateAll(ctx, pool); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	return pool
}
