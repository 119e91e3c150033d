// SPDX-License-Identifier: Apache-2.0

package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestAttemptReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.CreateExecution(ctx, domain.NewExecution{TestCaseID: 1})
	require.NoError(t, err)

	_, ok, err := s.LatestAttempt(ctx, id, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AppendStepAttempt(ctx, domain.StepAttempt{ID: uuid.New(), ExecutionID: id, StepID: 10, Status: domain.AttemptFail}))
	require.NoError(t, s.AppendStepAttempt(ctx, domain.StepAttempt{ID: uuid.New(), ExecutionID: id, StepID: 11, Status: domain.AttemptFail}))
	require.NoError(t, s.AppendStepAttempt(ctx, domain.StepAttempt{ID: uuid.New(), ExecutionID: id, StepID: 10, Status: domain.AttemptPass}))

	got, ok, err := s.LatestAttempt(ctx, id, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.AttemptPass, got.Status)

	err = s.AppendStepAttempt(ctx, domain.StepAttempt{ExecutionID: uuid.New()})
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
}

func TestCompleteAssignmentCounters(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := s.CreateBatch("smoke", 1, 2)

	list, err := s.ListAssignments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)

	got, err := s.CompleteAssignment(ctx, b.ID, domain.AssignmentResult{AssignmentID: list[0].ID, ExecutionID: uuid.New(), Passed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Completed)
	assert.Equal(t, 1, got.Passed)
	assert.NotNil(t, got.HeartbeatAt)

	got, err = s.CompleteAssignment(ctx, b.ID, domain.AssignmentResult{AssignmentID: list[1].ID})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Completed)
	assert.Equal(t, 1, got.Passed)

	// a second completion of an executed assignment changes nothing
	got, err = s.CompleteAssignment(ctx, b.ID, domain.AssignmentResult{AssignmentID: list[1].ID, Passed: true})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Completed)
	assert.Equal(t, 1, got.Passed)

	list, err = s.ListAssignments(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentExecutedPass, list[0].Status)
	assert.NotNil(t, list[0].ExecutionID)
}

func TestTransitionAndReset(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := s.CreateBatch("smoke", 1)

	ok, err := s.TransitionBatch(ctx, b.ID, domain.BatchInProgress, domain.BatchCompletedPass)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TransitionBatch(ctx, b.ID, domain.BatchPending, domain.BatchInProgress)
	require.NoError(t, err)
	assert.True(t, ok)

	list, _ := s.ListAssignments(ctx, b.ID)
	_, err = s.CompleteAssignment(ctx, b.ID, domain.AssignmentResult{AssignmentID: list[0].ID})
	require.NoError(t, err)

	reset, err := s.ResetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchInProgress, reset.Status)
	assert.Zero(t, reset.Completed)

	list, _ = s.ListAssignments(ctx, b.ID)
	assert.Equal(t, domain.AssignmentPending, list[0].Status)
	assert.Nil(t, list[0].ExecutionID)

	_, err = s.GetBatch(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestCancelBatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := s.CreateBatch("smoke", 1)

	got, err := s.CancelBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCancelled, got.Status)

	done := s.CreateBatch("done", 1)
	s.SetBatch(domain.BatchRun{ID: done.ID, Total: 1, Completed: 1, Passed: 1, Status: domain.BatchCompletedPass})
	got, err = s.CancelBatch(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCompletedPass, got.Status)
}

func TestListStepsOrdered(t *testing.T) {
	s := New()
	s.PutSteps(3,
		domain.StepDefinition{ID: 2, Order: 2},
		domain.StepDefinition{ID: 1, Order: 1},
	)

	steps, err := s.ListSteps(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, int64(1), steps[0].ID)
	assert.Equal(t, int64(3), steps[0].TestCaseID)

	_, err = s.ListSteps(context.Background(), 4)
	assert.ErrorIs(t, err, domain.ErrTestCaseNotFound)
}

func TestCompleteAssignmentTwiceKeepsFailVerdict(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := s.CreateBatch("smoke", 1, 2)
	list, err := s.ListAssignments(ctx, b.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = s.CompleteAssignment(ctx, b.ID, domain.AssignmentResult{AssignmentID: list[0].ID, Passed: true})
		require.NoError(t, err)
	}
	got, err := s.CompleteAssignment(ctx, b.ID, domain.AssignmentResult{AssignmentID: list[1].ID})
	require.NoError(t, err)

	assert.Equal(t, 2, got.Completed)
	assert.Equal(t, 1, got.Passed)
	final, ok := got.FinalStatus()
	require.True(t, ok)
	assert.Equal(t, domain.BatchCompletedFail, final)
}

func TestRecordAssignmentResultOnlyOutsideBatches(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := s.CreateBatch("smoke", 1)
	list, err := s.ListAssignments(ctx, b.ID)
	require.NoError(t, err)

	err = s.RecordAssignmentResult(ctx, domain.AssignmentResult{AssignmentID: list[0].ID, Passed: true})
	assert.ErrorIs(t, err, domain.ErrAssignmentInBatch)

	a, err := s.GetAssignment(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentPending, a.Status)
	assert.Equal(t, b.ID, a.BatchID)

	adHoc := s.CreateAssignment(1)
	require.NoError(t, s.RecordAssignmentResult(ctx, domain.AssignmentResult{AssignmentID: adHoc, ExecutionID: uuid.New(), Passed: true}))
	a, err = s.GetAssignment(ctx, adHoc)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentExecutedPass, a.Status)
	assert.Zero(t, a.BatchID)

	_, err = s.GetAssignment(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrAssignmentNotFound)
}

func TestHeartbeatBatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := s.CreateBatch("smoke", 1)

	require.NoError(t, s.HeartbeatBatch(ctx, b.ID))
	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, got.HeartbeatAt, "pending batches keep no heartbeat")

	_, err = s.TransitionBatch(ctx, b.ID, domain.BatchPending, domain.BatchInProgress)
	require.NoError(t, err)
	old := time.Now().UTC().Add(-time.Hour)
	got.Status = domain.BatchInProgress
	got.HeartbeatAt = &old
	s.SetBatch(got)

	require.NoError(t, s.HeartbeatBatch(ctx, b.ID))
	got, err = s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.HeartbeatAt)
	assert.WithinDuration(t, time.Now(), *got.HeartbeatAt, time.Minute)
	assert.Equal(t, 2, s.Heartbeats(b.ID))

	assert.ErrorIs(t, s.HeartbeatBatch(ctx, 999), domain.ErrBatchNotFound)
}
