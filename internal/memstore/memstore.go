// SPDX-License-Identifier: Apache-2.0

// Package memstore is an in-memory implementation of the execution ledger,
// step catalog and batch store. It backs tests and dry runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/google/uuid"
)

type Store struct {
	mu sync.Mutex

	steps       map[int64][]domain.StepDefinition
	executions  map[uuid.UUID]*domain.Execution
	attempts    []domain.StepAttempt
	batches     map[int64]*domain.BatchRun
	assignments map[int64]*domain.Assignment
	launches    map[int64]domain.LaunchSpec
	heartbeats  map[int64]int
	nextID      int64
}

func New() *Store {
	return &Store{
		steps:       map[int64][]domain.StepDefinition{},
		executions:  map[uuid.UUID]*domain.Execution{},
		batches:     map[int64]*domain.BatchRun{},
		assignments: map[int64]*domain.Assignment{},
		launches:    map[int64]domain.LaunchSpec{},
		heartbeats:  map[int64]int{},
	}
}

// ---------------- CATALOG ----------------

// PutSteps replaces the steps of a test case.
func (s *Store) PutSteps(testCaseID int64, steps ...domain.StepDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.StepDefinition, len(steps))
	for i, st := range steps {
		st.TestCaseID = testCaseID
		out[i] = st
	}
	s.steps[testCaseID] = out
}

func (s *Store) ListSteps(_ context.Context, testCaseID int64) ([]domain.StepDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.steps[testCaseID]
	if !ok {
		return nil, domain.ErrTestCaseNotFound
	}
	out := append([]domain.StepDefinition(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// ---------------- LEDGER ----------------

func (s *Store) CreateExecution(_ context.Context, exec domain.NewExecution) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	s.executions[id] = &domain.Execution{
		ID:           id,
		TestCaseID:   exec.TestCaseID,
		ExecutorID:   exec.ExecutorID,
		AssignmentID: exec.AssignmentID,
		StartTime:    time.Now().UTC(),
		Status:       domain.ExecutionNotExecuted,
		Parameters:   exec.Parameters,
		LogMessage:   "Execution started.",
	}
	return id, nil
}

func (s *Store) AppendStepAttempt(_ context.Context, attempt domain.StepAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[attempt.ExecutionID]; !ok {
		return domain.ErrExecutionNotFound
	}
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *Store) LatestAttempt(_ context.Context, executionID uuid.UUID, stepID int64) (domain.StepAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.attempts) - 1; i >= 0; i-- {
		a := s.attempts[i]
		if a.ExecutionID == executionID && a.StepID == stepID {
			return a, true, nil
		}
	}
	return domain.StepAttempt{}, false, nil
}

func (s *Store) FinalizeExecution(_ context.Context, executionID uuid.UUID, status domain.ExecutionStatus, logMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return domain.ErrExecutionNotFound
	}
	exec.Status = status
	exec.LogMessage = logMessage
	return nil
}

func (s *Store) GetExecution(_ context.Context, executionID uuid.UUID) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	return *exec, nil
}

func (s *Store) ListAttempts(_ context.Context, executionID uuid.UUID) ([]domain.StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[executionID]; !ok {
		return nil, domain.ErrExecutionNotFound
	}
	var out []domain.StepAttempt
	for _, a := range s.attempts {
		if a.ExecutionID == executionID {
			out = append(out, a)
		}
	}
	return out, nil
}

// ---------------- BATCHES ----------------

// CreateAssignment registers an assignment outside any batch.
func (s *Store) CreateAssignment(testCaseID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.assignments[s.nextID] = &domain.Assignment{
		ID:         s.nextID,
		TestCaseID: testCaseID,
		Status:     domain.AssignmentPending,
	}
	return s.nextID
}

// CreateBatch registers a batch with one assignment per test case, in order.
func (s *Store) CreateBatch(name string, testCaseIDs ...int64) domain.BatchRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	b := &domain.BatchRun{
		ID:     s.nextID,
		Name:   name,
		Total:  len(testCaseIDs),
		Status: domain.BatchPending,
	}
	s.batches[b.ID] = b

	for _, tc := range testCaseIDs {
		s.nextID++
		s.assignments[s.nextID] = &domain.Assignment{
			ID:         s.nextID,
			BatchID:    b.ID,
			TestCaseID: tc,
			Status:     domain.AssignmentPending,
		}
	}
	return *b
}

// SetBatch overwrites counters and status, for arranging resume scenarios.
func (s *Store) SetBatch(b domain.BatchRun) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := b
	s.batches[b.ID] = &cp
}

// SetAssignmentStatus overwrites an assignment status.
func (s *Store) SetAssignmentStatus(assignmentID int64, status domain.AssignmentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.assignments[assignmentID]; ok {
		a.Status = status
	}
}

func (s *Store) GetBatch(_ context.Context, batchID int64) (domain.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return domain.BatchRun{}, domain.ErrBatchNotFound
	}
	return *b, nil
}

func (s *Store) TransitionBatch(_ context.Context, batchID int64, from, to domain.BatchStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return false, domain.ErrBatchNotFound
	}
	if b.Status != from {
		return false, nil
	}
	b.Status = to
	s.touch(b)
	return true, nil
}

func (s *Store) ResetBatch(_ context.Context, batchID int64) (domain.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return domain.BatchRun{}, domain.ErrBatchNotFound
	}
	b.Completed = 0
	b.Passed = 0
	b.Status = domain.BatchInProgress
	s.touch(b)

	for _, a := range s.assignments {
		if a.BatchID == batchID {
			a.Status = domain.AssignmentPending
			a.ExecutionID = nil
		}
	}
	return *b, nil
}

func (s *Store) CancelBatch(_ context.Context, batchID int64) (domain.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return domain.BatchRun{}, domain.ErrBatchNotFound
	}
	if b.Status == domain.BatchPending || b.Status == domain.BatchInProgress {
		b.Status = domain.BatchCancelled
	}
	return *b, nil
}

func (s *Store) ListAssignments(_ context.Context, batchID int64) ([]domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batchID]; !ok {
		return nil, domain.ErrBatchNotFound
	}
	var out []domain.Assignment
	for _, a := range s.assignments {
		if a.BatchID == batchID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MarkAssignmentInProgress(_ context.Context, assignmentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentID]
	if !ok {
		return domain.ErrAssignmentNotFound
	}
	a.Status = domain.AssignmentInProgress
	if b, ok := s.batches[a.BatchID]; ok {
		s.touch(b)
	}
	return nil
}

func (s *Store) CompleteAssignment(_ context.Context, batchID int64, result domain.AssignmentResult) (domain.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return domain.BatchRun{}, domain.ErrBatchNotFound
	}
	a, ok := s.assignments[result.AssignmentID]
	if !ok || a.BatchID != batchID {
		return domain.BatchRun{}, domain.ErrAssignmentNotFound
	}
	if a.Status.Executed() {
		return *b, nil
	}

	a.Status = result.Status()
	if result.ExecutionID != uuid.Nil {
		id := result.ExecutionID
		a.ExecutionID = &id
	}

	b.Completed = min(b.Completed+1, b.Total)
	if result.Passed {
		b.Passed = min(b.Passed+1, b.Completed)
	}
	s.touch(b)
	return *b, nil
}

func (s *Store) RecordAssignmentResult(_ context.Context, result domain.AssignmentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[result.AssignmentID]
	if !ok {
		return domain.ErrAssignmentNotFound
	}
	if a.BatchID != 0 {
		return domain.ErrAssignmentInBatch
	}
	a.Status = result.Status()
	if result.ExecutionID != uuid.Nil {
		id := result.ExecutionID
		a.ExecutionID = &id
	}
	return nil
}

func (s *Store) GetAssignment(_ context.Context, assignmentID int64) (domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentID]
	if !ok {
		return domain.Assignment{}, domain.ErrAssignmentNotFound
	}
	return *a, nil
}

func (s *Store) HeartbeatBatch(_ context.Context, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return domain.ErrBatchNotFound
	}
	if b.Status == domain.BatchInProgress {
		s.touch(b)
	}
	s.heartbeats[batchID]++
	return nil
}

// Heartbeats reports how often HeartbeatBatch was called for batchID.
func (s *Store) Heartbeats(batchID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.heartbeats[batchID]
}

func (s *Store) SaveLaunchSpec(_ context.Context, batchID int64, spec domain.LaunchSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batchID]; !ok {
		return domain.ErrBatchNotFound
	}
	s.launches[batchID] = spec
	return nil
}

func (s *Store) LaunchSpec(batchID int64) (domain.LaunchSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.launches[batchID]
	return spec, ok
}

func (s *Store) touch(b *domain.BatchRun) {
	now := time.Now().UTC()
	b.HeartbeatAt = &now
}
