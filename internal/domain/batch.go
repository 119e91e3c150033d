// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

type AssignmentStatus string

const (
	AssignmentPending      AssignmentStatus = "PENDING"
	AssignmentInProgress   AssignmentStatus = "IN_PROGRESS"
	AssignmentExecutedPass AssignmentStatus = "EXECUTED_PASS"
	AssignmentExecutedFail AssignmentStatus = "EXECUTED_FAIL"
)

func (s AssignmentStatus) Executed() bool {
	return s == AssignmentExecutedPass || s == AssignmentExecutedFail
}

type BatchStatus string

const (
	BatchPending       BatchStatus = "PENDING"
	BatchInProgress    BatchStatus = "IN_PROGRESS"
	BatchCompletedPass BatchStatus = "COMPLETED_PASS"
	BatchCompletedFail BatchStatus = "COMPLETED_FAIL"
	BatchCancelled     BatchStatus = "CANCELLED"
)

type Assignment struct {
	ID          int64            `json:"id"`
	BatchID     int64            `json:"batch_id"`
	TestCaseID  int64            `json:"test_case_id"`
	Status      AssignmentStatus `json:"status"`
	ExecutionID *uuid.UUID       `json:"execution_id,omitempty"`
}

// AssignmentResult is the outcome written back after a case run.
type AssignmentResult struct {
	AssignmentID int64
	ExecutionID  uuid.UUID
	Passed       bool
}

func (r AssignmentResult) Status() AssignmentStatus {
	if r.Passed {
		return AssignmentExecutedPass
	}
	return AssignmentExecutedFail
}

type BatchRun struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Total       int         `json:"total"`
	Completed   int         `json:"completed"`
	Passed      int         `json:"passed"`
	Status      BatchStatus `json:"status"`
	HeartbeatAt *time.Time  `json:"heartbeat_at,omitempty"`
}

// FinalStatus computes the terminal verdict. It reports false while
// assignments remain outstanding.
func (b BatchRun) FinalStatus() (BatchStatus, bool) {
	if b.Completed < b.Total {
		return "", false
	}
	if b.Passed >= b.Total {
		return BatchCompletedPass, true
	}
	return BatchCompletedFail, true
}

// Runnable reports whether the orchestrator may start or resume the batch.
func (b BatchRun) Runnable() bool {
	switch b.Status {
	case BatchPending, BatchInProgress, BatchCompletedFail:
		return true
	default:
		return false
	}
}

// LeaseHeld reports whether another process may still be driving the batch:
// it is IN_PROGRESS and its heartbeat is younger than ttl. A zero ttl never
// holds.
func (b BatchRun) LeaseHeld(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || b.Status != BatchInProgress || b.HeartbeatAt == nil {
		return false
	}
	return now.Sub(*b.HeartbeatAt) < ttl
}

// LaunchSpec is persisted with a batch so an interrupted run can be resumed
// without the original caller. It never carries the password.
type LaunchSpec struct {
	ExecutorID      int64             `json:"executor_id"`
	DeviceID        string            `json:"device_id"`
	PlatformVersion string            `json:"platform_version"`
	Inputs          map[string]string `json:"inputs"`
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
