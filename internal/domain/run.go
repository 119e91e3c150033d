// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionNotExecuted ExecutionStatus = "NOT_EXECUTED"
	ExecutionPass        ExecutionStatus = "PASS"
	ExecutionFail        ExecutionStatus = "FAIL"
)

// ExecutionParameters is the snapshot stored with an execution.
// Passwords are never part of it, only whether one was supplied.
type ExecutionParameters struct {
	DeviceID         string       `json:"device_id"`
	PlatformVersion  string       `json:"android_version"`
	ExecutorID       int64        `json:"executor_id"`
	AssignmentID     *int64       `json:"assignment_id,omitempty"`
	DynamicInputs    ParameterSet `json:"dynamic_inputs"`
	PasswordProvided bool         `json:"password_provided"`
}

type Execution struct {
	ID           uuid.UUID           `json:"id"`
	TestCaseID   int64               `json:"test_case_id"`
	ExecutorID   int64               `json:"executor_id"`
	AssignmentID *int64              `json:"assignment_id,omitempty"`
	StartTime    time.Time           `json:"start_time"`
	Status       ExecutionStatus     `json:"status"`
	Parameters   ExecutionParameters `json:"parameters"`
	LogMessage   string              `json:"log_message"`
}

type NewExecution struct {
	TestCaseID   int64
	ExecutorID   int64
	AssignmentID *int64
	Parameters   ExecutionParameters
}

// RunScope identifies one logical run for exclusivity purposes.
type RunScope string

const AdHocScope RunScope = "adhoc"

func BatchScope(batchID int64) RunScope {
	return RunScope("batch:" + itoa(batchID))
}

// BatchID returns the batch a batch scope refers to.
func (s RunScope) BatchID() (int64, bool) {
	raw, ok := strings.CutPrefix(string(s), "batch:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
