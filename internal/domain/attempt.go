// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type AttemptStatus string

const (
	AttemptPass AttemptStatus = "PASS"
	AttemptFail AttemptStatus = "FAIL"
)

// StepAttempt is one append-only record of a step being evaluated.
// A step revisited through adaptive recovery has several attempts.
type StepAttempt struct {
	ID             uuid.UUID     `json:"id"`
	ExecutionID    uuid.UUID     `json:"execution_id"`
	StepID         int64         `json:"step_id"`
	Order          int           `json:"order"`
	ActualInput    string        `json:"actual_input"`
	ActualResponse string        `json:"actual_response"`
	Status         AttemptStatus `json:"status"`
	ScreenshotRef  string        `json:"screenshot_ref,omitempty"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	DurationMs     int64         `json:"duration_ms"`
	Note           string        `json:"note"`
}
