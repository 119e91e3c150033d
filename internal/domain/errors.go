// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrBatchNotFound = errors.New("batch not found")
var ErrBatchNotRunnable = errors.New("batch is not runnable")
var ErrBatchIncomplete = errors.New("batch has outstanding assignments")
var ErrAssignmentNotFound = errors.New("assignment not found")
var ErrExecutionNotFound = errors.New("execution not found")
var ErrTestCaseNotFound = errors.New("test case not found")
var ErrNoSteps = errors.New("test case has no steps")
var ErrRunActive = errors.New("run already active")
var ErrDeviceBusy = errors.New("device already in use")
var ErrBatchCancelled = errors.New("batch cancelled")
var ErrAssignmentInBatch = errors.New("assignment belongs to a batch")
var ErrAssignmentMismatch = errors.New("assignment is for another test case")
