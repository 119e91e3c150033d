// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusConstants(t *testing.T) {
	assert.Equal(t, ExecutionStatus("NOT_EXECUTED"), ExecutionNotExecuted)
	assert.Equal(t, ExecutionStatus("PASS"), ExecutionPass)
	assert.Equal(t, ExecutionStatus("FAIL"), ExecutionFail)
	assert.Equal(t, AssignmentStatus("EXECUTED_PASS"), AssignmentExecutedPass)
	assert.Equal(t, BatchStatus("COMPLETED_FAIL"), BatchCompletedFail)
	assert.Equal(t, BatchStatus("CANCELLED"), BatchCancelled)
}

func TestBatchFinalStatus(t *testing.T) {
	cases := []struct {
		name      string
		batch     BatchRun
		want      BatchStatus
		wantFinal bool
	}{
		{name: "all passed", batch: BatchRun{Total: 3, Completed: 3, Passed: 3}, want: BatchCompletedPass, wantFinal: true},
		{name: "one failed", batch: BatchRun{Total: 3, Completed: 3, Passed: 2}, want: BatchCompletedFail, wantFinal: true},
		{name: "outstanding", batch: BatchRun{Total: 3, Completed: 2, Passed: 2}, wantFinal: false},
		{name: "nothing run", batch: BatchRun{Total: 3}, wantFinal: false},
	}

	for _, tc := range cases {
		got, final := tc.batch.FinalStatus()
		assert.Equal(t, tc.wantFinal, final, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestBatchRunnable(t *testing.T) {
	for status, want := range map[BatchStatus]bool{
		BatchPending:       true,
		BatchInProgress:    true,
		BatchCompletedFail: true,
		BatchCompletedPass: false,
		BatchCancelled:     false,
	} {
		assert.Equal(t, want, BatchRun{Status: status}.Runnable(), string(status))
	}
}

func TestBatchLeaseHeld(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Minute)
	stale := now.Add(-20 * time.Minute)
	ttl := 10 * time.Minute

	cases := []struct {
		name  string
		batch BatchRun
		ttl   time.Duration
		want  bool
	}{
		{name: "fresh heartbeat", batch: BatchRun{Status: BatchInProgress, HeartbeatAt: &fresh}, ttl: ttl, want: true},
		{name: "stale heartbeat", batch: BatchRun{Status: BatchInProgress, HeartbeatAt: &stale}, ttl: ttl},
		{name: "no heartbeat", batch: BatchRun{Status: BatchInProgress}, ttl: ttl},
		{name: "not in progress", batch: BatchRun{Status: BatchCompletedFail, HeartbeatAt: &fresh}, ttl: ttl},
		{name: "lease disabled", batch: BatchRun{Status: BatchInProgress, HeartbeatAt: &fresh}},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.batch.LeaseHeld(now, tc.ttl), tc.name)
	}
}

func TestParameterSetResolve(t *testing.T) {
	params := ParameterSet{"amount": "250"}

	got, ok := params.Resolve(StaticInput("1"))
	assert.True(t, ok)
	assert.Equal(t, "1", got)

	got, ok = params.Resolve(DynamicInput("amount", "{amount}"))
	assert.True(t, ok)
	assert.Equal(t, "250", got)

	got, ok = params.Resolve(DynamicInput("account", "{account}"))
	assert.False(t, ok)
	assert.Equal(t, "{account}", got, "unresolved input falls back to its template")
}

func TestParseKeywords(t *testing.T) {
	assert.Equal(t, []string{"Enter", "PIN", "Now"}, ParseKeywords(" Enter , PIN,, ,Now "))
	assert.Empty(t, ParseKeywords(""))
}

func TestLooksLikeInitiationCode(t *testing.T) {
	for in, want := range map[string]bool{
		"*123#":   true,
		" *815# ": true,
		"*#":      true,
		"123#":    false,
		"*123":    false,
		"1":       false,
		"":        false,
	} {
		assert.Equal(t, want, LooksLikeInitiationCode(in), in)
	}
}

func TestBatchScope(t *testing.T) {
	assert.Equal(t, RunScope("batch:42"), BatchScope(42))
}

func TestRunScopeBatchID(t *testing.T) {
	id, ok := BatchScope(42).BatchID()
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = AdHocScope.BatchID()
	assert.False(t, ok, "ad-hoc scope carries no batch")

	_, ok = RunScope("batch:x").BatchID()
	assert.False(t, ok, "malformed scope is rejected")
}
