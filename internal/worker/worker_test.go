// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/launcher"
	"github.com/adiadia/ussd-runner/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClaimer struct {
	batches    []domain.BatchRun
	spec       domain.LaunchSpec
	err        error
	staleAfter time.Duration
	excluded   [][]int64
}

func (f *fakeClaimer) ClaimStaleBatch(_ context.Context, staleAfter time.Duration, exclude []int64) (domain.BatchRun, domain.LaunchSpec, bool, error) {
	f.staleAfter = staleAfter
	f.excluded = append(f.excluded, exclude)
	if f.err != nil {
		return domain.BatchRun{}, domain.LaunchSpec{}, false, f.err
	}
	if len(f.batches) == 0 {
		return domain.BatchRun{}, domain.LaunchSpec{}, false, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, f.spec, true, nil
}

type fakeLauncher struct {
	err  error
	reqs []orchestrator.BatchRequest
}

func (f *fakeLauncher) LaunchBatch(_ context.Context, req orchestrator.BatchRequest) (launcher.Info, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return launcher.Info{}, f.err
	}
	return launcher.Info{Scope: domain.BatchScope(req.BatchID)}, nil
}

type fixedActive []int64

func (f fixedActive) BatchIDs() []int64 {
	return f
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDefaults(t *testing.T) {
	w := New(Deps{})

	require.NotNil(t, w.logger, "expected default logger to be set")
	assert.Equal(t, 10*time.Minute, w.reclaimAfter)
	assert.Equal(t, 5*time.Second, w.pollInterval)
}

func TestNewCustomValues(t *testing.T) {
	logger := discardLogger()
	w := New(Deps{
		Logger:       logger,
		ReclaimAfter: 30 * time.Second,
		PollInterval: time.Second,
	})

	assert.Same(t, logger, w.logger)
	assert.Equal(t, 30*time.Second, w.reclaimAfter)
	assert.Equal(t, time.Second, w.pollInterval)
}

func TestProcessOnceResumesStaleBatch(t *testing.T) {
	claimer := &fakeClaimer{
		batches: []domain.BatchRun{{ID: 7, Total: 3, Completed: 1, Status: domain.BatchInProgress}},
		spec: domain.LaunchSpec{
			ExecutorID:      4,
			DeviceID:        "emulator-5554",
			PlatformVersion: "13",
			Inputs:          map[string]string{"COMMON__pin": "1234"},
		},
	}
	l := &fakeLauncher{}
	w := New(Deps{
		Batches:      claimer,
		Launcher:     l,
		Active:       fixedActive{2, 3},
		Logger:       discardLogger(),
		ReclaimAfter: time.Minute,
	})

	claimed, err := w.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed, "expected a batch to be claimed")
	assert.Equal(t, time.Minute, claimer.staleAfter)
	assert.Equal(t, []int64{2, 3}, claimer.excluded[0], "active batches are excluded")
	require.Len(t, l.reqs, 1)

	req := l.reqs[0]
	assert.Equal(t, int64(7), req.BatchID)
	assert.Equal(t, int64(4), req.ExecutorID)
	assert.Equal(t, "emulator-5554", req.Target.DeviceID)
	assert.Equal(t, "13", req.Target.PlatformVersion)
	assert.Equal(t, "1234", req.Inputs["COMMON__pin"])
	assert.Empty(t, req.Password, "resumed batch runs without a password")
	assert.True(t, req.Takeover, "a claimed batch replaces the lapsed driver")
}

func TestProcessOnceNothingStale(t *testing.T) {
	l := &fakeLauncher{}
	w := New(Deps{Batches: &fakeClaimer{}, Launcher: l, Logger: discardLogger()})

	claimed, err := w.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Empty(t, l.reqs)
}

func TestProcessOnceClaimError(t *testing.T) {
	claimErr := errors.New("db down")
	w := New(Deps{Batches: &fakeClaimer{err: claimErr}, Launcher: &fakeLauncher{}, Logger: discardLogger()})

	_, err := w.ProcessOnce(context.Background())
	assert.ErrorIs(t, err, claimErr)
}

func TestProcessOnceToleratesBusyDevice(t *testing.T) {
	for _, launchErr := range []error{domain.ErrRunActive, domain.ErrDeviceBusy, domain.ErrBatchNotRunnable} {
		w := New(Deps{
			Batches:  &fakeClaimer{batches: []domain.BatchRun{{ID: 1}}},
			Launcher: &fakeLauncher{err: launchErr},
			Logger:   discardLogger(),
		})

		claimed, err := w.ProcessOnce(context.Background())
		require.NoError(t, err, launchErr.Error())
		assert.True(t, claimed, launchErr.Error())
	}
}

func TestProcessOnceLaunchFailure(t *testing.T) {
	launchErr := errors.New("boom")
	w := New(Deps{
		Batches:  &fakeClaimer{batches: []domain.BatchRun{{ID: 1}}},
		Launcher: &fakeLauncher{err: launchErr},
		Logger:   discardLogger(),
	})

	_, err := w.ProcessOnce(context.Background())
	assert.ErrorIs(t, err, launchErr)
}

func TestClaimDelay(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	_, ok := claimDelay(domain.BatchRun{ID: 1}, now, time.Minute)
	assert.False(t, ok, "no heartbeat, nothing to measure")

	beat := now.Add(-15 * time.Minute)
	d, ok := claimDelay(domain.BatchRun{ID: 1, HeartbeatAt: &beat}, now, 10*time.Minute)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, d)

	recent := now.Add(-time.Second)
	d, ok = claimDelay(domain.BatchRun{ID: 1, HeartbeatAt: &recent}, now, 10*time.Minute)
	require.True(t, ok)
	assert.Zero(t, d)
}

func TestRunDrainsStaleBatchesUntilCancelled(t *testing.T) {
	claimer := &fakeClaimer{batches: []domain.BatchRun{{ID: 1}, {ID: 2}}}
	l := &fakeLauncher{}
	w := New(Deps{
		Batches:      claimer,
		Launcher:     l,
		Logger:       discardLogger(),
		PollInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	assert.Len(t, l.reqs, 2, "both stale batches are launched")
}
