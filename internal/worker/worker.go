// SPDX-License-Identifier: Apache-2.0

// Package worker resumes batches whose run was interrupted, for example by a
// process restart, using the launch spec persisted when they were started.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/driver"
	"github.com/adiadia/ussd-runner/internal/launcher"
	"github.com/adiadia/ussd-runner/internal/metrics"
	"github.com/adiadia/ussd-runner/internal/orchestrator"
)

type Claimer interface {
	ClaimStaleBatch(ctx context.Context, staleAfter time.Duration, exclude []int64) (domain.BatchRun, domain.LaunchSpec, bool, error)
}

type BatchLauncher interface {
	LaunchBatch(ctx context.Context, req orchestrator.BatchRequest) (launcher.Info, error)
}

// ActiveBatches lists batches already running in this process.
type ActiveBatches interface {
	BatchIDs() []int64
}

type Deps struct {
	Batches      Claimer
	Launcher     BatchLauncher
	Active       ActiveBatches
	Logger       *slog.Logger
	ReclaimAfter time.Duration
	PollInterval time.Duration
}

type Worker struct {
	batches      Claimer
	launcher     BatchLauncher
	active       ActiveBatches
	logger       *slog.Logger
	reclaimAfter time.Duration
	pollInterval time.Duration
}

func New(deps Deps) *Worker {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	reclaim := deps.ReclaimAfter
	if reclaim <= 0 {
		reclaim = 10 * time.Minute
	}

	poll := deps.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}

	return &Worker{
		batches:      deps.Batches,
		launcher:     deps.Launcher,
		active:       deps.Active,
		logger:       l,
		reclaimAfter: reclaim,
		pollInterval: poll,
	}
}

// ProcessOnce claims at most one stale batch and launches it. It reports
// whether a batch was claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	var exclude []int64
	if w.active != nil {
		exclude = w.active.BatchIDs()
	}

	batch, spec, ok, err := w.batches.ClaimStaleBatch(ctx, w.reclaimAfter, exclude)
	if err != nil {
		w.logger.Error("claim stale batch failed", "error", err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	if d, ok := claimDelay(batch, time.Now(), w.reclaimAfter); ok {
		metrics.ObserveBatchClaimLatency(d)
	}

	w.logger.Info("stale batch claimed",
		"batch_id", batch.ID,
		"completed", batch.Completed,
		"total", batch.Total,
		"device_id", spec.DeviceID,
	)

	_, err = w.launcher.LaunchBatch(ctx, orchestrator.BatchRequest{
		BatchID:    batch.ID,
		ExecutorID: spec.ExecutorID,
		Target: driver.Target{
			DeviceID:        spec.DeviceID,
			PlatformVersion: spec.PlatformVersion,
		},
		Inputs:   spec.Inputs,
		Takeover: true,
	})
	switch {
	case err == nil:
		w.logger.Info("batch resumed", "batch_id", batch.ID)
		return true, nil
	case errors.Is(err, domain.ErrRunActive),
		errors.Is(err, domain.ErrDeviceBusy),
		errors.Is(err, domain.ErrBatchNotRunnable):
		// the claim refreshed the heartbeat; the batch is retried after reclaimAfter
		w.logger.Warn("stale batch not resumed", "batch_id", batch.ID, "reason", err)
		return true, nil
	default:
		w.logger.Error("resume batch failed", "batch_id", batch.ID, "error", err)
		return true, err
	}
}

// claimDelay is how long the batch stayed claimable before it was claimed,
// measured from its last heartbeat plus the reclaim age. Batches that never
// heartbeated are not measured.
func claimDelay(batch domain.BatchRun, now time.Time, reclaimAfter time.Duration) (time.Duration, bool) {
	if batch.HeartbeatAt == nil {
		return 0, false
	}
	return max(now.Sub(*batch.HeartbeatAt)-reclaimAfter, 0), true
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started",
		"reclaim_after", w.reclaimAfter,
		"poll_interval", w.pollInterval,
	)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		case <-ticker.C:
			for {
				claimed, err := w.ProcessOnce(ctx)
				if err != nil || !claimed || ctx.Err() != nil {
					break
				}
			}
		}
	}
}
