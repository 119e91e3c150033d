// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/driver"
	"github.com/adiadia/ussd-runner/internal/matching"
	"github.com/adiadia/ussd-runner/internal/metrics"
	"github.com/google/uuid"
)

// run holds the mutable state of one execution.
type run struct {
	engine *Engine
	cfg    Config
	sess   driver.Session
	execID uuid.UUID
	steps  []domain.StepDefinition
	params domain.ParameterSet
	logger *slog.Logger

	cursor   int
	jumps    int
	override *string
	hardFail string

	attempts    []domain.StepAttempt
	latest      map[int64]domain.StepAttempt
	unpersisted map[int64]bool
}

func (r *run) loop(ctx context.Context) {
	for r.cursor < len(r.steps) {
		if err := ctx.Err(); err != nil {
			r.hardFail = "run cancelled"
			r.logger.Warn("execution cancelled", "cursor", r.cursor, "error", err)
			return
		}

		step := r.steps[r.cursor]
		started := r.engine.now()
		details := make([]string, 0, 4)
		logger := r.logger.With("step_order", step.Order, "cursor", r.cursor, "adaptive_jumps", r.jumps)

		var input, response string
		if r.override != nil {
			response = *r.override
			r.override = nil
			details = append(details, fmt.Sprintf("Started from adaptive probe response %q, input not resent.", clip(response)))
			logger.Info("using probe response", "actual", clip(response))
		} else {
			var resolved bool
			input, resolved = r.params.Resolve(step.Input)
			if !resolved {
				details = append(details, fmt.Sprintf("Parameter %q missing, literal template used.", step.Input.Param))
				logger.Warn("dynamic parameter missing", "param", step.Input.Param)
			}

			var err error
			response, err = r.execute(ctx, logger, input)
			if err != nil {
				details = append(details, fmt.Sprintf("Step error: %v.", err))
				logger.Error("step execution failed", "error", err)
				shot := r.screenshot(ctx, step.Order, "error")
				r.record(ctx, step, input, response, domain.AttemptFail, shot, started, details)
				r.hardFail = fmt.Sprintf("step %d could not be executed", step.Order)
				return
			}
			if response == "" {
				details = append(details, "No response text captured.")
			}
		}

		shot := r.screenshot(ctx, step.Order, "main")

		if matching.Matches(step.ExpectedKeywords, response) {
			details = append(details, fmt.Sprintf("Matched expected keywords. Actual: %q.", response))
			r.record(ctx, step, input, response, domain.AttemptPass, shot, started, details)
			logger.Info("step passed", "actual", clip(response))
			r.cursor++
			continue
		}

		details = append(details, fmt.Sprintf("Mismatch: expected %q not found in %q.",
			strings.Join(step.ExpectedKeywords, ","), response))
		logger.Warn("step mismatch",
			"expected", step.ExpectedKeywords,
			"actual", clip(response),
		)

		if r.jumps >= r.cfg.MaxAdaptiveJumps {
			details = append(details, fmt.Sprintf("Adaptive jump limit %d reached.", r.cfg.MaxAdaptiveJumps))
			r.record(ctx, step, input, response, domain.AttemptFail, shot, started, details)
			r.hardFail = fmt.Sprintf("adaptive jump limit %d reached at step %d", r.cfg.MaxAdaptiveJumps, step.Order)
			logger.Warn("adaptive jump limit reached, hard fail")
			return
		}

		r.record(ctx, step, input, response, domain.AttemptFail, shot, started, details)

		probe := r.probe(ctx, logger, step)
		order, detected := matching.Detect(probe, r.steps)
		target := r.indexOf(order)
		if !detected || target < 0 || target >= r.cursor {
			if detected {
				r.hardFail = fmt.Sprintf("step %d failed and probe detected step %d, which is not earlier", step.Order, order)
			} else {
				r.hardFail = fmt.Sprintf("step %d failed and probe matched no known step", step.Order)
			}
			logger.Warn("adaptive recovery not possible, hard fail",
				"detected_order", order,
				"detected", detected,
				"probe_response", clip(probe),
			)
			return
		}

		logger.Info("adaptive jump",
			"detected_order", order,
			"target_cursor", target,
			"probe_response", clip(probe),
		)
		r.cursor = target
		r.override = &probe
		r.jumps++
		metrics.IncAdaptiveJumps()
	}
}

// execute sends input for the current step and captures the response.
// Capture failures yield an empty response, not an error.
func (r *run) execute(ctx context.Context, logger *slog.Logger, input string) (string, error) {
	if r.cursor == 0 && domain.LooksLikeInitiationCode(input) {
		r.initiate(ctx, logger, strings.TrimSpace(input))
	} else {
		if err := r.sess.SendText(ctx, r.cfg.InputField, input); err != nil {
			return "", fmt.Errorf("send input: %w", err)
		}
		if err := r.sess.Submit(ctx, r.cfg.Submit); err != nil {
			return "", fmt.Errorf("submit: %w", err)
		}
	}

	sleepCtx(ctx, r.cfg.SettleDelay)

	text, ok := r.sess.CaptureText(ctx, r.cfg.ResponseLocators)
	if !ok {
		logger.Warn("no response captured")
		return "", nil
	}
	logger.Debug("response captured", "actual", clip(text))
	return text, nil
}

// initiate dials code until the home screen markers are visible or the
// attempt budget runs out.
func (r *run) initiate(ctx context.Context, logger *slog.Logger, code string) {
	for attempt := 1; attempt <= r.cfg.InitiationAttempts; attempt++ {
		if err := r.sess.Initiate(ctx, code); err != nil {
			logger.Warn("initiation failed", "attempt", attempt, "error", err)
		} else {
			text, ok := r.sess.CaptureText(ctx, r.cfg.InitiationLocators)
			if ok && matching.Matches(r.cfg.HomeMarkers, text) {
				logger.Info("home screen reached", "attempt", attempt)
				return
			}
			logger.Warn("initiation reached unexpected screen",
				"attempt", attempt,
				"actual", clip(text),
				"markers", r.cfg.HomeMarkers,
			)
		}

		if attempt < r.cfg.InitiationAttempts {
			r.sess.CancelOrDismiss(ctx)
		}
	}
	logger.Warn("initiation attempts exhausted", "attempts", r.cfg.InitiationAttempts)
}

// probe sends the recovery symbol when an input field is available and
// otherwise just re-reads the screen.
func (r *run) probe(ctx context.Context, logger *slog.Logger, step domain.StepDefinition) string {
	logger.Info("adaptive probe", "symbol", r.cfg.RecoverySymbol)

	if err := r.sess.SendText(ctx, r.cfg.InputField, r.cfg.RecoverySymbol); err != nil {
		logger.Warn("probe input unavailable, reading current screen", "error", err)
	} else if err := r.sess.Submit(ctx, r.cfg.Submit); err != nil {
		logger.Warn("probe submit failed, reading current screen", "error", err)
	} else {
		sleepCtx(ctx, r.cfg.ProbeDelay)
	}

	text, ok := r.sess.CaptureText(ctx, r.cfg.ResponseLocators)
	if !ok {
		logger.Warn("no response captured after probe")
	}
	r.screenshot(ctx, step.Order, "adaptive")
	return text
}

func (r *run) record(
	ctx context.Context,
	step domain.StepDefinition,
	input string,
	response string,
	status domain.AttemptStatus,
	screenshotRef string,
	started time.Time,
	details []string,
) {
	ended := r.engine.now()
	note := fmt.Sprintf("Status: %s. Expected keywords: %q. %s",
		status, strings.Join(step.ExpectedKeywords, ","), strings.Join(details, " | "))

	attempt := domain.StepAttempt{
		ID:             uuid.New(),
		ExecutionID:    r.execID,
		StepID:         step.ID,
		Order:          step.Order,
		ActualInput:    input,
		ActualResponse: response,
		Status:         status,
		ScreenshotRef:  screenshotRef,
		StartTime:      started,
		EndTime:        ended,
		DurationMs:     ended.Sub(started).Milliseconds(),
		Note:           truncate(note),
	}

	r.attempts = append(r.attempts, attempt)
	r.latest[step.ID] = attempt
	metrics.IncStepAttempt(status)
	metrics.ObserveStepDuration(ended.Sub(started))

	if err := r.engine.ledger.AppendStepAttempt(ctx, attempt); err != nil {
		r.unpersisted[step.ID] = true
		r.logger.Error("append step attempt failed",
			"step_order", step.Order,
			"status", status,
			"error", err,
		)
		return
	}
	delete(r.unpersisted, step.ID)

	r.logger.Info("step attempt recorded",
		"step_order", step.Order,
		"status", status,
		"duration_ms", attempt.DurationMs,
	)
}

// verify requires the latest attempt of every step to be PASS. The ledger is
// authoritative; the in-memory record is used only when the ledger cannot be
// read or missed the step's latest write.
func (r *run) verify(ctx context.Context) (bool, string) {
	ctx = context.WithoutCancel(ctx)

	for _, step := range r.steps {
		latest, ok, err := r.engine.ledger.LatestAttempt(ctx, r.execID, step.ID)
		if err != nil || r.unpersisted[step.ID] {
			if err != nil {
				r.logger.Warn("latest attempt read failed, using in-memory record",
					"step_order", step.Order,
					"error", err,
				)
			}
			latest, ok = r.latest[step.ID]
		}

		if !ok {
			r.logger.Info("verification failed: step never attempted", "step_order", step.Order)
			return false, fmt.Sprintf("step %d has no recorded attempt", step.Order)
		}
		if latest.Status != domain.AttemptPass {
			r.logger.Info("verification failed: latest attempt not passed",
				"step_order", step.Order,
				"status", latest.Status,
			)
			return false, fmt.Sprintf("latest attempt of step %d is %s", step.Order, latest.Status)
		}
	}
	return true, ""
}

// screenshot stores a best-effort screenshot and returns its path relative
// to the reports directory, or "" when none was taken.
func (r *run) screenshot(ctx context.Context, order int, kind string) string {
	if r.cfg.ReportsDir == "" {
		return ""
	}

	rel := fmt.Sprintf("screenshots_exec_%s/step_%d_%d_%s.png", r.execID, order, len(r.attempts)+1, kind)
	if err := r.sess.Screenshot(ctx, filepath.Join(r.cfg.ReportsDir, filepath.FromSlash(rel))); err != nil {
		r.logger.Warn("screenshot failed", "step_order", order, "path", rel, "error", err)
		return ""
	}
	return rel
}

func (r *run) indexOf(order int) int {
	for i, st := range r.steps {
		if st.Order == order {
			return i
		}
	}
	return -1
}

func clip(s string) string {
	const limit = 120
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
