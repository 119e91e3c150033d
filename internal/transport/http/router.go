// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/driver"
	"github.com/adiadia/ussd-runner/internal/metrics"
	"github.com/adiadia/ussd-runner/internal/orchestrator"
	"github.com/adiadia/ussd-runner/internal/runner"
	"github.com/adiadia/ussd-runner/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type startRunRequest struct {
	TestCaseID      int64             `json:"test_case_id"`
	ExecutorID      int64             `json:"executor_id"`
	AssignmentID    *int64            `json:"assignment_id"`
	DeviceID        string            `json:"device_id"`
	PlatformVersion string            `json:"platform_version"`
	Params          map[string]string `json:"params"`
	Password        string            `json:"password"`
}

type startBatchRequest struct {
	ExecutorID      int64             `json:"executor_id"`
	DeviceID        string            `json:"device_id"`
	PlatformVersion string            `json:"platform_version"`
	Inputs          map[string]string `json:"inputs"`
	Password        string            `json:"password"`
}

type batchProgress struct {
	domain.BatchRun
	IsRunning   bool                `json:"is_running"`
	Assignments []domain.Assignment `json:"assignments"`
}

type Deps struct {
	Launcher      RunLauncher
	Runs          ActiveRuns
	Batches       BatchReader
	Executions    ExecutionReader
	Health        HealthChecker
	Logger        *slog.Logger
	OperatorToken string
	Version       string
	Commit        string
	BuildDate     string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- READINESS ----------------

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("readiness check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- OPERATOR ----------------

	r.Group(func(r chi.Router) {
		r.Use(middleware.OperatorTokenAuth(deps.OperatorToken, logger))

		// ---------------- START AD-HOC RUN ----------------

		r.Post("/runs", func(w http.ResponseWriter, r *http.Request) {
			body, err := decodeJSON[startRunRequest](r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if body.TestCaseID <= 0 {
				http.Error(w, "test_case_id is required", http.StatusBadRequest)
				return
			}
			if strings.TrimSpace(body.DeviceID) == "" {
				http.Error(w, "device_id is required", http.StatusBadRequest)
				return
			}

			info, err := deps.Launcher.LaunchAdHoc(r.Context(), runner.CaseRequest{
				TestCaseID:   body.TestCaseID,
				ExecutorID:   body.ExecutorID,
				AssignmentID: body.AssignmentID,
				Target: driver.Target{
					DeviceID:        strings.TrimSpace(body.DeviceID),
					PlatformVersion: strings.TrimSpace(body.PlatformVersion),
				},
				Params:   domain.ParameterSet(body.Params),
				Password: body.Password,
			})
			if err != nil {
				if writeLaunchConflict(w, err) {
					return
				}
				switch {
				case errors.Is(err, domain.ErrAssignmentNotFound):
					http.Error(w, "assignment not found", http.StatusNotFound)
					return
				case errors.Is(err, domain.ErrAssignmentInBatch),
					errors.Is(err, domain.ErrAssignmentMismatch):
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				logger.Error("start run failed", "test_case_id", body.TestCaseID, "error", err)
				http.Error(w, "failed to start run", http.StatusInternalServerError)
				return
			}

			logger.Info("run started via API", "test_case_id", body.TestCaseID, "device_id", info.DeviceID)
			writeJSON(w, http.StatusAccepted, info)
		})

		// ---------------- ACTIVE RUNS ----------------

		r.Get("/runs/active", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"runs": deps.Runs.List(),
			})
		})

		// ---------------- START / RESUME BATCH ----------------

		r.Post("/batches/{id}/run", func(w http.ResponseWriter, r *http.Request) {
			batchID, ok := batchIDParam(w, r)
			if !ok {
				return
			}

			body, err := decodeJSON[startBatchRequest](r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if strings.TrimSpace(body.DeviceID) == "" {
				http.Error(w, "device_id is required", http.StatusBadRequest)
				return
			}

			info, err := deps.Launcher.LaunchBatch(r.Context(), orchestrator.BatchRequest{
				BatchID:    batchID,
				ExecutorID: body.ExecutorID,
				Target: driver.Target{
					DeviceID:        strings.TrimSpace(body.DeviceID),
					PlatformVersion: strings.TrimSpace(body.PlatformVersion),
				},
				Password: body.Password,
				Inputs:   body.Inputs,
			})
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrBatchNotFound):
					http.Error(w, "batch not found", http.StatusNotFound)
				case errors.Is(err, domain.ErrBatchNotRunnable):
					http.Error(w, "batch is not runnable", http.StatusBadRequest)
				case writeLaunchConflict(w, err):
				default:
					logger.Error("start batch failed", "batch_id", batchID, "error", err)
					http.Error(w, "failed to start batch", http.StatusInternalServerError)
				}
				return
			}

			logger.Info("batch started via API", "batch_id", batchID, "device_id", info.DeviceID)
			writeJSON(w, http.StatusAccepted, info)
		})

		// ---------------- BATCH PROGRESS ----------------

		r.Get("/batches/{id}", func(w http.ResponseWriter, r *http.Request) {
			batchID, ok := batchIDParam(w, r)
			if !ok {
				return
			}

			batch, err := deps.Batches.GetBatch(r.Context(), batchID)
			if err != nil {
				if errors.Is(err, domain.ErrBatchNotFound) {
					http.Error(w, "batch not found", http.StatusNotFound)
					return
				}
				logger.Error("get batch failed", "batch_id", batchID, "error", err)
				http.Error(w, "failed to get batch", http.StatusInternalServerError)
				return
			}

			assignments, err := deps.Batches.ListAssignments(r.Context(), batchID)
			if err != nil {
				logger.Error("list assignments failed", "batch_id", batchID, "error", err)
				http.Error(w, "failed to get batch", http.StatusInternalServerError)
				return
			}

			_, running := deps.Runs.Active(domain.BatchScope(batchID))
			writeJSON(w, http.StatusOK, batchProgress{
				BatchRun:    batch,
				IsRunning:   running,
				Assignments: assignments,
			})
		})

		// ---------------- CANCEL BATCH ----------------

		r.Post("/batches/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			batchID, ok := batchIDParam(w, r)
			if !ok {
				return
			}

			batch, err := deps.Batches.CancelBatch(r.Context(), batchID)
			if err != nil {
				if errors.Is(err, domain.ErrBatchNotFound) {
					http.Error(w, "batch not found", http.StatusNotFound)
					return
				}
				logger.Error("cancel batch failed", "batch_id", batchID, "error", err)
				http.Error(w, "failed to cancel batch", http.StatusInternalServerError)
				return
			}
			if batch.Status != domain.BatchCancelled {
				http.Error(w, "batch already finished", http.StatusConflict)
				return
			}

			logger.Info("batch cancelled via API", "batch_id", batchID)
			writeJSON(w, http.StatusOK, map[string]any{
				"id":     batchID,
				"status": string(batch.Status),
			})
		})

		// ---------------- EXECUTION ----------------

		r.Get("/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
			execID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, "invalid execution ID", http.StatusBadRequest)
				return
			}

			exec, err := deps.Executions.GetExecution(r.Context(), execID)
			if err != nil {
				if errors.Is(err, domain.ErrExecutionNotFound) {
					http.Error(w, "execution not found", http.StatusNotFound)
					return
				}
				logger.Error("get execution failed", "execution_id", execID, "error", err)
				http.Error(w, "failed to get execution", http.StatusInternalServerError)
				return
			}

			attempts, err := deps.Executions.ListAttempts(r.Context(), execID)
			if err != nil {
				logger.Error("list attempts failed", "execution_id", execID, "error", err)
				http.Error(w, "failed to get execution", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, struct {
				Execution domain.Execution     `json:"execution"`
				Attempts  []domain.StepAttempt `json:"attempts"`
			}{
				Execution: exec,
				Attempts:  attempts,
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeLaunchConflict(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, domain.ErrRunActive):
		http.Error(w, "run already active", http.StatusConflict)
	case errors.Is(err, domain.ErrDeviceBusy):
		http.Error(w, "device already in use", http.StatusConflict)
	default:
		return false
	}
	return true
}

func batchIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid batch ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decodeJSON decodes a single JSON object. An empty body yields the zero value.
func decodeJSON[T any](r *http.Request) (T, error) {
	var req T
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, nil
		}
		return req, err
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return req, errors.New("request body must contain exactly one JSON object")
	}
	return req, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
