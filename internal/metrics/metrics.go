// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	executionsTotalCounter   *prometheus.CounterVec
	stepAttemptsTotalCounter *prometheus.CounterVec
	adaptiveJumpsCounter     prometheus.Counter
	stepDurationMetric       prometheus.Histogram
	batchesTotalCounter      *prometheus.CounterVec
	assignmentsTotalCounter  *prometheus.CounterVec
	batchClaimLatencyMetric  prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		executionsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executions_total",
				Help: "Total number of finalized test case executions by status.",
			},
			[]string{"status"},
		)

		stepAttemptsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "step_attempts_total",
				Help: "Total number of recorded step attempts by status.",
			},
			[]string{"status"},
		)

		adaptiveJumpsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adaptive_jumps_total",
				Help: "Total number of adaptive jumps back to an earlier step.",
			},
		)

		stepDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "step_duration_seconds",
				Help:    "Duration of a single step attempt in seconds.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 15, 30, 60},
			},
		)

		batchesTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batches_total",
				Help: "Total number of batch status transitions by status.",
			},
			[]string{"status"},
		)

		assignmentsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assignments_total",
				Help: "Total number of assignment terminal updates by status.",
			},
			[]string{"status"},
		)

		batchClaimLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "worker_batch_claim_latency_seconds",
				Help:    "Time a stale batch waited past the reclaim age before a worker claimed it, in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			executionsTotalCounter,
			stepAttemptsTotalCounter,
			adaptiveJumpsCounter,
			stepDurationMetric,
			batchesTotalCounter,
			assignmentsTotalCounter,
			batchClaimLatencyMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.ExecutionStatus{domain.ExecutionPass, domain.ExecutionFail} {
			executionsTotalCounter.WithLabelValues(string(status))
		}

		for _, status := range []domain.AttemptStatus{domain.AttemptPass, domain.AttemptFail} {
			stepAttemptsTotalCounter.WithLabelValues(string(status))
		}

		for _, status := range []domain.BatchStatus{
			domain.BatchInProgress,
			domain.BatchCompletedPass,
			domain.BatchCompletedFail,
			domain.BatchCancelled,
		} {
			batchesTotalCounter.WithLabelValues(string(status))
		}

		for _, status := range []domain.AssignmentStatus{
			domain.AssignmentExecutedPass,
			domain.AssignmentExecutedFail,
		} {
			assignmentsTotalCounter.WithLabelValues(string(status))
		}
	})
}

func IncExecutionStatus(status domain.ExecutionStatus) {
	Init()
	executionsTotalCounter.WithLabelValues(string(status)).Inc()
}

func IncStepAttempt(status domain.AttemptStatus) {
	Init()
	stepAttemptsTotalCounter.WithLabelValues(string(status)).Inc()
}

func IncAdaptiveJumps() {
	Init()
	adaptiveJumpsCounter.Inc()
}

func ObserveStepDuration(d time.Duration) {
	Init()
	stepDurationMetric.Observe(d.Seconds())
}

func IncBatchStatus(status domain.BatchStatus) {
	Init()
	batchesTotalCounter.WithLabelValues(string(status)).Inc()
}

func IncAssignmentStatus(status domain.AssignmentStatus) {
	Init()
	assignmentsTotalCounter.WithLabelValues(string(status)).Inc()
}

func ObserveBatchClaimLatency(d time.Duration) {
	Init()
	batchClaimLatencyMetric.Observe(d.Seconds())
}
