package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	metricPrefix = "platform_"

	resultSuccess = "success"
	resultError   = "error"

	attemptAcked    = "acked"
	attemptRejected = "rejected"
	attemptError    = "error"

	enqueueInserted = "enqueued"
	enqueueDeduped  = "deduped"
	enqueueError    = "error"
	enqueueFailOpen = "fail_open"

	PhaseEnforcement = "enforcement"
	PhaseDispatch    = "dispatch"
)

var (
	registerOnce sync.Once

	commandResults       *prometheus.CounterVec
	commandWriteAttempts *prometheus.CounterVec
	commandIdempotent    prometheus.Counter
	dispatchBatchSize    prometheus.Histogram

	enqueueTotal         *prometheus.CounterVec
	enforcementDecisions *prometheus.CounterVec
	cycleLatency         *prometheus.HistogramVec
	recordingErrorsTotal *prometheus.CounterVec
)

// Init registers worker metrics and DB-backed gauges.
func Init(db *sql.DB, logger logrus.FieldLogger) {
	registerOnce.Do(func() {
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command terminal results by status",
			},
			[]string{"status"},
		)
		commandWriteAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_write_attempts_total",
				Help: "Total register write attempts by result",
			},
			[]string{"result"},
		)
		commandIdempotent = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_idempotent_total",
				Help: "Commands completed without a write because the device was already in the target state",
			},
		)
		dispatchBatchSize = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "dispatch_batch_size",
				Help:    "Commands fetched per dispatch pass",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
			},
		)

		enqueueTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_enqueue_total",
				Help: "Total enqueue requests by outcome",
			},
			[]string{"outcome"},
		)
		enforcementDecisions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "enforcement_decisions_total",
				Help: "Total enforcement decisions by verb",
			},
			[]string{"verb"},
		)
		cycleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "worker_cycle_latency_seconds",
				Help:    "Worker cycle phase latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase", "result"},
		)
		recordingErrorsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "recording_errors_total",
				Help: "Total audit and status recording failures by sink",
			},
			[]string{"sink"},
		)

		prometheus.MustRegister(
			commandResults,
			commandWriteAttempts,
			commandIdempotent,
			dispatchBatchSize,
			enqueueTotal,
			enforcementDecisions,
			cycleLatency,
			recordingErrorsTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncCommandResult increments the terminal result counter.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// IncWriteAttempt increments the write attempt counter.
func IncWriteAttempt(result string) {
	if result == "" {
		result = "unknown"
	}
	if commandWriteAttempts != nil {
		commandWriteAttempts.WithLabelValues(result).Inc()
	}
}

// IncIdempotent counts a write skipped by the idempotence check.
func IncIdempotent() {
	if commandIdempotent != nil {
		commandIdempotent.Inc()
	}
}

// ObserveBatch records the size of a fetched batch.
func ObserveBatch(size int) {
	if dispatchBatchSize != nil {
		dispatchBatchSize.Observe(float64(size))
	}
}

// IncEnqueue increments enqueue outcome counters.
func IncEnqueue(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if enqueueTotal != nil {
		enqueueTotal.WithLabelValues(outcome).Inc()
	}
}

// IncEnforcementDecision counts a corrective verb chosen by enforcement.
func IncEnforcementDecision(verb string) {
	if verb == "" {
		verb = "unknown"
	}
	if enforcementDecisions != nil {
		enforcementDecisions.WithLabelValues(verb).Inc()
	}
}

// ObserveCycle records a phase latency.
func ObserveCycle(phase, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if cycleLatency != nil {
		cycleLatency.WithLabelValues(phase, result).Observe(duration.Seconds())
	}
}

// IncRecordingError counts a swallowed recording failure.
func IncRecordingError(sink string) {
	if sink == "" {
		sink = "unknown"
	}
	if recordingErrorsTotal != nil {
		recordingErrorsTotal.WithLabelValues(sink).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	AttemptAcked    = attemptAcked
	AttemptRejected = attemptRejected
	AttemptError    = attemptError

	EnqueueInserted = enqueueInserted
	EnqueueDeduped  = enqueueDeduped
	EnqueueError    = enqueueError
	EnqueueFailOpen = enqueueFailOpen
)
