package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirador_logrca"

const (
	// OutcomeCompleted labels runs that finished, including degraded ones.
	OutcomeCompleted = "completed"
	// OutcomeFailed labels runs that failed.
	OutcomeFailed = "failed"
	// OutcomeRejected labels triggers refused because a run was active.
	OutcomeRejected = "rejected"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Analysis runs partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_seconds",
			Help:      "End-to-end run latency in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
	)

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_seconds",
			Help:      "Pipeline stage latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"stage"},
	)

	degradationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradations_total",
			Help:      "Degradation flags raised on runs.",
		},
		[]string{"flag"},
	)

	aiFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_fallbacks_total",
			Help:      "AI completions that failed and fell back to heuristics or rules.",
		},
		[]string{"stage"},
	)

	dispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Mail send attempts partitioned by result.",
		},
		[]string{"result"},
	)

	recordsFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Raw log records fetched from the search backend.",
		},
	)
)

// Register attaches collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		stageDurationSeconds,
		degradationsTotal,
		aiFallbacksTotal,
		dispatchAttemptsTotal,
		recordsFetchedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRun records a run duration and outcome label.
func ObserveRun(duration time.Duration, outcome string) {
	runsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeRejected {
		return
	}
	if duration < 0 {
		duration = 0
	}
	runDurationSeconds.Observe(duration.Seconds())
}

// ObserveStage records a single stage duration.
func ObserveStage(stage string, duration time.Duration) {
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncDegradation counts a raised degradation flag.
func IncDegradation(flag string) {
	degradationsTotal.WithLabelValues(flag).Inc()
}

// IncAIFallback counts an AI path failure absorbed by a stage.
func IncAIFallback(stage string) {
	aiFallbacksTotal.WithLabelValues(stage).Inc()
}

// IncDispatchAttempt counts a mail send attempt; result is "ok" or "error".
func IncDispatchAttempt(result string) {
	dispatchAttemptsTotal.WithLabelValues(result).Inc()
}

// AddRecordsFetched adds to the fetched records counter.
func AddRecordsFetched(n int) {
	if n > 0 {
		recordsFetchedTotal.Add(float64(n))
	}
}
