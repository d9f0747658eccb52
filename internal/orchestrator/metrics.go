package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/simplesurance/drover/internal/jobs"
)

const metricNamespace = "drover_orchestrator"

const (
	jobsExecutedMetricName      = "jobs_executed_total"
	jobDurationMetricName       = "job_duration_seconds"
	orphanedPRsClosedMetricName = "orphaned_prs_closed_total"
	runStatusMetricName         = "run_status"
)

const (
	jobKindLabel = "job_kind"
	resultLabel  = "result"
)

var (
	jobsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      jobsExecutedMetricName,
			Help:      "count of executed update jobs",
		},
		[]string{jobKindLabel, resultLabel},
	)

	orphanedPRsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      orphanedPRsClosedMetricName,
			Help:      "count of closed orphaned pull requests",
		},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      jobDurationMetricName,
			Help:      "duration of update jobs in seconds",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{jobKindLabel},
	)

	runStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      runStatusMetricName,
			Help:      "status of the last run, values follow the RunStatus enum",
		},
	)
)

func jobsExecutedInc(kind jobs.Kind, success bool) {
	result := "failure"
	if success {
		result = "success"
	}

	jobsExecuted.With(prometheus.Labels{
		jobKindLabel: string(kind),
		resultLabel:  result,
	}).Inc()
}

func jobDurationObserve(kind jobs.Kind, seconds float64) {
	jobDuration.With(prometheus.Labels{jobKindLabel: string(kind)}).Observe(seconds)
}

func orphanedPRsClosedInc(cnt int) {
	orphanedPRsClosed.Add(float64(cnt))
}

func runStatusSet(status jobs.RunStatus) {
	runStatus.Set(float64(status))
}
