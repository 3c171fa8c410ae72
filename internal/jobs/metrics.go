package jobmetrics

import (
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Job run statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	// StatusSkipped marks runs that failed but will not be retried.
	StatusSkipped = "skipped"
)

// Metrics exposes Prometheus collectors for the sync jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	changes     *prometheus.CounterVec
	pending     prometheus.Gauge
}

// NewMetrics registers the job metrics against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrbac_jobs_total",
			Help: "Total job executions partitioned by job name and status.",
		}, []string{"job", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrbac_jobs_failures_total",
			Help: "Total failures observed for background jobs, skipped runs included.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mrbac_job_duration_seconds",
			Help:    "Duration in seconds of background job executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mrbac_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job.",
		}, []string{"job"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mrbac_job_permission_changes_total",
			Help: "Permissions granted or revoked by sync jobs.",
		}, []string{"job", "change"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mrbac_pending_sync_groups",
			Help: "Groups whose permissions could not be reconciled and await a manual sync.",
		}),
	}
	registerer.MustRegister(m.runs, m.failures, m.duration, m.lastSuccess, m.changes, m.pending)
	return m
}

// Tracker instruments a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts a tracker for job. It is safe on a nil Metrics.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the outcome of the run and returns err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := Status(err)
	if status != StatusSuccess {
		t.metrics.failures.WithLabelValues(t.job).Inc()
	} else {
		t.metrics.lastSuccess.WithLabelValues(t.job).SetToCurrentTime()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// Changed counts the permissions a run granted and revoked.
func (t *Tracker) Changed(granted, revoked int) {
	if t == nil || t.metrics == nil {
		return
	}
	if granted > 0 {
		t.metrics.changes.WithLabelValues(t.job, "granted").Add(float64(granted))
	}
	if revoked > 0 {
		t.metrics.changes.WithLabelValues(t.job, "revoked").Add(float64(revoked))
	}
}

// SetPendingGroups records how many groups still await a manual sync.
func (m *Metrics) SetPendingGroups(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// Status classifies a handler result.
func Status(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, asynq.SkipRetry):
		return StatusSkipped
	default:
		return StatusFailure
	}
}
