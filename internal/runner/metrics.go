package runner

import (
	"time"

	"github.com/0xPuncker/cronworker/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runner's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	running  prometheus.Gauge
	retries  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	alerts   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil. Each runner should get its own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronworker_job_runs_total",
			Help: "Completed job attempts by terminal status",
		}, []string{"job", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cronworker_job_duration_seconds",
			Help:    "Job attempt duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"job"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cronworker_jobs_running",
			Help: "Job processes currently running",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronworker_job_retries_total",
			Help: "Retries scheduled after a failed attempt",
		}, []string{"job"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronworker_job_skipped_total",
			Help: "Triggers that did not start a process",
		}, []string{"job", "reason"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronworker_job_alerts_total",
			Help: "Terminal failure alerts raised",
		}, []string{"job"}),
	}

	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.running, m.retries, m.skipped, m.alerts)
	}
	return m
}

func (m *Metrics) observeRun(job string, status types.JobStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(job, string(status)).Inc()
	m.duration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) finished() {
	if m == nil {
		return
	}
	m.running.Dec()
}

func (m *Metrics) retryScheduled(job string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(job).Inc()
}

func (m *Metrics) skip(job, reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(job, reason).Inc()
}

func (m *Metrics) alerted(job string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(job).Inc()
}
