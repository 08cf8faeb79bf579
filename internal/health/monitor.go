package health

import (
	"sort"
	"time"

	"github.com/0xPuncker/cronworker/pkg/types"
)

// JobLister provides the persisted job definitions.
type JobLister interface {
	List() []types.JobConfig
}

// RunningSource provides the start time of every job currently executing.
type RunningSource interface {
	Running() map[string]time.Time
}

type JobHealth struct {
	Name              string           `json:"name"`
	Enabled           bool             `json:"enabled"`
	LastRun           *time.Time       `json:"lastRun"`
	LastStatus        *types.JobStatus `json:"lastStatus"`
	IsRunning         bool             `json:"isRunning"`
	RunningForSeconds *int64           `json:"runningForSeconds"`
	Stuck             bool             `json:"stuck"`
}

type Status struct {
	Healthy       bool        `json:"healthy"`
	TotalJobs     int         `json:"totalJobs"`
	EnabledJobs   int         `json:"enabledJobs"`
	RunningJobs   int         `json:"runningJobs"`
	StuckJobs     []string    `json:"stuckJobs"`
	UptimeSeconds int64       `json:"uptimeSeconds"`
	Timestamp     time.Time   `json:"timestamp"`
	Jobs          []JobHealth `json:"jobs"`
}

// Monitor derives liveness from the job list and the runner's live state.
// It only classifies; nothing here stops a job.
type Monitor struct {
	jobs      JobLister
	running   RunningSource
	now       func() time.Time
	startedAt time.Time
}

func NewMonitor(jobs JobLister, running RunningSource) *Monitor {
	return &Monitor{
		jobs:      jobs,
		running:   running,
		now:       time.Now,
		startedAt: time.Now(),
	}
}

// WithClock replaces the clock and restarts the uptime count from it.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	m.startedAt = now()
	return m
}

// IsStuck reports whether a run has gone on for more than twice its timeout.
func IsStuck(runningForSeconds, timeoutMs int64) bool {
	return runningForSeconds*1000 > 2*timeoutMs
}

func (m *Monitor) Status() Status {
	now := m.now()
	running := m.running.Running()
	jobs := m.jobs.List()

	status := Status{
		TotalJobs:     len(jobs),
		StuckJobs:     []string{},
		UptimeSeconds: int64(now.Sub(m.startedAt) / time.Second),
		Timestamp:     now.UTC(),
		Jobs:          make([]JobHealth, 0, len(jobs)),
	}

	for _, job := range jobs {
		job = job.WithDefaults()
		jh := JobHealth{
			Name:       job.Name,
			Enabled:    job.Enabled,
			LastRun:    job.LastRun,
			LastStatus: job.LastStatus,
		}
		if job.Enabled {
			status.EnabledJobs++
		}

		if startedAt, ok := running[job.Name]; ok {
			secs := int64(now.Sub(startedAt) / time.Second)
			if secs < 0 {
				secs = 0
			}
			jh.IsRunning = true
			jh.RunningForSeconds = &secs
			jh.Stuck = IsStuck(secs, job.TimeoutMs)
			status.RunningJobs++
		}
		if jh.Stuck {
			status.StuckJobs = append(status.StuckJobs, job.Name)
		}
		status.Jobs = append(status.Jobs, jh)
	}

	sort.Strings(status.StuckJobs)
	status.Healthy = len(status.StuckJobs) == 0
	return status
}
