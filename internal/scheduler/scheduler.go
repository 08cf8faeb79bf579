package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/0xPuncker/cronworker/internal/cron"
	"github.com/0xPuncker/cronworker/internal/health"
	"github.com/0xPuncker/cronworker/internal/notifications"
	"github.com/0xPuncker/cronworker/internal/runner"
	"github.com/0xPuncker/cronworker/internal/store"
	"github.com/0xPuncker/cronworker/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	ErrJobNotFound     = cron.ErrJobNotFound
	ErrJobExists       = cron.ErrJobExists
	ErrInvalidJob      = cron.ErrInvalidJob
	ErrInvalidSchedule = cron.ErrInvalidSchedule
	ErrAlreadyRunning  = runner.ErrAlreadyRunning
	ErrScriptNotFound  = runner.ErrScriptNotFound
)

type Options struct {
	ConfigPath  string
	DefaultPath string
	ScriptsDir  string
	LogsDir     string
	Location    *time.Location

	GracePeriod   time.Duration
	BackoffFactor int
	LogTailLines  int
	Interpreters  map[string]string

	HistorySize int
	HistoryTTL  time.Duration

	// Alerts receives terminal failures. Nil logs them instead.
	Alerts notifications.Sender
}

// JobView is a job definition enriched with live scheduling state.
type JobView struct {
	types.JobConfig
	NextRun      *time.Time `json:"nextRun,omitempty"`
	IsRunning    bool       `json:"isRunning"`
	RetryPending bool       `json:"retryPending"`
}

// Scheduler wires the config store, the registry, the runner and the health
// monitor into one unit. Instances share nothing, so several can coexist in
// one process.
type Scheduler struct {
	logger   *logrus.Logger
	store    *store.Store
	registry *cron.Registry
	runner   *runner.Runner
	monitor  *health.Monitor
	metrics  *prometheus.Registry
}

func New(logger *logrus.Logger, opts Options) *Scheduler {
	s := &Scheduler{
		logger:  logger,
		store:   store.New(logger, opts.ConfigPath, opts.DefaultPath),
		metrics: prometheus.NewRegistry(),
	}
	s.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.registry = cron.NewRegistry(logger, s.store, opts.Location, s.trigger)
	s.runner = runner.New(logger, s.registry, opts.Alerts, runner.Options{
		ScriptsDir:    opts.ScriptsDir,
		LogsDir:       opts.LogsDir,
		GracePeriod:   opts.GracePeriod,
		BackoffFactor: opts.BackoffFactor,
		LogTailLines:  opts.LogTailLines,
		Interpreters:  opts.Interpreters,
		Metrics:       runner.NewMetrics(s.metrics),
		History:       runner.NewHistory(opts.HistoryTTL, opts.HistorySize),
	})
	s.monitor = health.NewMonitor(s.registry, s.runner)

	return s
}

func (s *Scheduler) trigger(name string) {
	s.runner.Trigger(name)
}

// Boot loads the persisted jobs, registers their triggers and starts the
// cron loop.
func (s *Scheduler) Boot() error {
	jobs := s.store.Load()
	s.registry.Load(jobs)
	s.registry.RebuildAll()

	if err := s.registry.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"jobs":      len(jobs),
		"scheduled": s.registry.TriggerCount(),
		"config":    s.store.OverridePath(),
	}).Info("Scheduler booted")
	return nil
}

// WatchConfig reloads the job list whenever the config file is changed by
// someone else. It blocks until ctx is done.
func (s *Scheduler) WatchConfig(ctx context.Context) error {
	return s.store.Watch(ctx, s.reload)
}

func (s *Scheduler) reload(jobs []types.JobConfig) {
	s.logger.WithField("jobs", len(jobs)).Info("Job config changed on disk, rebuilding triggers")
	s.registry.Load(jobs)
	s.registry.RebuildAll()

	for _, job := range jobs {
		if !job.Enabled {
			s.runner.CancelRetry(job.Name)
		}
	}
}

// Stop halts the cron loop and drops pending retries. Processes already
// running are left to finish.
func (s *Scheduler) Stop() {
	s.registry.Stop()
	s.runner.Stop()

	if running := s.runner.Running(); len(running) > 0 {
		names := make([]string, 0, len(running))
		for name := range running {
			names = append(names, name)
		}
		s.logger.WithField("jobs", names).Info("Leaving in-flight jobs to finish")
	}
}

// Wait blocks until every started process has exited.
func (s *Scheduler) Wait() {
	s.runner.Wait()
}

func (s *Scheduler) view(job types.JobConfig) JobView {
	v := JobView{
		JobConfig:    job,
		IsRunning:    s.runner.IsRunning(job.Name),
		RetryPending: s.runner.RetryPending(job.Name),
	}
	if next, ok := s.registry.NextRun(job.Name); ok {
		v.NextRun = &next
	}
	return v
}

// List returns the raw job definitions.
func (s *Scheduler) List() []types.JobConfig {
	return s.registry.List()
}

func (s *Scheduler) ListJobs() []JobView {
	jobs := s.registry.List()
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, s.view(job))
	}
	return views
}

func (s *Scheduler) GetJob(name string) (JobView, error) {
	job, ok := s.registry.Get(name)
	if !ok {
		return JobView{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.view(job), nil
}

func (s *Scheduler) Health() health.Status {
	return s.monitor.Status()
}

func (s *Scheduler) Monitor() *health.Monitor {
	return s.monitor
}

func (s *Scheduler) AddJob(job types.JobConfig) error {
	return s.registry.Add(job)
}

// UpdateJob replaces a job definition. Disabling or renaming a job drops any
// retry still pending for it.
func (s *Scheduler) UpdateJob(name string, job types.JobConfig) error {
	if err := s.registry.Update(name, job); err != nil {
		return err
	}
	if !job.Enabled || (job.Name != "" && job.Name != name) {
		s.runner.CancelRetry(name)
	}
	return nil
}

// DeleteJob removes the job and its pending retry. A process already running
// for it is not interrupted.
func (s *Scheduler) DeleteJob(name string) error {
	if err := s.registry.Delete(name); err != nil {
		return err
	}
	s.runner.Forget(name)
	return nil
}

// RunJobNow starts the job outside its schedule. Disabled jobs can be run
// this way too.
func (s *Scheduler) RunJobNow(name string) error {
	err := s.runner.RunNow(name)
	if errors.Is(err, runner.ErrJobNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return err
}

func (s *Scheduler) History(name string) ([]types.RunRecord, error) {
	if _, ok := s.registry.Get(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.runner.History(name), nil
}

// MetricsHandler serves this instance's Prometheus registry.
func (s *Scheduler) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})
}
