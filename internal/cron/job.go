package cron

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/0xPuncker/cronworker/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobExists       = errors.New("job already exists")
	ErrInvalidJob      = errors.New("invalid job")
	ErrInvalidSchedule = errors.New("invalid cron expression")
)

// Persister saves the full job list after every mutation.
type Persister interface {
	Save(jobs []types.JobConfig) error
}

// Registry owns the job definitions and their cron triggers. A trigger fires
// the callback with the job name; what happens next is up to the caller.
type Registry struct {
	cron    *cron.Cron
	parser  cron.Parser
	logger  *logrus.Logger
	store   Persister
	trigger func(name string)

	mu      sync.RWMutex
	jobs    []types.JobConfig
	entries map[string]cron.EntryID
	started bool
}

func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

func NewRegistry(logger *logrus.Logger, store Persister, loc *time.Location, trigger func(name string)) *Registry {
	if loc == nil {
		loc = time.Local
	}
	parser := newParser()
	return &Registry{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cron.PrintfLogger(logger))),
		),
		parser:  parser,
		logger:  logger,
		store:   store,
		trigger: trigger,
		jobs:    []types.JobConfig{},
		entries: make(map[string]cron.EntryID),
	}
}

// ValidateSchedule checks cron syntax: an optional seconds field followed by
// minute, hour, day of month, month and weekday, or a descriptor like @hourly.
func ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	if _, err := newParser().Parse(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return nil
}

// Load replaces the in-memory job list. Triggers are not touched until RebuildAll.
func (r *Registry) Load(jobs []types.JobConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(jobs))
	loaded := make([]types.JobConfig, 0, len(jobs))
	for _, job := range jobs {
		if job.Name == "" {
			r.logger.WithField("script", job.Script).Warn("Skipping job without a name")
			continue
		}
		if seen[job.Name] {
			r.logger.WithField("job_name", job.Name).Warn("Skipping duplicate job definition")
			continue
		}
		seen[job.Name] = true
		loaded = append(loaded, job.WithDefaults())
	}
	r.jobs = loaded

	r.logger.WithField("jobs", len(loaded)).Info("Job definitions loaded")
}

// RebuildAll removes every active trigger and registers one per enabled job
// with a valid cron expression.
func (r *Registry) RebuildAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, id := range r.entries {
		r.cron.Remove(id)
		delete(r.entries, name)
	}

	for _, job := range r.jobs {
		if !job.Enabled {
			r.logger.Infof("Skipping disabled job: %s", job.Name)
			continue
		}
		if err := r.scheduleLocked(job); err != nil {
			r.logger.WithFields(logrus.Fields{
				"job_name": job.Name,
				"schedule": job.CronExpression,
				"error":    err.Error(),
			}).Error("Job left unscheduled")
		}
	}

	r.logger.WithFields(logrus.Fields{
		"jobs":      len(r.jobs),
		"scheduled": len(r.entries),
	}).Info("Job triggers rebuilt")
}

func (r *Registry) scheduleLocked(job types.JobConfig) error {
	schedule, err := r.parser.Parse(job.CronExpression)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, job.CronExpression, err)
	}

	name := job.Name
	id := r.cron.Schedule(schedule, cron.FuncJob(func() {
		r.trigger(name)
	}))
	r.entries[name] = id

	r.logger.WithFields(logrus.Fields{
		"job_name": job.Name,
		"schedule": job.CronExpression,
		"script":   job.Script,
		"timeout":  job.Timeout().String(),
	}).Info("Job scheduled successfully")

	return nil
}

func (r *Registry) unscheduleLocked(name string) {
	if id, ok := r.entries[name]; ok {
		r.cron.Remove(id)
		delete(r.entries, name)
		r.logger.WithField("job_name", name).Debug("Job trigger removed")
	}
}

func validateJob(job types.JobConfig) error {
	if strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if strings.TrimSpace(job.Script) == "" {
		return fmt.Errorf("%w: script is required", ErrInvalidJob)
	}
	return ValidateSchedule(job.CronExpression)
}

func (r *Registry) Add(job types.JobConfig) error {
	if err := validateJob(job); err != nil {
		return err
	}
	job = job.WithDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexLocked(job.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}

	r.jobs = append(r.jobs, job)
	if job.Enabled {
		if err := r.scheduleLocked(job); err != nil {
			return err
		}
	}

	r.logger.WithField("job_name", job.Name).Info("Job added")
	return r.persistLocked()
}

// Update replaces the job stored under name. The old trigger is removed
// before the new one is registered.
func (r *Registry) Update(name string, job types.JobConfig) error {
	if job.Name == "" {
		job.Name = name
	}
	if err := validateJob(job); err != nil {
		return err
	}
	job = job.WithDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if job.Name != name && r.indexLocked(job.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}

	old := r.jobs[idx]
	if job.LastRun == nil {
		job.LastRun = old.LastRun
	}
	if job.LastStatus == nil {
		job.LastStatus = old.LastStatus
	}

	r.unscheduleLocked(name)
	r.jobs[idx] = job
	if job.Enabled {
		if err := r.scheduleLocked(job); err != nil {
			return err
		}
	}

	r.logger.WithFields(logrus.Fields{
		"job_name": job.Name,
		"previous": name,
		"enabled":  job.Enabled,
		"schedule": job.CronExpression,
	}).Info("Job updated")
	return r.persistLocked()
}

func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	r.unscheduleLocked(name)
	r.jobs = append(r.jobs[:idx], r.jobs[idx+1:]...)

	r.logger.WithField("job_name", name).Info("Job deleted")
	return r.persistLocked()
}

// RecordRun stores the outcome of a run and persists it.
func (r *Registry) RecordRun(name string, at time.Time, status types.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	at = at.UTC()
	r.jobs[idx].LastRun = &at
	r.jobs[idx].LastStatus = status.Ptr()

	return r.persistLocked()
}

func (r *Registry) persistLocked() error {
	if r.store == nil {
		return nil
	}
	snapshot := make([]types.JobConfig, len(r.jobs))
	copy(snapshot, r.jobs)
	if err := r.store.Save(snapshot); err != nil {
		r.logger.WithError(err).Error("Failed to persist job config")
		return fmt.Errorf("persist jobs: %w", err)
	}
	return nil
}

func (r *Registry) indexLocked(name string) int {
	for i, job := range r.jobs {
		if job.Name == name {
			return i
		}
	}
	return -1
}

func (r *Registry) Get(name string) (types.JobConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := r.indexLocked(name)
	if idx < 0 {
		return types.JobConfig{}, false
	}
	return r.jobs[idx], true
}

func (r *Registry) List() []types.JobConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]types.JobConfig, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

// HasTrigger reports whether a cron trigger is registered for the job.
func (r *Registry) HasTrigger(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// TriggerCount returns the number of registered cron triggers.
func (r *Registry) TriggerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// NextRun returns the next fire time of the job's trigger. It is only known
// once the registry has been started.
func (r *Registry) NextRun(name string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.entries[name]
	if !ok || !r.started {
		return time.Time{}, false
	}
	next := r.cron.Entry(id).Next
	return next, !next.IsZero()
}

func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("scheduler already started")
	}

	r.cron.Start()
	r.started = true
	r.logger.Info("Scheduler started...")

	return nil
}

// Stop halts the trigger loop. Jobs already running are not affected.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("Scheduler stopped")
}

func (r *Registry) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// NextRuns returns the next n fire times of expr after from, in loc.
func NextRuns(expr string, from time.Time, n int, loc *time.Location) ([]time.Time, error) {
	if err := ValidateSchedule(expr); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	schedule, _ := newParser().Parse(expr)

	runs := make([]time.Time, 0, n)
	next := from.In(loc)
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		runs = append(runs, next)
	}
	return runs, nil
}
