package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xPuncker/cronworker/internal/notifications"
	"github.com/0xPuncker/cronworker/pkg/types"
	"github.com/0xPuncker/cronworker/pkg/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultGracePeriod   = 5 * time.Second
	DefaultBackoffFactor = 3
	DefaultLogTailLines  = 10

	alertTimeout = 30 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("job is already running")
	ErrScriptNotFound = errors.New("script not found")
	ErrJobNotFound    = errors.New("job not found")
)

// JobSource gives the runner the current job definitions and takes back run
// outcomes.
type JobSource interface {
	Get(name string) (types.JobConfig, bool)
	RecordRun(name string, at time.Time, status types.JobStatus) error
}

type Options struct {
	ScriptsDir string
	LogsDir    string

	// GracePeriod separates SIGTERM from SIGKILL after a timeout.
	GracePeriod time.Duration
	// BackoffFactor multiplies the retry delay after every failed attempt.
	BackoffFactor int
	LogTailLines  int

	// Interpreters maps a script extension (".js") to the command running it ("node").
	Interpreters map[string]string

	Metrics *Metrics
	History *History
}

type runningJob struct {
	id        string
	job       types.JobConfig
	trigger   types.TriggerSource
	attempt   int
	startTime time.Time

	cmd      *exec.Cmd
	sink     *logSink
	stdout   *lineWriter
	stderr   *lineWriter
	timedOut atomic.Bool
	done     chan struct{}

	mu           sync.Mutex
	timeoutTimer *time.Timer
	killTimer    *time.Timer
}

func (rj *runningJob) stopTimers() {
	rj.mu.Lock()
	defer rj.mu.Unlock()
	if rj.timeoutTimer != nil {
		rj.timeoutTimer.Stop()
	}
	if rj.killTimer != nil {
		rj.killTimer.Stop()
	}
}

// Runner executes job scripts as child processes. At most one process per job
// name runs at any time, whatever started it.
type Runner struct {
	logger  *logrus.Logger
	jobs    JobSource
	alerts  notifications.Sender
	opts    Options
	metrics *Metrics
	history *History

	mu      sync.Mutex
	running map[string]*runningJob
	retries map[string]*time.Timer
	wg      sync.WaitGroup
}

func New(logger *logrus.Logger, jobs JobSource, alerts notifications.Sender, opts Options) *Runner {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = DefaultBackoffFactor
	}
	if opts.LogTailLines <= 0 {
		opts.LogTailLines = DefaultLogTailLines
	}
	if alerts == nil {
		alerts = notifications.NewLogSender(logger)
	}

	return &Runner{
		logger:  logger,
		jobs:    jobs,
		alerts:  alerts,
		opts:    opts,
		metrics: opts.Metrics,
		history: opts.History,
		running: make(map[string]*runningJob),
		retries: make(map[string]*time.Timer),
	}
}

// Trigger is the cron callback. Every outcome, including a skip, is logged.
func (r *Runner) Trigger(name string) {
	if err := r.start(name, types.TriggerSchedule, 0); err != nil {
		r.logger.WithFields(logrus.Fields{
			"job_name": name,
			"trigger":  types.TriggerSchedule,
		}).Debugf("Scheduled trigger did not start a run: %v", err)
	}
}

// RunNow starts the job immediately, through the same guard as scheduled runs.
func (r *Runner) RunNow(name string) error {
	return r.start(name, types.TriggerManual, 0)
}

func (r *Runner) start(name string, trigger types.TriggerSource, attempt int) error {
	log := r.logger.WithFields(logrus.Fields{
		"job_name": name,
		"trigger":  trigger,
		"attempt":  attempt + 1,
	})

	r.mu.Lock()
	if _, busy := r.running[name]; busy {
		r.mu.Unlock()
		log.Warn("Job is already running, skipping trigger")
		r.metrics.skip(name, "already_running")
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	job, ok := r.jobs.Get(name)
	if !ok {
		r.mu.Unlock()
		log.Warn("Job not found, skipping trigger")
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	rj := &runningJob{
		id:        uuid.New().String(),
		job:       job.WithDefaults(),
		trigger:   trigger,
		attempt:   attempt,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	r.running[name] = rj
	r.mu.Unlock()

	path, err := r.resolveScript(job.Script)
	if err != nil {
		r.release(name)
		log.WithField("script", job.Script).Warn("Script not found, skipping run")
		r.metrics.skip(name, "script_not_found")
		return err
	}

	sink, err := openLogSink(r.opts.LogsDir, job.Script, name, r.logger, r.opts.LogTailLines)
	if err != nil {
		r.release(name)
		r.spawnFailed(rj, err)
		return fmt.Errorf("open log for %s: %w", name, err)
	}

	cmd := r.command(path)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = append(os.Environ(),
		"JOB_NAME="+name,
		"JOB_TRIGGER="+string(trigger),
		"JOB_ATTEMPT="+strconv.Itoa(attempt+1),
		"JOB_RUN_ID="+rj.id,
		"SCHEDULED_RUN="+strconv.FormatBool(trigger == types.TriggerSchedule),
	)
	rj.stdout = sink.writer(logrus.InfoLevel)
	rj.stderr = sink.writer(logrus.ErrorLevel)
	cmd.Stdout = rj.stdout
	cmd.Stderr = rj.stderr
	cmd.WaitDelay = r.opts.GracePeriod
	configureProcess(cmd)

	// exec starts its copy goroutines after cmd.Process is set
	sink.pid = func() int {
		if cmd.Process != nil {
			return cmd.Process.Pid
		}
		return 0
	}

	if err := cmd.Start(); err != nil {
		sink.write(logrus.ErrorLevel, fmt.Sprintf("Failed to start %s: %v", job.Script, err))
		_ = sink.Close()
		r.release(name)
		r.spawnFailed(rj, err)
		return fmt.Errorf("start %s: %w", job.Script, err)
	}

	rj.cmd = cmd
	rj.sink = sink
	r.metrics.started()

	rj.mu.Lock()
	rj.timeoutTimer = time.AfterFunc(rj.job.Timeout(), func() { r.onTimeout(rj) })
	rj.mu.Unlock()

	log.WithFields(logrus.Fields{
		"script":  job.Script,
		"pid":     cmd.Process.Pid,
		"run_id":  rj.id,
		"timeout": rj.job.Timeout().String(),
		"log":     sink.Path(),
	}).Info("Starting job execution")

	r.wg.Add(1)
	go r.wait(rj)

	return nil
}

func (r *Runner) resolveScript(script string) (string, error) {
	dir, err := filepath.Abs(r.opts.ScriptsDir)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrScriptNotFound, script, err)
	}

	path := filepath.Join(dir, script)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrScriptNotFound, script, dir)
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrScriptNotFound, path)
	}
	return path, nil
}

func (r *Runner) command(path string) *exec.Cmd {
	if interp, ok := r.opts.Interpreters[filepath.Ext(path)]; ok {
		if fields := strings.Fields(interp); len(fields) > 0 {
			args := append(fields[1:], path)
			return exec.Command(fields[0], args...)
		}
	}
	return exec.Command(path)
}

func (r *Runner) onTimeout(rj *runningJob) {
	select {
	case <-rj.done:
		return
	default:
	}

	rj.timedOut.Store(true)
	r.logger.WithFields(logrus.Fields{
		"job_name": rj.job.Name,
		"pid":      rj.cmd.Process.Pid,
		"timeout":  rj.job.Timeout().String(),
	}).Warn("Job timed out, sending SIGTERM")
	rj.sink.write(logrus.ErrorLevel, fmt.Sprintf("Timed out after %s, sending SIGTERM", rj.job.Timeout()))

	if err := terminate(rj.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.logger.WithError(err).WithField("job_name", rj.job.Name).Error("Failed to send SIGTERM")
	}

	rj.mu.Lock()
	rj.killTimer = time.AfterFunc(r.opts.GracePeriod, func() {
		select {
		case <-rj.done:
			return
		default:
		}
		r.logger.WithFields(logrus.Fields{
			"job_name": rj.job.Name,
			"pid":      rj.cmd.Process.Pid,
			"grace":    r.opts.GracePeriod.String(),
		}).Warn("Job still running after grace period, sending SIGKILL")
		rj.sink.write(logrus.ErrorLevel, "Still running after grace period, sending SIGKILL")
		if err := kill(rj.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.logger.WithError(err).WithField("job_name", rj.job.Name).Error("Failed to send SIGKILL")
		}
	})
	rj.mu.Unlock()
}

func (r *Runner) wait(rj *runningJob) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.logger.WithFields(logrus.Fields{
				"job_name": rj.job.Name,
				"panic":    fmt.Sprint(p),
			}).Error("Recovered from panic while finishing job")
			r.release(rj.job.Name)
		}
	}()

	err := rj.cmd.Wait()
	close(rj.done)
	rj.stopTimers()
	rj.stdout.Flush()
	rj.stderr.Flush()

	duration := time.Since(rj.startTime)
	exitCode := -1
	if rj.cmd.ProcessState != nil {
		exitCode = rj.cmd.ProcessState.ExitCode()
	}

	status := types.StatusFailed
	switch {
	case rj.timedOut.Load():
		status = types.StatusTimeout
	case exitCode == 0 && (err == nil || errors.Is(err, exec.ErrWaitDelay)):
		status = types.StatusSuccess
	}

	rj.sink.write(levelFor(status), fmt.Sprintf("Exited with code %d (%s) in %s", exitCode, status, utils.FormatDuration(duration)))
	tail := rj.sink.Tail()
	if cerr := rj.sink.Close(); cerr != nil {
		r.logger.WithError(cerr).WithField("job_name", rj.job.Name).Warn("Failed to close job log")
	}

	r.release(rj.job.Name)
	r.metrics.finished()
	r.metrics.observeRun(rj.job.Name, status, duration)
	r.record(rj, status, exitCode, duration, tail)

	r.afterAttempt(rj, status, exitCode, duration, tail)
}

func levelFor(status types.JobStatus) logrus.Level {
	if status == types.StatusSuccess {
		return logrus.InfoLevel
	}
	return logrus.ErrorLevel
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.running, name)
	r.mu.Unlock()
}

func (r *Runner) record(rj *runningJob, status types.JobStatus, exitCode int, duration time.Duration, tail []string) {
	if err := r.jobs.RecordRun(rj.job.Name, time.Now(), status); err != nil {
		r.logger.WithError(err).WithField("job_name", rj.job.Name).Warn("Failed to record job outcome")
	}
	r.history.Add(types.RunRecord{
		ID:         rj.id,
		JobName:    rj.job.Name,
		Script:     rj.job.Script,
		Trigger:    rj.trigger,
		Attempt:    rj.attempt + 1,
		StartedAt:  rj.startTime.UTC(),
		DurationMs: duration.Milliseconds(),
		ExitCode:   exitCode,
		Status:     status,
		LogTail:    tail,
	})
}

func (r *Runner) afterAttempt(rj *runningJob, status types.JobStatus, exitCode int, duration time.Duration, tail []string) {
	log := r.logger.WithFields(logrus.Fields{
		"job_name":  rj.job.Name,
		"status":    status,
		"exit_code": exitCode,
		"attempt":   rj.attempt + 1,
		"duration":  utils.FormatDuration(duration),
	})

	if status == types.StatusSuccess {
		if rj.attempt > 0 {
			log.Infof("Job recovered after %d retries", rj.attempt)
		} else {
			log.Info("Job execution completed successfully")
		}
		return
	}
	log.Error("Job execution failed")

	// retry policy follows the current definition; a deleted job stops here
	job, ok := r.jobs.Get(rj.job.Name)
	if !ok {
		log.Warn("Job was removed, not retrying")
		return
	}
	job = job.WithDefaults()

	if rj.attempt < job.MaxRetries {
		delay := backoff(job.RetryDelay(), rj.attempt, r.opts.BackoffFactor)
		log.WithField("retry_in", delay.String()).Warnf("Scheduling retry %d of %d", rj.attempt+1, job.MaxRetries)
		r.scheduleRetry(rj.job.Name, rj.trigger, rj.attempt+1, delay)
		return
	}

	title := fmt.Sprintf("Job %s failed", rj.job.Name)
	if rj.attempt > 0 {
		title = fmt.Sprintf("Job %s failed after %d attempts", rj.job.Name, rj.attempt+1)
	}
	r.sendAlert(notifications.Alert{
		Title:   title,
		Details: strings.Join(tail, "\n"),
		JobName: rj.job.Name,
		Status:  string(status),
		Fields: []notifications.Field{
			{Title: "Script", Value: rj.job.Script, Short: true},
			{Title: "Exit Code", Value: strconv.Itoa(exitCode), Short: true},
			{Title: "Duration", Value: utils.FormatDuration(duration), Short: true},
			{Title: "Retries", Value: fmt.Sprintf("%d/%d", rj.attempt, job.MaxRetries), Short: true},
		},
	})
}

// backoff returns base × factor^attempt.
func backoff(base time.Duration, attempt, factor int) time.Duration {
	mult := math.Pow(float64(factor), float64(attempt))
	d := float64(base) * mult
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (r *Runner) scheduleRetry(name string, trigger types.TriggerSource, attempt int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.retries[name]; ok {
		prev.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.retries[name] == timer {
			delete(r.retries, name)
		}
		r.mu.Unlock()

		if err := r.start(name, trigger, attempt); err != nil {
			r.logger.WithFields(logrus.Fields{
				"job_name": name,
				"attempt":  attempt + 1,
			}).Warnf("Retry did not start: %v", err)
		}
	})
	r.retries[name] = timer
	r.metrics.retryScheduled(name)
}

func (r *Runner) spawnFailed(rj *runningJob, err error) {
	r.logger.WithFields(logrus.Fields{
		"job_name": rj.job.Name,
		"script":   rj.job.Script,
		"error":    err.Error(),
	}).Error("Failed to start job process")

	r.metrics.observeRun(rj.job.Name, types.StatusFailed, 0)
	r.record(rj, types.StatusFailed, -1, 0, []string{err.Error()})

	r.sendAlert(notifications.Alert{
		Title:   fmt.Sprintf("Job %s could not be started", rj.job.Name),
		Details: err.Error(),
		JobName: rj.job.Name,
		Status:  "SPAWN_ERROR",
		Fields: []notifications.Field{
			{Title: "Script", Value: rj.job.Script, Short: true},
			{Title: "Trigger", Value: string(rj.trigger), Short: true},
		},
	})
}

func (r *Runner) sendAlert(alert notifications.Alert) {
	r.metrics.alerted(alert.JobName)

	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	if err := r.alerts.SendAlert(ctx, alert); err != nil {
		r.logger.WithFields(logrus.Fields{
			"job_name": alert.JobName,
			"error":    err.Error(),
		}).Error("Failed to send alert")
	}
}

// CancelRetry drops a pending retry for the job, if any.
func (r *Runner) CancelRetry(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer, ok := r.retries[name]
	if !ok {
		return false
	}
	timer.Stop()
	delete(r.retries, name)
	r.logger.WithField("job_name", name).Info("Pending retry cancelled")
	return true
}

// Forget cancels the job's pending retry and drops its run history.
func (r *Runner) Forget(name string) {
	r.CancelRetry(name)
	r.history.Forget(name)
}

// RetryPending reports whether a retry is waiting to fire for the job.
func (r *Runner) RetryPending(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.retries[name]
	return ok
}

// Stop cancels all pending retries. Running processes are left alone.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, timer := range r.retries {
		timer.Stop()
		delete(r.retries, name)
	}
}

func (r *Runner) IsRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[name]
	return ok
}

// Running returns the start time of every job currently executing.
func (r *Runner) Running() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]time.Time, len(r.running))
	for name, rj := range r.running {
		out[name] = rj.startTime
	}
	return out
}

// History returns recent attempts of the job, newest first.
func (r *Runner) History(name string) []types.RunRecord {
	return r.history.List(name)
}

// Wait blocks until every started process has exited and been recorded.
func (r *Runner) Wait() {
	r.wg.Wait()
}
