package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/0xPuncker/cronworker/internal/health"
	"github.com/0xPuncker/cronworker/internal/notifications"
	"github.com/sirupsen/logrus"
)

const DefaultInterval = 30 * time.Second

// StatusSource is satisfied by health.Monitor.
type StatusSource interface {
	Status() health.Status
}

// Poller evaluates job health on an interval and raises one alert per stuck
// episode. A job that stops being stuck can alert again later.
type Poller struct {
	monitor  StatusSource
	alerts   notifications.Sender
	logger   *logrus.Logger
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	flagged map[string]time.Time
}

func New(monitor StatusSource, alerts notifications.Sender, logger *logrus.Logger, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if alerts == nil {
		alerts = notifications.NewLogSender(logger)
	}
	return &Poller{
		monitor:  monitor,
		alerts:   alerts,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		flagged:  make(map[string]time.Time),
	}
}

// Start blocks until ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.WithField("interval", p.interval.String()).Info("Stuck job watchdog started")

	for {
		select {
		case <-ticker.C:
			p.check(ctx)
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
	}
}

func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// Stuck returns the jobs currently flagged as stuck.
func (p *Poller) Stuck() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.flagged))
	for name := range p.flagged {
		names = append(names, name)
	}
	return names
}

func (p *Poller) check(ctx context.Context) {
	status := p.monitor.Status()
	p.logger.Debugf("Watchdog cycle: %d running, %d stuck", status.RunningJobs, len(status.StuckJobs))

	stuckNow := make(map[string]health.JobHealth, len(status.StuckJobs))
	for _, jh := range status.Jobs {
		if jh.Stuck {
			stuckNow[jh.Name] = jh
		}
	}

	var fresh []health.JobHealth
	p.mu.Lock()
	for name := range p.flagged {
		if _, still := stuckNow[name]; !still {
			delete(p.flagged, name)
			p.logger.WithField("job_name", name).Info("Job is no longer stuck")
		}
	}
	for name, jh := range stuckNow {
		if _, seen := p.flagged[name]; seen {
			continue
		}
		p.flagged[name] = status.Timestamp
		fresh = append(fresh, jh)
	}
	p.mu.Unlock()

	for _, jh := range fresh {
		var runningFor int64
		if jh.RunningForSeconds != nil {
			runningFor = *jh.RunningForSeconds
		}
		running := (time.Duration(runningFor) * time.Second).String()

		p.logger.WithFields(logrus.Fields{
			"job_name":    jh.Name,
			"running_for": running,
		}).Warn("Job appears stuck")

		err := p.alerts.SendAlert(ctx, notifications.Alert{
			Title:   fmt.Sprintf("Job %s appears stuck", jh.Name),
			Details: fmt.Sprintf("Running for %s, more than twice its timeout", running),
			JobName: jh.Name,
			Status:  "STUCK",
			Fields: []notifications.Field{
				{Title: "Running For", Value: running, Short: true},
			},
		})
		if err != nil {
			p.logger.WithError(err).WithField("job_name", jh.Name).Error("Failed to send stuck job alert")
		}
	}
}
