package notifications

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/0xPuncker/cronworker/pkg/types"
	"github.com/sirupsen/logrus"
)

// JobLister provides the loaded job definitions.
type JobLister interface {
	List() []types.JobConfig
}

// StartupNotifier announces a worker boot with a summary of what it will run.
type StartupNotifier struct {
	jobs         JobLister
	sender       Sender
	logger       *logrus.Logger
	hostname     string
	initialDelay time.Duration
}

func NewStartupNotifier(jobs JobLister, sender Sender, logger *logrus.Logger, hostname string) *StartupNotifier {
	return &StartupNotifier{
		jobs:         jobs,
		sender:       sender,
		logger:       logger,
		hostname:     hostname,
		initialDelay: 5 * time.Second,
	}
}

func (n *StartupNotifier) NotifyStartup(ctx context.Context) error {
	select {
	case <-time.After(n.initialDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	jobs := n.jobs.List()
	var enabled, disabled []string
	for _, job := range jobs {
		if job.Enabled {
			enabled = append(enabled, job.Name)
		} else {
			disabled = append(disabled, job.Name)
		}
	}
	sort.Strings(enabled)
	sort.Strings(disabled)

	n.logger.WithFields(logrus.Fields{
		"jobs":    len(jobs),
		"enabled": len(enabled),
	}).Info("Sending startup notification")

	alert := Alert{
		Title:  fmt.Sprintf("cronworker started on %s", n.hostname),
		Status: "STARTED",
		Fields: []Field{
			{Title: "Jobs", Value: fmt.Sprintf("%d", len(jobs)), Short: true},
			{Title: "Enabled", Value: fmt.Sprintf("%d", len(enabled)), Short: true},
		},
	}
	if len(enabled) > 0 {
		alert.Details = "Scheduled: " + strings.Join(enabled, ", ")
	}
	if len(disabled) > 0 {
		alert.Fields = append(alert.Fields, Field{Title: "Disabled", Value: strings.Join(disabled, ", ")})
	}

	if err := n.sender.SendAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to send startup notification: %w", err)
	}
	return nil
}
