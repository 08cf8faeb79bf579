package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

// Alert is a terminal job failure worth a human's attention.
type Alert struct {
	Title   string
	Details string

	JobName string
	Status  string
	Fields  []Field
}

// Sender delivers alerts somewhere.
type Sender interface {
	SendAlert(ctx context.Context, alert Alert) error
}

// NotificationService formats alerts as Slack messages. Bursts are smoothed
// by a token bucket so a failing fleet of jobs cannot flood the channel.
type NotificationService struct {
	slackService *SlackService
	logger       *logrus.Logger
	limiter      *rate.Limiter
}

func NewNotificationService(slackService *SlackService, logger *logrus.Logger, perMinute int) *NotificationService {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &NotificationService{
		slackService: slackService,
		logger:       logger,
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

func (s *NotificationService) SendAlert(ctx context.Context, alert Alert) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("alert rate limit: %w", err)
	}
	return s.slackService.SendSlackMessage(ctx, s.formatAlert(alert))
}

func (s *NotificationService) formatAlert(alert Alert) *SlackMessage {
	color, icon := statusStyle(alert.Status)

	fields := make([]Field, 0, len(alert.Fields)+2)
	if alert.JobName != "" {
		fields = append(fields, Field{Title: "Job Name", Value: alert.JobName, Short: true})
	}
	if alert.Status != "" {
		fields = append(fields, Field{
			Title: "Status",
			Value: cases.Title(language.English).String(strings.ToLower(alert.Status)),
			Short: true,
		})
	}
	fields = append(fields, alert.Fields...)

	attachment := Attachment{
		Color:  color,
		Fields: fields,
		Footer: fmt.Sprintf("cronworker | %s", time.Now().Format("Mon, 02 Jan 2006 15:04:05 MST")),
		Ts:     time.Now().Unix(),
	}
	if alert.Details != "" {
		attachment.Text = "```" + alert.Details + "```"
	}

	return &SlackMessage{
		Text:        fmt.Sprintf("%s %s", icon, alert.Title),
		Attachments: []Attachment{attachment},
	}
}

func statusStyle(status string) (string, string) {
	switch strings.ToUpper(status) {
	case "SUCCESS":
		return "good", "✅"
	case "STARTED":
		return "good", "🚀"
	case "TIMEOUT":
		return "warning", "⏱️"
	case "STUCK":
		return "warning", "⚠️"
	case "FAILED", "SPAWN_ERROR":
		return "danger", "❌"
	default:
		return "#808080", "ℹ️"
	}
}

// LogSender is used when no alert channel is configured: alerts end up in the
// process log only.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendAlert(_ context.Context, alert Alert) error {
	s.logger.WithFields(logrus.Fields{
		"job_name": alert.JobName,
		"status":   alert.Status,
		"details":  alert.Details,
	}).Error(alert.Title)
	return nil
}

// NewSender returns a Slack-backed sender when a webhook is configured and a
// LogSender otherwise.
func NewSender(logger *logrus.Logger, webhookURL string, perMinute int) Sender {
	if webhookURL == "" {
		logger.Warn("No Slack webhook configured, alerts go to the log only")
		return NewLogSender(logger)
	}
	slack, err := NewSlackService(logger, webhookURL)
	if err != nil {
		logger.Warnf("Failed to initialize Slack service: %v", err)
		return NewLogSender(logger)
	}
	return NewNotificationService(slack, logger, perMinute)
}
