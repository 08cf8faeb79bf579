package scheduler

import (
	"fmt"

	"github.com/0xPuncker/cronworker/internal/config"
	"github.com/0xPuncker/cronworker/internal/notifications"
	"github.com/0xPuncker/cronworker/internal/runner"
)

// OptionsFromConfig maps process settings onto scheduler options.
func OptionsFromConfig(cfg *config.Config, alerts notifications.Sender) (Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Options{}, fmt.Errorf("scheduler options: %w", err)
	}

	return Options{
		ConfigPath:    cfg.Jobs.ConfigPath,
		DefaultPath:   cfg.Jobs.DefaultPath,
		ScriptsDir:    cfg.Jobs.ScriptsDir,
		LogsDir:       cfg.Jobs.LogsDir,
		Location:      loc,
		GracePeriod:   config.Duration(cfg.Runner.GracePeriod, runner.DefaultGracePeriod),
		BackoffFactor: cfg.Runner.BackoffFactor,
		LogTailLines:  cfg.Runner.LogTailLines,
		Interpreters:  cfg.Runner.Interpreters,
		HistorySize:   cfg.Runner.HistorySize,
		HistoryTTL:    config.Duration(cfg.Runner.HistoryTTL, runner.DefaultHistoryTTL),
		Alerts:        alerts,
	}, nil
}
