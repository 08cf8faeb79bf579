package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/0xPuncker/cronworker/internal/api"
	"github.com/0xPuncker/cronworker/internal/config"
	"github.com/0xPuncker/cronworker/internal/notifications"
	"github.com/0xPuncker/cronworker/internal/poller"
	"github.com/0xPuncker/cronworker/internal/scheduler"
	"github.com/dimiro1/banner"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

const bannerText = `
{{ .Title "cronworker" "" 0 }}
{{ .AnsiBackground.BrightBlue }}{{ .AnsiColor.White }} admin {{ .AnsiReset }}
`

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to settings file")
	flag.Parse()

	banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05-07:00",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel())

	alerts := notifications.NewSender(logger, cfg.Slack.WebhookURL, cfg.Slack.AlertsPerMinute)

	opts, err := scheduler.OptionsFromConfig(cfg, alerts)
	if err != nil {
		logger.Fatalf("Invalid scheduler settings: %v", err)
	}
	sched := scheduler.New(logger, opts)
	if err := sched.Boot(); err != nil {
		logger.Fatalf("Failed to boot scheduler: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Jobs.Watch {
		go func() {
			if err := sched.WatchConfig(ctx); err != nil {
				logger.Errorf("Config watcher stopped: %v", err)
			}
		}()
	}

	watchdog := poller.New(sched.Monitor(), alerts, logger, config.Duration(cfg.Watchdog.Interval, poller.DefaultInterval))
	go watchdog.Start(ctx)

	router := api.NewAdminRouter(api.NewHandler(sched, logger), sched.MetricsHandler())

	logger.Infof("Admin server started on port %s - Press Ctrl+C to stop.", cfg.Server.Port)

	err = api.StartServer(ctx, router, fmt.Sprintf(":%s", cfg.Server.Port), logger, api.ServerOptionsFrom(cfg.Server))

	logger.Info("Shutting down server...")
	stop()
	watchdog.Stop()
	sched.Stop()

	if err != nil {
		logger.Fatalf("Server failed: %v", err)
	}
	logger.Info("Server stopped")
}
