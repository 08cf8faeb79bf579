package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
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
	"github.com/gorilla/mux"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

const bannerText = `
{{ .Title "cronworker" "" 0 }}
{{ .AnsiColor.BrightBlue }}job worker{{ .AnsiReset }}
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

	if cfg.Slack.NotifyStartup {
		hostname, _ := os.Hostname()
		notifier := notifications.NewStartupNotifier(sched, alerts, logger, hostname)
		go func() {
			if err := notifier.NotifyStartup(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warnf("Startup notification failed: %v", err)
			}
		}()
	}

	serverOpts := api.ServerOptionsFrom(cfg.Server)

	if cfg.Metrics.Addr != "" {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", sched.MetricsHandler()).Methods(http.MethodGet)
		go func() {
			if err := api.StartServer(ctx, metricsRouter, cfg.Metrics.Addr, logger, serverOpts); err != nil {
				logger.Errorf("Metrics listener failed: %v", err)
			}
		}()
	}

	logger.Infof("Worker started on port %s - Press Ctrl+C to stop.", cfg.Server.Port)

	err = api.StartServer(ctx, api.NewHealthRouter(sched, logger), fmt.Sprintf(":%s", cfg.Server.Port), logger, serverOpts)

	logger.Info("Shutting down worker...")
	stop()
	watchdog.Stop()
	sched.Stop()

	if err != nil {
		logger.Fatalf("Health server failed: %v", err)
	}
	logger.Info("Worker stopped")
}
