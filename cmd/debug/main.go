package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/0xPuncker/cronworker/internal/config"
	"github.com/0xPuncker/cronworker/internal/cron"
	"github.com/0xPuncker/cronworker/internal/store"
	"github.com/sirupsen/logrus"
)

// Prints every job with its schedule check, script check and next fire times.
func main() {
	configPath := flag.String("config", config.DefaultPath, "path to settings file")
	count := flag.Int("n", 3, "number of upcoming runs to show")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	loc, err := cfg.Location()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	jobs := store.New(logger, cfg.Jobs.ConfigPath, cfg.Jobs.DefaultPath).Load()
	fmt.Printf("Jobs file: %s (%d jobs, timezone %s)\n", cfg.Jobs.ConfigPath, len(jobs), loc)

	problems := 0
	now := time.Now()
	for _, job := range jobs {
		job = job.WithDefaults()
		fmt.Printf("\n%s\n", job.Name)
		fmt.Printf("  enabled:  %t\n", job.Enabled)
		fmt.Printf("  schedule: %s\n", job.CronExpression)
		fmt.Printf("  timeout:  %s, retries: %d, retry delay: %s\n", job.Timeout(), job.MaxRetries, job.RetryDelay())

		script := filepath.Join(cfg.Jobs.ScriptsDir, job.Script)
		if info, err := os.Stat(script); err != nil || info.IsDir() {
			fmt.Printf("  script:   %s MISSING\n", script)
			problems++
		} else {
			fmt.Printf("  script:   %s (%s)\n", script, info.Mode())
		}

		runs, err := cron.NextRuns(job.CronExpression, now, *count, loc)
		if err != nil {
			fmt.Printf("  INVALID:  %v\n", err)
			problems++
			continue
		}
		if !job.Enabled {
			continue
		}
		for _, run := range runs {
			fmt.Printf("  next:     %s\n", run.Format(time.RFC3339))
		}
	}

	if problems > 0 {
		fmt.Printf("\n%d problem(s) found\n", problems)
		os.Exit(1)
	}
}
