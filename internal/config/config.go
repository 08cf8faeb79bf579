package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/worker.yaml"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Runner   RunnerConfig   `yaml:"runner"`
	Slack    SlackConfig    `yaml:"slack"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type JobsConfig struct {
	ConfigPath  string `yaml:"config_path"`
	DefaultPath string `yaml:"default_path"`
	ScriptsDir  string `yaml:"scripts_dir"`
	LogsDir     string `yaml:"logs_dir"`
	Timezone    string `yaml:"timezone"`
	Watch       bool   `yaml:"watch"`
}

type RunnerConfig struct {
	GracePeriod   string            `yaml:"grace_period"`
	BackoffFactor int               `yaml:"backoff_factor"`
	LogTailLines  int               `yaml:"log_tail_lines"`
	HistorySize   int               `yaml:"history_size"`
	HistoryTTL    string            `yaml:"history_ttl"`
	Interpreters  map[string]string `yaml:"interpreters"`
}

type SlackConfig struct {
	WebhookURL      string `yaml:"webhook_url"`
	AlertsPerMinute int    `yaml:"alerts_per_minute"`
	NotifyStartup   bool   `yaml:"notify_startup"`
}

type WatchdogConfig struct {
	Interval string `yaml:"interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "3001",
			ReadTimeout:     "15s",
			WriteTimeout:    "15s",
			ShutdownTimeout: "10s",
		},
		Jobs: JobsConfig{
			ConfigPath:  "data/jobs.json",
			DefaultPath: "config/jobs.default.json",
			ScriptsDir:  "scripts",
			LogsDir:     "logs",
			Timezone:    "Local",
			Watch:       true,
		},
		Runner: RunnerConfig{
			GracePeriod:   "5s",
			BackoffFactor: 3,
			LogTailLines:  10,
			HistorySize:   20,
			HistoryTTL:    "24h",
			Interpreters: map[string]string{
				".js": "node",
				".py": "python3",
			},
		},
		Slack: SlackConfig{
			AlertsPerMinute: 30,
		},
		Watchdog: WatchdogConfig{
			Interval: "30s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML settings file when it exists, then applies .env files
// and environment variables on top. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	path := resolvePath(configPath)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load(".env.local"); err != nil {
			logrus.Debug("No .env or .env.local file found. Using environment variables.")
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePath looks for a relative settings file in the working directory and
// up to two parents, so binaries started from cmd/ still find config/.
func resolvePath(configPath string) string {
	if configPath == "" {
		configPath = DefaultPath
	}
	if filepath.IsAbs(configPath) {
		return configPath
	}

	wd, err := os.Getwd()
	if err != nil {
		return configPath
	}
	for i := 0; i < 3; i++ {
		candidate := filepath.Join(wd, configPath)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			break
		}
		wd = parent
	}
	return configPath
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Jobs.ConfigPath = getEnv("JOBS_CONFIG_PATH", c.Jobs.ConfigPath)
	c.Jobs.DefaultPath = getEnv("JOBS_DEFAULT_PATH", c.Jobs.DefaultPath)
	c.Jobs.ScriptsDir = getEnv("SCRIPTS_DIR", c.Jobs.ScriptsDir)
	c.Jobs.LogsDir = getEnv("LOGS_DIR", c.Jobs.LogsDir)
	c.Jobs.Timezone = getEnv("TZ_NAME", c.Jobs.Timezone)
	c.Slack.WebhookURL = getEnv("SLACK_WEBHOOK_URL", c.Slack.WebhookURL)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)

	if v, ok := os.LookupEnv("JOBS_WATCH"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Jobs.Watch = b
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("invalid server port %q: %w", c.Server.Port, err)
	}
	if c.Jobs.ConfigPath == "" || c.Jobs.DefaultPath == "" {
		return fmt.Errorf("jobs config_path and default_path are required")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for name, value := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"runner.grace_period":     c.Runner.GracePeriod,
		"runner.history_ttl":      c.Runner.HistoryTTL,
		"watchdog.interval":       c.Watchdog.Interval,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	return nil
}

// Location returns the timezone cron expressions are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	if c.Jobs.Timezone == "" || c.Jobs.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Jobs.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Jobs.Timezone, err)
	}
	return loc, nil
}

// LogLevel returns the configured level, falling back to info.
func (c *Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Duration parses value, returning fallback when it is empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
