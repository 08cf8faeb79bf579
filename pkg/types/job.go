package types

import "time"

const (
	DefaultTimeoutMs    int64 = 300000
	DefaultRetryDelayMs int64 = 60000
)

// JobConfig represents a persisted job definition
type JobConfig struct {
	Name           string     `json:"name"`
	Script         string     `json:"script"`
	CronExpression string     `json:"cronExpression"`
	Enabled        bool       `json:"enabled"`
	Description    string     `json:"description,omitempty"`
	TimeoutMs      int64      `json:"timeoutMs"`
	MaxRetries     int        `json:"maxRetries"`
	RetryDelayMs   int64      `json:"retryDelayMs"`
	LastRun        *time.Time `json:"lastRun"`
	LastStatus     *JobStatus `json:"lastStatus"`
}

// WithDefaults returns a copy of the job with zero-valued limits replaced by defaults.
func (j JobConfig) WithDefaults() JobConfig {
	if j.TimeoutMs <= 0 {
		j.TimeoutMs = DefaultTimeoutMs
	}
	if j.RetryDelayMs <= 0 {
		j.RetryDelayMs = DefaultRetryDelayMs
	}
	if j.MaxRetries < 0 {
		j.MaxRetries = 0
	}
	return j
}

func (j JobConfig) Timeout() time.Duration {
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

func (j JobConfig) RetryDelay() time.Duration {
	return time.Duration(j.RetryDelayMs) * time.Millisecond
}

// RunRecord is the outcome of a single attempt, kept in the in-memory run history.
type RunRecord struct {
	ID         string        `json:"id"`
	JobName    string        `json:"jobName"`
	Script     string        `json:"script"`
	Trigger    TriggerSource `json:"trigger"`
	Attempt    int           `json:"attempt"`
	StartedAt  time.Time     `json:"startedAt"`
	DurationMs int64         `json:"durationMs"`
	ExitCode   int           `json:"exitCode"`
	Status     JobStatus     `json:"status"`
	LogTail    []string      `json:"logTail,omitempty"`
}
