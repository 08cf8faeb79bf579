package cron

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/0xPuncker/cronworker/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	saves int
	last  []types.JobConfig
	err   error
}

func (m *memStore) Save(jobs []types.JobConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.last = jobs
	return m.err
}

func (m *memStore) snapshot() (int, []types.JobConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves, m.last
}

type triggerLog struct {
	mu    sync.Mutex
	names []string
}

func (l *triggerLog) fire(name string) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
}

func (l *triggerLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.names {
		if got == name {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T) (*Registry, *memStore, *triggerLog) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := &memStore{}
	fired := &triggerLog{}
	return NewRegistry(logger, store, time.UTC, fired.fire), store, fired
}

func job(name, expr string, enabled bool) types.JobConfig {
	return types.JobConfig{
		Name:           name,
		Script:         name + ".sh",
		CronExpression: expr,
		Enabled:        enabled,
	}
}

func TestValidateSchedule(t *testing.T) {
	testCases := []struct {
		expr  string
		valid bool
	}{
		{"*/5 * * * *", true},
		{"0 9 * * 1", true},
		{"*/1 * * * * *", true},
		{"@hourly", true},
		{"@every 90s", true},
		{"", false},
		{"invalid-schedule", false},
		{"61 * * * *", false},
		{"* * *", false},
	}

	for _, tc := range testCases {
		t.Run(tc.expr, func(t *testing.T) {
			err := ValidateSchedule(tc.expr)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSchedule)
			}
		})
	}
}

func TestLoadAppliesDefaultsAndDropsDuplicates(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	r.Load([]types.JobConfig{
		job("a", "* * * * *", true),
		{Name: "a", Script: "other.sh", CronExpression: "* * * * *"},
		{Script: "anonymous.sh"},
		job("b", "* * * * *", false),
	})

	jobs := r.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a.sh", jobs[0].Script)
	assert.Equal(t, types.DefaultTimeoutMs, jobs[0].TimeoutMs)
	assert.Equal(t, types.DefaultRetryDelayMs, jobs[0].RetryDelayMs)
	assert.Equal(t, 0, jobs[0].MaxRetries)
}

func TestRebuildAll(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	r.Load([]types.JobConfig{
		job("enabled", "*/5 * * * *", true),
		job("disabled", "*/5 * * * *", false),
		job("broken", "not a cron", true),
	})
	r.RebuildAll()

	assert.True(t, r.HasTrigger("enabled"))
	assert.False(t, r.HasTrigger("disabled"))
	assert.False(t, r.HasTrigger("broken"))
	assert.Equal(t, 1, r.TriggerCount())

	// invalid jobs stay visible
	_, ok := r.Get("broken")
	assert.True(t, ok)

	// rebuilding again does not duplicate triggers
	r.RebuildAll()
	assert.Equal(t, 1, r.TriggerCount())
}

func TestDisableThenRebuildRemovesTrigger(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Load([]types.JobConfig{job("digest", "*/5 * * * *", true)})
	r.RebuildAll()
	require.True(t, r.HasTrigger("digest"))

	jobs := r.List()
	jobs[0].Enabled = false
	r.Load(jobs)
	r.RebuildAll()

	assert.False(t, r.HasTrigger("digest"))
	assert.Equal(t, 0, r.TriggerCount())
}

func TestAdd(t *testing.T) {
	r, store, _ := newTestRegistry(t)

	require.NoError(t, r.Add(job("reminders", "0 8 * * *", true)))
	assert.True(t, r.HasTrigger("reminders"))

	saves, last := store.snapshot()
	assert.Equal(t, 1, saves)
	require.Len(t, last, 1)
	assert.Equal(t, "reminders", last[0].Name)

	err := r.Add(job("reminders", "0 8 * * *", true))
	assert.ErrorIs(t, err, ErrJobExists)

	err = r.Add(job("bad", "every tuesday", true))
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	err = r.Add(types.JobConfig{Name: "noscript", CronExpression: "* * * * *"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	require.NoError(t, r.Add(job("paused", "0 8 * * *", false)))
	assert.False(t, r.HasTrigger("paused"))
	assert.Len(t, r.List(), 2)
}

func TestUpdateReplacesEntryAndTrigger(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, r.Add(job("x", "0 8 * * *", true)))
	oldNext, ok := r.NextRun("x")
	require.True(t, ok)

	updated := job("x", "30 22 * * *", true)
	updated.TimeoutMs = 1234
	require.NoError(t, r.Update("x", updated))

	jobs := r.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "30 22 * * *", jobs[0].CronExpression)
	assert.Equal(t, int64(1234), jobs[0].TimeoutMs)
	assert.Equal(t, 1, r.TriggerCount())

	newNext, ok := r.NextRun("x")
	require.True(t, ok)
	assert.NotEqual(t, oldNext, newNext)
	assert.Equal(t, 22, newNext.Hour())
	assert.Equal(t, 30, newNext.Minute())

	_, last := store.snapshot()
	require.Len(t, last, 1)
	assert.Equal(t, "30 22 * * *", last[0].CronExpression)
}

func TestUpdateDisableRemovesTrigger(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Add(job("x", "0 8 * * *", true)))

	require.NoError(t, r.Update("x", job("x", "0 8 * * *", false)))
	assert.False(t, r.HasTrigger("x"))
	assert.Equal(t, 0, r.TriggerCount())
}

func TestUpdatePreservesRunOutcome(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Add(job("x", "0 8 * * *", true)))

	at := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, r.RecordRun("x", at, types.StatusFailed))
	require.NoError(t, r.Update("x", job("x", "0 9 * * *", true)))

	got, ok := r.Get("x")
	require.True(t, ok)
	require.NotNil(t, got.LastRun)
	assert.True(t, at.Equal(*got.LastRun))
	require.NotNil(t, got.LastStatus)
	assert.Equal(t, types.StatusFailed, *got.LastStatus)
}

func TestUpdateRename(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Add(job("a", "0 8 * * *", true)))
	require.NoError(t, r.Add(job("b", "0 8 * * *", true)))

	err := r.Update("a", job("b", "0 8 * * *", true))
	assert.ErrorIs(t, err, ErrJobExists)

	require.NoError(t, r.Update("a", job("c", "0 8 * * *", true)))
	assert.False(t, r.HasTrigger("a"))
	assert.True(t, r.HasTrigger("c"))
	_, ok := r.Get("a")
	assert.False(t, ok)

	err = r.Update("missing", job("missing", "0 8 * * *", true))
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestDelete(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	require.NoError(t, r.Add(job("x", "0 8 * * *", true)))

	require.NoError(t, r.Delete("x"))
	assert.False(t, r.HasTrigger("x"))
	assert.Empty(t, r.List())

	_, last := store.snapshot()
	assert.Empty(t, last)

	assert.ErrorIs(t, r.Delete("x"), ErrJobNotFound)
}

func TestRecordRunUnknownJob(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.RecordRun("ghost", time.Now(), types.StatusSuccess)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPersistFailureIsReported(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	store.err = errors.New("disk full")

	err := r.Add(job("x", "0 8 * * *", true))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestTriggersFire(t *testing.T) {
	r, _, fired := newTestRegistry(t)
	r.Load([]types.JobConfig{
		job("every-second", "*/1 * * * * *", true),
		job("disabled", "*/1 * * * * *", false),
	})
	r.RebuildAll()

	require.NoError(t, r.Start())
	assert.Error(t, r.Start())

	time.Sleep(2500 * time.Millisecond)
	r.Stop()

	assert.Greater(t, fired.count("every-second"), 0)
	assert.Equal(t, 0, fired.count("disabled"))
	assert.False(t, r.IsRunning())
}

func TestNextRuns(t *testing.T) {
	from := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

	runs, err := NextRuns("0 9 * * 1", from, 2, time.UTC)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].Equal(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)), runs[0])
	assert.True(t, runs[1].Equal(time.Date(2026, 10, 26, 9, 0, 0, 0, time.UTC)), runs[1])

	runs, err = NextRuns("*/30 * * * * *", from, 3, time.UTC)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, run := range runs {
		assert.True(t, run.Equal(from.Add(time.Duration(i+1)*30*time.Second)), run)
	}

	_, err = NextRuns("nope", from, 1, time.UTC)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}
