package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/0xPuncker/cronworker/pkg/types"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const watchDebounce = 250 * time.Millisecond

// Watch calls onChange with the new job list whenever the override file is
// changed by someone other than this store. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func([]types.JobConfig)) error {
	dir := filepath.Dir(s.overridePath)
	file := filepath.Base(s.overridePath)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// the directory is watched so atomic renames are seen
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			s.reload(onChange)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	s.logger.WithField("path", s.overridePath).Debug("Watching job config")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("Job config watch error")
		}
	}
}

func (s *Store) reload(onChange func([]types.JobConfig)) {
	data, err := os.ReadFile(s.overridePath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).Warn("Failed to read changed job config")
		}
		return
	}
	if s.IsOwnWrite(data) {
		return
	}

	jobs, err := parseJobs(data)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"path":  s.overridePath,
			"error": err.Error(),
		}).Warn("Ignoring unparsable job config change")
		return
	}

	s.mu.Lock()
	s.lastWrite = sha256.Sum256(data)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"path": s.overridePath,
		"jobs": len(jobs),
	}).Info("Job config changed on disk, reloading")
	onChange(jobs)
}
