package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/0xPuncker/cronworker/pkg/types"
	"github.com/sirupsen/logrus"
)

// Store persists job definitions as a JSON array.
//
// Reads and writes always go to the override path. The default path is a
// shipped template: it seeds the override path when that is missing, empty
// or unparsable, and is never written.
type Store struct {
	logger       *logrus.Logger
	overridePath string
	defaultPath  string

	mu        sync.Mutex
	lastWrite [sha256.Size]byte
}

func New(logger *logrus.Logger, overridePath, defaultPath string) *Store {
	return &Store{
		logger:       logger,
		overridePath: overridePath,
		defaultPath:  defaultPath,
	}
}

func (s *Store) OverridePath() string {
	return s.overridePath
}

func (s *Store) DefaultPath() string {
	return s.defaultPath
}

// Load returns the persisted jobs. It never fails: any error is logged and
// an empty list is returned.
func (s *Store) Load() []types.JobConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.overridePath)
	switch {
	case err == nil && len(bytes.TrimSpace(data)) > 0:
		jobs, perr := parseJobs(data)
		if perr == nil {
			s.lastWrite = sha256.Sum256(data)
			return jobs
		}
		s.logger.WithFields(logrus.Fields{
			"path":  s.overridePath,
			"error": perr.Error(),
		}).Warn("Job config is unparsable, falling back to default")
		s.preserveCorrupt(data)
	case err == nil:
		s.logger.WithField("path", s.overridePath).Warn("Job config is empty, falling back to default")
	case os.IsNotExist(err):
		s.logger.WithField("path", s.overridePath).Info("Job config not found, seeding from default")
	default:
		s.logger.WithFields(logrus.Fields{
			"path":  s.overridePath,
			"error": err.Error(),
		}).Warn("Failed to read job config, falling back to default")
	}

	return s.loadDefaultLocked()
}

func (s *Store) loadDefaultLocked() []types.JobConfig {
	data, err := os.ReadFile(s.defaultPath)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"path":  s.defaultPath,
			"error": err.Error(),
		}).Error("Failed to read default job config")
		return []types.JobConfig{}
	}

	jobs, err := parseJobs(data)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"path":  s.defaultPath,
			"error": err.Error(),
		}).Error("Failed to parse default job config")
		return []types.JobConfig{}
	}

	if err := s.writeLocked(data); err != nil {
		s.logger.WithFields(logrus.Fields{
			"path":  s.overridePath,
			"error": err.Error(),
		}).Error("Failed to seed job config from default")
	} else {
		s.logger.WithFields(logrus.Fields{
			"from": s.defaultPath,
			"to":   s.overridePath,
		}).Info("Seeded job config from default")
	}

	return jobs
}

func (s *Store) preserveCorrupt(data []byte) {
	backup := s.overridePath + ".corrupt"
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		s.logger.WithError(err).Warn("Failed to preserve unparsable job config")
		return
	}
	s.logger.WithField("path", backup).Info("Preserved unparsable job config")
}

// Save rewrites the override file with the full job list.
func (s *Store) Save(jobs []types.JobConfig) error {
	if jobs == nil {
		jobs = []types.JobConfig{}
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal jobs: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeLocked(data)
}

// IsOwnWrite reports whether data matches the last content this store wrote
// or loaded, so the watcher can ignore its own saves.
func (s *Store) IsOwnWrite(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sha256.Sum256(data) == s.lastWrite
}

func (s *Store) writeLocked(data []byte) error {
	dir := filepath.Dir(s.overridePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.overridePath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, s.overridePath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename config file: %w", err)
	}

	s.lastWrite = sha256.Sum256(data)
	return nil
}

func parseJobs(data []byte) ([]types.JobConfig, error) {
	var jobs []types.JobConfig
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job config: %w", err)
	}
	if jobs == nil {
		jobs = []types.JobConfig{}
	}
	return jobs, nil
}
