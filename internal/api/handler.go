package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/0xPuncker/cronworker/internal/health"
	"github.com/0xPuncker/cronworker/internal/scheduler"
	"github.com/0xPuncker/cronworker/pkg/types"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// HealthSource is all the worker harness exposes.
type HealthSource interface {
	Health() health.Status
}

// JobService is the scheduler's control surface.
type JobService interface {
	HealthSource
	ListJobs() []scheduler.JobView
	GetJob(name string) (scheduler.JobView, error)
	AddJob(job types.JobConfig) error
	UpdateJob(name string, job types.JobConfig) error
	DeleteJob(name string) error
	RunJobNow(name string) error
	History(name string) ([]types.RunRecord, error)
}

type Handler struct {
	jobs   JobService
	logger *logrus.Logger
}

func NewHandler(jobs JobService, logger *logrus.Logger) *Handler {
	return &Handler{
		jobs:   jobs,
		logger: logger,
	}
}

// HealthHandler answers 200 with the health object when no job is stuck and
// 503 otherwise.
func HealthHandler(source HealthSource, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := source.Health()
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
			logger.WithField("stuck_jobs", status.StuckJobs).Warn("Health check failing")
		}
		writeJSON(w, logger, code, status)
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	HealthHandler(h.jobs, h.logger)(w, r)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.ListJobs()
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(mux.Vars(r)["name"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, job)
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	job, err := decodeJob(w, r)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if err := h.jobs.AddJob(job); err != nil {
		h.handleError(w, err)
		return
	}

	created, err := h.jobs.GetJob(job.Name)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, created)
}

func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	job, err := decodeJob(w, r)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if job.Name == "" {
		job.Name = name
	}
	if err := h.jobs.UpdateJob(name, job); err != nil {
		h.handleError(w, err)
		return
	}

	updated, err := h.jobs.GetJob(job.Name)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, updated)
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.DeleteJob(mux.Vars(r)["name"]); err != nil {
		h.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.jobs.RunJobNow(name); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusAccepted, map[string]string{
		"job":    name,
		"status": "started",
	})
}

func (h *Handler) JobRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.jobs.History(mux.Vars(r)["name"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}

var errBadRequest = errors.New("bad request")

func decodeJob(w http.ResponseWriter, r *http.Request) (types.JobConfig, error) {
	var job types.JobConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		return job, fmt.Errorf("%w: invalid job body: %v", errBadRequest, err)
	}
	return job, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, scheduler.ErrInvalidJob),
		errors.Is(err, scheduler.ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrJobExists),
		errors.Is(err, scheduler.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrScriptNotFound):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(err)
	} else {
		h.logger.Debug(err)
	}
	writeJSON(w, h.logger, code, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, logger *logrus.Logger, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}
