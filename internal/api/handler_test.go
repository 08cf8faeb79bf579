package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0xPuncker/cronworker/internal/health"
	"github.com/0xPuncker/cronworker/internal/scheduler"
	"github.com/0xPuncker/cronworker/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiPath = "/api/v1"

type fakeService struct {
	mu      sync.Mutex
	healthy bool
	jobs    map[string]types.JobConfig
	running map[string]bool
	runs    map[string][]types.RunRecord
}

func newFakeService() *fakeService {
	return &fakeService{
		healthy: true,
		jobs: map[string]types.JobConfig{
			"digest": {Name: "digest", Script: "digest.sh", CronExpression: "0 8 * * *", Enabled: true},
		},
		running: map[string]bool{},
		runs: map[string][]types.RunRecord{
			"digest": {{ID: "run-1", JobName: "digest", Attempt: 1, Status: types.StatusSuccess}},
		},
	}
}

func (f *fakeService) Health() health.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := health.Status{Healthy: f.healthy, TotalJobs: len(f.jobs), StuckJobs: []string{}}
	if !f.healthy {
		status.StuckJobs = []string{"digest"}
	}
	return status
}

func (f *fakeService) ListJobs() []scheduler.JobView {
	f.mu.Lock()
	defer f.mu.Unlock()
	views := make([]scheduler.JobView, 0, len(f.jobs))
	for _, job := range f.jobs {
		views = append(views, scheduler.JobView{JobConfig: job, IsRunning: f.running[job.Name]})
	}
	return views
}

func (f *fakeService) GetJob(name string) (scheduler.JobView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[name]
	if !ok {
		return scheduler.JobView{}, fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, name)
	}
	return scheduler.JobView{JobConfig: job, IsRunning: f.running[name]}, nil
}

func (f *fakeService) AddJob(job types.JobConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.Name == "" || job.Script == "" {
		return fmt.Errorf("%w: name and script are required", scheduler.ErrInvalidJob)
	}
	if job.CronExpression == "bad" {
		return fmt.Errorf("%w: %q", scheduler.ErrInvalidSchedule, job.CronExpression)
	}
	if _, ok := f.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", scheduler.ErrJobExists, job.Name)
	}
	f.jobs[job.Name] = job
	return nil
}

func (f *fakeService) UpdateJob(name string, job types.JobConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[name]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, name)
	}
	delete(f.jobs, name)
	f.jobs[job.Name] = job
	return nil
}

func (f *fakeService) DeleteJob(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[name]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, name)
	}
	delete(f.jobs, name)
	return nil
}

func (f *fakeService) RunJobNow(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, name)
	}
	if job.Script == "missing.sh" {
		return fmt.Errorf("%w: %s", scheduler.ErrScriptNotFound, job.Script)
	}
	if f.running[name] {
		return fmt.Errorf("%w: %s", scheduler.ErrAlreadyRunning, name)
	}
	f.running[name] = true
	return nil
}

func (f *fakeService) History(name string) ([]types.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[name]; !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, name)
	}
	return f.runs[name], nil
}

func newTestRouter(t *testing.T) (*fakeService, http.Handler) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	svc := newFakeService()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("cronworker_jobs_running 0\n"))
	})
	return svc, NewAdminRouter(NewHandler(svc, logger), metrics)
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
}

func TestHealthCheck(t *testing.T) {
	svc, router := newTestRouter(t)

	rr := do(t, router, http.MethodGet, apiPath+"/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	var status health.Status
	decode(t, rr, &status)
	assert.True(t, status.Healthy)

	svc.mu.Lock()
	svc.healthy = false
	svc.mu.Unlock()

	rr = do(t, router, http.MethodGet, apiPath+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	decode(t, rr, &status)
	assert.False(t, status.Healthy)
	assert.Equal(t, []string{"digest"}, status.StuckJobs)
}

func TestHealthRouterServesOnlyHealth(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := newFakeService()
	router := NewHealthRouter(svc, logger)

	rr := do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, router, http.MethodGet, apiPath+"/jobs", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	svc.healthy = false
	rr = do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestListAndGetJobs(t *testing.T) {
	_, router := newTestRouter(t)

	rr := do(t, router, http.MethodGet, apiPath+"/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Jobs  []map[string]interface{} `json:"jobs"`
		Total int                      `json:"total"`
	}
	decode(t, rr, &list)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "digest", list.Jobs[0]["name"])
	assert.Equal(t, "0 8 * * *", list.Jobs[0]["cronExpression"])
	assert.Contains(t, list.Jobs[0], "isRunning")

	rr = do(t, router, http.MethodGet, apiPath+"/jobs/digest", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, router, http.MethodGet, apiPath+"/jobs/ghost", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	var errBody map[string]string
	decode(t, rr, &errBody)
	assert.Contains(t, errBody["error"], "job not found")
}

func TestCreateJob(t *testing.T) {
	testCases := []struct {
		name     string
		body     string
		expected int
	}{
		{"created", `{"name":"hourly","script":"hourly.sh","cronExpression":"@hourly","enabled":true}`, http.StatusCreated},
		{"duplicate", `{"name":"digest","script":"digest.sh","cronExpression":"* * * * *"}`, http.StatusConflict},
		{"invalid schedule", `{"name":"x","script":"x.sh","cronExpression":"bad"}`, http.StatusBadRequest},
		{"missing script", `{"name":"x","cronExpression":"* * * * *"}`, http.StatusBadRequest},
		{"malformed body", `{"name":`, http.StatusBadRequest},
		{"unknown field", `{"name":"x","script":"x.sh","cronExpression":"* * * * *","shell":"bash"}`, http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, router := newTestRouter(t)
			rr := do(t, router, http.MethodPost, apiPath+"/jobs", tc.body)
			assert.Equal(t, tc.expected, rr.Code, rr.Body.String())
		})
	}
}

func TestUpdateJob(t *testing.T) {
	svc, router := newTestRouter(t)

	rr := do(t, router, http.MethodPut, apiPath+"/jobs/digest", `{"script":"digest.sh","cronExpression":"30 9 * * *","enabled":false}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var job map[string]interface{}
	decode(t, rr, &job)
	assert.Equal(t, "digest", job["name"])
	assert.Equal(t, false, job["enabled"])
	assert.Equal(t, "30 9 * * *", svc.jobs["digest"].CronExpression)

	rr = do(t, router, http.MethodPut, apiPath+"/jobs/ghost", `{"script":"x.sh","cronExpression":"* * * * *"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeleteJob(t *testing.T) {
	_, router := newTestRouter(t)

	rr := do(t, router, http.MethodDelete, apiPath+"/jobs/digest", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, router, http.MethodDelete, apiPath+"/jobs/digest", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRunJob(t *testing.T) {
	svc, router := newTestRouter(t)
	svc.jobs["orphan"] = types.JobConfig{Name: "orphan", Script: "missing.sh", CronExpression: "* * * * *"}

	rr := do(t, router, http.MethodPost, apiPath+"/jobs/digest/run", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = do(t, router, http.MethodPost, apiPath+"/jobs/digest/run", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, http.MethodPost, apiPath+"/jobs/ghost/run", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, router, http.MethodPost, apiPath+"/jobs/orphan/run", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestJobRuns(t *testing.T) {
	_, router := newTestRouter(t)

	rr := do(t, router, http.MethodGet, apiPath+"/jobs/digest/runs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Runs []types.RunRecord `json:"runs"`
	}
	decode(t, rr, &body)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "run-1", body.Runs[0].ID)

	rr = do(t, router, http.MethodGet, apiPath+"/jobs/ghost/runs", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsRoute(t *testing.T) {
	_, router := newTestRouter(t)

	rr := do(t, router, http.MethodGet, apiPath+"/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "cronworker_jobs_running")
}

func TestCORSHeaders(t *testing.T) {
	_, router := newTestRouter(t)

	rr := do(t, router, http.MethodGet, apiPath+"/jobs", "")
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("persist jobs: %w", io.ErrShortWrite)))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("wrapped: %w", scheduler.ErrAlreadyRunning)))
}

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	rw := newResponseWriter(httptest.NewRecorder())
	rw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, rw.status)
}

func TestStartServerStopsWithContext(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- StartServer(ctx, NewHealthRouter(newFakeService(), logger), "127.0.0.1:0", logger, ServerOptions{ShutdownTimeout: time.Second})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStartServerListenFailure(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = StartServer(context.Background(), http.NotFoundHandler(), ln.Addr().String(), logger, ServerOptions{})
	assert.Error(t, err)
}
