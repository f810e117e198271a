package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/config"
	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
	"github.com/JakeFAU/media-fetcher/internal/storage/memory"
)

func TestServer_SubmitJob_Succeeds(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	server := newTestServer(jobs)

	body := `{"user_id":"alice","config_name":"default","resource_list_name":"shows"}`
	rec := do(t, server, http.MethodPost, "/v1/jobs", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"job_id":"job-1"`)
	require.Equal(t, []submission{{"alice", "default", "shows", true}}, jobs.submitted)
}

func TestServer_SubmitJob_LinkModeOff(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	server := newTestServer(jobs)
	body := `{"user_id":"alice","config_name":"c","resource_list_name":"l","link_mode":false}`
	rec := do(t, server, http.MethodPost, "/v1/jobs", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.False(t, jobs.submitted[0].linkMode)
}

func TestServer_SubmitJob_InvalidJSON(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(newFakeJobs()), http.MethodPost, "/v1/jobs", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown user", fmt.Errorf("user bob: %w", media.ErrUserNotFound), http.StatusBadRequest},
		{"bad input", media.ErrInvalidInput, http.StatusBadRequest},
		{"missing job", fmt.Errorf("job x: %w", media.ErrNotFound), http.StatusNotFound},
		{"wrong state", fmt.Errorf("job x is failed: %w", media.ErrInvalidState), http.StatusConflict},
		{"store down", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			jobs := newFakeJobs()
			jobs.err = tc.err
			server := newTestServer(jobs)

			rec := do(t, server, http.MethodPost, "/v1/jobs/job-9/stop", "")
			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusInternalServerError {
				require.NotContains(t, rec.Body.String(), "connection refused")
			}
		})
	}
}

func TestServer_JobRoutes(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.jobs["job-7"] = media.Job{ID: "job-7", UserID: "alice", Status: media.JobStatusRunning}
	server := newTestServer(jobs)

	rec := do(t, server, http.MethodGet, "/v1/jobs/job-7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"running"`)

	rec = do(t, server, http.MethodGet, "/v1/jobs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodGet, "/v1/jobs/running?user=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"current_url":"https://example.com/a"`)
	require.Equal(t, "alice", jobs.lastUser)

	rec = do(t, server, http.MethodGet, "/v1/jobs?user=alice&status=running", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, media.JobFilter{UserID: "alice", Status: media.JobStatusRunning}, jobs.lastFilter)

	rec = do(t, server, http.MethodPost, "/v1/jobs/job-7/stop", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/jobs/job-7/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/jobs/stop-all?user=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"stopped":2}`, rec.Body.String())

	rec = do(t, server, http.MethodPost, "/v1/jobs/cancel-all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"cancelled":3}`, rec.Body.String())

	rec = do(t, server, http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"pending":4}`, rec.Body.String())
}

func TestServer_TaskLifecycle(t *testing.T) {
	t.Parallel()

	tasks := memory.NewTaskStore()
	firer := &fakeFirer{}
	server := NewServer(newFakeJobs(), tasks, firer, fakeUsers{"alice": true},
		&fakeIDGen{ids: []string{"task-1"}}, &fakeClock{now: time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)},
		config.Config{}, zap.NewNop())

	body := `{"user_id":"alice","name":"nightly","task_type":"download","datasource":"shows","cron_expression":"0 0 * * *"}`
	rec := do(t, server, http.MethodPost, "/v1/tasks", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	task, err := tasks.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.True(t, task.Active)
	require.NotNil(t, task.NextRun)
	require.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), task.NextRun.UTC())

	rec = do(t, server, http.MethodPut, "/v1/tasks/task-1", `{"is_active":false,"cron_expression":"@hourly"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	task, err = tasks.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.False(t, task.Active)
	require.Equal(t, time.Date(2025, 3, 14, 16, 0, 0, 0, time.UTC), task.NextRun.UTC())

	rec = do(t, server, http.MethodPost, "/v1/tasks/task-1/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"task-1"}, firer.fired)

	rec = do(t, server, http.MethodGet, "/v1/tasks?user=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"task-1"`)

	rec = do(t, server, http.MethodDelete, "/v1/tasks/task-1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, server, http.MethodGet, "/v1/tasks/task-1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreateTaskValidation(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"bad cron":        `{"user_id":"alice","name":"n","task_type":"download","datasource":"d","cron_expression":"not-a-cron"}`,
		"unknown kind":    `{"user_id":"alice","name":"n","task_type":"reboot","cron_expression":"@daily"}`,
		"no datasource":   `{"user_id":"alice","name":"n","task_type":"download","cron_expression":"@daily"}`,
		"zero days":       `{"user_id":"alice","name":"n","task_type":"cleanup","cron_expression":"@daily","config":{"days":0}}`,
		"unknown user":    `{"user_id":"mallory","name":"n","task_type":"cleanup","cron_expression":"@daily"}`,
		"missing name":    `{"user_id":"alice","task_type":"cleanup","cron_expression":"@daily"}`,
		"unexpected keys": `{"user_id":"alice","name":"n","task_type":"cleanup","cron_expression":"@daily","extra":1}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tasks := memory.NewTaskStore()
			server := NewServer(newFakeJobs(), tasks, &fakeFirer{}, fakeUsers{"alice": true},
				&fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)}, config.Config{}, zap.NewNop())
			rec := do(t, server, http.MethodPost, "/v1/tasks", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			all, err := tasks.ListTasks(context.Background(), "")
			require.NoError(t, err)
			require.Empty(t, all)
		})
	}
}

func TestServer_CronHelpers(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeJobs())

	rec := do(t, server, http.MethodGet, "/v1/cron/validate?expr=*/5+*+*+*+*", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"valid":true`)

	rec = do(t, server, http.MethodGet, "/v1/cron/validate?expr=not-a-cron", "")
	require.Contains(t, rec.Body.String(), `"valid":false`)

	rec = do(t, server, http.MethodGet, "/v1/cron/next?expr=0+0+*+*+*&from=2025-03-14T15:09:26Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		NextRun time.Time `json:"next_run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), resp.NextRun.UTC())

	rec = do(t, server, http.MethodGet, "/v1/cron/next?expr=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodGet, "/v1/cron/next?expr=@daily&from=yesterday", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ReadinessCheck(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeJobs())
	require.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/readyz", "").Code)

	server.SetReadinessCheck(func(context.Context) error { return errors.New("db down") })
	require.Equal(t, http.StatusServiceUnavailable, do(t, server, http.MethodGet, "/readyz", "").Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	metrics.Init()
	server := newTestServer(newFakeJobs())
	do(t, server, http.MethodGet, "/healthz", "")
	rec := do(t, server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := NewServer(newFakeJobs(), memory.NewTaskStore(), &fakeFirer{}, fakeUsers{},
		&fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)}, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(newFakeJobs()), http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddlewareKeepsCallerID(t *testing.T) {
	t.Parallel()

	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = requestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, "trace-123", seen)
	require.Equal(t, "trace-123", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func do(t *testing.T, server *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

type submission struct {
	user, config, list string
	linkMode           bool
}

type fakeJobs struct {
	mu         sync.Mutex
	jobs       map[string]media.Job
	submitted  []submission
	err        error
	lastUser   string
	lastFilter media.JobFilter
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]media.Job{}}
}

func (f *fakeJobs) Submit(_ context.Context, user, cfg, list string, linkMode bool) (media.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return media.Job{}, f.err
	}
	f.submitted = append(f.submitted, submission{user, cfg, list, linkMode})
	job := media.Job{ID: fmt.Sprintf("job-%d", len(f.submitted)), UserID: user, Status: media.JobStatusPending}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) Stop(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, media.ErrNotFound)
	}
	return nil
}

func (f *fakeJobs) CancelPending(ctx context.Context, jobID string) error {
	return f.Stop(ctx, jobID)
}

func (f *fakeJobs) StopAll(_ context.Context, userID string) (int, error) {
	f.lastUser = userID
	return 2, f.err
}

func (f *fakeJobs) CancelAllPending(_ context.Context, userID string) (int, error) {
	f.lastUser = userID
	return 3, f.err
}

func (f *fakeJobs) GetJob(_ context.Context, jobID string) (media.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return media.Job{}, fmt.Errorf("job %s: %w", jobID, media.ErrNotFound)
	}
	return job, nil
}

func (f *fakeJobs) ListJobs(_ context.Context, filter media.JobFilter) ([]media.Job, error) {
	f.lastFilter = filter
	return nil, f.err
}

func (f *fakeJobs) ListRunning(_ context.Context, userID string) ([]media.RunningJob, error) {
	f.lastUser = userID
	return []media.RunningJob{{
		Job:          media.Job{ID: "job-7", UserID: userID, Status: media.JobStatusRunning},
		CurrentURL:   "https://example.com/a",
		CurrentState: media.ResourceFetching,
	}}, f.err
}

func (f *fakeJobs) QueueLength(context.Context) (int, error) {
	return 4, f.err
}

type fakeFirer struct {
	mu    sync.Mutex
	fired []string
}

func (f *fakeFirer) Fire(_ context.Context, task media.ScheduledTask, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, task.ID)
	return nil
}

type fakeUsers map[string]bool

func (u fakeUsers) UserExists(_ context.Context, userID string) (bool, error) { return u[userID], nil }
func (u fakeUsers) DownloadDir(string) string                                 { return "" }
func (u fakeUsers) ConfigDir(string) string                                   { return "" }
func (u fakeUsers) LogDir(string) string                                      { return "" }

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(jobs JobService) *Server {
	return NewServer(jobs, memory.NewTaskStore(), &fakeFirer{}, fakeUsers{"alice": true},
		&fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)}, config.Config{}, zap.NewNop())
}
