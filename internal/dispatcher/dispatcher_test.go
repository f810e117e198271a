package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/storage/memory"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%03d", s.n.Add(1)), nil
}

type userSet struct {
	mu    sync.Mutex
	users map[string]bool
}

func newUserSet(users ...string) *userSet {
	set := &userSet{users: map[string]bool{}}
	for _, u := range users {
		set.users[u] = true
	}
	return set
}

func (u *userSet) UserExists(_ context.Context, userID string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.users[userID], nil
}

func (u *userSet) remove(userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.users, userID)
}

func (u *userSet) DownloadDir(userID string) string { return "/data/" + userID + "/downloads" }
func (u *userSet) ConfigDir(userID string) string   { return "/data/" + userID + "/configs" }
func (u *userSet) LogDir(userID string) string      { return "/data/" + userID + "/logs" }

// gateRunner blocks each job until it is released or stopped, then moves it
// to a terminal status the way the real runner does.
type gateRunner struct {
	jobs    media.JobStore
	mu      sync.Mutex
	gates   map[string]chan struct{}
	started chan string
}

func newGateRunner(jobs media.JobStore) *gateRunner {
	return &gateRunner{jobs: jobs, gates: map[string]chan struct{}{}, started: make(chan string, 16)}
}

func (r *gateRunner) gate(jobID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[jobID]
	if !ok {
		g = make(chan struct{})
		r.gates[jobID] = g
	}
	return g
}

func (r *gateRunner) release(jobID string) {
	close(r.gate(jobID))
}

func (r *gateRunner) Run(ctx context.Context, job media.Job, exec *Execution) {
	r.started <- job.ID
	exec.SetResource("https://example.com/"+job.ID, media.ResourceFetching)
	t := media.Transition{From: media.JobStatusRunning, To: media.JobStatusCompleted, At: time.Now()}
	select {
	case <-r.gate(job.ID):
	case <-exec.Token().Done():
		t.To = media.JobStatusFailed
		t.ErrorText = media.ReasonStoppedByUser
		if !exec.Stopped() {
			t.ErrorText = media.ReasonInterrupted
		}
	}
	_, _ = r.jobs.TransitionJob(context.WithoutCancel(ctx), job.ID, t)
}

type harness struct {
	d      *Dispatcher
	jobs   *memory.JobStore
	users  *userSet
	runner *gateRunner
	clock  *stepClock
}

func newHarness(t *testing.T, limit int, users ...string) *harness {
	t.Helper()
	jobs := memory.NewJobStore()
	h := &harness{
		jobs:   jobs,
		users:  newUserSet(users...),
		runner: newGateRunner(jobs),
		clock:  &stepClock{now: time.Unix(1700000000, 0).UTC()},
	}
	h.d = New(Config{MaxConcurrentJobs: limit}, jobs, h.users, h.runner, &seqIDs{}, h.clock, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.d.Shutdown(ctx)
	})
	return h
}

func (h *harness) submit(t *testing.T, user string) string {
	t.Helper()
	job, err := h.d.Submit(context.Background(), user, "default", "list", true)
	require.NoError(t, err)
	return job.ID
}

func (h *harness) status(t *testing.T, jobID string) media.JobStatus {
	t.Helper()
	job, err := h.d.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job.Status
}

func (h *harness) waitStatus(t *testing.T, jobID string, want media.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return h.status(t, jobID) == want }, 2*time.Second, 5*time.Millisecond,
		"job %s never reached %s", jobID, want)
}

func TestSubmitValidatesInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "alice")

	_, err := h.d.Submit(context.Background(), "", "cfg", "list", true)
	require.ErrorIs(t, err, media.ErrInvalidInput)

	_, err = h.d.Submit(context.Background(), "mallory", "cfg", "list", true)
	require.ErrorIs(t, err, media.ErrUserNotFound)

	n, err := h.jobs.CountJobs(context.Background(), media.JobFilter{})
	require.NoError(t, err)
	require.Zero(t, n, "rejected submissions must not persist")
}

func TestGlobalLimitIsHonored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, "alice", "bob", "carol")

	a := h.submit(t, "alice")
	b := h.submit(t, "bob")
	c := h.submit(t, "carol")

	h.waitStatus(t, a, media.JobStatusRunning)
	h.waitStatus(t, b, media.JobStatusRunning)
	require.Equal(t, media.JobStatusPending, h.status(t, c))

	queued, err := h.d.QueueLength(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	h.runner.release(a)
	h.waitStatus(t, a, media.JobStatusCompleted)
	h.waitStatus(t, c, media.JobStatusRunning)

	h.runner.release(b)
	h.runner.release(c)
	h.waitStatus(t, c, media.JobStatusCompleted)
	h.d.Wait()
}

func TestOneRunningJobPerUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3, "alice", "bob")

	first := h.submit(t, "alice")
	second := h.submit(t, "alice")
	other := h.submit(t, "bob")

	h.waitStatus(t, first, media.JobStatusRunning)
	h.waitStatus(t, other, media.JobStatusRunning)
	require.Equal(t, media.JobStatusPending, h.status(t, second),
		"a younger job for an idle user must be admitted ahead of a busy user's queue")

	running, err := h.d.ListRunning(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, first, running[0].ID)
	require.Equal(t, media.ResourceFetching, running[0].CurrentState)
	require.Equal(t, "https://example.com/"+first, running[0].CurrentURL)

	h.runner.release(first)
	h.waitStatus(t, second, media.JobStatusRunning)
	h.runner.release(second)
	h.runner.release(other)
	h.waitStatus(t, second, media.JobStatusCompleted)
}

func TestStopLiveJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "alice")

	id := h.submit(t, "alice")
	h.waitStatus(t, id, media.JobStatusRunning)

	require.NoError(t, h.d.Stop(context.Background(), id))
	h.waitStatus(t, id, media.JobStatusFailed)

	job, err := h.d.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, media.ReasonStoppedByUser, job.ErrorText)
	require.NotNil(t, job.Finished)

	h.d.Wait()
	require.ErrorIs(t, h.d.Stop(context.Background(), id), media.ErrInvalidState)
}

func TestStopJobWithoutWorkerAfterRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "alice")
	ctx := context.Background()

	require.NoError(t, h.jobs.CreateJob(ctx, media.Job{
		ID: "orphan", UserID: "alice", Status: media.JobStatusRunning, Submitted: time.Now(),
	}))
	require.NoError(t, h.d.Stop(ctx, "orphan"))

	job, err := h.d.GetJob(ctx, "orphan")
	require.NoError(t, err)
	require.Equal(t, media.JobStatusFailed, job.Status)
	require.Equal(t, media.ReasonStoppedAfterReboot, job.ErrorText)
}

func TestStopUnknownJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "alice")
	require.ErrorIs(t, h.d.Stop(context.Background(), "missing"), media.ErrNotFound)
}

func TestCancelPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "alice")
	ctx := context.Background()

	running := h.submit(t, "alice")
	queued := h.submit(t, "alice")
	h.waitStatus(t, running, media.JobStatusRunning)

	require.NoError(t, h.d.CancelPending(ctx, queued))
	job, err := h.d.GetJob(ctx, queued)
	require.NoError(t, err)
	require.Equal(t, media.JobStatusFailed, job.Status)
	require.Equal(t, media.ReasonCancelledByUser, job.ErrorText)

	require.ErrorIs(t, h.d.CancelPending(ctx, running), media.ErrInvalidState)

	h.runner.release(running)
	h.waitStatus(t, running, media.JobStatusCompleted)
}

func TestBulkStopAndCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, "alice", "bob")
	ctx := context.Background()

	a1 := h.submit(t, "alice")
	a2 := h.submit(t, "alice")
	b1 := h.submit(t, "bob")
	h.waitStatus(t, a1, media.JobStatusRunning)
	h.waitStatus(t, b1, media.JobStatusRunning)

	cancelled, err := h.d.CancelAllPending(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, cancelled)
	require.Equal(t, media.JobStatusFailed, h.status(t, a2))

	stopped, err := h.d.StopAll(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 2, stopped)
	h.waitStatus(t, a1, media.JobStatusFailed)
	h.waitStatus(t, b1, media.JobStatusFailed)
}

func TestRecoverFailsOrphansAndAdmitsPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "alice")
	ctx := context.Background()
	base := time.Unix(1600000000, 0).UTC()

	require.NoError(t, h.jobs.CreateJob(ctx, media.Job{
		ID: "stale", UserID: "alice", Status: media.JobStatusRunning, Submitted: base,
	}))
	require.NoError(t, h.jobs.CreateJob(ctx, media.Job{
		ID: "waiting", UserID: "alice", Status: media.JobStatusPending, Submitted: base.Add(time.Minute),
	}))

	n, err := h.d.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := h.d.GetJob(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, media.JobStatusFailed, job.Status)
	require.Equal(t, media.ReasonInterrupted, job.ErrorText)

	h.waitStatus(t, "waiting", media.JobStatusRunning)
	h.runner.release("waiting")
	h.waitStatus(t, "waiting", media.JobStatusCompleted)
}

func TestAdmissionFailsJobsOfRemovedUsers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "alice", "bob")
	ctx := context.Background()

	blocker := h.submit(t, "alice")
	h.waitStatus(t, blocker, media.JobStatusRunning)
	gone := h.submit(t, "bob")
	require.Equal(t, media.JobStatusPending, h.status(t, gone))

	h.users.remove("bob")
	h.runner.release(blocker)
	h.waitStatus(t, gone, media.JobStatusFailed)

	job, err := h.d.GetJob(ctx, gone)
	require.NoError(t, err)
	require.Equal(t, media.ReasonUserNotFound, job.ErrorText)
}

func TestListJobsRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "alice")
	_, err := h.d.ListJobs(context.Background(), media.JobFilter{Status: "sleeping"})
	require.ErrorIs(t, err, media.ErrInvalidInput)
}

func TestConcurrentEvaluateNeverExceedsLimit(t *testing.T) {
	t.Parallel()
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	h := newHarness(t, 2, users...)
	ctx := context.Background()

	for i, u := range users {
		require.NoError(t, h.jobs.CreateJob(ctx, media.Job{
			ID:        fmt.Sprintf("bulk-%d", i),
			UserID:    u,
			Status:    media.JobStatusPending,
			Submitted: time.Unix(int64(1700000000+i), 0),
		}))
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.d.Evaluate(ctx)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		n, err := h.jobs.CountJobs(ctx, media.JobFilter{Status: media.JobStatusRunning})
		return err == nil && n == 2
	}, time.Second, 5*time.Millisecond)
	n, err := h.jobs.CountJobs(ctx, media.JobFilter{Status: media.JobStatusRunning})
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestShutdownInterruptsRunningJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "alice")

	id := h.submit(t, "alice")
	h.waitStatus(t, id, media.JobStatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.d.Shutdown(ctx))

	job, err := h.d.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, media.JobStatusFailed, job.Status)
	require.Equal(t, media.ReasonInterrupted, job.ErrorText)
}
