// Package dispatcher admits pending jobs under the global concurrency limit
// and the one-running-job-per-user rule, and tracks running executions.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// Runner executes one admitted job. Run is called on its own goroutine and
// must move the job to a terminal status before returning.
type Runner interface {
	Run(ctx context.Context, job media.Job, exec *Execution)
}

// Config controls admission.
type Config struct {
	MaxConcurrentJobs int
}

// Dispatcher owns the job queue and the running registry.
type Dispatcher struct {
	cfg    Config
	jobs   media.JobStore
	users  media.UserDirectory
	runner Runner
	ids    media.IDGenerator
	clock  media.Clock
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	evalMu    sync.Mutex
	evalAgain atomic.Bool

	mu      sync.Mutex
	running map[string]*Execution
}

// New creates a Dispatcher. Workers run under an internal context that
// Shutdown cancels.
func New(
	cfg Config,
	jobs media.JobStore,
	users media.UserDirectory,
	runner Runner,
	ids media.IDGenerator,
	clock media.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg,
		jobs:    jobs,
		users:   users,
		runner:  runner,
		ids:     ids,
		clock:   clock,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]*Execution),
	}
}

// Submit records a pending job and triggers admission.
func (d *Dispatcher) Submit(ctx context.Context, userID, configName, resourceListName string, linkMode bool) (media.Job, error) {
	userID = strings.TrimSpace(userID)
	configName = strings.TrimSpace(configName)
	resourceListName = strings.TrimSpace(resourceListName)
	if userID == "" || configName == "" || resourceListName == "" {
		return media.Job{}, fmt.Errorf("user, config and resource list are required: %w", media.ErrInvalidInput)
	}
	exists, err := d.users.UserExists(ctx, userID)
	if err != nil {
		return media.Job{}, fmt.Errorf("check user %s: %w", userID, err)
	}
	if !exists {
		return media.Job{}, fmt.Errorf("user %s: %w", userID, media.ErrUserNotFound)
	}

	id, err := d.ids.NewID()
	if err != nil {
		return media.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := media.Job{
		ID:               id,
		UserID:           userID,
		Name:             media.JobName(configName, resourceListName),
		ConfigName:       configName,
		ResourceListName: resourceListName,
		Status:           media.JobStatusPending,
		LinkMode:         linkMode,
		Submitted:        d.clock.Now().UTC(),
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return media.Job{}, fmt.Errorf("create job: %w", err)
	}
	d.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("user", userID),
		zap.String("name", job.Name),
		zap.Bool("link_mode", linkMode))

	d.Evaluate(ctx)
	return job, nil
}

// Evaluate promotes pending jobs until the limit is reached or no eligible
// job remains. It never blocks on another pass: a trigger that arrives while
// a pass runs is folded into that pass.
func (d *Dispatcher) Evaluate(ctx context.Context) {
	d.evalAgain.Store(true)
	for {
		if !d.evalMu.TryLock() {
			return
		}
		for d.evalAgain.Swap(false) {
			d.pass(ctx)
		}
		d.evalMu.Unlock()
		if !d.evalAgain.Load() {
			return
		}
	}
}

func (d *Dispatcher) pass(ctx context.Context) {
	for {
		if d.ctx.Err() != nil {
			return
		}
		admitted, err := d.admitNext(ctx)
		if err != nil {
			d.logger.Error("queue evaluation failed", zap.Error(err))
			return
		}
		if !admitted {
			return
		}
	}
}

// admitNext promotes at most one job. It reports whether the caller should
// look again.
func (d *Dispatcher) admitNext(ctx context.Context) (bool, error) {
	running, err := d.jobs.ListJobs(ctx, media.JobFilter{Status: media.JobStatusRunning})
	if err != nil {
		return false, fmt.Errorf("list running jobs: %w", err)
	}
	if len(running) >= d.cfg.MaxConcurrentJobs {
		return false, nil
	}
	busy := make(map[string]struct{}, len(running))
	for _, job := range running {
		busy[job.UserID] = struct{}{}
	}

	pending, err := d.jobs.ListJobs(ctx, media.JobFilter{Status: media.JobStatusPending})
	if err != nil {
		return false, fmt.Errorf("list pending jobs: %w", err)
	}
	var next *media.Job
	for i := range pending {
		if _, taken := busy[pending[i].UserID]; !taken {
			next = &pending[i]
			break
		}
	}
	if next == nil {
		return false, nil
	}

	exists, err := d.users.UserExists(ctx, next.UserID)
	if err != nil {
		return false, fmt.Errorf("check user %s: %w", next.UserID, err)
	}
	if !exists {
		d.fail(ctx, next.ID, media.JobStatusPending, media.ReasonUserNotFound)
		return true, nil
	}

	exec := NewExecution(*next, fetch.NewToken(d.ctx))
	d.mu.Lock()
	d.running[next.ID] = exec
	d.mu.Unlock()

	job, err := d.jobs.TransitionJob(ctx, next.ID, media.Transition{
		From: media.JobStatusPending,
		To:   media.JobStatusRunning,
		At:   d.clock.Now().UTC(),
	})
	if err != nil {
		d.unregister(next.ID)
		exec.token.Close()
		if errors.Is(err, media.ErrInvalidState) {
			// Cancelled or claimed concurrently; look again.
			return true, nil
		}
		return false, fmt.Errorf("admit job %s: %w", next.ID, err)
	}
	d.launch(job, exec)
	return true, nil
}

func (d *Dispatcher) launch(job media.Job, exec *Execution) {
	metrics.IncRunningJobs()
	d.logger.Info("job started", zap.String("job_id", job.ID), zap.String("user", job.UserID))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			exec.token.Close()
			d.unregister(job.ID)
			metrics.DecRunningJobs()
			if d.ctx.Err() == nil {
				d.Evaluate(d.ctx)
			}
		}()
		d.runner.Run(d.ctx, job, exec)
	}()
}

// Stop requests a running job to stop. A job marked running with no live
// worker is failed directly.
func (d *Dispatcher) Stop(ctx context.Context, jobID string) error {
	if exec := d.execution(jobID); exec != nil {
		exec.stop()
		d.logger.Info("stop requested", zap.String("job_id", jobID))
		return nil
	}
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != media.JobStatusRunning {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, media.ErrInvalidState)
	}
	if _, err := d.transitionFailed(ctx, jobID, media.JobStatusRunning, media.ReasonStoppedAfterReboot); err != nil {
		return err
	}
	d.Evaluate(ctx)
	return nil
}

// CancelPending fails a job that has not started yet.
func (d *Dispatcher) CancelPending(ctx context.Context, jobID string) error {
	if _, err := d.transitionFailed(ctx, jobID, media.JobStatusPending, media.ReasonCancelledByUser); err != nil {
		return err
	}
	d.logger.Info("pending job cancelled", zap.String("job_id", jobID))
	return nil
}

// StopAll stops every running job, or only userID's when set. It returns the
// number of jobs stopped.
func (d *Dispatcher) StopAll(ctx context.Context, userID string) (int, error) {
	jobs, err := d.jobs.ListJobs(ctx, media.JobFilter{UserID: userID, Status: media.JobStatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}
	n := 0
	for _, job := range jobs {
		if err := d.Stop(ctx, job.ID); err != nil {
			if errors.Is(err, media.ErrInvalidState) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// CancelAllPending cancels every pending job, or only userID's when set.
func (d *Dispatcher) CancelAllPending(ctx context.Context, userID string) (int, error) {
	jobs, err := d.jobs.ListJobs(ctx, media.JobFilter{UserID: userID, Status: media.JobStatusPending})
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	n := 0
	for _, job := range jobs {
		if err := d.CancelPending(ctx, job.ID); err != nil {
			if errors.Is(err, media.ErrInvalidState) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// GetJob returns a job record.
func (d *Dispatcher) GetJob(ctx context.Context, jobID string) (media.Job, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return media.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns job records matching filter, oldest first.
func (d *Dispatcher) ListJobs(ctx context.Context, filter media.JobFilter) ([]media.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("status %q: %w", filter.Status, media.ErrInvalidInput)
	}
	jobs, err := d.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListRunning returns running jobs with their current resource, for one
// user or for everyone when userID is empty.
func (d *Dispatcher) ListRunning(ctx context.Context, userID string) ([]media.RunningJob, error) {
	jobs, err := d.jobs.ListJobs(ctx, media.JobFilter{UserID: userID, Status: media.JobStatusRunning})
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	out := make([]media.RunningJob, 0, len(jobs))
	for _, job := range jobs {
		rj := media.RunningJob{Job: job}
		if exec := d.execution(job.ID); exec != nil {
			rj.CurrentURL, rj.CurrentState = exec.Resource()
		}
		out = append(out, rj)
	}
	return out, nil
}

// QueueLength returns the number of pending jobs.
func (d *Dispatcher) QueueLength(ctx context.Context) (int, error) {
	n, err := d.jobs.CountJobs(ctx, media.JobFilter{Status: media.JobStatusPending})
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// Recover fails jobs left running by a previous process and then admits
// pending work. It returns the number of jobs recovered.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	jobs, err := d.jobs.ListJobs(ctx, media.JobFilter{Status: media.JobStatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}
	n := 0
	for _, job := range jobs {
		if d.execution(job.ID) != nil {
			continue
		}
		if _, err := d.transitionFailed(ctx, job.ID, media.JobStatusRunning, media.ReasonInterrupted); err != nil {
			if errors.Is(err, media.ErrInvalidState) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		d.logger.Warn("recovered interrupted jobs", zap.Int("count", n))
	}
	d.Evaluate(ctx)
	return n, nil
}

// Wait blocks until every launched runner has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown cancels running workers and waits for them or for ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) execution(jobID string) *Execution {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[jobID]
}

func (d *Dispatcher) unregister(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, jobID)
}

func (d *Dispatcher) fail(ctx context.Context, jobID string, from media.JobStatus, reason string) {
	if _, err := d.transitionFailed(ctx, jobID, from, reason); err != nil {
		d.logger.Warn("failed to fail job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (d *Dispatcher) transitionFailed(ctx context.Context, jobID string, from media.JobStatus, reason string) (media.Job, error) {
	job, err := d.jobs.TransitionJob(ctx, jobID, media.Transition{
		From:      from,
		To:        media.JobStatusFailed,
		ErrorText: reason,
		At:        d.clock.Now().UTC(),
	})
	if err != nil {
		return media.Job{}, fmt.Errorf("fail job %s: %w", jobID, err)
	}
	metrics.ObserveJob(string(media.JobStatusFailed))
	d.logger.Info("job failed", zap.String("job_id", jobID), zap.String("reason", reason))
	return job, nil
}
