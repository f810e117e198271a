// Package scheduler fires recurring download and cleanup tasks from cron
// expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/maintenance"
	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// Submitter queues download jobs. The dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, userID, configName, resourceListName string, linkMode bool) (media.Job, error)
}

// Cleaner runs the cleanup action. *maintenance.Cleaner satisfies it.
type Cleaner interface {
	Run(ctx context.Context, userID string, days int) (maintenance.Result, error)
}

// Config controls the evaluation loop.
type Config struct {
	Interval           time.Duration
	DefaultCleanupDays int
}

// Scheduler evaluates active tasks on a fixed interval.
type Scheduler struct {
	tasks     media.TaskStore
	submitter Submitter
	cleaner   Cleaner
	clock     media.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Scheduler.
func New(tasks media.TaskStore, submitter Submitter, cleaner Cleaner, clock media.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.DefaultCleanupDays <= 0 {
		cfg.DefaultCleanupDays = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		tasks:     tasks,
		submitter: submitter,
		cleaner:   cleaner,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run evaluates tasks once immediately and then every interval until ctx
// ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	defer s.logger.Info("scheduler stopped")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx, s.clock.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce fires every active task that is due at now and returns how many
// fired. Task failures are logged and do not stop the pass.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) int {
	tasks, err := s.tasks.ListActiveTasks(ctx)
	if err != nil {
		s.logger.Error("list scheduled tasks failed", zap.Error(err))
		return 0
	}
	fired := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return fired
		}
		due, err := ShouldFire(task.CronExpression, task.LastRun, now)
		if err != nil {
			s.logger.Warn("skipping task with invalid cron expression",
				zap.String("task_id", task.ID),
				zap.String("cron", task.CronExpression),
				zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		if err := s.Fire(ctx, task, now); err != nil {
			s.logger.Error("scheduled task failed",
				zap.String("task_id", task.ID),
				zap.String("name", task.Name),
				zap.Error(err))
		}
		fired++
	}
	return fired
}

// Fire runs task now and records the run. The run is recorded even when the
// task fails so a broken task does not retry on every tick.
func (s *Scheduler) Fire(ctx context.Context, task media.ScheduledTask, now time.Time) error {
	runErr := s.invoke(ctx, task)
	result := "ok"
	if runErr != nil {
		result = "error"
	}
	metrics.ObserveSchedulerFiring(string(task.Kind), result)

	var next *time.Time
	if t, err := NextRunTime(task.CronExpression, now); err == nil {
		next = &t
	}
	if err := s.tasks.MarkRun(ctx, task.ID, now, next); err != nil {
		return errors.Join(runErr, fmt.Errorf("mark task %s run: %w", task.ID, err))
	}
	return runErr
}

func (s *Scheduler) invoke(ctx context.Context, task media.ScheduledTask) error {
	s.logger.Info("running scheduled task",
		zap.String("task_id", task.ID),
		zap.String("name", task.Name),
		zap.String("kind", string(task.Kind)),
		zap.String("user", task.UserID))

	switch task.Kind {
	case media.TaskKindDownload:
		if task.Datasource == "" {
			return fmt.Errorf("download task %s has no datasource: %w", task.ID, media.ErrInvalidInput)
		}
		job, err := s.submitter.Submit(ctx, task.UserID, task.Datasource, task.Datasource, true)
		if err != nil {
			return fmt.Errorf("submit download: %w", err)
		}
		s.logger.Info("scheduled download queued", zap.String("task_id", task.ID), zap.String("job_id", job.ID))
		return nil
	case media.TaskKindCleanup:
		days := task.CleanupDays(s.cfg.DefaultCleanupDays)
		if _, err := s.cleaner.Run(ctx, task.UserID, days); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown task kind %q: %w", task.Kind, media.ErrInvalidInput)
	}
}
