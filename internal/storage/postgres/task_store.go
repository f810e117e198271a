package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

const taskColumns = `id, user_id, name, task_type, datasource, cron_expression, config,
	is_active, last_run, next_run, created_at`

// TaskStore persists scheduled task definitions.
type TaskStore struct {
	pool pool
}

// NewTaskStore constructs a store from an existing pool.
func NewTaskStore(p pool) (*TaskStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{pool: p}, nil
}

// CreateTask inserts a task definition.
func (s *TaskStore) CreateTask(ctx context.Context, task media.ScheduledTask) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO scheduled_tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		task.ID,
		task.UserID,
		task.Name,
		string(task.Kind),
		task.Datasource,
		task.CronExpression,
		configBytes(task.Config),
		task.Active,
		task.LastRun,
		task.NextRun,
		task.Created,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s: %w", task.ID, media.ErrAlreadyExists)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (media.ScheduledTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return media.ScheduledTask{}, fmt.Errorf("task %s: %w", taskID, media.ErrNotFound)
		}
		return media.ScheduledTask{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns a user's tasks, or all tasks for an empty userID.
func (s *TaskStore) ListTasks(ctx context.Context, userID string) ([]media.ScheduledTask, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
WHERE ($1 = '' OR user_id = $1) ORDER BY created_at, id`, userID)
}

// ListActiveTasks returns every active task.
func (s *TaskStore) ListActiveTasks(ctx context.Context) ([]media.ScheduledTask, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
WHERE is_active ORDER BY created_at, id`)
}

// UpdateTask replaces the editable fields of a task.
func (s *TaskStore) UpdateTask(ctx context.Context, task media.ScheduledTask) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scheduled_tasks SET
	name = $2,
	task_type = $3,
	datasource = $4,
	cron_expression = $5,
	config = $6,
	is_active = $7,
	next_run = $8
WHERE id = $1`,
		task.ID,
		task.Name,
		string(task.Kind),
		task.Datasource,
		task.CronExpression,
		configBytes(task.Config),
		task.Active,
		task.NextRun,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", task.ID, media.ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task.
func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, media.ErrNotFound)
	}
	return nil
}

// MarkRun records when a task last fired and when it fires next.
func (s *TaskStore) MarkRun(ctx context.Context, taskID string, lastRun time.Time, nextRun *time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scheduled_tasks SET last_run = $2, next_run = $3 WHERE id = $1`,
		taskID, lastRun, nextRun)
	if err != nil {
		return fmt.Errorf("mark task run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, media.ErrNotFound)
	}
	return nil
}

func (s *TaskStore) list(ctx context.Context, query string, args ...any) ([]media.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []media.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (media.ScheduledTask, error) {
	var (
		task   media.ScheduledTask
		kind   string
		config []byte
	)
	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Name,
		&kind,
		&task.Datasource,
		&task.CronExpression,
		&config,
		&task.Active,
		&task.LastRun,
		&task.NextRun,
		&task.Created,
	)
	if err != nil {
		return media.ScheduledTask{}, err
	}
	task.Kind = media.TaskKind(kind)
	if len(config) > 0 {
		task.Config = config
	}
	return task, nil
}

func configBytes(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
