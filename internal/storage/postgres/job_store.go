package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

const jobColumns = `id, user_id, name, config_name, resource_list_name, status, link_mode,
	submitted_at, started_at, finished_at, error_message, fetched, deduplicated, failed`

// JobStore persists job records in the jobs table.
type JobStore struct {
	pool pool
}

// NewJobStore constructs a store from an existing pool.
func NewJobStore(p pool) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: p}, nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job media.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	const query = `
INSERT INTO jobs (` + jobColumns + `) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`
	args := []any{
		job.ID,
		job.UserID,
		job.Name,
		job.ConfigName,
		job.ResourceListName,
		string(job.Status),
		job.LinkMode,
		job.Submitted,
		job.Started,
		job.Finished,
		job.ErrorText,
		job.Counters.Fetched,
		job.Counters.Deduplicated,
		job.Counters.Failed,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", job.ID, media.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (media.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return media.Job{}, fmt.Errorf("job %s: %w", jobID, media.ErrNotFound)
		}
		return media.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns matching jobs, oldest submission first.
func (s *JobStore) ListJobs(ctx context.Context, filter media.JobFilter) ([]media.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)
ORDER BY submitted_at, id`
	rows, err := s.pool.Query(ctx, query, filter.UserID, string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []media.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// CountJobs counts matching jobs.
func (s *JobStore) CountJobs(ctx context.Context, filter media.JobFilter) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs
WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)`,
		filter.UserID, string(filter.Status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// TransitionJob moves a job from t.From to t.To in a single conditional
// update. A job that is not in t.From yields media.ErrInvalidState.
func (s *JobStore) TransitionJob(ctx context.Context, jobID string, t media.Transition) (media.Job, error) {
	counters := t.Counters != nil
	var c media.JobCounters
	if counters {
		c = *t.Counters
	}
	query := `
UPDATE jobs SET
	status = $3,
	error_message = $4,
	started_at = CASE WHEN $6 THEN COALESCE(started_at, $5) ELSE started_at END,
	finished_at = CASE WHEN $7 THEN $5 ELSE finished_at END,
	fetched = CASE WHEN $8 THEN $9 ELSE fetched END,
	deduplicated = CASE WHEN $8 THEN $10 ELSE deduplicated END,
	failed = CASE WHEN $8 THEN $11 ELSE failed END
WHERE id = $1 AND status = $2
RETURNING ` + jobColumns
	row := s.pool.QueryRow(ctx, query,
		jobID,
		string(t.From),
		string(t.To),
		t.ErrorText,
		t.At.UTC(),
		t.To == media.JobStatusRunning,
		t.To.Terminal(),
		counters,
		c.Fetched,
		c.Deduplicated,
		c.Failed,
	)
	job, err := scanJob(row)
	switch {
	case err == nil:
		return job, nil
	case errors.Is(err, pgx.ErrNoRows):
		current, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			return media.Job{}, getErr
		}
		return current, fmt.Errorf("job %s is %s, not %s: %w", jobID, current.Status, t.From, media.ErrInvalidState)
	case isUniqueViolation(err):
		return media.Job{}, fmt.Errorf("user already has a running job: %w", media.ErrInvalidState)
	default:
		return media.Job{}, fmt.Errorf("transition job: %w", err)
	}
}

func scanJob(row pgx.Row) (media.Job, error) {
	var (
		job    media.Job
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Name,
		&job.ConfigName,
		&job.ResourceListName,
		&status,
		&job.LinkMode,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.ErrorText,
		&job.Counters.Fetched,
		&job.Counters.Deduplicated,
		&job.Counters.Failed,
	)
	if err != nil {
		return media.Job{}, err
	}
	job.Status = media.JobStatus(status)
	return job, nil
}
