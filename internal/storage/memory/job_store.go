// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]media.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]media.Job),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job media.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, media.ErrAlreadyExists)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (media.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return media.Job{}, fmt.Errorf("job %s: %w", jobID, media.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns matching jobs, oldest submission first.
func (s *JobStore) ListJobs(_ context.Context, filter media.JobFilter) ([]media.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]media.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if matches(job, filter) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID < out[j].ID
		}
		return out[i].Submitted.Before(out[j].Submitted)
	})
	return out, nil
}

// CountJobs counts matching jobs.
func (s *JobStore) CountJobs(_ context.Context, filter media.JobFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if matches(job, filter) {
			n++
		}
	}
	return n, nil
}

// TransitionJob applies a compare-and-set status change.
func (s *JobStore) TransitionJob(_ context.Context, jobID string, t media.Transition) (media.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return media.Job{}, fmt.Errorf("job %s: %w", jobID, media.ErrNotFound)
	}
	if job.Status != t.From {
		return job, fmt.Errorf("job %s is %s, not %s: %w", jobID, job.Status, t.From, media.ErrInvalidState)
	}
	job.Status = t.To
	job.ErrorText = t.ErrorText
	if t.Counters != nil {
		job.Counters = *t.Counters
	}
	if t.To == media.JobStatusRunning && job.Started == nil {
		job.Started = pointerTime(t.At)
	}
	if t.To.Terminal() {
		job.Finished = pointerTime(t.At)
	}
	s.jobs[jobID] = job
	return job, nil
}

func matches(job media.Job, filter media.JobFilter) bool {
	if filter.UserID != "" && job.UserID != filter.UserID {
		return false
	}
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	return true
}

func pointerTime(t time.Time) *time.Time {
	ts := t.UTC()
	return &ts
}
