package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

// TaskStore is an in-memory media.TaskStore.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]media.ScheduledTask
}

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]media.ScheduledTask)}
}

// CreateTask stores a new task definition.
func (s *TaskStore) CreateTask(_ context.Context, task media.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s: %w", task.ID, media.ErrAlreadyExists)
	}
	s.tasks[task.ID] = task
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (media.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return media.ScheduledTask{}, fmt.Errorf("task %s: %w", taskID, media.ErrNotFound)
	}
	return task, nil
}

// ListTasks returns the user's tasks, or every task when userID is empty.
func (s *TaskStore) ListTasks(_ context.Context, userID string) ([]media.ScheduledTask, error) {
	return s.list(func(t media.ScheduledTask) bool {
		return userID == "" || t.UserID == userID
	}), nil
}

// ListActiveTasks returns every active task.
func (s *TaskStore) ListActiveTasks(_ context.Context) ([]media.ScheduledTask, error) {
	return s.list(func(t media.ScheduledTask) bool { return t.Active }), nil
}

func (s *TaskStore) list(keep func(media.ScheduledTask) bool) []media.ScheduledTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]media.ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		if keep(task) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// UpdateTask replaces a task definition.
func (s *TaskStore) UpdateTask(_ context.Context, task media.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return fmt.Errorf("task %s: %w", task.ID, media.ErrNotFound)
	}
	s.tasks[task.ID] = task
	return nil
}

// DeleteTask removes a task definition.
func (s *TaskStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return fmt.Errorf("task %s: %w", taskID, media.ErrNotFound)
	}
	delete(s.tasks, taskID)
	return nil
}

// MarkRun records an evaluation of the task.
func (s *TaskStore) MarkRun(_ context.Context, taskID string, lastRun time.Time, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, media.ErrNotFound)
	}
	last := lastRun.UTC()
	task.LastRun = &last
	if nextRun != nil {
		next := nextRun.UTC()
		task.NextRun = &next
	} else {
		task.NextRun = nil
	}
	s.tasks[taskID] = task
	return nil
}
