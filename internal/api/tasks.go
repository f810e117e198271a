package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/scheduler"
)

type taskRequest struct {
	UserID         *string         `json:"user_id"`
	Name           *string         `json:"name"`
	Kind           *media.TaskKind `json:"task_type"`
	Datasource     *string         `json:"datasource"`
	CronExpression *string         `json:"cron_expression"`
	Config         json.RawMessage `json:"config"`
	Active         *bool           `json:"is_active"`
}

// apply overlays the fields present in req onto task.
func (req taskRequest) apply(task media.ScheduledTask) media.ScheduledTask {
	if req.UserID != nil {
		task.UserID = strings.TrimSpace(*req.UserID)
	}
	if req.Name != nil {
		task.Name = strings.TrimSpace(*req.Name)
	}
	if req.Kind != nil {
		task.Kind = *req.Kind
	}
	if req.Datasource != nil {
		task.Datasource = strings.TrimSpace(*req.Datasource)
	}
	if req.CronExpression != nil {
		task.CronExpression = strings.TrimSpace(*req.CronExpression)
	}
	if len(req.Config) > 0 {
		task.Config = req.Config
	}
	if req.Active != nil {
		task.Active = *req.Active
	}
	return task
}

func (s *Server) validateTask(ctx context.Context, task media.ScheduledTask) error {
	if task.UserID == "" || task.Name == "" {
		return fmt.Errorf("user_id and name are required: %w", media.ErrInvalidInput)
	}
	if !task.Kind.Valid() {
		return fmt.Errorf("task_type %q: %w", task.Kind, media.ErrInvalidInput)
	}
	if !scheduler.ValidateCronExpression(task.CronExpression) {
		return fmt.Errorf("cron_expression %q: %w", task.CronExpression, media.ErrInvalidInput)
	}
	if task.Kind == media.TaskKindDownload && task.Datasource == "" {
		return fmt.Errorf("download tasks need a datasource: %w", media.ErrInvalidInput)
	}
	if task.Kind == media.TaskKindCleanup && task.CleanupDays(1) <= 0 {
		return fmt.Errorf("cleanup days must be positive: %w", media.ErrInvalidInput)
	}
	exists, err := s.users.UserExists(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return fmt.Errorf("user %s: %w", task.UserID, media.ErrUserNotFound)
	}
	return nil
}

func (s *Server) scheduleNext(task *media.ScheduledTask, now time.Time) {
	task.NextRun = nil
	if next, err := scheduler.NextRunTime(task.CronExpression, now); err == nil {
		task.NextRun = &next
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	now := s.clock.Now().UTC()
	task := req.apply(media.ScheduledTask{Active: true, Created: now})
	if err := s.validateTask(r.Context(), task); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	id, err := s.idGen.NewID()
	if err != nil {
		s.writeServiceError(w, r, fmt.Errorf("generate task id: %w", err))
		return
	}
	task.ID = id
	s.scheduleNext(&task, now)
	if err := s.tasks.CreateTask(r.Context(), task); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": task})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.ListTasks(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	current, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	task := req.apply(current)
	task.ID = current.ID
	if err := s.validateTask(r.Context(), task); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if task.CronExpression != current.CronExpression {
		s.scheduleNext(&task, s.clock.Now().UTC())
	}
	if err := s.tasks.UpdateTask(r.Context(), task); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.DeleteTask(r.Context(), chi.URLParam(r, "task_id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.firer.Fire(r.Context(), task, s.clock.Now().UTC()); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID, "status": "fired"})
}

func (s *Server) validateCron(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("expr")
	writeJSON(w, http.StatusOK, map[string]any{
		"expression": expr,
		"valid":      scheduler.ValidateCronExpression(expr),
	})
}

func (s *Server) nextRun(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("expr")
	from := s.clock.Now().UTC()
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeServiceError(w, r, fmt.Errorf("from must be RFC3339: %w", media.ErrInvalidInput))
			return
		}
		from = parsed
	}
	next, err := scheduler.NextRunTime(expr, from)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expression": expr, "next_run": next})
}
