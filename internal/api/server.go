// Package api exposes the HTTP interface for the download engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/config"
	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// JobService is the admission controller surface the API drives.
type JobService interface {
	Submit(ctx context.Context, userID, configName, resourceListName string, linkMode bool) (media.Job, error)
	Stop(ctx context.Context, jobID string) error
	CancelPending(ctx context.Context, jobID string) error
	StopAll(ctx context.Context, userID string) (int, error)
	CancelAllPending(ctx context.Context, userID string) (int, error)
	GetJob(ctx context.Context, jobID string) (media.Job, error)
	ListJobs(ctx context.Context, filter media.JobFilter) ([]media.Job, error)
	ListRunning(ctx context.Context, userID string) ([]media.RunningJob, error)
	QueueLength(ctx context.Context) (int, error)
}

// TaskFirer runs a scheduled task immediately.
type TaskFirer interface {
	Fire(ctx context.Context, task media.ScheduledTask, now time.Time) error
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router chi.Router
	jobs   JobService
	tasks  media.TaskStore
	firer  TaskFirer
	users  media.UserDirectory
	idGen  media.IDGenerator
	clock  media.Clock
	cfg    config.Config
	ready  func(context.Context) error
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs JobService,
	tasks media.TaskStore,
	firer TaskFirer,
	users media.UserDirectory,
	idGen media.IDGenerator,
	clock media.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:   jobs,
		tasks:  tasks,
		firer:  firer,
		users:  users,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.submitJob)
			r.Get("/running", s.listRunning)
			r.Post("/stop-all", s.stopAll)
			r.Post("/cancel-all", s.cancelAll)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/stop", s.stopJob)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Get("/queue", s.queue)
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.createTask)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Put("/", s.updateTask)
				r.Delete("/", s.deleteTask)
				r.Post("/run", s.runTask)
			})
		})
		r.Route("/cron", func(r chi.Router) {
			r.Get("/validate", s.validateCron)
			r.Get("/next", s.nextRun)
		})
	})

	s.router = r
	return s
}

// SetReadinessCheck installs a probe consulted by /readyz, such as a
// database ping.
func (s *Server) SetReadinessCheck(check func(context.Context) error) {
	s.ready = check
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeServiceError maps the error taxonomy to HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case media.IsCallerError(err):
		status = http.StatusBadRequest
	case errors.Is(err, media.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, media.ErrInvalidState), errors.Is(err, media.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", media.ErrInvalidInput)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
