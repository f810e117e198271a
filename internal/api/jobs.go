package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

type submitJobRequest struct {
	UserID           string `json:"user_id"`
	ConfigName       string `json:"config_name"`
	ResourceListName string `json:"resource_list_name"`
	LinkMode         *bool  `json:"link_mode"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	linkMode := true
	if req.LinkMode != nil {
		linkMode = *req.LinkMode
	}
	job, err := s.jobs.Submit(r.Context(), req.UserID, req.ConfigName, req.ResourceListName, linkMode)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := media.JobFilter{
		UserID: r.URL.Query().Get("user"),
		Status: media.JobStatus(r.URL.Query().Get("status")),
	}
	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) listRunning(w http.ResponseWriter, r *http.Request) {
	running, err := s.jobs.ListRunning(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": running})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.Stop(r.Context(), jobID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "stopping"})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.CancelPending(r.Context(), jobID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(media.JobStatusFailed)})
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.jobs.StopAll(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": n})
}

func (s *Server) cancelAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.jobs.CancelAllPending(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	n, err := s.jobs.QueueLength(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}
