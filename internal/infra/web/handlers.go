package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pkm-jobs/internal/domain"
	"pkm-jobs/internal/domain/model"
	"pkm-jobs/internal/domain/ports/repository"
)

type createJobRequest struct {
	JobID   string        `json:"job_id"`
	JobType string        `json:"job_type"`
	Input   model.Payload `json:"input_data"`
	ItemID  string        `json:"item_id"`
	Tags    []string      `json:"tags"`
}

type progressRequest struct {
	Progress     int    `json:"progress_percentage"`
	CurrentStage string `json:"current_stage"`
	StageMessage string `json:"stage_message"`
}

type completeRequest struct {
	Result model.Payload `json:"result_data"`
}

type failRequest struct {
	ErrorMessage string `json:"error_message"`
	Retryable    bool   `json:"retryable"`
}

func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	job, err := s.lifecycle.Create(r.Context(), req.JobID, req.JobType, req.Input, req.ItemID, req.Tags)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.query.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.JobFilter{
		JobType: q.Get("job_type"),
		Status:  model.JobStatus(q.Get("status")),
		ItemID:  q.Get("item_id"),
		Tag:     q.Get("tag"),
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.query.ListJobs(r.Context(), filter, limit, offset)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	respondJSON(w, http.StatusOK, struct {
		Jobs   []*model.Job `json:"jobs"`
		Total  int          `json:"total"`
		Limit  int          `json:"limit"`
		Offset int          `json:"offset"`
	}{jobs, total, limit, offset})
}

func (s *Server) queueStatsHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := s.query.QueueStats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	respondJSON(w, http.StatusOK, struct {
		Total    int                     `json:"total_jobs"`
		ByStatus map[model.JobStatus]int `json:"by_status"`
	}{total, counts})
}

func (s *Server) progressHandler(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	job, err := s.lifecycle.Progress(r.Context(), chi.URLParam(r, "jobID"), req.Progress, req.CurrentStage, req.StageMessage)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	job, err := s.lifecycle.Complete(r.Context(), chi.URLParam(r, "jobID"), req.Result)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) failHandler(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	job, err := s.coordinator.Fail(r.Context(), chi.URLParam(r, "jobID"), req.ErrorMessage, req.Retryable)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.coordinator.Retry(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.coordinator.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondError maps the domain error taxonomy to status codes so callers
// can tell "fix your request" from "try again" from "give up".
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var code int
	var kind string
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		code, kind = http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrConflict):
		code, kind = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrInvalidTransition):
		code, kind = http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrRetryLimit):
		code, kind = http.StatusConflict, "retry_limit"
	case errors.Is(err, domain.ErrConcurrentModification):
		code, kind = http.StatusServiceUnavailable, "concurrent_modification"
	case errors.Is(err, domain.ErrStorageUnavailable):
		code, kind = http.StatusServiceUnavailable, "storage_unavailable"
	default:
		s.log.Error().Err(err).Msg("unhandled error")
		code, kind = http.StatusInternalServerError, "internal"
	}
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", kind).Msg("request failed")
	}
	respondJSON(w, code, errorResponse{Error: err.Error(), Code: kind})
}
