package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/you/crawlq/internal/domain"
	"github.com/you/crawlq/internal/lease"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Server is the producer-facing HTTP surface: enqueue, inspect, cancel.
// Workers never come through here; they talk to the store directly.
type Server struct {
	mgr *lease.Manager
	log *zap.Logger
}

func NewServer(mgr *lease.Manager, log *zap.Logger) *Server {
	return &Server{mgr: mgr, log: log}
}

func (s *Server) Router() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)

	rtr.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.enqueue)
		r.Get("/", s.list)
		r.Get("/{id}", s.get)
		r.Post("/{id}/cancel", s.cancel)
	})
	rtr.Get("/v1/queue/claimable", s.claimable)
	return rtr
}

// claimable shows the head of the queue in dequeue order, for dashboards
// and debugging. Snapshot only; nothing is claimed.
func (s *Server) claimable(w http.ResponseWriter, r *http.Request) {
	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, domain.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = min(n, maxPageSize)
	}
	ids, err := s.mgr.PeekClaimable(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]int64{"job_ids": ids})
}

type enqueueRequest struct {
	TargetID    string `json:"target_id"`
	JobType     string `json:"job_type"`
	Priority    int    `json:"priority"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

type jobResponse struct {
	ID            int64           `json:"id"`
	TargetID      string          `json:"target_id"`
	JobType       string          `json:"job_type"`
	Priority      int             `json:"priority"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	MaxAttempts   int             `json:"max_attempts"`
	LeaseOwner    *string         `json:"lease_owner,omitempty"`
	LeaseExpires  *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	ResultSummary json.RawMessage `json:"result_summary,omitempty"`
}

func toResponse(j *domain.Job) jobResponse {
	return jobResponse{
		ID:            j.ID,
		TargetID:      j.TargetID,
		JobType:       string(j.Type),
		Priority:      j.Priority,
		Status:        string(j.Status),
		AttemptCount:  j.AttemptCount,
		MaxAttempts:   j.MaxAttempts,
		LeaseOwner:    j.LeaseOwner,
		LeaseExpires:  j.LeaseExpires,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		ErrorMessage:  j.Error,
		ResultSummary: j.ResultSummary,
	}
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.ValidationError{Field: "body", Reason: "invalid json"})
		return
	}
	id, err := s.mgr.Enqueue(r.Context(), domain.JobSpec{
		TargetID:    req.TargetID,
		Type:        domain.JobType(req.JobType),
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, domain.ValidationError{Field: "id", Reason: "must be an integer"})
		return
	}
	j, err := s.mgr.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toResponse(j))
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.ListFilter{
		Status:   domain.Status(q.Get("status")),
		TargetID: q.Get("target_id"),
		Limit:    defaultPageSize,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, domain.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		f.Limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, domain.ValidationError{Field: "offset", Reason: "must be a non-negative integer"})
			return
		}
		f.Offset = n
	}
	jobs, err := s.mgr.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toResponse(j))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, domain.ValidationError{Field: "id", Reason: "must be an integer"})
		return
	}
	if err := s.mgr.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case domain.IsValidation(err):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrLeaseConflict):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
