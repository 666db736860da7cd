package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lexara/sixworker/internal/config"
	"github.com/lexara/sixworker/internal/domain"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Jobs    domain.JobRepository
	Workers domain.WorkerRepository
	Issues  domain.IssueRepository

	// ClaimSQL is the parameterized claim mutation handed to workers.
	// The coordinator never executes it.
	ClaimSQL string

	// KnownJobTypes gates submissions; empty means accept any type.
	KnownJobTypes []string

	DBCheck func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// jobView is the wire shape of a job row.
type jobView struct {
	JobID        string           `json:"job_id"`
	JobType      string           `json:"job_type"`
	Status       string           `json:"status"`
	WorkerID     string           `json:"worker_id,omitempty"`
	Config       domain.JobConfig `json:"config"`
	Checkpoint   map[string]any   `json:"checkpoint,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	RequeueCount int              `json:"requeue_count"`
	CreatedAt    time.Time        `json:"created_at"`
	ClaimedAt    *time.Time       `json:"claimed_at,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		JobID:        j.ID,
		JobType:      j.Type,
		Status:       string(j.Status),
		WorkerID:     j.WorkerID,
		Config:       j.Config,
		Checkpoint:   j.Checkpoint,
		ErrorMessage: j.ErrorMessage,
		RequeueCount: j.RequeueCount,
		CreatedAt:    j.CreatedAt,
		ClaimedAt:    j.ClaimedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// HealthHandler reports service health, probing the store when a check is
// wired.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":  "healthy",
			"service": "coordinator",
			"time":    time.Now().UTC().Format(time.RFC3339),
		}
		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				body["status"] = "degraded"
				body["database"] = err.Error()
				writeJSON(w, http.StatusServiceUnavailable, body)
				return
			}
			body["database"] = "ok"
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// ClaimHandler selects the oldest pending job within the worker's declared
// capabilities and returns it with the claim instruction. The worker
// executes the instruction itself; zero rows affected means it lost the
// race and must re-poll.
func (s *Server) ClaimHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WorkerID     string   `json:"worker_id" validate:"required"`
			Capabilities []string `json:"capabilities"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: worker_id required", domain.ErrInvalidArgument), nil)
			return
		}

		job, err := s.Jobs.NextPending(r.Context(), req.Capabilities)
		if err != nil {
			if isNotFound(err) {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			writeError(w, r, err, nil)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"job": toJobView(job),
			"claim_instruction": domain.ClaimInstruction{
				SQL:    s.ClaimSQL,
				Params: []string{req.WorkerID, job.ID},
			},
		})
	}
}

// SubmitHandler accepts a new job and queues it pending.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobType string           `json:"job_type" validate:"required"`
			Config  domain.JobConfig `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: job_type required", domain.ErrInvalidArgument), nil)
			return
		}
		if len(s.KnownJobTypes) > 0 && !contains(s.KnownJobTypes, req.JobType) {
			writeError(w, r,
				fmt.Errorf("%w: %q", domain.ErrNoLoader, req.JobType),
				map[string]any{"known_types": s.KnownJobTypes})
			return
		}

		id, err := s.Jobs.Create(r.Context(), domain.Job{
			Type:   req.JobType,
			Config: req.Config,
			Status: domain.JobPending,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("submit: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "queued"})
	}
}

// StatusHandler returns the full job row joined with the claiming worker's
// liveness.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		body := map[string]any{"job": toJobView(job)}
		if job.WorkerID != "" {
			live := false
			if workers, err := s.Workers.ListLive(r.Context()); err == nil {
				for _, wk := range workers {
					if wk.ID == job.WorkerID {
						live = true
						break
					}
				}
			}
			body["worker"] = map[string]any{"worker_id": job.WorkerID, "live": live}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// HeartbeatHandler records a worker heartbeat attributed to a job.
func (s *Server) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		var req struct {
			WorkerID string         `json:"worker_id" validate:"required"`
			Metadata map[string]any `json:"metadata,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: worker_id required", domain.ErrInvalidArgument), nil)
			return
		}

		if _, err := s.Jobs.Get(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Workers.Heartbeat(r.Context(), domain.Worker{
			ID:     req.WorkerID,
			Status: domain.WorkerActive,
		}); err != nil {
			writeError(w, r, fmt.Errorf("heartbeat: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	}
}

// ListJobsHandler lists jobs, optionally filtered by status.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status != "" && !validJobStatus(status) {
			writeError(w, r, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, status), nil)
			return
		}
		limit := queryLimit(r, 50)

		jobs, err := s.Jobs.List(r.Context(), status, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
	}
}

// ListWorkersHandler lists workers with a live heartbeat.
func (s *Server) ListWorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := s.Workers.ListLive(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		type workerView struct {
			WorkerID      string    `json:"worker_id"`
			Hostname      string    `json:"hostname,omitempty"`
			Status        string    `json:"status"`
			Capabilities  []string  `json:"capabilities"`
			LastHeartbeat time.Time `json:"last_heartbeat"`
		}
		views := make([]workerView, 0, len(workers))
		for _, wk := range workers {
			views = append(views, workerView{
				WorkerID:      wk.ID,
				Hostname:      wk.Hostname,
				Status:        string(wk.Status),
				Capabilities:  wk.Capabilities,
				LastHeartbeat: wk.LastHeartbeat,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": views, "count": len(views)})
	}
}

// ListIssuesHandler lists data-quality issues, optionally filtered by
// resolution status.
func (s *Server) ListIssuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		limit := queryLimit(r, 100)

		issues, err := s.Issues.List(r.Context(), status, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"issues": issues, "count": len(issues)})
	}
}

func validJobStatus(s string) bool {
	switch domain.JobStatus(s) {
	case domain.JobPending, domain.JobClaimed, domain.JobRunning, domain.JobCompleted, domain.JobFailed:
		return true
	}
	return false
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
