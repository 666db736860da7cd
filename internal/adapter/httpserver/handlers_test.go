package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexara/sixworker/internal/domain"
)

type jobsStub struct {
	nextPending   domain.Job
	nextErr       error
	created       []domain.Job
	createID      string
	jobs          map[string]domain.Job
	listed        []domain.Job
	listedStatus  string
	listedLimit   int
	heartbeats    int
	requeued      []string
	staleClaimed  []domain.Job
	markedRunning []string
}

func (s *jobsStub) Create(_ domain.Context, j domain.Job) (string, error) {
	s.created = append(s.created, j)
	if s.createID == "" {
		return "job-1", nil
	}
	return s.createID, nil
}

func (s *jobsStub) Get(_ domain.Context, id string) (domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *jobsStub) NextPending(_ domain.Context, _ []string) (domain.Job, error) {
	if s.nextErr != nil {
		return domain.Job{}, s.nextErr
	}
	return s.nextPending, nil
}

func (s *jobsStub) Claim(_ domain.Context, _, _ string) (bool, error) { return true, nil }
func (s *jobsStub) MarkRunning(_ domain.Context, id string) error {
	s.markedRunning = append(s.markedRunning, id)
	return nil
}
func (s *jobsStub) MarkCompleted(_ domain.Context, _ string) error    { return nil }
func (s *jobsStub) MarkFailed(_ domain.Context, _, _ string) error    { return nil }
func (s *jobsStub) SaveCheckpoint(_ domain.Context, _ string, _ map[string]any) error {
	return nil
}

func (s *jobsStub) List(_ domain.Context, status string, limit int) ([]domain.Job, error) {
	s.listedStatus = status
	s.listedLimit = limit
	return s.listed, nil
}

func (s *jobsStub) Requeue(_ domain.Context, id string) error {
	s.requeued = append(s.requeued, id)
	return nil
}

func (s *jobsStub) StaleClaimed(_ domain.Context, _ time.Duration, _ int) ([]domain.Job, error) {
	return s.staleClaimed, nil
}

type workersStub struct {
	live       []domain.Worker
	heartbeats []domain.Worker
	hbErr      error
}

func (s *workersStub) Heartbeat(_ domain.Context, w domain.Worker) error {
	if s.hbErr != nil {
		return s.hbErr
	}
	s.heartbeats = append(s.heartbeats, w)
	return nil
}

func (s *workersStub) ListLive(_ domain.Context) ([]domain.Worker, error) { return s.live, nil }

type issuesStub struct {
	issues []domain.DataQualityIssue
}

func (s *issuesStub) Create(_ domain.Context, _ domain.DataQualityIssue) (string, error) {
	return "iss-1", nil
}

func (s *issuesStub) List(_ domain.Context, _ string, _ int) ([]domain.DataQualityIssue, error) {
	return s.issues, nil
}

func newTestRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.HealthHandler())
	r.Post("/jobs/claim", s.ClaimHandler())
	r.Post("/jobs/submit", s.SubmitHandler())
	r.Get("/jobs/{id}/status", s.StatusHandler())
	r.Post("/jobs/{id}/heartbeat", s.HeartbeatHandler())
	r.Get("/jobs", s.ListJobsHandler())
	r.Get("/workers", s.ListWorkersHandler())
	r.Get("/data-quality/issues", s.ListIssuesHandler())
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthHandler(t *testing.T) {
	s := &Server{}
	rec := doJSON(t, newTestRouter(s), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "coordinator", body["service"])
}

func TestHealthHandlerDegraded(t *testing.T) {
	s := &Server{DBCheck: func(domain.Context) error { return errors.New("pool exhausted") }}
	rec := doJSON(t, newTestRouter(s), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "pool exhausted", body["database"])
}

func TestClaimHandlerReturnsJobAndInstruction(t *testing.T) {
	jobs := &jobsStub{nextPending: domain.Job{
		ID:     "job-42",
		Type:   "iowa_business",
		Status: domain.JobPending,
	}}
	s := &Server{Jobs: jobs, ClaimSQL: "UPDATE jobs SET worker_id = $1 WHERE id = $2"}

	rec := doJSON(t, newTestRouter(s), http.MethodPost, "/jobs/claim", map[string]any{
		"worker_id":    "worker-a",
		"capabilities": []string{"iowa_business"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	job := body["job"].(map[string]any)
	assert.Equal(t, "job-42", job["job_id"])
	assert.Equal(t, "iowa_business", job["job_type"])

	instr := body["claim_instruction"].(map[string]any)
	assert.Equal(t, s.ClaimSQL, instr["sql"])
	params := instr["params"].([]any)
	require.Len(t, params, 2)
	assert.Equal(t, "worker-a", params[0])
	assert.Equal(t, "job-42", params[1])
}

func TestClaimHandlerNoPendingJobs(t *testing.T) {
	jobs := &jobsStub{nextErr: domain.ErrNotFound}
	s := &Server{Jobs: jobs}

	rec := doJSON(t, newTestRouter(s), http.MethodPost, "/jobs/claim", map[string]any{
		"worker_id": "worker-a",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestClaimHandlerMissingWorkerID(t *testing.T) {
	s := &Server{Jobs: &jobsStub{}}
	rec := doJSON(t, newTestRouter(s), http.MethodPost, "/jobs/claim", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INVALID_ARGUMENT", errObj["code"])
}

func TestClaimHandlerInvalidJSON(t *testing.T) {
	s := &Server{Jobs: &jobsStub{}}
	req := httptest.NewRequest(http.MethodPost, "/jobs/claim", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	newTestRouter(s).ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitHandlerQueuesJob(t *testing.T) {
	jobs := &jobsStub{createID: "job-7"}
	s := &Server{Jobs: jobs, KnownJobTypes: []string{"iowa_business", "iowa_asbestos"}}

	rec := doJSON(t, newTestRouter(s), http.MethodPost, "/jobs/submit", map[string]any{
		"job_type": "iowa_business",
		"config": map[string]any{
			"input": map[string]any{"file_path": "/data/biz.csv"},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "job-7", body["job_id"])
	assert.Equal(t, "queued", body["status"])

	require.Len(t, jobs.created, 1)
	assert.Equal(t, "iowa_business", jobs.created[0].Type)
	assert.Equal(t, domain.JobPending, jobs.created[0].Status)
	assert.Equal(t, "/data/biz.csv", jobs.created[0].Config.Input.FilePath)
}

func TestSubmitHandlerUnknownJobType(t *testing.T) {
	s := &Server{Jobs: &jobsStub{}, KnownJobTypes: []string{"iowa_business"}}
	rec := doJSON(t, newTestRouter(s), http.MethodPost, "/jobs/submit", map[string]any{
		"job_type": "mystery",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "UNKNOWN_JOB_TYPE", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Contains(t, details["known_types"], "iowa_business")
}

func TestSubmitHandlerMissingJobType(t *testing.T) {
	s := &Server{Jobs: &jobsStub{}}
	rec := doJSON(t, newTestRouter(s), http.MethodPost, "/jobs/submit", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusHandlerJoinsWorkerLiveness(t *testing.T) {
	now := time.Now().UTC()
	jobs := &jobsStub{jobs: map[string]domain.Job{
		"job-9": {
			ID:       "job-9",
			Type:     "iowa_asbestos",
			Status:   domain.JobRunning,
			WorkerID: "worker-b",
		},
	}}
	workers := &workersStub{live: []domain.Worker{
		{ID: "worker-b", Status: domain.WorkerActive, LastHeartbeat: now},
	}}
	s := &Server{Jobs: jobs, Workers: workers}

	rec := doJSON(t, newTestRouter(s), http.MethodGet, "/jobs/job-9/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	job := body["job"].(map[string]any)
	assert.Equal(t, "running", job["status"])
	worker := body["worker"].(map[string]any)
	assert.Equal(t, "worker-b", worker["worker_id"])
	assert.Equal(t, true, worker["live"])
}

func TestStatusHandlerDeadWorker(t *testing.T) {
	jobs := &jobsStub{jobs: map[string]domain.Job{
		"job-9": {ID: "job-9", Status: domain.JobRunning, WorkerID: "worker-gone"},
	}}
	s := &Server{Jobs: jobs, Workers: &workersStub{}}

	rec := doJSON(t, newTestRouter(s), http.MethodGet, "/jobs/job-9/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	worker := decodeBody(t, rec)["worker"].(map[string]any)
	assert.Equal(t, false, worker["live"])
}

func TestStatusHandlerNotFound(t *testing.T) {
	s := &Server{Jobs: &jobsStub{jobs: map[string]domain.Job{}}}
	rec := doJSON(t, newTestRouter(s), http.MethodGet, "/jobs/nope/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", errObj["code"])
}

func TestHeartbeatHandlerAcknowledges(t *testing.T) {
	jobs := &jobsStub{jobs: map[string]domain.Job{
		"job-3": {ID: "job-3", Status: domain.JobRunning, WorkerID: "worker-c"},
	}}
	workers := &workersStub{}
	s := &Server{Jobs: jobs, Workers: workers}

	rec := doJSON(t, newTestRouter(s), http.MethodPost, "/jobs/job-3/heartbeat", map[string]any{
		"worker_id": "worker-c",
		"metadata":  map[string]any{"records_processed": 1200},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acknowledged", decodeBody(t, rec)["status"])

	require.Len(t, workers.heartbeats, 1)
	assert.Equal(t, "worker-c", workers.heartbeats[0].ID)
	assert.Equal(t, domain.WorkerActive, workers.heartbeats[0].Status)
}

func TestHeartbeatHandlerUnknownJob(t *testing.T) {
	s := &Server{Jobs: &jobsStub{jobs: map[string]domain.Job{}}, Workers: &workersStub{}}
	rec := doJSON(t, newTestRouter(s), http.MethodPost, "/jobs/gone/heartbeat", map[string]any{
		"worker_id": "worker-c",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsHandlerFiltersByStatus(t *testing.T) {
	jobs := &jobsStub{listed: []domain.Job{
		{ID: "a", Status: domain.JobPending},
		{ID: "b", Status: domain.JobPending},
	}}
	s := &Server{Jobs: jobs}

	rec := doJSON(t, newTestRouter(s), http.MethodGet, "/jobs?status=pending&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, "pending", jobs.listedStatus)
	assert.Equal(t, 10, jobs.listedLimit)
}

func TestListJobsHandlerRejectsUnknownStatus(t *testing.T) {
	s := &Server{Jobs: &jobsStub{}}
	rec := doJSON(t, newTestRouter(s), http.MethodGet, "/jobs?status=exploded", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsHandlerLimitBounds(t *testing.T) {
	jobs := &jobsStub{}
	s := &Server{Jobs: jobs}

	doJSON(t, newTestRouter(s), http.MethodGet, "/jobs?limit=99999", nil)
	assert.Equal(t, 50, jobs.listedLimit)

	doJSON(t, newTestRouter(s), http.MethodGet, "/jobs?limit=-3", nil)
	assert.Equal(t, 50, jobs.listedLimit)
}

func TestListWorkersHandler(t *testing.T) {
	now := time.Now().UTC()
	workers := &workersStub{live: []domain.Worker{
		{ID: "worker-a", Hostname: "host-1", Status: domain.WorkerActive, Capabilities: []string{"iowa_business"}, LastHeartbeat: now},
	}}
	s := &Server{Workers: workers}

	rec := doJSON(t, newTestRouter(s), http.MethodGet, "/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	view := body["workers"].([]any)[0].(map[string]any)
	assert.Equal(t, "worker-a", view["worker_id"])
	assert.Equal(t, "host-1", view["hostname"])
}

func TestListIssuesHandler(t *testing.T) {
	issues := &issuesStub{issues: []domain.DataQualityIssue{
		{ID: "iss-1", IssueType: "validation_error"},
	}}
	s := &Server{Issues: issues}

	rec := doJSON(t, newTestRouter(s), http.MethodGet, "/data-quality/issues", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
}
