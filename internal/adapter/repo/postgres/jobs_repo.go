package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/lexara/sixworker/internal/domain"
)

// ClaimSQL is the parameterized mutation workers execute to claim a job.
// The status='pending' guard makes the transition atomic: of two racing
// workers handed the same candidate, only one update affects a row.
const ClaimSQL = `UPDATE job_queue
SET status='claimed', worker_id=$1, claimed_at=now(), updated_at=now()
WHERE job_id=$2 AND status='pending'`

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `job_id, job_type, config, status, COALESCE(worker_id,''), checkpoint,
COALESCE(error_message,''), requeue_count, created_at, claimed_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var configB, checkpointB []byte
	if err := row.Scan(&j.ID, &j.Type, &configB, &j.Status, &j.WorkerID, &checkpointB,
		&j.ErrorMessage, &j.RequeueCount, &j.CreatedAt, &j.ClaimedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if len(configB) > 0 {
		if err := json.Unmarshal(configB, &j.Config); err != nil {
			return domain.Job{}, err
		}
	}
	if len(checkpointB) > 0 {
		if err := json.Unmarshal(checkpointB, &j.Checkpoint); err != nil {
			return domain.Job{}, err
		}
	}
	return j, nil
}

// Create inserts a new pending job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = domain.NewID()
	}
	configB, err := json.Marshal(j.Config)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	q := `INSERT INTO job_queue (job_id, job_type, config, status, created_at, updated_at) VALUES ($1,$2,$3,'pending',now(),now())`
	if _, err := r.Pool.Exec(ctx, q, id, j.Type, configB); err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM job_queue WHERE job_id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// NextPending returns the oldest pending job whose type is within the
// worker's declared capabilities.
func (r *JobRepo) NextPending(ctx domain.Context, capabilities []string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.NextPending")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM job_queue WHERE status='pending' AND job_type = ANY($1) ORDER BY created_at ASC LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, capabilities))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.next_pending: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.next_pending: %w", err)
	}
	return j, nil
}

// Claim executes the claim mutation for a worker. The boolean reports
// whether the conditional update won the race.
func (r *JobRepo) Claim(ctx domain.Context, jobID, workerID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, ClaimSQL, workerID, jobID)
	if err != nil {
		return false, fmt.Errorf("op=job.claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRunning transitions a claimed job to running.
func (r *JobRepo) MarkRunning(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()
	q := `UPDATE job_queue SET status='running', started_at=now(), updated_at=now() WHERE job_id=$1 AND status='claimed'`
	if _, err := r.Pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=job.mark_running: %w", err)
	}
	return nil
}

// MarkCompleted transitions a running job to completed.
func (r *JobRepo) MarkCompleted(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCompleted")
	defer span.End()
	q := `UPDATE job_queue SET status='completed', completed_at=now(), updated_at=now() WHERE job_id=$1`
	if _, err := r.Pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=job.mark_completed: %w", err)
	}
	return nil
}

// MarkFailed transitions a job to failed with its error message.
func (r *JobRepo) MarkFailed(ctx domain.Context, id, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkFailed")
	defer span.End()
	q := `UPDATE job_queue SET status='failed', error_message=$2, completed_at=now(), updated_at=now() WHERE job_id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, errMsg); err != nil {
		return fmt.Errorf("op=job.mark_failed: %w", err)
	}
	return nil
}

// SaveCheckpoint writes the loader cursor blob. Write-last-wins by the
// owning worker.
func (r *JobRepo) SaveCheckpoint(ctx domain.Context, id string, checkpoint map[string]any) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SaveCheckpoint")
	defer span.End()
	b, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("op=job.save_checkpoint: %w", err)
	}
	q := `UPDATE job_queue SET checkpoint=$2, updated_at=now() WHERE job_id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, b); err != nil {
		return fmt.Errorf("op=job.save_checkpoint: %w", err)
	}
	return nil
}

// List returns jobs filtered by status (empty means all), newest first.
func (r *JobRepo) List(ctx domain.Context, status string, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM job_queue WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, status, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// Requeue returns a stale claimed/running job to pending and clears its
// worker. Only callable after the reaper confirms the heartbeat deadline
// has passed.
func (r *JobRepo) Requeue(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()
	q := `UPDATE job_queue SET status='pending', worker_id=NULL, claimed_at=NULL, started_at=NULL,
requeue_count=requeue_count+1, updated_at=now()
WHERE job_id=$1 AND status IN ('claimed','running')`
	if _, err := r.Pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=job.requeue: %w", err)
	}
	return nil
}

// StaleClaimed returns claimed or running jobs whose worker has not
// heartbeated within the deadline.
func (r *JobRepo) StaleClaimed(ctx domain.Context, heartbeatDeadline time.Duration, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.StaleClaimed")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM job_queue j
WHERE j.status IN ('claimed','running')
  AND NOT EXISTS (
      SELECT 1 FROM workers w
      WHERE w.worker_id = j.worker_id AND w.last_heartbeat > now() - make_interval(secs => $1)
  )
ORDER BY j.created_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, heartbeatDeadline.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.stale_claimed: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.stale_claimed: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.stale_claimed: %w", err)
	}
	return out, nil
}
