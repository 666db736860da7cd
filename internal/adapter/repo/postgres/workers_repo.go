package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/lexara/sixworker/internal/domain"
)

// WorkerRepo records worker liveness.
type WorkerRepo struct{ Pool PgxPool }

// NewWorkerRepo constructs a WorkerRepo with the given pool.
func NewWorkerRepo(p PgxPool) *WorkerRepo { return &WorkerRepo{Pool: p} }

// Heartbeat upserts a worker's liveness row. The upsert is idempotent and
// keyed by worker_id, so repeated heartbeats only advance last_heartbeat.
func (r *WorkerRepo) Heartbeat(ctx domain.Context, w domain.Worker) error {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.Heartbeat")
	defer span.End()
	status := w.Status
	if status == "" {
		status = domain.WorkerActive
	}
	q := `INSERT INTO workers (worker_id, hostname, status, capabilities, last_heartbeat)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (worker_id) DO UPDATE
SET hostname=EXCLUDED.hostname, status=EXCLUDED.status, capabilities=EXCLUDED.capabilities, last_heartbeat=now()`
	if _, err := r.Pool.Exec(ctx, q, w.ID, w.Hostname, status, w.Capabilities); err != nil {
		return fmt.Errorf("op=worker.heartbeat: %w", err)
	}
	return nil
}

// ListLive returns workers that are not marked dead, most recent first.
func (r *WorkerRepo) ListLive(ctx domain.Context) ([]domain.Worker, error) {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.ListLive")
	defer span.End()
	q := `SELECT worker_id, hostname, status, capabilities, last_heartbeat
FROM workers WHERE status IN ('active','idle') ORDER BY last_heartbeat DESC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=worker.list_live: %w", err)
	}
	defer rows.Close()
	var out []domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.Hostname, &w.Status, &w.Capabilities, &w.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("op=worker.list_live: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=worker.list_live: %w", err)
	}
	return out, nil
}
