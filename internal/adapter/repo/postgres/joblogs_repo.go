package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/lexara/sixworker/internal/domain"
)

// JobLogRepo appends structured log lines attributed to jobs.
type JobLogRepo struct{ Pool PgxPool }

// NewJobLogRepo constructs a JobLogRepo with the given pool.
func NewJobLogRepo(p PgxPool) *JobLogRepo { return &JobLogRepo{Pool: p} }

// Append inserts one log row.
func (r *JobLogRepo) Append(ctx domain.Context, entry domain.JobLog) error {
	tracer := otel.Tracer("repo.joblogs")
	ctx, span := tracer.Start(ctx, "joblogs.Append")
	defer span.End()
	id := entry.ID
	if id == "" {
		id = domain.NewID()
	}
	level := entry.Level
	if level == "" {
		level = "info"
	}
	var metaB []byte
	if entry.Metadata != nil {
		var err error
		metaB, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("op=joblog.append: %w", err)
		}
	}
	q := `INSERT INTO job_logs (log_id, job_id, timestamp, level, message, metadata) VALUES ($1,$2,now(),$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, id, entry.JobID, level, entry.Message, metaB); err != nil {
		return fmt.Errorf("op=joblog.append: %w", err)
	}
	return nil
}
