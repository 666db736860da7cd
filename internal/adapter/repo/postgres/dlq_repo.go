package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/lexara/sixworker/internal/domain"
)

// maxErrorMessageLen bounds stored DLQ error messages.
const maxErrorMessageLen = 1000

// DLQRepo persists failed records for bounded reprocessing.
type DLQRepo struct{ Pool PgxPool }

// NewDLQRepo constructs a DLQRepo with the given pool.
func NewDLQRepo(p PgxPool) *DLQRepo { return &DLQRepo{Pool: p} }

// Add writes a failed-record row with attempt_count=1.
func (r *DLQRepo) Add(ctx domain.Context, rec domain.FailedRecord) (string, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Add")
	defer span.End()
	id := rec.ID
	if id == "" {
		id = domain.NewID()
	}
	msg := rec.ErrorMessage
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	dataB, err := json.Marshal(rec.RecordData)
	if err != nil {
		return "", fmt.Errorf("op=dlq.add: %w", err)
	}
	var detailsB []byte
	if rec.ErrorDetails != nil {
		detailsB, err = json.Marshal(rec.ErrorDetails)
		if err != nil {
			return "", fmt.Errorf("op=dlq.add: %w", err)
		}
	}
	var sourceID *string
	if rec.SourceID != "" {
		sourceID = &rec.SourceID
	}
	// The failure that dead-lettered the record counts as attempt one,
	// so cooldown pacing starts from the insert.
	q := `INSERT INTO failed_records (record_id, source_id, source_type, record_data, error_message,
error_type, error_details, attempt_count, created_at, last_attempt_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,1,now(),now())`
	if _, err := r.Pool.Exec(ctx, q, id, sourceID, rec.SourceType, dataB, msg, rec.ErrorType, detailsB); err != nil {
		return "", fmt.Errorf("op=dlq.add: %w", err)
	}
	return id, nil
}

const failedRecordColumns = `record_id, COALESCE(source_id,''), source_type, record_data, error_message,
error_type, error_details, attempt_count, created_at, last_attempt_at, reprocessed, reprocessed_at, reprocess_result`

// Eligible returns records still worth retrying: not reprocessed, under the
// attempt bound, and past the cooldown since their last attempt. An empty
// sourceID matches all sources.
func (r *DLQRepo) Eligible(ctx domain.Context, sourceID string, maxAttempts int, cooldown time.Duration, limit int) ([]domain.FailedRecord, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Eligible")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + failedRecordColumns + ` FROM failed_records
WHERE reprocessed = FALSE
  AND attempt_count < $1
  AND (last_attempt_at IS NULL OR last_attempt_at < now() - make_interval(secs => $2))
  AND ($3 = '' OR source_id = $3)
ORDER BY created_at ASC LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, maxAttempts, cooldown.Seconds(), sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.eligible: %w", err)
	}
	defer rows.Close()
	var out []domain.FailedRecord
	for rows.Next() {
		var rec domain.FailedRecord
		var dataB, detailsB, resultB []byte
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.SourceType, &dataB, &rec.ErrorMessage,
			&rec.ErrorType, &detailsB, &rec.AttemptCount, &rec.CreatedAt, &rec.LastAttemptAt,
			&rec.Reprocessed, &rec.ReprocessedAt, &resultB); err != nil {
			return nil, fmt.Errorf("op=dlq.eligible: %w", err)
		}
		if len(dataB) > 0 {
			_ = json.Unmarshal(dataB, &rec.RecordData)
		}
		if len(detailsB) > 0 {
			_ = json.Unmarshal(detailsB, &rec.ErrorDetails)
		}
		if len(resultB) > 0 {
			_ = json.Unmarshal(resultB, &rec.ReprocessResult)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dlq.eligible: %w", err)
	}
	return out, nil
}

// MarkRetrying increments attempt_count and stamps last_attempt_at before a
// reprocess attempt.
func (r *DLQRepo) MarkRetrying(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.MarkRetrying")
	defer span.End()
	q := `UPDATE failed_records SET attempt_count = attempt_count + 1, last_attempt_at = now() WHERE record_id=$1`
	if _, err := r.Pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=dlq.mark_retrying: %w", err)
	}
	return nil
}

// MarkReprocessed records the outcome of a reprocess attempt. Only success
// flips reprocessed; failures keep the row eligible for future attempts.
func (r *DLQRepo) MarkReprocessed(ctx domain.Context, id string, success bool, result map[string]any) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.MarkReprocessed")
	defer span.End()
	var resultB []byte
	if result != nil {
		var err error
		resultB, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("op=dlq.mark_reprocessed: %w", err)
		}
	}
	var q string
	if success {
		q = `UPDATE failed_records SET reprocessed = TRUE, reprocessed_at = now(), reprocess_result = $2 WHERE record_id=$1`
	} else {
		q = `UPDATE failed_records SET reprocess_result = $2 WHERE record_id=$1`
	}
	if _, err := r.Pool.Exec(ctx, q, id, resultB); err != nil {
		return fmt.Errorf("op=dlq.mark_reprocessed: %w", err)
	}
	return nil
}

// CleanupOlderThan deletes reprocessed rows older than age and returns the
// number removed.
func (r *DLQRepo) CleanupOlderThan(ctx domain.Context, age time.Duration) (int, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.CleanupOlderThan")
	defer span.End()
	q := `DELETE FROM failed_records WHERE reprocessed = TRUE AND reprocessed_at < now() - make_interval(secs => $1)`
	tag, err := r.Pool.Exec(ctx, q, age.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=dlq.cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats summarizes the DLQ backlog, optionally for one source.
func (r *DLQRepo) Stats(ctx domain.Context, sourceID string) (domain.DLQStats, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Stats")
	defer span.End()
	stats := domain.DLQStats{
		ByErrorType:  map[string]int{},
		BySourceType: map[string]int{},
	}
	q := `SELECT COUNT(*),
       COUNT(*) FILTER (WHERE reprocessed),
       COUNT(*) FILTER (WHERE NOT reprocessed)
FROM failed_records WHERE ($1 = '' OR source_id = $1)`
	if err := r.Pool.QueryRow(ctx, q, sourceID).Scan(&stats.Total, &stats.Reprocessed, &stats.Pending); err != nil {
		return domain.DLQStats{}, fmt.Errorf("op=dlq.stats: %w", err)
	}

	byType := `SELECT error_type, COUNT(*) FROM failed_records WHERE ($1 = '' OR source_id = $1) GROUP BY error_type`
	rows, err := r.Pool.Query(ctx, byType, sourceID)
	if err != nil {
		return domain.DLQStats{}, fmt.Errorf("op=dlq.stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return domain.DLQStats{}, fmt.Errorf("op=dlq.stats: %w", err)
		}
		stats.ByErrorType[k] = n
	}
	if err := rows.Err(); err != nil {
		return domain.DLQStats{}, fmt.Errorf("op=dlq.stats: %w", err)
	}

	bySource := `SELECT source_type, COUNT(*) FROM failed_records WHERE ($1 = '' OR source_id = $1) GROUP BY source_type`
	srows, err := r.Pool.Query(ctx, bySource, sourceID)
	if err != nil {
		return domain.DLQStats{}, fmt.Errorf("op=dlq.stats: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var k string
		var n int
		if err := srows.Scan(&k, &n); err != nil {
			return domain.DLQStats{}, fmt.Errorf("op=dlq.stats: %w", err)
		}
		stats.BySourceType[k] = n
	}
	if err := srows.Err(); err != nil {
		return domain.DLQStats{}, fmt.Errorf("op=dlq.stats: %w", err)
	}

	countMax := `SELECT COUNT(*) FROM failed_records WHERE NOT reprocessed AND attempt_count >= 3 AND ($1 = '' OR source_id = $1)`
	if err := r.Pool.QueryRow(ctx, countMax, sourceID).Scan(&stats.MaxAttemptsReached); err != nil {
		return domain.DLQStats{}, fmt.Errorf("op=dlq.stats: %w", err)
	}
	return stats, nil
}
