package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/lexara/sixworker/internal/domain"
)

// SourceRepo maintains the per-file ingestion registry.
type SourceRepo struct{ Pool PgxPool }

// NewSourceRepo constructs a SourceRepo with the given pool.
func NewSourceRepo(p PgxPool) *SourceRepo { return &SourceRepo{Pool: p} }

const sourceColumns = `source_id, source_type, source_name, source_version, file_name, file_hash,
file_size_bytes, status, records_in_file, records_processed, records_imported, records_failed,
records_skipped, COALESCE(error_message,''), import_started_at, import_completed_at, updated_at`

func scanSource(row pgx.Row) (domain.Source, error) {
	var s domain.Source
	err := row.Scan(&s.ID, &s.Type, &s.Name, &s.Version, &s.FileName, &s.FileHash,
		&s.FileSizeBytes, &s.Status, &s.RecordsInFile, &s.RecordsProcessed, &s.RecordsImported,
		&s.RecordsFailed, &s.RecordsSkipped, &s.ErrorMessage, &s.ImportStartedAt,
		&s.ImportCompletedAt, &s.UpdatedAt)
	return s, err
}

// FindByTypeAndHash looks up the unique (source_type, file_hash) row.
func (r *SourceRepo) FindByTypeAndHash(ctx domain.Context, sourceType, fileHash string) (domain.Source, error) {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.FindByTypeAndHash")
	defer span.End()
	q := `SELECT ` + sourceColumns + ` FROM sources WHERE source_type=$1 AND file_hash=$2`
	s, err := scanSource(r.Pool.QueryRow(ctx, q, sourceType, fileHash))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Source{}, fmt.Errorf("op=source.find: %w", domain.ErrNotFound)
		}
		return domain.Source{}, fmt.Errorf("op=source.find: %w", err)
	}
	return s, nil
}

// Create inserts a new processing row and returns its id.
func (r *SourceRepo) Create(ctx domain.Context, s domain.Source) (string, error) {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.Create")
	defer span.End()
	id := s.ID
	if id == "" {
		id = domain.NewID()
	}
	q := `INSERT INTO sources (source_id, source_type, source_name, source_version, file_name, file_hash,
file_size_bytes, status, import_started_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,'processing',now(),now())`
	if _, err := r.Pool.Exec(ctx, q, id, s.Type, s.Name, s.Version, s.FileName, s.FileHash, s.FileSizeBytes); err != nil {
		return "", fmt.Errorf("op=source.create: %w", err)
	}
	return id, nil
}

// SaveProgress updates the running counters at a checkpoint boundary.
func (r *SourceRepo) SaveProgress(ctx domain.Context, id string, processed, imported, failed, skipped int) error {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.SaveProgress")
	defer span.End()
	q := `UPDATE sources SET records_processed=$2, records_imported=$3, records_failed=$4, records_skipped=$5, updated_at=now()
WHERE source_id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, processed, imported, failed, skipped); err != nil {
		return fmt.Errorf("op=source.save_progress: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a source, filling records_in_file from the final
// cursor and stamping import_completed_at.
func (r *SourceRepo) MarkCompleted(ctx domain.Context, id string, totalRecords, imported, failed, skipped int) error {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.MarkCompleted")
	defer span.End()
	q := `UPDATE sources SET status='completed', records_in_file=$2, records_processed=$2,
records_imported=$3, records_failed=$4, records_skipped=$5, import_completed_at=now(), updated_at=now()
WHERE source_id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, totalRecords, imported, failed, skipped); err != nil {
		return fmt.Errorf("op=source.mark_completed: %w", err)
	}
	return nil
}

// MarkFailed records a truncated error message and fails the source.
func (r *SourceRepo) MarkFailed(ctx domain.Context, id, errMsg string) error {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.MarkFailed")
	defer span.End()
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	q := `UPDATE sources SET status='failed', error_message=$2, updated_at=now() WHERE source_id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, errMsg); err != nil {
		return fmt.Errorf("op=source.mark_failed: %w", err)
	}
	return nil
}
