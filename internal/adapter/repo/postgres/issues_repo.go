package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/lexara/sixworker/internal/domain"
)

// IssueRepo persists data-quality issues.
type IssueRepo struct{ Pool PgxPool }

// NewIssueRepo constructs an IssueRepo with the given pool.
func NewIssueRepo(p PgxPool) *IssueRepo { return &IssueRepo{Pool: p} }

// Create inserts an issue, applying the defaults severity=warning and
// resolution_status=pending. Issue ids are generated client-side.
func (r *IssueRepo) Create(ctx domain.Context, issue domain.DataQualityIssue) (string, error) {
	tracer := otel.Tracer("repo.issues")
	ctx, span := tracer.Start(ctx, "issues.Create")
	defer span.End()
	id := issue.ID
	if id == "" {
		id = domain.NewID()
	}
	severity := issue.Severity
	if severity == "" {
		severity = domain.SeverityWarning
	}
	resolution := issue.ResolutionStatus
	if resolution == "" {
		resolution = "pending"
	}
	var rawB []byte
	if issue.RawRecord != nil {
		var err error
		rawB, err = json.Marshal(issue.RawRecord)
		if err != nil {
			return "", fmt.Errorf("op=issue.create: %w", err)
		}
	}
	q := `INSERT INTO data_quality_issues (issue_id, job_id, source_record_id, issue_type, severity,
field_name, invalid_value, expected_format, message, raw_record, resolution_status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())`
	if _, err := r.Pool.Exec(ctx, q, id, issue.JobID, issue.SourceRecordID, issue.IssueType, severity,
		issue.FieldName, issue.InvalidValue, issue.ExpectedFormat, issue.Message, rawB, resolution); err != nil {
		return "", fmt.Errorf("op=issue.create: %w", err)
	}
	return id, nil
}

// List returns issues filtered by resolution status (empty means all),
// newest first.
func (r *IssueRepo) List(ctx domain.Context, resolutionStatus string, limit int) ([]domain.DataQualityIssue, error) {
	tracer := otel.Tracer("repo.issues")
	ctx, span := tracer.Start(ctx, "issues.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT issue_id, COALESCE(job_id,''), COALESCE(source_record_id,''), issue_type, severity,
COALESCE(field_name,''), COALESCE(invalid_value,''), COALESCE(expected_format,''), COALESCE(message,''),
raw_record, resolution_status, created_at
FROM data_quality_issues WHERE ($1 = '' OR resolution_status = $1) ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, resolutionStatus, limit)
	if err != nil {
		return nil, fmt.Errorf("op=issue.list: %w", err)
	}
	defer rows.Close()
	var out []domain.DataQualityIssue
	for rows.Next() {
		var is domain.DataQualityIssue
		var rawB []byte
		if err := rows.Scan(&is.ID, &is.JobID, &is.SourceRecordID, &is.IssueType, &is.Severity,
			&is.FieldName, &is.InvalidValue, &is.ExpectedFormat, &is.Message,
			&rawB, &is.ResolutionStatus, &is.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=issue.list: %w", err)
		}
		if len(rawB) > 0 {
			_ = json.Unmarshal(rawB, &is.RawRecord)
		}
		out = append(out, is)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=issue.list: %w", err)
	}
	return out, nil
}
