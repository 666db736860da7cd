// Package domain defines the core entities and ports for the distributed
// ingestion platform: jobs, workers, sources, data-quality issues and the
// dead-letter queue.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrRaceLost         = errors.New("claim race lost")
	ErrAlreadyProcessed = errors.New("source already processed")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrNoLoader         = errors.New("no loader registered for job type")
	ErrInternal         = errors.New("internal error")
)

// JobStatus enumerates the job lifecycle. Transitions follow
// pending -> claimed -> running -> (completed | failed); the reaper may move
// claimed/running back to pending when the owning worker stops heartbeating.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one loader run over one input source.
// WorkerID is non-empty iff status is claimed or running.
type Job struct {
	ID           string
	Type         string
	Config       JobConfig
	Status       JobStatus
	WorkerID     string
	Checkpoint   map[string]any
	ErrorMessage string
	RequeueCount int
	CreatedAt    time.Time
	ClaimedAt    *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// JobConfig is the structured config blob carried on the job row.
type JobConfig struct {
	Input      InputConfig      `json:"input"`
	Processing ProcessingConfig `json:"processing"`
	Extra      map[string]any   `json:"extra,omitempty"`
}

// InputConfig selects exactly one artifact source.
type InputConfig struct {
	FilePath string `json:"file_path,omitempty"`
	URL      string `json:"url,omitempty"`
	S3Bucket string `json:"s3_bucket,omitempty"`
	S3Key    string `json:"s3_key,omitempty"`
}

// ProcessingConfig tunes the loader run.
type ProcessingConfig struct {
	Limit     int `json:"limit,omitempty"`
	BatchSize int `json:"batch_size,omitempty"`
}

// WorkerStatus enumerates worker liveness states.
type WorkerStatus string

const (
	WorkerActive WorkerStatus = "active"
	WorkerIdle   WorkerStatus = "idle"
	WorkerDead   WorkerStatus = "dead"
)

// Worker is a stateless process that claims and executes jobs. A worker is
// live iff now - LastHeartbeat < the configured heartbeat deadline.
type Worker struct {
	ID            string
	Hostname      string
	Status        WorkerStatus
	Capabilities  []string
	LastHeartbeat time.Time
}

// SourceStatus enumerates the ingestion state of one input file.
type SourceStatus string

const (
	SourceProcessing SourceStatus = "processing"
	SourceCompleted  SourceStatus = "completed"
	SourceFailed     SourceStatus = "failed"
)

// Source is the registry row for one ingested input file. (Type, FileHash)
// is unique; a completed pair short-circuits reprocessing.
type Source struct {
	ID                string
	Type              string
	Name              string
	Version           string
	FileName          string
	FileHash          string
	FileSizeBytes     int64
	Status            SourceStatus
	RecordsInFile     int
	RecordsProcessed  int
	RecordsImported   int
	RecordsFailed     int
	RecordsSkipped    int
	ErrorMessage      string
	ImportStartedAt   time.Time
	ImportCompletedAt *time.Time
	UpdatedAt         time.Time
}

// IssueSeverity for data-quality issues.
type IssueSeverity string

const (
	SeverityInfo    IssueSeverity = "info"
	SeverityWarning IssueSeverity = "warning"
	SeverityError   IssueSeverity = "error"
)

// DataQualityIssue records a per-record validation or mapping problem.
type DataQualityIssue struct {
	ID               string
	JobID            string
	SourceRecordID   string
	IssueType        string
	Severity         IssueSeverity
	FieldName        string
	InvalidValue     string
	ExpectedFormat   string
	Message          string
	RawRecord        map[string]any
	ResolutionStatus string
	CreatedAt        time.Time
}

// JobLog is one structured log line attributed to a job.
type JobLog struct {
	ID        string
	JobID     string
	Timestamp time.Time
	Level     string
	Message   string
	Metadata  map[string]any
}

// FailedRecord is one DLQ row. A record stops being retried once
// AttemptCount reaches the configured maximum or Reprocessed is true.
type FailedRecord struct {
	ID              string
	SourceID        string
	SourceType      string
	RecordData      map[string]any
	ErrorMessage    string
	ErrorType       string
	ErrorDetails    map[string]any
	AttemptCount    int
	CreatedAt       time.Time
	LastAttemptAt   *time.Time
	Reprocessed     bool
	ReprocessedAt   *time.Time
	ReprocessResult map[string]any
}

// ClaimInstruction is the parameterized mutation a worker executes against
// the store to atomically claim a job. The coordinator only describes it.
type ClaimInstruction struct {
	SQL    string   `json:"sql"`
	Params []string `json:"params"`
}

// Repositories (ports)

type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	NextPending(ctx Context, capabilities []string) (Job, error)
	Claim(ctx Context, jobID, workerID string) (bool, error)
	MarkRunning(ctx Context, id string) error
	MarkCompleted(ctx Context, id string) error
	MarkFailed(ctx Context, id, errMsg string) error
	SaveCheckpoint(ctx Context, id string, checkpoint map[string]any) error
	List(ctx Context, status string, limit int) ([]Job, error)
	Requeue(ctx Context, id string) error
	StaleClaimed(ctx Context, heartbeatDeadline time.Duration, limit int) ([]Job, error)
}

type WorkerRepository interface {
	Heartbeat(ctx Context, w Worker) error
	ListLive(ctx Context) ([]Worker, error)
}

type SourceRepository interface {
	FindByTypeAndHash(ctx Context, sourceType, fileHash string) (Source, error)
	Create(ctx Context, s Source) (string, error)
	SaveProgress(ctx Context, id string, processed, imported, failed, skipped int) error
	MarkCompleted(ctx Context, id string, totalRecords, imported, failed, skipped int) error
	MarkFailed(ctx Context, id, errMsg string) error
}

type IssueRepository interface {
	Create(ctx Context, issue DataQualityIssue) (string, error)
	List(ctx Context, resolutionStatus string, limit int) ([]DataQualityIssue, error)
}

type JobLogRepository interface {
	Append(ctx Context, entry JobLog) error
}

type FailedRecordRepository interface {
	Add(ctx Context, rec FailedRecord) (string, error)
	Eligible(ctx Context, sourceID string, maxAttempts int, cooldown time.Duration, limit int) ([]FailedRecord, error)
	MarkRetrying(ctx Context, id string) error
	MarkReprocessed(ctx Context, id string, success bool, result map[string]any) error
	CleanupOlderThan(ctx Context, age time.Duration) (int, error)
	Stats(ctx Context, sourceID string) (DLQStats, error)
}

// DLQStats summarizes the failed-record backlog.
type DLQStats struct {
	Total              int
	Reprocessed        int
	Pending            int
	MaxAttemptsReached int
	ByErrorType        map[string]int
	BySourceType       map[string]int
}

// Context is an alias so adapters and the loader framework share the
// standard context without the domain importing adapter packages.
type Context = context.Context
