// Package loader implements the resumable record pipeline: parse, validate,
// propose, checkpoint. Concrete loaders supply the per-source operations;
// the Runner drives registration, batching, checkpointing, progress
// reporting and failure semantics.
package loader

import (
	"context"
	"time"

	"github.com/lexara/sixworker/internal/graph"
	"github.com/lexara/sixworker/internal/observability"
)

// Record is one raw or parsed record. CSV readers populate string values;
// parsed records may carry structured values.
type Record map[string]any

// Loader is a pluggable parse/validate/process implementation for one
// source type.
type Loader interface {
	// SourceType is the registry key, e.g. "iowa_business".
	SourceType() string
	// SourceName is the human-readable dataset name.
	SourceName() string
	// RecordID extracts the source's record identifier for logging and
	// dead-letter rows; returns "unknown" when absent.
	RecordID(raw Record) string

	// Setup prepares the propose-fact client and any caches. Called once
	// before the first batch.
	Setup(ctx context.Context) error

	// ParseRecord transforms a raw record into the loader's canonical
	// shape. Returning (nil, nil) skips the record. Pure; dead-lettered
	// records are re-parsed from their stored raw form.
	ParseRecord(raw Record) (Record, error)

	// ValidateRecord returns an ordered list of error strings, empty iff
	// the record is valid. Pure.
	ValidateRecord(rec Record) []string

	// ProcessRecord proposes the record's facts and reports what was
	// created, one response per proposed fact.
	ProcessRecord(ctx context.Context, rec Record) (ProcessResult, error)

	// ReadBatches streams the file in batches of batchSize, skipping the
	// first startFrom records, calling emit for each batch in order.
	ReadBatches(ctx context.Context, path string, batchSize, startFrom int, emit func(batch []Record) error) error
}

// ProcessResult is what one record's ProcessRecord call produced. The
// loader reports its own entity and relationship counts since only it
// knows the fact composition per record.
type ProcessResult struct {
	Responses            []graph.ProposeResponse
	EntitiesCreated      int
	RelationshipsCreated int
}

// AllSucceeded reports whether every proposed fact was accepted.
func (pr ProcessResult) AllSucceeded() bool {
	for _, r := range pr.Responses {
		if !r.Success {
			return false
		}
	}
	return true
}

// Options tunes one loader run. Zero values fall back to defaults.
type Options struct {
	BatchSize          int
	CheckpointInterval int
	ProgressInterval   time.Duration
	Limit              int
	// StartFrom skips records up to this offset when it exceeds the
	// resume position recorded on the source row.
	StartFrom int

	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	// Retry re-attempts transient ProcessRecord failures with exponential
	// backoff. A zero MaxRetries disables retries.
	Retry observability.RetryPolicy
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 1000
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 5 * time.Minute
	}
	return o
}

// Stats are the running counters for one run.
type Stats struct {
	TotalProcessed       int `json:"total_processed"`
	Successful           int `json:"successful"`
	Failed               int `json:"failed"`
	Skipped              int `json:"skipped"`
	EntitiesCreated      int `json:"entities_created"`
	RelationshipsCreated int `json:"relationships_created"`
	ConflictsDetected    int `json:"conflicts_detected"`
	CheckpointsSaved     int `json:"checkpoints_saved"`
}

// Outcome tags the result of one record's trip through the pipeline.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeParseError      Outcome = "parse_error"
	OutcomeValidationError Outcome = "validation_error"
	OutcomeProcessingError Outcome = "processing_error"
)

// RunResult summarizes a completed run.
type RunResult struct {
	Status           string        `json:"status"`
	Stats            Stats         `json:"statistics"`
	Elapsed          time.Duration `json:"elapsed"`
	RecordsPerMinute float64       `json:"records_per_minute"`
}

// Run statuses.
const (
	RunCompleted        = "completed"
	RunAlreadyProcessed = "already_processed"
)

// Callbacks are injected by the worker runtime so the coordinator sees
// progress on the job row.
type Callbacks struct {
	// Checkpoint persists the cursor blob on the job row.
	Checkpoint func(ctx context.Context, cursor map[string]any) error
	// Log appends a job log row and emits via the telemetry sink.
	Log func(ctx context.Context, level, message string, metadata map[string]any)
	// Issue records a data-quality issue for one source record.
	Issue func(ctx context.Context, recordID, issueType, message string, raw Record)
}
