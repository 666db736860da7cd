package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexara/sixworker/internal/domain"
	"github.com/lexara/sixworker/internal/graph"
	"github.com/lexara/sixworker/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptLoader drives the pipeline from an in-memory record list. Each
// record's "behave" field selects its path through parse/validate/process.
type scriptLoader struct {
	records     []Record
	setupCalled bool
	setupErr    error
	readErr     error
	startFrom   int

	// flakyFails makes "flaky" records error this many times before
	// succeeding; procCalls counts every ProcessRecord invocation.
	flakyFails int
	procCalls  int
}

func (s *scriptLoader) SourceType() string { return "test_source" }
func (s *scriptLoader) SourceName() string { return "Test Source" }

func (s *scriptLoader) RecordID(raw Record) string {
	if id, ok := raw["id"].(string); ok {
		return id
	}
	return "unknown"
}

func (s *scriptLoader) Setup(ctx context.Context) error {
	s.setupCalled = true
	return s.setupErr
}

func (s *scriptLoader) ParseRecord(raw Record) (Record, error) {
	switch raw["behave"] {
	case "parse_err":
		return nil, errors.New("bad row")
	case "skip":
		return nil, nil
	}
	return raw, nil
}

func (s *scriptLoader) ValidateRecord(rec Record) []string {
	if rec["behave"] == "invalid" {
		return []string{"name is required"}
	}
	return nil
}

func (s *scriptLoader) ProcessRecord(ctx context.Context, rec Record) (ProcessResult, error) {
	s.procCalls++
	switch rec["behave"] {
	case "proc_err":
		return ProcessResult{}, errors.New("store unavailable")
	case "flaky":
		if s.procCalls <= s.flakyFails {
			return ProcessResult{}, errors.New("store unavailable")
		}
	case "proc_invalid":
		return ProcessResult{}, fmt.Errorf("relationship type unknown: %w", domain.ErrInvalidArgument)
	case "rejected":
		return ProcessResult{Responses: []graph.ProposeResponse{
			{Success: false, Status: graph.StatusError, ErrorMessage: "taxonomy violation"},
		}}, nil
	}
	return ProcessResult{
		Responses:            []graph.ProposeResponse{{Success: true, Status: graph.StatusSuccess}},
		EntitiesCreated:      1,
		RelationshipsCreated: 2,
	}, nil
}

func (s *scriptLoader) ReadBatches(ctx context.Context, path string, batchSize, startFrom int, emit func(batch []Record) error) error {
	s.startFrom = startFrom
	if s.readErr != nil {
		return s.readErr
	}
	for i := startFrom; i < len(s.records); i += batchSize {
		end := i + batchSize
		if end > len(s.records) {
			end = len(s.records)
		}
		if err := emit(s.records[i:end]); err != nil {
			if errors.Is(err, errLimitReached) {
				return nil
			}
			return err
		}
	}
	return nil
}

type sourcesStub struct {
	existing   *domain.Source
	created    []domain.Source
	progress   []int
	completed  bool
	completedN int
	failedMsg  string
}

func (s *sourcesStub) FindByTypeAndHash(ctx domain.Context, sourceType, fileHash string) (domain.Source, error) {
	if s.existing != nil {
		return *s.existing, nil
	}
	return domain.Source{}, domain.ErrNotFound
}

func (s *sourcesStub) Create(ctx domain.Context, src domain.Source) (string, error) {
	s.created = append(s.created, src)
	return "src-1", nil
}

func (s *sourcesStub) SaveProgress(ctx domain.Context, id string, processed, imported, failed, skipped int) error {
	s.progress = append(s.progress, processed)
	return nil
}

func (s *sourcesStub) MarkCompleted(ctx domain.Context, id string, totalRecords, imported, failed, skipped int) error {
	s.completed = true
	s.completedN = totalRecords
	return nil
}

func (s *sourcesStub) MarkFailed(ctx domain.Context, id, errMsg string) error {
	s.failedMsg = errMsg
	return nil
}

type dlqStub struct {
	added []domain.FailedRecord
}

func (d *dlqStub) Add(ctx domain.Context, rec domain.FailedRecord) (string, error) {
	d.added = append(d.added, rec)
	return "fr-1", nil
}

func (d *dlqStub) Eligible(ctx domain.Context, sourceID string, maxAttempts int, cooldown time.Duration, limit int) ([]domain.FailedRecord, error) {
	return nil, nil
}
func (d *dlqStub) MarkRetrying(ctx domain.Context, id string) error { return nil }
func (d *dlqStub) MarkReprocessed(ctx domain.Context, id string, success bool, result map[string]any) error {
	return nil
}
func (d *dlqStub) CleanupOlderThan(ctx domain.Context, age time.Duration) (int, error) {
	return 0, nil
}
func (d *dlqStub) Stats(ctx domain.Context, sourceID string) (domain.DLQStats, error) {
	return domain.DLQStats{}, nil
}

func tempDataFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entities_20240115.csv")
	require.NoError(t, os.WriteFile(path, []byte("placeholder\n"), 0o600))
	return path
}

func TestRunnerRunCountsOutcomes(t *testing.T) {
	l := &scriptLoader{records: []Record{
		{"id": "1", "behave": "ok"},
		{"id": "2", "behave": "skip"},
		{"id": "3", "behave": "parse_err"},
		{"id": "4", "behave": "invalid"},
		{"id": "5", "behave": "proc_err"},
		{"id": "6", "behave": "rejected"},
		{"id": "7", "behave": "ok"},
	}}
	sources := &sourcesStub{}
	dlq := &dlqStub{}

	r := NewRunner(l, sources, dlq, Callbacks{}, Options{BatchSize: 3}, discardLogger())
	res, err := r.Run(context.Background(), tempDataFile(t))
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 7, res.Stats.TotalProcessed)
	assert.Equal(t, 2, res.Stats.Successful)
	assert.Equal(t, 4, res.Stats.Failed)
	assert.Equal(t, 1, res.Stats.Skipped)
	assert.Equal(t, 2, res.Stats.EntitiesCreated)
	assert.Equal(t, 4, res.Stats.RelationshipsCreated)
	assert.True(t, l.setupCalled)
	assert.True(t, sources.completed)
	assert.Equal(t, 7, sources.completedN)

	require.Len(t, dlq.added, 4)
	types := make([]string, 0, len(dlq.added))
	for _, fr := range dlq.added {
		types = append(types, fr.ErrorType)
		assert.Equal(t, "src-1", fr.SourceID)
		assert.Equal(t, "test_source", fr.SourceType)
	}
	assert.ElementsMatch(t, []string{"parse_error", "validation_error", "processing_error", "propose_rejected"}, types)
}

func TestRunnerAlreadyProcessedShortCircuits(t *testing.T) {
	l := &scriptLoader{records: []Record{{"id": "1", "behave": "ok"}}}
	sources := &sourcesStub{existing: &domain.Source{
		ID:     "src-done",
		Status: domain.SourceCompleted,
	}}

	r := NewRunner(l, sources, nil, Callbacks{}, Options{}, discardLogger())
	res, err := r.Run(context.Background(), tempDataFile(t))
	require.NoError(t, err)

	assert.Equal(t, RunAlreadyProcessed, res.Status)
	assert.False(t, l.setupCalled)
	assert.False(t, sources.completed)
}

func TestRunnerResumesFromPreviousProgress(t *testing.T) {
	records := make([]Record, 8)
	for i := range records {
		records[i] = Record{"id": "r", "behave": "ok"}
	}
	l := &scriptLoader{records: records}
	sources := &sourcesStub{existing: &domain.Source{
		ID:               "src-old",
		Status:           domain.SourceProcessing,
		RecordsProcessed: 5,
	}}

	r := NewRunner(l, sources, nil, Callbacks{}, Options{BatchSize: 2}, discardLogger())
	res, err := r.Run(context.Background(), tempDataFile(t))
	require.NoError(t, err)

	assert.Equal(t, 5, l.startFrom)
	assert.Equal(t, "src-old", r.SourceID())
	assert.Empty(t, sources.created)
	// 5 adopted from the previous run plus 3 new records.
	assert.Equal(t, 8, res.Stats.TotalProcessed)
	assert.Equal(t, 8, sources.completedN)
}

func TestRunnerRetriesTransientProcessErrors(t *testing.T) {
	l := &scriptLoader{
		records:    []Record{{"id": "1", "behave": "flaky"}},
		flakyFails: 2,
	}
	sources := &sourcesStub{}

	r := NewRunner(l, sources, nil, Callbacks{}, Options{
		Retry: observability.RetryPolicy{
			MaxRetries:   3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
	}, discardLogger())
	res, err := r.Run(context.Background(), tempDataFile(t))
	require.NoError(t, err)

	assert.Equal(t, 3, l.procCalls)
	assert.Equal(t, 1, res.Stats.Successful)
	assert.Equal(t, 0, res.Stats.Failed)
}

func TestRunnerDoesNotRetryInvalidArgument(t *testing.T) {
	l := &scriptLoader{records: []Record{{"id": "1", "behave": "proc_invalid"}}}
	sources := &sourcesStub{}
	dlq := &dlqStub{}

	r := NewRunner(l, sources, dlq, Callbacks{}, Options{
		Retry: observability.RetryPolicy{
			MaxRetries:   3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
	}, discardLogger())
	res, err := r.Run(context.Background(), tempDataFile(t))
	require.NoError(t, err)

	assert.Equal(t, 1, l.procCalls)
	assert.Equal(t, 1, res.Stats.Failed)
	require.Len(t, dlq.added, 1)
	assert.Equal(t, "processing_error", dlq.added[0].ErrorType)
}

func TestRunnerStartFromOverridesResumePosition(t *testing.T) {
	records := make([]Record, 6)
	for i := range records {
		records[i] = Record{"id": "r", "behave": "ok"}
	}
	l := &scriptLoader{records: records}
	sources := &sourcesStub{existing: &domain.Source{
		ID:               "src-old",
		Status:           domain.SourceProcessing,
		RecordsProcessed: 2,
	}}

	r := NewRunner(l, sources, nil, Callbacks{}, Options{BatchSize: 2, StartFrom: 4}, discardLogger())
	_, err := r.Run(context.Background(), tempDataFile(t))
	require.NoError(t, err)

	assert.Equal(t, 4, l.startFrom)
}

func TestRunnerHonorsLimit(t *testing.T) {
	records := make([]Record, 10)
	for i := range records {
		records[i] = Record{"id": "r", "behave": "ok"}
	}
	l := &scriptLoader{records: records}
	sources := &sourcesStub{}

	r := NewRunner(l, sources, nil, Callbacks{}, Options{BatchSize: 2, Limit: 4}, discardLogger())
	res, err := r.Run(context.Background(), tempDataFile(t))
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 4, res.Stats.TotalProcessed)
	assert.Equal(t, 4, sources.completedN)
}

func TestRunnerCheckpoints(t *testing.T) {
	records := make([]Record, 5)
	for i := range records {
		records[i] = Record{"id": "r", "behave": "ok"}
	}
	l := &scriptLoader{records: records}
	sources := &sourcesStub{}

	var cursors []map[string]any
	cb := Callbacks{Checkpoint: func(ctx context.Context, cursor map[string]any) error {
		cursors = append(cursors, cursor)
		return nil
	}}

	r := NewRunner(l, sources, nil, cb, Options{BatchSize: 1, CheckpointInterval: 2}, discardLogger())
	res, err := r.Run(context.Background(), tempDataFile(t))
	require.NoError(t, err)

	// Interval checkpoints at 2 and 4, plus the final one at 5.
	assert.Equal(t, []int{2, 4, 5}, sources.progress)
	assert.Equal(t, 3, res.Stats.CheckpointsSaved)
	require.Len(t, cursors, 3)
	assert.Equal(t, 5, cursors[2]["records_processed"])
}

func TestRunnerReadFailureMarksSourceFailed(t *testing.T) {
	l := &scriptLoader{readErr: errors.New("truncated file")}
	sources := &sourcesStub{}

	r := NewRunner(l, sources, nil, Callbacks{}, Options{}, discardLogger())
	_, err := r.Run(context.Background(), tempDataFile(t))
	require.Error(t, err)

	assert.Contains(t, sources.failedMsg, "truncated file")
	assert.False(t, sources.completed)
}

func TestRunnerMissingFile(t *testing.T) {
	l := &scriptLoader{}
	r := NewRunner(l, &sourcesStub{}, nil, Callbacks{}, Options{}, discardLogger())
	_, err := r.Run(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
	assert.False(t, l.setupCalled)
}

func TestRunnerReportsValidationIssues(t *testing.T) {
	l := &scriptLoader{records: []Record{{"id": "bad-1", "behave": "invalid"}}}
	sources := &sourcesStub{}

	var gotRecordID, gotMessage string
	cb := Callbacks{Issue: func(ctx context.Context, recordID, issueType, message string, raw Record) {
		gotRecordID = recordID
		gotMessage = message
		assert.Equal(t, "validation_error", issueType)
	}}

	r := NewRunner(l, sources, nil, cb, Options{}, discardLogger())
	_, err := r.Run(context.Background(), tempDataFile(t))
	require.NoError(t, err)

	assert.Equal(t, "bad-1", gotRecordID)
	assert.Equal(t, "name is required", gotMessage)
}
