package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lexara/sixworker/internal/domain"
	"github.com/lexara/sixworker/internal/graph"
	"github.com/lexara/sixworker/internal/observability"
)

// Runner drives one loader over one input file: source registration,
// resume, batching, checkpointing, progress reporting and finalization.
type Runner struct {
	loader  Loader
	sources domain.SourceRepository
	dlq     domain.FailedRecordRepository
	cb      Callbacks
	opts    Options
	breaker *observability.CircuitBreaker
	log     *slog.Logger

	stats    Stats
	sourceID string

	startedAt     time.Time
	lastReport    time.Time
	lastReportCnt int

	now func() time.Time
}

// NewRunner wires a runner. dlq may be nil when dead-lettering is not
// wanted; callbacks fields may be nil individually.
func NewRunner(l Loader, sources domain.SourceRepository, dlq domain.FailedRecordRepository, cb Callbacks, opts Options, log *slog.Logger) *Runner {
	opts = opts.withDefaults()
	if opts.Retry.MaxRetries > 0 && opts.Retry.Retryable == nil {
		// Malformed-argument rejections never heal on retry.
		opts.Retry.Retryable = func(err error) bool {
			return !errors.Is(err, domain.ErrInvalidArgument)
		}
	}
	var breaker *observability.CircuitBreaker
	if opts.CircuitBreakerThreshold > 0 {
		breaker = observability.NewCircuitBreaker(opts.CircuitBreakerThreshold, opts.CircuitBreakerTimeout)
	}
	return &Runner{
		loader:  l,
		sources: sources,
		dlq:     dlq,
		cb:      cb,
		opts:    opts,
		breaker: breaker,
		log:     log.With(slog.String("source_type", l.SourceType())),
		now:     time.Now,
	}
}

// Stats returns a copy of the running counters.
func (r *Runner) Stats() Stats { return r.stats }

// SourceID returns the registered source row ID, empty before Run.
func (r *Runner) SourceID() string { return r.sourceID }

// Run executes the full pipeline against filePath. A (type, hash) pair
// already marked completed short-circuits with status "already_processed".
func (r *Runner) Run(ctx context.Context, filePath string) (RunResult, error) {
	r.startedAt = r.now()

	info, err := os.Stat(filePath)
	if err != nil {
		return RunResult{}, fmt.Errorf("op=loader.run: %w", err)
	}

	startFrom, registered, err := r.registerSource(ctx, filePath, info.Size())
	if err != nil {
		return RunResult{}, err
	}
	if !registered {
		r.log.Info("source already processed, skipping", slog.String("file", filePath))
		return RunResult{Status: RunAlreadyProcessed, Stats: r.stats}, nil
	}
	if r.opts.StartFrom > startFrom {
		startFrom = r.opts.StartFrom
	}
	if startFrom > 0 {
		r.log.Info("resuming from previous progress", slog.Int("start_from", startFrom))
	}

	if err := r.loader.Setup(ctx); err != nil {
		r.markFailed(ctx, err)
		return RunResult{}, fmt.Errorf("op=loader.setup: %w", err)
	}

	processed := 0
	lastCheckpoint := 0
	limitReached := false

	emit := func(batch []Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.processBatch(ctx, batch)
		processed += len(batch)

		r.reportProgress(ctx, startFrom+processed)

		if processed-lastCheckpoint >= r.opts.CheckpointInterval {
			if err := r.saveCheckpoint(ctx, startFrom+processed); err != nil {
				r.log.Warn("checkpoint save failed", slog.Any("error", err))
			} else {
				lastCheckpoint = processed
			}
		}
		if r.opts.Limit > 0 && processed >= r.opts.Limit {
			limitReached = true
			return errLimitReached
		}
		return nil
	}

	err = r.loader.ReadBatches(ctx, filePath, r.opts.BatchSize, startFrom, emit)
	if err != nil && !limitReached {
		r.markFailed(ctx, err)
		return RunResult{}, fmt.Errorf("op=loader.run: %w", err)
	}

	if err := r.saveCheckpoint(ctx, startFrom+processed); err != nil {
		r.log.Warn("final checkpoint save failed", slog.Any("error", err))
	}
	if err := r.markCompleted(ctx, startFrom+processed); err != nil {
		return RunResult{}, err
	}

	elapsed := r.now().Sub(r.startedAt)
	res := RunResult{
		Status:           RunCompleted,
		Stats:            r.stats,
		Elapsed:          elapsed,
		RecordsPerMinute: perMinute(processed, elapsed),
	}
	r.log.Info("run completed",
		slog.Int("total_processed", r.stats.TotalProcessed),
		slog.Int("successful", r.stats.Successful),
		slog.Int("failed", r.stats.Failed),
		slog.Int("skipped", r.stats.Skipped),
		slog.Float64("records_per_minute", res.RecordsPerMinute),
	)
	return res, nil
}

// errLimitReached aborts ReadBatches early without treating it as failure.
var errLimitReached = errors.New("record limit reached")

// registerSource resolves or creates the source row. Returns the resume
// offset and false when the file was already fully processed.
func (r *Runner) registerSource(ctx context.Context, filePath string, size int64) (int, bool, error) {
	hash, err := FileSHA256(filePath)
	if err != nil {
		return 0, false, err
	}
	version := DetermineVersion(filePath)

	existing, err := r.sources.FindByTypeAndHash(ctx, r.loader.SourceType(), hash)
	switch {
	case err == nil:
		if existing.Status == domain.SourceCompleted {
			return 0, false, nil
		}
		r.sourceID = existing.ID
		r.stats.TotalProcessed = existing.RecordsProcessed
		return existing.RecordsProcessed, true, nil
	case !isNotFound(err):
		return 0, false, err
	}

	id, err := r.sources.Create(ctx, domain.Source{
		Type:          r.loader.SourceType(),
		Name:          SourceNameWithVersion(r.loader.SourceName(), version),
		Version:       version,
		FileName:      filepath.Base(filePath),
		FileHash:      hash,
		FileSizeBytes: size,
		Status:        domain.SourceProcessing,
	})
	if err != nil {
		return 0, false, err
	}
	r.sourceID = id
	return 0, true, nil
}

// processBatch walks one batch through parse, validate and process,
// tagging each record with an Outcome and sinking failures to the DLQ.
func (r *Runner) processBatch(ctx context.Context, batch []Record) []Outcome {
	outcomes := make([]Outcome, 0, len(batch))

	for _, raw := range batch {
		outcomes = append(outcomes, r.processRecord(ctx, raw))
	}

	r.stats.TotalProcessed += len(batch)
	return outcomes
}

func (r *Runner) processRecord(ctx context.Context, raw Record) Outcome {
	recordID := r.loader.RecordID(raw)

	rec, err := r.loader.ParseRecord(raw)
	if err != nil {
		r.log.Error("parse error", slog.String("record_id", recordID), slog.Any("error", err))
		r.recordFailure(ctx, raw, "parse_error", err.Error())
		return OutcomeParseError
	}
	if rec == nil {
		r.stats.Skipped++
		return OutcomeSkipped
	}

	if errs := r.loader.ValidateRecord(rec); len(errs) > 0 {
		r.log.Warn("validation errors",
			slog.String("record_id", recordID),
			slog.Any("errors", errs),
		)
		r.reportIssues(ctx, recordID, raw, errs)
		r.recordFailure(ctx, raw, "validation_error", fmt.Sprintf("%v", errs))
		return OutcomeValidationError
	}

	var result ProcessResult
	process := func(ctx context.Context) error {
		var perr error
		result, perr = r.loader.ProcessRecord(ctx, rec)
		return perr
	}
	attempt := process
	if r.opts.Retry.MaxRetries > 0 {
		attempt = func(ctx context.Context) error {
			return observability.Retry(ctx, r.opts.Retry, process)
		}
	}
	if r.breaker != nil {
		err = r.breaker.Execute(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		r.log.Error("processing error", slog.String("record_id", recordID), slog.Any("error", err))
		r.recordFailure(ctx, raw, "processing_error", err.Error())
		return OutcomeProcessingError
	}

	for _, resp := range result.Responses {
		r.stats.ConflictsDetected += len(resp.Conflicts)
	}

	if result.AllSucceeded() {
		r.stats.Successful++
		r.stats.EntitiesCreated += result.EntitiesCreated
		r.stats.RelationshipsCreated += result.RelationshipsCreated
		return OutcomeOK
	}

	r.stats.Failed++
	if r.stats.Failed <= 10 {
		for _, resp := range result.Responses {
			if resp.Success {
				continue
			}
			msg := resp.ErrorMessage
			if msg == "" {
				msg = "status: " + resp.Status
			}
			r.log.Error("propose failure",
				slog.String("record_id", recordID),
				slog.String("detail", msg),
				slog.Int("conflicts", len(resp.Conflicts)),
			)
		}
	}
	r.deadLetter(ctx, raw, "propose_rejected", firstError(result.Responses))
	return OutcomeProcessingError
}

// recordFailure bumps the counter and dead-letters the raw record.
func (r *Runner) recordFailure(ctx context.Context, raw Record, errType, msg string) {
	r.stats.Failed++
	r.deadLetter(ctx, raw, errType, msg)
}

func (r *Runner) deadLetter(ctx context.Context, raw Record, errType, msg string) {
	if r.dlq == nil {
		return
	}
	_, err := r.dlq.Add(ctx, domain.FailedRecord{
		SourceID:     r.sourceID,
		SourceType:   r.loader.SourceType(),
		RecordData:   raw,
		ErrorMessage: msg,
		ErrorType:    errType,
	})
	if err != nil {
		r.log.Warn("dead-letter write failed", slog.Any("error", err))
	}
}

func (r *Runner) reportIssues(ctx context.Context, recordID string, raw Record, errs []string) {
	if r.cb.Issue == nil {
		return
	}
	for _, e := range errs {
		r.cb.Issue(ctx, recordID, "validation_error", e, raw)
	}
}

// reportProgress logs throughput on a wall-clock interval. The first call
// only initializes the tracking point.
func (r *Runner) reportProgress(ctx context.Context, totalProcessed int) {
	now := r.now()
	if r.lastReport.IsZero() {
		r.lastReport = now
		r.lastReportCnt = totalProcessed
		return
	}
	elapsed := now.Sub(r.lastReport)
	if elapsed < r.opts.ProgressInterval {
		return
	}

	since := totalProcessed - r.lastReportCnt
	velocity := perMinute(since, elapsed)
	successRate := 0.0
	if r.stats.Successful+r.stats.Failed > 0 {
		successRate = float64(r.stats.Successful) / float64(r.stats.Successful+r.stats.Failed) * 100
	}
	r.log.Info("progress",
		slog.Int("total_processed", totalProcessed),
		slog.Float64("records_per_minute", velocity),
		slog.Float64("success_rate_pct", successRate),
		slog.Int("failed", r.stats.Failed),
		slog.Int("skipped", r.stats.Skipped),
	)
	if r.cb.Log != nil {
		r.cb.Log(ctx, "info", "progress", map[string]any{
			"total_processed":    totalProcessed,
			"records_per_minute": velocity,
			"success_rate_pct":   successRate,
		})
	}
	r.lastReport = now
	r.lastReportCnt = totalProcessed
}

func (r *Runner) saveCheckpoint(ctx context.Context, totalProcessed int) error {
	if err := r.sources.SaveProgress(ctx, r.sourceID, totalProcessed, r.stats.Successful, r.stats.Failed, r.stats.Skipped); err != nil {
		return fmt.Errorf("op=loader.checkpoint: %w", err)
	}
	r.stats.CheckpointsSaved++
	if r.cb.Checkpoint != nil {
		cursor := map[string]any{
			"records_processed": totalProcessed,
			"successful":        r.stats.Successful,
			"failed":            r.stats.Failed,
			"skipped":           r.stats.Skipped,
			"saved_at":          r.now().UTC().Format(time.RFC3339),
		}
		if err := r.cb.Checkpoint(ctx, cursor); err != nil {
			r.log.Warn("job checkpoint callback failed", slog.Any("error", err))
		}
	}
	return nil
}

func (r *Runner) markCompleted(ctx context.Context, totalProcessed int) error {
	if err := r.sources.MarkCompleted(ctx, r.sourceID, totalProcessed, r.stats.Successful, r.stats.Failed, r.stats.Skipped); err != nil {
		return fmt.Errorf("op=loader.complete: %w", err)
	}
	return nil
}

func (r *Runner) markFailed(ctx context.Context, cause error) {
	if r.sourceID == "" {
		return
	}
	if err := r.sources.MarkFailed(ctx, r.sourceID, cause.Error()); err != nil {
		r.log.Error("mark source failed errored", slog.Any("error", err))
	}
}

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }

func perMinute(n int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Minutes()
}

// firstError picks a representative message from the failed responses.
func firstError(responses []graph.ProposeResponse) string {
	for _, resp := range responses {
		if resp.Success {
			continue
		}
		if resp.ErrorMessage != "" {
			return resp.ErrorMessage
		}
		return "status: " + resp.Status
	}
	return "propose rejected"
}
