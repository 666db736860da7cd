// Package dlq reprocesses dead-lettered records through their owning
// loader with exponential backoff between attempts.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexara/sixworker/internal/domain"
	"github.com/lexara/sixworker/internal/loader"
)

// Options tunes reprocessing. Zero values fall back to defaults.
type Options struct {
	MaxRetries int
	Cooldown   time.Duration
	BaseDelay  time.Duration
	Retention  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 5 * time.Minute
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	return o
}

// ResolveFunc builds the loader owning a source type.
type ResolveFunc func(sourceType string) (loader.Loader, error)

// BatchStats summarizes one reprocessing pass.
type BatchStats struct {
	Processed  int           `json:"processed"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Errors     []RecordError `json:"errors,omitempty"`
}

// RecordError identifies one record that failed again.
type RecordError struct {
	RecordID  string `json:"record_id"`
	ErrorType string `json:"error_type"`
	Attempts  int    `json:"attempts"`
}

// Reprocessor drains eligible DLQ rows back through their loaders.
type Reprocessor struct {
	repo    domain.FailedRecordRepository
	resolve ResolveFunc
	opts    Options
	log     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewReprocessor(repo domain.FailedRecordRepository, resolve ResolveFunc, opts Options, log *slog.Logger) *Reprocessor {
	return &Reprocessor{
		repo:    repo,
		resolve: resolve,
		opts:    opts.withDefaults(),
		log:     log,
		sleep:   sleepCtx,
	}
}

// Backoff returns the delay before the next retry of a record that has
// already been attempted attempt times.
func (r *Reprocessor) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return r.opts.BaseDelay * (1 << (attempt - 1))
}

// ReprocessBatch pulls up to limit eligible records, optionally filtered by
// sourceID, and replays each through its loader.
func (r *Reprocessor) ReprocessBatch(ctx context.Context, sourceID string, limit int) (BatchStats, error) {
	records, err := r.repo.Eligible(ctx, sourceID, r.opts.MaxRetries, r.opts.Cooldown, limit)
	if err != nil {
		return BatchStats{}, fmt.Errorf("op=dlq.reprocess_batch: %w", err)
	}
	if len(records) == 0 {
		r.log.Info("no records ready for reprocessing")
		return BatchStats{}, nil
	}
	r.log.Info("reprocessing dead-lettered records", slog.Int("count", len(records)))

	var stats BatchStats
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ok := r.reprocessRecord(ctx, rec)
		stats.Processed++
		if ok {
			stats.Successful++
		} else {
			stats.Failed++
			stats.Errors = append(stats.Errors, RecordError{
				RecordID:  rec.ID,
				ErrorType: rec.ErrorType,
				Attempts:  rec.AttemptCount + 1,
			})
		}
	}
	r.log.Info("reprocessing pass complete",
		slog.Int("successful", stats.Successful),
		slog.Int("processed", stats.Processed),
	)
	return stats, nil
}

// reprocessRecord replays one record: parse, validate, process. Any step
// failing records the outcome and, below the attempt cap, backs off.
func (r *Reprocessor) reprocessRecord(ctx context.Context, rec domain.FailedRecord) bool {
	r.log.Info("reprocessing record",
		slog.String("record_id", rec.ID),
		slog.Int("attempt", rec.AttemptCount+1),
	)
	if err := r.repo.MarkRetrying(ctx, rec.ID); err != nil {
		r.log.Warn("mark retrying failed", slog.Any("error", err))
	}

	l, err := r.resolve(rec.SourceType)
	if err != nil {
		return r.fail(ctx, rec, err)
	}

	parsed, err := l.ParseRecord(loader.Record(rec.RecordData))
	if err != nil {
		return r.fail(ctx, rec, err)
	}
	if parsed == nil {
		return r.fail(ctx, rec, fmt.Errorf("record could not be parsed"))
	}

	if errs := l.ValidateRecord(parsed); len(errs) > 0 {
		return r.fail(ctx, rec, fmt.Errorf("validation errors: %v", errs))
	}

	result, err := l.ProcessRecord(ctx, parsed)
	if err != nil {
		return r.fail(ctx, rec, err)
	}

	if result.AllSucceeded() {
		res := map[string]any{"status": "success", "results": len(result.Responses)}
		if err := r.repo.MarkReprocessed(ctx, rec.ID, true, res); err != nil {
			r.log.Warn("mark reprocessed failed", slog.Any("error", err))
		}
		r.log.Info("record reprocessed", slog.String("record_id", rec.ID))
		return true
	}

	failed := 0
	for _, resp := range result.Responses {
		if !resp.Success {
			failed++
		}
	}
	res := map[string]any{"status": "partial_failure", "failed": failed}
	if err := r.repo.MarkReprocessed(ctx, rec.ID, false, res); err != nil {
		r.log.Warn("mark reprocessed failed", slog.Any("error", err))
	}
	r.log.Warn("partial failure reprocessing record", slog.String("record_id", rec.ID))
	return false
}

// fail records the new error and paces the next attempt.
func (r *Reprocessor) fail(ctx context.Context, rec domain.FailedRecord, cause error) bool {
	r.log.Error("reprocess failed",
		slog.String("record_id", rec.ID),
		slog.Any("error", cause),
	)
	res := map[string]any{"status": "error", "error": cause.Error()}
	if err := r.repo.MarkReprocessed(ctx, rec.ID, false, res); err != nil {
		r.log.Warn("mark reprocessed failed", slog.Any("error", err))
	}

	if rec.AttemptCount < r.opts.MaxRetries {
		delay := r.Backoff(rec.AttemptCount)
		r.log.Info("backing off before next attempt", slog.Duration("delay", delay))
		if err := r.sleep(ctx, delay); err != nil {
			return false
		}
	}
	return false
}

// Cleanup deletes reprocessed rows older than the retention window.
func (r *Reprocessor) Cleanup(ctx context.Context) (int, error) {
	n, err := r.repo.CleanupOlderThan(ctx, r.opts.Retention)
	if err != nil {
		return 0, fmt.Errorf("op=dlq.cleanup: %w", err)
	}
	r.log.Info("cleaned up reprocessed records", slog.Int("deleted", n))
	return n, nil
}

// RunCleanupLoop deletes expired rows on interval until ctx is done.
func (r *Reprocessor) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Cleanup(ctx); err != nil {
				r.log.Error("dlq cleanup failed", slog.Any("error", err))
			}
		}
	}
}

// Stats proxies to the repository's aggregate view.
func (r *Reprocessor) Stats(ctx context.Context, sourceID string) (domain.DLQStats, error) {
	return r.repo.Stats(ctx, sourceID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
