// Package worker implements the fleet runtime: it claims jobs from the
// coordinator, executes the claim against the store, runs the matching
// loader, and keeps heartbeats flowing while a job is in flight.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lexara/sixworker/internal/adapter/input"
	"github.com/lexara/sixworker/internal/adapter/observability"
	"github.com/lexara/sixworker/internal/adapter/repo/postgres"
	"github.com/lexara/sixworker/internal/config"
	"github.com/lexara/sixworker/internal/domain"
	"github.com/lexara/sixworker/internal/loader"
	obs "github.com/lexara/sixworker/internal/observability"
)

// TelemetrySink receives job log lines for shipment off-host. The
// CloudWatch sink satisfies it; a nil sink disables shipping.
type TelemetrySink interface {
	Log(ctx context.Context, level, message string, metadata map[string]any, jobID string)
}

// Worker polls the coordinator, claims work, and drives loaders.
type Worker struct {
	Cfg   config.Config
	ID    string
	Log   *slog.Logger
	Coord Coordinator
	Pool  postgres.PgxPool

	Jobs    domain.JobRepository
	Members domain.WorkerRepository
	Issues  domain.IssueRepository
	JobLogs domain.JobLogRepository
	Sources domain.SourceRepository
	DLQ     domain.FailedRecordRepository

	Registry *loader.Registry
	Deps     loader.Deps
	Acquirer *input.Acquirer
	Sink     TelemetrySink

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// GenerateID derives a unique worker identity from the host.
func GenerateID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("worker-%s-%d", host, time.Now().Unix())
}

// Run polls until the context is cancelled. Claim races and transient
// coordinator failures back off to the next poll.
func (w *Worker) Run(ctx context.Context) {
	log := w.logger()
	log.Info("worker started",
		slog.String("worker_id", w.ID),
		slog.Any("capabilities", w.Cfg.Capabilities),
		slog.String("coordinator", w.Cfg.CoordinatorURL))

	for ctx.Err() == nil {
		claimed, err := w.claimOnce(ctx)
		if err != nil {
			log.Error("claim attempt failed", slog.Any("error", err))
			w.pause(ctx, w.pollInterval())
			continue
		}
		if claimed == nil {
			log.Debug("no jobs available")
			w.pause(ctx, w.pollInterval())
			continue
		}

		log.Info("job claimed",
			slog.String("job_id", claimed.Job.JobID),
			slog.String("job_type", claimed.Job.JobType))
		if err := w.Execute(ctx, claimed); err != nil {
			log.Error("job execution failed",
				slog.String("job_id", claimed.Job.JobID),
				slog.Any("error", err))
		}
	}
	log.Info("worker stopping")
}

// claimOnce asks the coordinator for work and, when handed a candidate,
// executes the claim instruction. Zero rows affected means another
// worker won the race; the candidate is dropped.
func (w *Worker) claimOnce(ctx context.Context) (*ClaimedJob, error) {
	claimed, err := w.Coord.Claim(ctx, w.ID, w.Cfg.Capabilities)
	if err != nil || claimed == nil {
		return nil, err
	}

	params := make([]any, 0, len(claimed.ClaimInstruction.Params))
	for _, p := range claimed.ClaimInstruction.Params {
		params = append(params, p)
	}
	tag, err := w.Pool.Exec(ctx, claimed.ClaimInstruction.SQL, params...)
	if err != nil {
		return nil, fmt.Errorf("op=worker.claim_exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		w.logger().Info("claim race lost", slog.String("job_id", claimed.Job.JobID))
		return nil, fmt.Errorf("op=worker.claim_exec: %w", domain.ErrRaceLost)
	}
	return claimed, nil
}

// Execute runs one claimed job end to end.
func (w *Worker) Execute(ctx context.Context, claimed *ClaimedJob) error {
	tracer := otel.Tracer("worker.runtime")
	ctx, span := tracer.Start(ctx, "Worker.Execute")
	defer span.End()

	jobID := claimed.Job.JobID
	jobType := claimed.Job.JobType
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.type", jobType),
	)
	log := w.logger().With(slog.String("job_id", jobID), slog.String("job_type", jobType))

	if err := w.Jobs.MarkRunning(ctx, jobID); err != nil {
		return fmt.Errorf("op=worker.execute: %w", err)
	}
	observability.StartJob(jobType)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeatLoop(hbCtx, jobID)
	defer stopHeartbeat()

	err := w.runJob(ctx, claimed, log)
	if err != nil {
		observability.FailJob(jobType)
		if mfErr := w.Jobs.MarkFailed(ctx, jobID, err.Error()); mfErr != nil {
			log.Error("could not record job failure", slog.Any("error", mfErr))
		}
		return err
	}

	observability.CompleteJob(jobType)
	if err := w.Jobs.MarkCompleted(ctx, jobID); err != nil {
		return fmt.Errorf("op=worker.execute: %w", err)
	}
	log.Info("job completed")
	return nil
}

func (w *Worker) runJob(ctx context.Context, claimed *ClaimedJob, log *slog.Logger) error {
	jobID := claimed.Job.JobID

	artifact, err := w.Acquirer.Acquire(ctx, claimed.Job.Config.Input)
	if err != nil {
		return err
	}
	if artifact.Temp {
		defer func() {
			if rmErr := os.Remove(artifact.Path); rmErr == nil {
				log.Info("temp input removed", slog.String("path", artifact.Path))
			}
		}()
	}

	ld, err := w.Registry.Resolve(claimed.Job.JobType, w.loaderConfig(claimed), w.Deps)
	if err != nil {
		return err
	}

	rc := w.Cfg.GetRetryConfig()
	opts := loader.Options{
		BatchSize:               claimed.Job.Config.Processing.BatchSize,
		Limit:                   claimed.Job.Config.Processing.Limit,
		CircuitBreakerThreshold: w.Cfg.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   w.Cfg.CircuitBreakerTimeout,
		Retry: obs.RetryPolicy{
			MaxRetries:   rc.MaxRetries,
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Multiplier:   rc.Multiplier,
		},
	}
	runner := loader.NewRunner(ld, w.Sources, w.DLQ, w.callbacks(jobID, ld.SourceType()), opts, log)

	result, err := runner.Run(ctx, artifact.Path)
	if err != nil {
		return err
	}
	log.Info("loader finished",
		slog.String("status", string(result.Status)),
		slog.Int("processed", result.Stats.TotalProcessed),
		slog.Int("successful", result.Stats.Successful),
		slog.Int("failed", result.Stats.Failed),
		slog.Float64("records_per_minute", result.RecordsPerMinute))
	return nil
}

// loaderConfig maps job-level overrides onto the loader config.
func (w *Worker) loaderConfig(claimed *ClaimedJob) loader.Config {
	cfg := loader.Config{}
	extra := claimed.Job.Config.Extra
	if extra == nil {
		return cfg
	}
	if v, ok := extra["source_name"].(string); ok {
		cfg.SourceName = v
	}
	if v, ok := extra["source_type"].(string); ok {
		cfg.SourceType = v
	}
	if m, ok := extra["field_mapping"].(map[string]any); ok {
		cfg.FieldMapping = make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				cfg.FieldMapping[k] = s
			}
		}
	}
	return cfg
}

// callbacks wires loader events into the job tables and telemetry sink.
func (w *Worker) callbacks(jobID, sourceType string) loader.Callbacks {
	return loader.Callbacks{
		Checkpoint: func(ctx context.Context, cursor map[string]any) error {
			return w.Jobs.SaveCheckpoint(ctx, jobID, cursor)
		},
		Log: func(ctx context.Context, level, message string, metadata map[string]any) {
			if err := w.JobLogs.Append(ctx, domain.JobLog{
				JobID:    jobID,
				Level:    level,
				Message:  message,
				Metadata: metadata,
			}); err != nil {
				w.logger().Warn("job log not persisted", slog.Any("error", err))
			}
			if w.Sink != nil {
				w.Sink.Log(ctx, level, message, metadata, jobID)
			}
		},
		Issue: func(ctx context.Context, recordID, issueType, message string, raw loader.Record) {
			observability.DeadLetter(sourceType, issueType)
			if _, err := w.Issues.Create(ctx, domain.DataQualityIssue{
				JobID:          jobID,
				SourceRecordID: recordID,
				IssueType:      issueType,
				Severity:       domain.SeverityWarning,
				Message:        message,
				RawRecord:      raw,
			}); err != nil {
				w.logger().Warn("data quality issue not persisted", slog.Any("error", err))
			}
		},
	}
}

// heartbeatLoop refreshes this worker's liveness row and pings the
// coordinator while a job runs. Coordinator failures are non-fatal; the
// store row is what the reaper trusts.
func (w *Worker) heartbeatLoop(ctx context.Context, jobID string) {
	interval := w.Cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	host, _ := os.Hostname()

	beat := func() {
		if err := w.Members.Heartbeat(ctx, domain.Worker{
			ID:           w.ID,
			Hostname:     host,
			Status:       domain.WorkerActive,
			Capabilities: w.Cfg.Capabilities,
		}); err != nil {
			w.logger().Error("heartbeat write failed", slog.Any("error", err))
			return
		}
		if err := w.Coord.Heartbeat(ctx, jobID, w.ID); err != nil {
			w.logger().Debug("coordinator heartbeat skipped", slog.Any("error", err))
		}
	}

	beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (w *Worker) pollInterval() time.Duration {
	if w.Cfg.PollInterval > 0 {
		return w.Cfg.PollInterval
	}
	return 30 * time.Second
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	if w.sleep != nil {
		w.sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) logger() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return slog.Default()
}
