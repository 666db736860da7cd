package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lexara/sixworker/internal/adapter/observability"
	"github.com/lexara/sixworker/internal/domain"
)

// Reaper returns jobs to the queue when their worker stops heartbeating.
// A job requeued more times than the cap is marked failed instead, so a
// poison job cannot cycle through the fleet forever.
type Reaper struct {
	jobs              domain.JobRepository
	heartbeatDeadline time.Duration
	interval          time.Duration
	maxRequeues       int
}

// NewReaper builds a reaper; nil jobs yields a nil reaper whose Run is a
// no-op.
func NewReaper(jobs domain.JobRepository, heartbeatDeadline, interval time.Duration, maxRequeues int) *Reaper {
	if jobs == nil {
		return nil
	}
	if heartbeatDeadline <= 0 {
		heartbeatDeadline = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if maxRequeues <= 0 {
		maxRequeues = 3
	}
	return &Reaper{
		jobs:              jobs,
		heartbeatDeadline: heartbeatDeadline,
		interval:          interval,
		maxRequeues:       maxRequeues,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	if rp == nil || rp.jobs == nil {
		return
	}

	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	rp.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopping")
			return
		case <-ticker.C:
			rp.SweepOnce(ctx)
		}
	}
}

// SweepOnce requeues every stale claimed or running job, failing those
// past the requeue cap.
func (rp *Reaper) SweepOnce(ctx context.Context) (requeued, failed int) {
	tracer := otel.Tracer("jobs.reaper")
	ctx, span := tracer.Start(ctx, "Reaper.SweepOnce")
	defer span.End()

	const pageSize = 100
	span.SetAttributes(
		attribute.Int("jobs.page_size", pageSize),
		attribute.Float64("jobs.heartbeat_deadline_seconds", rp.heartbeatDeadline.Seconds()),
	)

	stale, err := rp.jobs.StaleClaimed(ctx, rp.heartbeatDeadline, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("reaper failed to list stale jobs", slog.Any("error", err))
		return 0, 0
	}

	for _, j := range stale {
		jobCtx, jobSpan := tracer.Start(ctx, "Reaper.reclaim")
		jobSpan.SetAttributes(
			attribute.String("job.id", j.ID),
			attribute.String("job.status", string(j.Status)),
			attribute.Int("job.requeue_count", j.RequeueCount),
		)
		if j.RequeueCount >= rp.maxRequeues {
			msg := fmt.Sprintf("worker %s stopped heartbeating and job exceeded %d requeues", j.WorkerID, rp.maxRequeues)
			if err := rp.jobs.MarkFailed(jobCtx, j.ID, msg); err != nil {
				jobSpan.RecordError(err)
				slog.Error("reaper failed to fail job", slog.String("job_id", j.ID), slog.Any("error", err))
			} else {
				failed++
				observability.FailJob(j.Type)
				slog.Warn("job failed after repeated requeues",
					slog.String("job_id", j.ID),
					slog.Int("requeue_count", j.RequeueCount))
			}
			jobSpan.End()
			continue
		}
		if err := rp.jobs.Requeue(jobCtx, j.ID); err != nil {
			jobSpan.RecordError(err)
			slog.Error("reaper failed to requeue job", slog.String("job_id", j.ID), slog.Any("error", err))
		} else {
			requeued++
			observability.RequeueJob(j.Type)
			slog.Info("stale job requeued",
				slog.String("job_id", j.ID),
				slog.String("worker_id", j.WorkerID),
				slog.Int("requeue_count", j.RequeueCount+1))
		}
		jobSpan.End()
	}

	span.SetAttributes(
		attribute.Int("jobs.requeued", requeued),
		attribute.Int("jobs.failed", failed),
	)
	return requeued, failed
}
