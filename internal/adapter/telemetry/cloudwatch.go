// Package telemetry ships worker job logs to CloudWatch Logs in batches.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// DefaultLogGroup is the fleet-wide log group. It is provisioned out of
// band; the sink never creates it.
const DefaultLogGroup = "/lexara/distributed-loaders"

// CloudWatchAPI is the slice of the CloudWatch Logs client the sink uses.
type CloudWatchAPI interface {
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// Entry is one structured log line as stored in the stream.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	LogStream string         `json:"log_stream"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
}

// Options tunes batching. Zero values take the defaults the fleet runs
// with.
type Options struct {
	LogGroup      string
	LogStream     string
	BatchSize     int
	FlushInterval time.Duration
	WorkerID      string
}

func (o Options) withDefaults() Options {
	if o.LogGroup == "" {
		o.LogGroup = DefaultLogGroup
	}
	if o.LogStream == "" {
		o.LogStream = StreamName(o.WorkerID, time.Now().UTC())
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.BatchSize > 10000 {
		o.BatchSize = 10000
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	return o
}

// StreamName builds the per-day stream name, suffixed with the worker id
// when one is known.
func StreamName(workerID string, day time.Time) string {
	name := "worker-" + day.Format("2006-01-02")
	if workerID != "" {
		name += "-" + workerID
	}
	return name
}

// Sink batches log entries and flushes them to one CloudWatch stream.
// Events that fail to ship go back to the head of the buffer so ordering
// survives transient outages.
type Sink struct {
	api  CloudWatchAPI
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	buffer   []types.InputLogEvent
	seqToken *string
	now      func() time.Time
}

// NewSink creates the stream (idempotently) and returns a ready sink.
// A missing log group is a setup error surfaced immediately.
func NewSink(ctx context.Context, api CloudWatchAPI, opts Options, log *slog.Logger) (*Sink, error) {
	if api == nil {
		return nil, fmt.Errorf("op=telemetry.new: cloudwatch client required")
	}
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()

	_, err := api.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(opts.LogGroup),
		LogStreamName: aws.String(opts.LogStream),
	})
	if err != nil {
		var exists *types.ResourceAlreadyExistsException
		if !errors.As(err, &exists) {
			var notFound *types.ResourceNotFoundException
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("op=telemetry.new: log group %q does not exist: %w", opts.LogGroup, err)
			}
			return nil, fmt.Errorf("op=telemetry.new: %w", err)
		}
	}

	return &Sink{
		api:  api,
		opts: opts,
		log:  log.With(slog.String("log_stream", opts.LogStream)),
		now:  time.Now,
	}, nil
}

// Log buffers one entry, flushing when the batch fills.
func (s *Sink) Log(ctx context.Context, level, message string, metadata map[string]any, jobID string) {
	entry := Entry{
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   message,
		LogStream: s.opts.LogStream,
		Metadata:  metadata,
		JobID:     jobID,
		WorkerID:  s.opts.WorkerID,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		s.log.Error("telemetry entry not serializable", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, types.InputLogEvent{
		Message:   aws.String(string(b)),
		Timestamp: aws.Int64(s.now().UnixMilli()),
	})
	if len(s.buffer) >= s.opts.BatchSize {
		s.flushLocked(ctx)
	}
}

// Flush sends everything currently buffered.
func (s *Sink) Flush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buffer) > 0 {
		before := len(s.buffer)
		s.flushLocked(ctx)
		if len(s.buffer) >= before {
			// Shipping is failing; stop draining and retry later.
			return
		}
	}
}

// Run flushes on the configured interval until the context ends, then
// drains the buffer.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.Flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// flushLocked ships one batch. Caller holds s.mu.
func (s *Sink) flushLocked(ctx context.Context) {
	if len(s.buffer) == 0 {
		return
	}
	n := len(s.buffer)
	if n > s.opts.BatchSize {
		n = s.opts.BatchSize
	}
	batch := s.buffer[:n]

	out, err := s.put(ctx, batch, s.seqToken)
	if err != nil {
		var invalidTok *types.InvalidSequenceTokenException
		if errors.As(err, &invalidTok) {
			out, err = s.put(ctx, batch, invalidTok.ExpectedSequenceToken)
		}
	}
	if err != nil {
		s.log.Warn("telemetry batch not shipped", slog.Int("events", n), slog.Any("error", err))
		return
	}
	s.seqToken = out.NextSequenceToken
	s.buffer = s.buffer[n:]
}

func (s *Sink) put(ctx context.Context, events []types.InputLogEvent, token *string) (*cloudwatchlogs.PutLogEventsOutput, error) {
	return s.api.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.opts.LogGroup),
		LogStreamName: aws.String(s.opts.LogStream),
		LogEvents:     events,
		SequenceToken: token,
	})
}

// Buffered reports how many events await shipping.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
