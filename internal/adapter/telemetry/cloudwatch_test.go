package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cwStub struct {
	createErr error
	created   []string

	putErrs []error
	puts    []*cloudwatchlogs.PutLogEventsInput
	nextTok string
}

func (s *cwStub) CreateLogStream(_ context.Context, in *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	s.created = append(s.created, aws.ToString(in.LogStreamName))
	return &cloudwatchlogs.CreateLogStreamOutput{}, s.createErr
}

func (s *cwStub) PutLogEvents(_ context.Context, in *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	s.puts = append(s.puts, in)
	if len(s.putErrs) > 0 {
		err := s.putErrs[0]
		s.putErrs = s.putErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &cloudwatchlogs.PutLogEventsOutput{NextSequenceToken: aws.String(s.nextTok)}, nil
}

func newSink(t *testing.T, api *cwStub, opts Options) *Sink {
	t.Helper()
	s, err := NewSink(context.Background(), api, opts, nil)
	require.NoError(t, err)
	return s
}

func TestStreamName(t *testing.T) {
	day := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "worker-2026-03-14", StreamName("", day))
	assert.Equal(t, "worker-2026-03-14-worker-pi-7", StreamName("worker-pi-7", day))
}

func TestNewSinkCreatesStream(t *testing.T) {
	api := &cwStub{}
	s := newSink(t, api, Options{WorkerID: "worker-a", LogStream: "worker-2026-01-01-worker-a"})
	require.NotNil(t, s)
	assert.Equal(t, []string{"worker-2026-01-01-worker-a"}, api.created)
}

func TestNewSinkToleratesExistingStream(t *testing.T) {
	api := &cwStub{createErr: &types.ResourceAlreadyExistsException{}}
	s := newSink(t, api, Options{})
	require.NotNil(t, s)
}

func TestNewSinkFailsWhenLogGroupMissing(t *testing.T) {
	api := &cwStub{createErr: &types.ResourceNotFoundException{}}
	_, err := NewSink(context.Background(), api, Options{LogGroup: "/missing"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/missing")
}

func TestLogFlushesAtBatchSize(t *testing.T) {
	api := &cwStub{nextTok: "tok-1"}
	s := newSink(t, api, Options{BatchSize: 3, WorkerID: "worker-a"})

	ctx := context.Background()
	s.Log(ctx, "INFO", "one", nil, "job-1")
	s.Log(ctx, "INFO", "two", nil, "job-1")
	require.Empty(t, api.puts)

	s.Log(ctx, "ERROR", "three", map[string]any{"records": 9}, "job-1")
	require.Len(t, api.puts, 1)
	assert.Zero(t, s.Buffered())

	events := api.puts[0].LogEvents
	require.Len(t, events, 3)
	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(events[2].Message)), &entry))
	assert.Equal(t, "ERROR", entry.Level)
	assert.Equal(t, "three", entry.Message)
	assert.Equal(t, "job-1", entry.JobID)
	assert.Equal(t, "worker-a", entry.WorkerID)
	assert.Equal(t, float64(9), entry.Metadata["records"])
}

func TestFlushCarriesSequenceToken(t *testing.T) {
	api := &cwStub{nextTok: "tok-2"}
	s := newSink(t, api, Options{BatchSize: 25})

	ctx := context.Background()
	s.Log(ctx, "INFO", "a", nil, "")
	s.Flush(ctx)
	s.Log(ctx, "INFO", "b", nil, "")
	s.Flush(ctx)

	require.Len(t, api.puts, 2)
	assert.Nil(t, api.puts[0].SequenceToken)
	assert.Equal(t, "tok-2", aws.ToString(api.puts[1].SequenceToken))
}

func TestFlushRecoversFromInvalidSequenceToken(t *testing.T) {
	api := &cwStub{
		nextTok: "tok-3",
		putErrs: []error{&types.InvalidSequenceTokenException{
			ExpectedSequenceToken: aws.String("expected-tok"),
		}},
	}
	s := newSink(t, api, Options{BatchSize: 25})

	ctx := context.Background()
	s.Log(ctx, "INFO", "a", nil, "")
	s.Flush(ctx)

	require.Len(t, api.puts, 2)
	assert.Equal(t, "expected-tok", aws.ToString(api.puts[1].SequenceToken))
	assert.Zero(t, s.Buffered())
}

func TestFlushKeepsEventsOnFailure(t *testing.T) {
	api := &cwStub{putErrs: []error{errors.New("throttled")}}
	s := newSink(t, api, Options{BatchSize: 25})

	ctx := context.Background()
	s.Log(ctx, "INFO", "a", nil, "")
	s.Flush(ctx)

	assert.Equal(t, 1, s.Buffered())

	// Next flush succeeds and drains.
	s.Flush(ctx)
	assert.Zero(t, s.Buffered())
	require.Len(t, api.puts, 2)
}
