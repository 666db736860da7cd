package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexara/sixworker/internal/adapter/repo/postgres"
	"github.com/lexara/sixworker/internal/domain"
)

func TestIssueRepo_Create_Defaults(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewIssueRepo(pool)

	id, err := repo.Create(context.Background(), domain.DataQualityIssue{
		JobID:        "job-1",
		IssueType:    "validation_error",
		FieldName:    "RA State",
		InvalidValue: "Iowa",
		Message:      "state must be a two-letter code",
	})
	require.NoError(t, err)
	assert.Len(t, id, 26)
	assert.Equal(t, domain.SeverityWarning, pool.lastArgs[4])
	assert.Equal(t, "pending", pool.lastArgs[10])
}

func TestJobLogRepo_Append(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobLogRepo(pool)

	err := repo.Append(context.Background(), domain.JobLog{
		JobID:    "job-1",
		Message:  "progress",
		Metadata: map[string]any{"records_per_minute": 120.5},
	})
	require.NoError(t, err)
	assert.Contains(t, pool.lastSQL, "INSERT INTO job_logs")
	assert.Equal(t, "info", pool.lastArgs[2])
}
