package postgres_test

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexara/sixworker/internal/adapter/repo/postgres"
	"github.com/lexara/sixworker/internal/domain"
)

func TestSourceRepo_FindByTypeAndHash_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewSourceRepo(pool)

	_, err := repo.FindByTypeAndHash(context.Background(), "iowa_business", "abc123")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []any{"iowa_business", "abc123"}, pool.lastArgs)
}

func TestSourceRepo_Create(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewSourceRepo(pool)

	id, err := repo.Create(context.Background(), domain.Source{
		Type:          "iowa_business",
		Name:          "Iowa Business Entities",
		Version:       "2024-Q2",
		FileName:      "iowa_business_20240615.csv",
		FileHash:      strings.Repeat("a", 64),
		FileSizeBytes: 1024,
	})
	require.NoError(t, err)
	assert.Len(t, id, 26)
	assert.Contains(t, pool.lastSQL, "'processing'")
}

func TestSourceRepo_MarkFailed_Truncates(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewSourceRepo(pool)

	require.NoError(t, repo.MarkFailed(context.Background(), "src-1", strings.Repeat("e", 800)))
	assert.Len(t, pool.lastArgs[1].(string), 500)
}

func TestSourceRepo_MarkCompleted(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewSourceRepo(pool)

	require.NoError(t, repo.MarkCompleted(context.Background(), "src-1", 1000, 950, 40, 10))
	assert.Contains(t, pool.lastSQL, "status='completed'")
	assert.Contains(t, pool.lastSQL, "import_completed_at=now()")
	assert.Equal(t, 1000, pool.lastArgs[1])
}
