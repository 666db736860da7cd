package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexara/sixworker/internal/domain"
)

func TestDetermineVersionFromFilename(t *testing.T) {
	cases := map[string]string{
		"entities_20240115.csv": "2024-Q1",
		"dump-20230630.json":    "2023-Q2",
		"20250901_export.csv":   "2025-Q3",
		"data_20221205.csv":     "2022-Q4",
	}
	for name, want := range cases {
		assert.Equal(t, want, DetermineVersion(filepath.Join("/data", name)), name)
	}
}

func TestDetermineVersionFallsBackToMtime(t *testing.T) {
	path := writeFile(t, "no_date.csv", "x\n")
	info, err := os.Stat(path)
	require.NoError(t, err)

	got := DetermineVersion(path)
	assert.Equal(t, quarterLabel(info.ModTime()), got)
}

func TestFileSHA256Deterministic(t *testing.T) {
	path := writeFile(t, "a.csv", "hello\n")

	h1, err := FileSHA256(path)
	require.NoError(t, err)
	h2, err := FileSHA256(path)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestFileSHA256ChangesWithContent(t *testing.T) {
	p1 := writeFile(t, "a.csv", "hello\n")
	p2 := writeFile(t, "b.csv", "world\n")

	h1, err := FileSHA256(p1)
	require.NoError(t, err)
	h2, err := FileSHA256(p2)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestSourceNameWithVersion(t *testing.T) {
	assert.Equal(t, "Iowa Business Entities 2024-Q1", SourceNameWithVersion("Iowa Business Entities", "2024-Q1"))
	assert.Equal(t, "Iowa Business Entities 2024-Q1", SourceNameWithVersion("Iowa Business Entities 2024-Q1", "2024-Q1"))
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register("iowa_business", func(cfg Config, deps Deps) (Loader, error) {
		return &scriptLoader{}, nil
	})

	l, err := reg.Resolve("iowa_business", Config{}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "test_source", l.SourceType())

	_, err = reg.Resolve("unknown_type", Config{}, Deps{})
	require.ErrorIs(t, err, domain.ErrNoLoader)
	assert.Contains(t, err.Error(), "iowa_business")
}

func TestRegistryTypesSorted(t *testing.T) {
	reg := NewRegistry()
	factory := func(cfg Config, deps Deps) (Loader, error) { return &scriptLoader{}, nil }
	reg.Register("medical_facilities", factory)
	reg.Register("iowa_asbestos", factory)
	reg.Register("iowa_business", factory)

	assert.Equal(t, []string{"iowa_asbestos", "iowa_business", "medical_facilities"}, reg.Types())
}
