package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "tinybuild.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestLayerCache(t *testing.T) {
	t.Run("miss before save, hit after", func(t *testing.T) {
		d := openTestDB(t)

		_, ok, err := d.CachedLayer("step1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, d.SaveLayer("step1", "layerA", "PACKAGES apt-get install -y bash"))

		digest, ok, err := d.CachedLayer("step1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "layerA", digest)
	})

	t.Run("saving the same step digest twice keeps the latest layer", func(t *testing.T) {
		d := openTestDB(t)

		require.NoError(t, d.SaveLayer("step1", "layerA", "TOOLING pip install poetry"))
		require.NoError(t, d.SaveLayer("step1", "layerB", "TOOLING pip install poetry"))

		digest, ok, err := d.CachedLayer("step1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "layerB", digest)
	})
}

func TestBuildRecords(t *testing.T) {
	t.Run("logged builds come back newest first", func(t *testing.T) {
		d := openTestDB(t)

		base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, d.LogBuild(BuildRecord{
			ID: "one", Image: "app", StartedAt: base,
			DurationMs: 100, Steps: 5, CacheHits: 0, Status: "ok",
		}))
		require.NoError(t, d.LogBuild(BuildRecord{
			ID: "two", Image: "app", StartedAt: base.Add(time.Minute),
			DurationMs: 20, Steps: 5, CacheHits: 5, Status: "ok",
		}))

		builds, err := d.Builds(10)
		require.NoError(t, err)
		require.Len(t, builds, 2)
		assert.Equal(t, "two", builds[0].ID)
		assert.Equal(t, 5, builds[0].CacheHits)
		assert.Equal(t, "one", builds[1].ID)
	})

	t.Run("failed builds keep their error", func(t *testing.T) {
		d := openTestDB(t)

		require.NoError(t, d.LogBuild(BuildRecord{
			ID: "bad", Image: "app", StartedAt: time.Now().UTC(),
			Status: "failed", Error: "step deps: unsatisfiable",
		}))

		builds, err := d.Builds(1)
		require.NoError(t, err)
		require.Len(t, builds, 1)
		assert.Equal(t, "failed", builds[0].Status)
		assert.Contains(t, builds[0].Error, "unsatisfiable")
	})
}

func TestRunRecords(t *testing.T) {
	t.Run("round-trips exit code and output", func(t *testing.T) {
		d := openTestDB(t)

		require.NoError(t, d.LogRun(RunRecord{
			Image:      "app",
			Entrypoint: "poetry run python web_exercise_02.py",
			StartedAt:  time.Now().UTC(),
			DurationMs: 42,
			ExitCode:   1,
			Stdout:     "hello",
			Stderr:     "Traceback",
		}))

		runs, err := d.Runs(10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, 1, runs[0].ExitCode)
		assert.Equal(t, "hello", runs[0].Stdout)
		assert.Equal(t, "Traceback", runs[0].Stderr)
		assert.NotZero(t, runs[0].ID)
	})
}
