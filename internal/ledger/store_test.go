package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanprep/internal/batch"
	"github.com/banshee-data/scanprep/internal/scan"
	"github.com/banshee-data/scanprep/internal/timeutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pair(base string) batch.Pair {
	return batch.Pair{BaseName: base, GeometryPath: "/g/" + base + ".pcd", LabelPath: "/l/" + base + ".asc"}
}

func TestOpen_MigratesToLatest(t *testing.T) {
	s := openTestStore(t)
	v, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)

	// Idempotent.
	require.NoError(t, s.MigrateUp())
}

func TestMigrateDownAndUp(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.MigrateDown())
	v, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	require.NoError(t, s.MigrateUp())
	v, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func TestStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.RunStarted(ctx, "run-1", 3))
	for _, b := range []string{"a", "b", "c"} {
		require.NoError(t, s.FileChanged(ctx, "run-1", batch.Result{Pair: pair(b), State: batch.Running}))
	}
	require.NoError(t, s.FileChanged(ctx, "run-1", batch.Result{
		Pair: pair("a"), State: batch.Succeeded,
		Stats:    batch.FileStats{PointsIn: 100, RowsOut: 12, OutputPath: "/out/a_preprocessed.arrow"},
		Duration: 3 * time.Millisecond,
	}))
	require.NoError(t, s.FileChanged(ctx, "run-1", batch.Result{
		Pair: pair("b"), State: batch.Failed, Stage: scan.StageLoad, Class: "load", Message: "load /g/b.pcd: corrupt",
	}))
	require.NoError(t, s.RunFinished(ctx, &batch.Summary{RunID: "run-1", Processed: 2, Succeeded: 1, Failed: 1, NotStarted: 1}))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, run.Total)
	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 1, run.NotStarted)
	require.NotNil(t, run.Finished)

	files, err := s.Files(ctx, "run-1", "")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, batch.Succeeded, files[0].State)
	assert.Equal(t, 12, files[0].RowsOut)
	assert.Equal(t, 3*time.Millisecond, files[0].Duration)
	assert.Equal(t, "load", files[1].ErrorClass)
	assert.Equal(t, "load", files[1].Stage)
	assert.Equal(t, batch.Running, files[2].State)

	failed, err := s.Files(ctx, "run-1", batch.Failed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Pair.BaseName)

	retry, err := s.FailedPairs(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff([]batch.Pair{pair("b"), pair("c")}, retry); diff != "" {
		t.Errorf("FailedPairs mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_UnknownRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetRun(ctx, "nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))
	_, err = s.FailedPairs(ctx, "nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))
	err = s.RunFinished(ctx, &batch.Summary{RunID: "nope"})
	assert.True(t, errors.Is(err, ErrRunNotFound))

	// Foreign key: files need their run.
	assert.Error(t, s.FileChanged(ctx, "nope", batch.Result{Pair: pair("a"), State: batch.Running}))
}

func TestStore_ListRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.RunStarted(ctx, "first", 1))
	time.Sleep(time.Millisecond)
	require.NoError(t, s.RunStarted(ctx, "second", 2))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "second", runs[0].RunID)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

type failingProcessor struct{ fail string }

func (f failingProcessor) Process(_ context.Context, p batch.Pair) (batch.FileStats, error) {
	if p.BaseName == f.fail {
		return batch.FileStats{}, scan.AtStage(scan.StageLoad, &scan.LoadError{Path: p.GeometryPath, Err: errors.New("corrupt")})
	}
	return batch.FileStats{PointsIn: 5, RowsOut: 2}, nil
}

func TestStore_AsOrchestratorObserver(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	pairs := []batch.Pair{pair("a"), pair("b"), pair("c"), pair("d")}
	o := &batch.Orchestrator{Workers: 4, Processor: failingProcessor{fail: "c"}, Observer: s, RunID: "obs"}
	sum := o.Run(ctx, pairs)
	require.Equal(t, 1, sum.Failed)

	run, err := s.GetRun(ctx, "obs")
	require.NoError(t, err)
	assert.Equal(t, 4, run.Processed)
	assert.Equal(t, 3, run.Succeeded)

	retry, err := s.FailedPairs(ctx, "obs")
	require.NoError(t, err)
	assert.Equal(t, []batch.Pair{pair("c")}, retry)
}

func TestStore_TimestampsFromClock(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	s.SetClock(clock)

	require.NoError(t, s.RunStarted(ctx, "run-clock", 1))
	clock.Advance(time.Minute)
	require.NoError(t, s.RunFinished(ctx, &batch.Summary{RunID: "run-clock"}))

	r, err := s.GetRun(ctx, "run-clock")
	require.NoError(t, err)
	assert.True(t, r.Started.Equal(start), "started %v", r.Started)
	require.NotNil(t, r.Finished)
	assert.True(t, r.Finished.Equal(start.Add(time.Minute)), "finished %v", r.Finished)
}
