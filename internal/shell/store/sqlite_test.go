package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id, step string, startedAt time.Time) *Run {
	return &Run{
		ID:         id,
		Step:       step,
		ConfigPath: "/project/pipeline.conf",
		Image:      "nbforge/clean:latest",
		Container:  "jupyter_" + step,
		OutputPath: "/project/clean_20240301123000u1.ipynb",
		StartedAt:  startedAt,
	}
}

func TestRecordStartAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	started := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, s.RecordStart(ctx, sampleRun("run-1", "clean", started)))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "clean", run.Step)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)
	assert.True(t, run.StartedAt.Equal(started))
}

func TestRecordStartDuplicate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordStart(ctx, sampleRun("run-1", "clean", time.Now())))
	err := s.RecordStart(ctx, sampleRun("run-1", "clean", time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestRecordFinish(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordStart(ctx, sampleRun("run-1", "clean", time.Now())))
	finished := time.Now().UTC()
	require.NoError(t, s.RecordFinish(ctx, "run-1", RunStatusSucceeded, 0, finished))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusSucceeded, run.Status)
	assert.Equal(t, 0, run.ExitCode)
	require.NotNil(t, run.FinishedAt)
}

func TestRecordFinishUnknownRun(t *testing.T) {
	s := testStore(t)

	err := s.RecordFinish(context.Background(), "missing", RunStatusFailed, 1, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		run := sampleRun(fmt.Sprintf("run-%d", i), "clean", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.RecordStart(ctx, run))
	}

	runs, err := s.ListRuns(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "run-0", runs[2].ID)
}

func TestListRunsFilterAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, s.RecordStart(ctx, sampleRun("run-a", "clean", base)))
	require.NoError(t, s.RecordStart(ctx, sampleRun("run-b", "train", base.Add(time.Minute))))
	require.NoError(t, s.RecordStart(ctx, sampleRun("run-c", "clean", base.Add(2*time.Minute))))

	runs, err := s.ListRuns(ctx, ListOptions{Step: "clean"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)

	limited, err := s.ListRuns(ctx, ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "run-c", limited[0].ID)
}

func TestRunDuration(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	finished := started.Add(30 * time.Second)
	run := Run{StartedAt: started, FinishedAt: &finished}
	assert.Equal(t, 30*time.Second, run.Duration())
}
