package runlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinflow/internal/pipeline"
	"coinflow/internal/warehouse/warehousetest"
	"coinflow/models"
)

func summary(id string, at time.Time, status pipeline.RunStatus) pipeline.RunSummary {
	s := pipeline.RunSummary{
		RunID:      id,
		RunAt:      at,
		FinishedAt: at.Add(42 * time.Second),
		Status:     status,
		NewData:    true,
		Rows: map[models.Resource]int{
			models.ResourceMarket:   250,
			models.ResourceTrending: 7,
			models.ResourceGlobal:   1,
		},
		TransformVersion: "crypto_transformations.v1+0123456789ab",
		Tasks: []pipeline.TaskRecord{
			{ID: pipeline.TaskPreflight, State: pipeline.StateSucceeded, Attempts: 1},
			{ID: pipeline.TaskGlobal, State: pipeline.StateSucceeded, Attempts: 3},
		},
	}
	if status == pipeline.RunFailed {
		s.FailedTask = pipeline.TaskGlobal
		s.Error = "task ingestion.global failed after 3 attempt(s)"
	}
	return s
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), warehousetest.Open(t))
	require.NoError(t, err)
	return s
}

func TestRecordAndFind(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordRun(ctx, summary("run-1", at, pipeline.RunSucceeded)))

	run, err := s.Find(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", run.Status)
	assert.EqualValues(t, 250, run.MarketRows)
	assert.EqualValues(t, 7, run.TrendingRows)
	assert.EqualValues(t, 1, run.GlobalRows)
	assert.True(t, run.RunAt.Equal(at))
	assert.Equal(t, 42*time.Second, run.FinishedAt.Sub(run.RunAt))

	tasks, err := run.TaskRecords()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, pipeline.TaskGlobal, tasks[1].ID)
	assert.Equal(t, 3, tasks[1].Attempts)

	_, err = s.Find(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRunTwiceFails(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	sum := summary("dup", time.Now().UTC(), pipeline.RunSucceeded)
	require.NoError(t, s.RecordRun(ctx, sum))
	assert.Error(t, s.RecordRun(ctx, sum))
}

func TestRecentAndCounts(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		status := pipeline.RunSucceeded
		if i%2 == 1 {
			status = pipeline.RunFailed
		}
		require.NoError(t, s.RecordRun(ctx, summary(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*5*time.Minute), status)))
	}

	runs, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"run-4", "run-3", "run-2"}, []string{runs[0].RunID, runs[1].RunID, runs[2].RunID})
	assert.Equal(t, "ingestion.global", runs[1].FailedTask)

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"succeeded": 3, "failed": 2}, counts)
}

func TestRecorderSatisfiesPipelineHook(t *testing.T) {
	rec, err := Recorder(context.Background(), warehousetest.Open(t))
	require.NoError(t, err)
	assert.IsType(t, &Store{}, rec)
}
