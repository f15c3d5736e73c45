package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/image-crawler/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	runID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.RecordRunStart(ctx, runID, started))
	require.NoError(t, s.RecordRunStart(ctx, runID, started.Add(time.Hour)))

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)
	require.True(t, started.Equal(run.StartedAt))
	require.Nil(t, run.FinishedAt)

	for range 3 {
		require.NoError(t, s.AddStageStats(ctx, store.StageStats{
			RunID: runID, Stage: "downloader", LastUpdate: started, Succeeded: 1, BytesTotal: 100,
		}))
	}
	require.NoError(t, s.AddStageStats(ctx, store.StageStats{
		RunID: runID, Stage: "parser", LastUpdate: started, Failed: 2,
	}))

	msg := "aborted"
	require.NoError(t, s.CompleteRun(ctx, runID, started.Add(time.Minute), store.RunError, &msg))
	msg = "mutated"

	run, err = s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, "aborted", *run.ErrorMessage)

	stages, err := s.ListRunStages(ctx, runID)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	require.Equal(t, "downloader", stages[0].Stage)
	require.Equal(t, int64(3), stages[0].Succeeded)
	require.Equal(t, int64(300), stages[0].BytesTotal)
	require.Equal(t, int64(2), stages[1].Failed)
}

func TestRunStoreNotFound(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	_, err := s.GetRun(context.Background(), uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	err = s.CompleteRun(context.Background(), uuid.New(), time.Now(), store.RunSuccess, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, s.RecordRunStart(ctx, ids[i], base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, s.CompleteRun(ctx, ids[0], base.Add(time.Hour), store.RunSuccess, nil))

	runs, err := s.ListRuns(ctx, nil, 2, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, ids[3], runs[0].ID)
	require.Equal(t, ids[2], runs[1].ID)

	runs, err = s.ListRuns(ctx, nil, 10, 3)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, ids[0], runs[0].ID)

	success := store.RunSuccess
	runs, err = s.ListRuns(ctx, &success, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	runs, err = s.ListRuns(ctx, nil, 10, 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}
