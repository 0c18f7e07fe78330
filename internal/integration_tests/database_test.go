//go:build integration

package integrationtests

import (
	"context"
	"testing"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRunStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	runs := setupPostgresContainer(t, ctx)

	require.NoError(t, runs.CreateRun(ctx, &database.Run{
		Id:           "run-1",
		Kind:         database.RunBulk,
		Task:         string(core.Summarization),
		CreationTime: time.Now().UTC(),
	}))

	for _, stage := range []core.Stage{core.StageInit, core.StageLoadModel, core.StageInfer, core.StageDone} {
		require.NoError(t, runs.SetStage(ctx, "run-1", stage))
	}
	require.NoError(t, runs.SaveOutputFiles(ctx, "run-1", []string{"summaries-0-x.json"}))
	require.NoError(t, runs.SetState(ctx, "run-1", core.RunState{Success: true}))

	run, err := runs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, database.JobCompleted, run.Status)
	assert.Equal(t, string(core.StageDone), run.Stage)
	assert.Len(t, run.Stages, 4)
	assert.True(t, run.StartTime.Valid)
	assert.Equal(t, &core.RunState{Success: true}, run.State())

	files, err := run.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"summaries-0-x.json"}, files)

	// runs started outside the api get a row on first update
	require.NoError(t, runs.SetStage(ctx, "local-1", core.StageFailed))
	local, err := runs.GetRun(ctx, "local-1")
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, local.Status)

	listed, err := runs.ListRuns(ctx, database.RunFilter{Kind: database.RunBulk})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "run-1", listed[0].Id)

	_, err = runs.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, database.ErrRunNotFound)
}
