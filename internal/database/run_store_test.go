package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/internal/database/versions/migration_0"
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupRunStore(t *testing.T) *RunStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	return NewRunStore(db)
}

func TestRunLifecycle(t *testing.T) {
	store := setupRunStore(t)
	ctx := context.Background()

	config, err := json.Marshal(map[string]any{"task": "classification"})
	require.NoError(t, err)
	require.NoError(t, store.CreateRun(ctx, &Run{Id: "run-1", Kind: RunFinetune, Task: "classification", Config: datatypes.JSON(config)}))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, JobQueued, run.Status)
	assert.Nil(t, run.State())

	for _, stage := range []core.Stage{core.StageInit, core.StageLoadModel, core.StageTrain} {
		require.NoError(t, store.SetStage(ctx, "run-1", stage))
	}

	run, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, run.Status)
	assert.Equal(t, string(core.StageTrain), run.Stage)
	assert.True(t, run.StartTime.Valid)
	require.Len(t, run.Stages, 3)
	assert.Equal(t, string(core.StageInit), run.Stages[0].Stage)
	assert.Equal(t, string(core.StageTrain), run.Stages[2].Stage)

	require.NoError(t, store.SaveMetrics(ctx, "run-1", map[string]float64{"accuracy": 0.5}))
	require.NoError(t, store.SaveOutputFiles(ctx, "run-1", []string{"a.json"}))
	require.NoError(t, store.SetStage(ctx, "run-1", core.StageDone))
	require.NoError(t, store.SetState(ctx, "run-1", core.RunState{Success: true}))

	run, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, run.Status)
	assert.Equal(t, &core.RunState{Success: true}, run.State())
	assert.False(t, run.Exception.Valid)
	assert.True(t, run.CompletionTime.Valid)

	metrics, err := run.MetricValues()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"accuracy": 0.5}, metrics)

	files, err := run.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json"}, files)
}

func TestRunFailure(t *testing.T) {
	store := setupRunStore(t)
	ctx := context.Background()

	// runs started outside the api have no row yet
	require.NoError(t, store.SetStage(ctx, "local-run", core.StageFailed))
	require.NoError(t, store.SetState(ctx, "local-run", core.RunState{Success: false, Exception: "boom"}))

	run, err := store.GetRun(ctx, "local-run")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, run.Status)
	assert.Equal(t, &core.RunState{Success: false, Exception: "boom"}, run.State())
}

func TestGetRunMissing(t *testing.T) {
	store := setupRunStore(t)
	_, err := store.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRuns(t *testing.T) {
	store := setupRunStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	runs := []Run{
		{Id: "a", Kind: RunFinetune, Task: "ner", CreationTime: base},
		{Id: "b", Kind: RunBulk, Task: "ner", CreationTime: base.Add(time.Second)},
		{Id: "c", Kind: RunBulk, Task: "translation", Status: JobCompleted, CreationTime: base.Add(2 * time.Second)},
	}
	for i := range runs {
		require.NoError(t, store.CreateRun(ctx, &runs[i]))
	}

	ids := func(runs []Run) []string {
		out := []string{}
		for _, r := range runs {
			out = append(out, r.Id)
		}
		return out
	}

	all, err := store.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(all))

	bulk, err := store.ListRuns(ctx, RunFilter{Kind: RunBulk})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(bulk))

	ner, err := store.ListRuns(ctx, RunFilter{Task: "ner", Status: JobQueued})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(ner))

	page, err := store.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(page))
}

func TestMigrationsFromScratch(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)

	// running again is a no-op
	require.NoError(t, GetMigrator(db).Migrate())
	assert.True(t, db.Migrator().HasTable(&Run{}))
	assert.True(t, db.Migrator().HasTable(&RunStage{}))
	assert.True(t, db.Migrator().HasColumn(&Run{}, "OutputFiles"))
}

func TestMigrationUpgrade(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "old.db")), &gorm.Config{})
	require.NoError(t, err)

	initial := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{ID: "0", Migrate: migration_0.Migration},
	})
	require.NoError(t, initial.Migrate())
	require.False(t, db.Migrator().HasTable(&RunStage{}))

	require.NoError(t, db.Create(&migration_0.Run{Id: "old", Kind: RunBulk, Status: JobCompleted}).Error)

	require.NoError(t, GetMigrator(db).Migrate())
	assert.True(t, db.Migrator().HasTable(&RunStage{}))
	assert.True(t, db.Migrator().HasColumn(&Run{}, "OutputFiles"))

	store := NewRunStore(db)
	require.NoError(t, store.SaveOutputFiles(context.Background(), "old", []string{"x.json"}))
	run, err := store.GetRun(context.Background(), "old")
	require.NoError(t, err)
	files, err := run.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"x.json"}, files)

	require.NoError(t, GetMigrator(db).RollbackLast())
	assert.False(t, db.Migrator().HasTable(&RunStage{}))
}
