//go:build integration

package integrationtests

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/api"
	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/internal/database"
	"github.com/geniusrise/geniusrise-text/internal/messaging"
	"github.com/geniusrise/geniusrise-text/internal/storage"
	pkgapi "github.com/geniusrise/geniusrise-text/pkg/api"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBulkWorkflow submits a bulk run through the api, processes it with a
// worker reading from rabbitmq and checks the batch files land in s3.
func TestBulkWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	store := setupMinioContainer(t, ctx)
	runs := setupPostgresContainer(t, ctx)
	url := setupRabbitMQContainer(t, ctx)

	require.NoError(t, store.CreateBucket(ctx, "data"))
	putObject(t, store, "data", "in/model/config.json", `{}`)
	var records strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&records, `{"text":"record %d"}`+"\n", i)
	}
	putObject(t, store, "data", "in/data.jsonl", records.String())

	publisher, err := messaging.NewRabbitMQPublisher(url)
	require.NoError(t, err)
	receiver, err := messaging.NewRabbitMQReceiver(url)
	require.NoError(t, err)

	router := chi.NewRouter()
	api.NewBackendService(runs, publisher).AddRoutes(router)

	resolver := newEchoResolver(t)
	stager := storage.NewStager(store, t.TempDir())
	proc := core.NewTaskProcessor(
		core.NewFineTuner(resolver, nil, stager, runs),
		core.NewBulkRunner(resolver, stager, runs),
		publisher, receiver,
	)
	go proc.Start()
	defer proc.Stop()

	var submitted pkgapi.SubmitRunResponse
	require.NoError(t, httpRequest(router, "POST", "/bulk", core.RunConfig{
		Task:           core.LanguageModel,
		ModelName:      core.LocalModelName,
		ModelClass:     echoClass,
		TokenizerClass: core.PluginTokenizer,
		BatchSize:      2,
		Input:          "s3://data/in",
		Output:         "s3://data/out",
	}, &submitted))
	require.NotEmpty(t, submitted.RunId)

	var run pkgapi.Run
	require.Eventually(t, func() bool {
		if err := httpRequest(router, "GET", "/runs/"+submitted.RunId, nil, &run); err != nil {
			return false
		}
		return run.Status == database.JobCompleted || run.Status == database.JobFailed
	}, 2*time.Minute, 500*time.Millisecond)

	require.Equal(t, database.JobCompleted, run.Status, "run failed: %+v", run)
	require.Len(t, run.OutputFiles, 3)

	objects, err := store.ListObjects(ctx, "data", "out")
	require.NoError(t, err)
	assert.Len(t, objects, 3)

	var generated []map[string]any
	first := objects[0].Key
	require.NoError(t, json.Unmarshal([]byte(getObject(t, store, "data", first)), &generated))
	require.NotEmpty(t, generated)
	for _, record := range generated {
		assert.Contains(t, fmt.Sprint(record), "RECORD")
	}
}
