package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	backend "github.com/geniusrise/geniusrise-text/internal/api"
	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/internal/database"
	"github.com/geniusrise/geniusrise-text/internal/messaging"
	"github.com/geniusrise/geniusrise-text/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createStore(t *testing.T) *database.RunStore {
	db, err := database.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	return database.NewRunStore(db)
}

func newRouter(store *database.RunStore, publisher messaging.Publisher) chi.Router {
	service := backend.NewBackendService(store, publisher)
	router := chi.NewRouter()
	service.AddRoutes(router)
	return router
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func finetuneConfig() map[string]any {
	return map[string]any{
		"task":       "classification",
		"model_name": "local",
		"input":      "s3://data/train",
		"output":     "s3://data/out",
		"eval":       true,
		"training": map[string]any{
			"num_train_epochs":            2,
			"per_device_train_batch_size": 8,
		},
	}
}

type failingPublisher struct{}

func (failingPublisher) PublishFinetuneTask(context.Context, messaging.FinetuneTaskPayload) error {
	return errors.New("broker down")
}

func (failingPublisher) PublishBulkTask(context.Context, messaging.BulkTaskPayload) error {
	return errors.New("broker down")
}

func (failingPublisher) Close() {}

func TestHealth(t *testing.T) {
	router := newRouter(createStore(t), messaging.NewInMemoryQueue())
	rec := do(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitFinetune(t *testing.T) {
	store := createStore(t)
	queue := messaging.NewInMemoryQueue()
	router := newRouter(store, queue)

	rec := do(t, router, http.MethodPost, "/finetune", finetuneConfig())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res api.SubmitRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotEmpty(t, res.RunId)

	task := <-queue.Tasks()
	assert.Equal(t, messaging.FinetuneQueue, task.Type())

	var payload messaging.FinetuneTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, res.RunId, payload.RunId)

	var cfg core.RunConfig
	require.NoError(t, json.Unmarshal(payload.Config, &cfg))
	assert.Equal(t, res.RunId, cfg.RunId)
	assert.Equal(t, core.Classification, cfg.Task)
	assert.Equal(t, 2, cfg.Training.Epochs)

	run, err := store.GetRun(context.Background(), res.RunId)
	require.NoError(t, err)
	assert.Equal(t, database.JobQueued, run.Status)
	assert.Equal(t, database.RunFinetune, run.Kind)
	assert.Equal(t, "classification", run.Task)
}

func TestSubmitBulk(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	router := newRouter(createStore(t), queue)

	cfg := map[string]any{
		"run_id":     "my-bulk-run",
		"task":       "summarization",
		"model_name": "facebook/bart-large-cnn",
		"input":      "/data/in",
		"output":     "/data/out",
		"batch_size": 4,
	}
	rec := do(t, router, http.MethodPost, "/bulk", cfg)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res api.SubmitRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "my-bulk-run", res.RunId)

	task := <-queue.Tasks()
	assert.Equal(t, messaging.BulkQueue, task.Type())

	rec = do(t, router, http.MethodPost, "/bulk", cfg)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitInvalid(t *testing.T) {
	router := newRouter(createStore(t), messaging.NewInMemoryQueue())

	req := httptest.NewRequest(http.MethodPost, "/finetune", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cfg := finetuneConfig()
	cfg["task"] = "poetry"
	rec = do(t, router, http.MethodPost, "/finetune", cfg)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown task")

	cfg = finetuneConfig()
	cfg["training"] = map[string]any{"num_train_epochs": 0}
	rec = do(t, router, http.MethodPost, "/finetune", cfg)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// bulk runs do not need training arguments
	rec = do(t, router, http.MethodPost, "/bulk", cfg)
	assert.Equal(t, http.StatusOK, rec.Code)

	cfg = finetuneConfig()
	cfg["training"].(map[string]any)["command"] = []string{"sh", "-c", "id"}
	rec = do(t, router, http.MethodPost, "/finetune", cfg)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	cfg = finetuneConfig()
	cfg["run_id"] = "../etc"
	rec = do(t, router, http.MethodPost, "/finetune", cfg)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cfg = finetuneConfig()
	cfg["batchsize"] = 8
	rec = do(t, router, http.MethodPost, "/finetune", cfg)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "batchsize")

	req = httptest.NewRequest(http.MethodPost, "/bulk", bytes.NewReader(bytes.Repeat([]byte(" "), 1<<20+1)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubmitPublishFailure(t *testing.T) {
	store := createStore(t)
	router := newRouter(store, failingPublisher{})

	cfg := finetuneConfig()
	cfg["run_id"] = "unlucky"
	rec := do(t, router, http.MethodPost, "/finetune", cfg)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	run, err := store.GetRun(context.Background(), "unlucky")
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, run.Status)
	require.NotNil(t, run.State())
	assert.False(t, run.State().Success)
	assert.Contains(t, run.State().Exception, "broker down")
}

func TestGetRun(t *testing.T) {
	store := createStore(t)
	router := newRouter(store, messaging.NewInMemoryQueue())
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, &database.Run{Id: "run-1", Kind: database.RunBulk, Task: "ner"}))
	require.NoError(t, store.SetStage(ctx, "run-1", core.StageInit))
	require.NoError(t, store.SetStage(ctx, "run-1", core.StageInfer))
	require.NoError(t, store.SaveOutputFiles(ctx, "run-1", []string{"/out/a.json"}))
	require.NoError(t, store.SetStage(ctx, "run-1", core.StageDone))
	require.NoError(t, store.SetState(ctx, "run-1", core.RunState{Success: true}))

	rec := do(t, router, http.MethodGet, "/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run api.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "run-1", run.Id)
	assert.Equal(t, database.JobCompleted, run.Status)
	require.NotNil(t, run.Success)
	assert.True(t, *run.Success)
	assert.Equal(t, []string{"/out/a.json"}, run.OutputFiles)
	require.Len(t, run.Stages, 3)
	assert.Equal(t, "DONE", run.Stages[2].Stage)
	assert.NotNil(t, run.StartTime)
	assert.NotNil(t, run.CompletionTime)

	rec = do(t, router, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunHidesHubToken(t *testing.T) {
	store := createStore(t)
	queue := messaging.NewInMemoryQueue()
	router := newRouter(store, queue)

	body := finetuneConfig()
	body["hub"] = map[string]any{"hf_token": "hf_SUPERSECRET"}
	rec := do(t, router, http.MethodPost, "/finetune", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res api.SubmitRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	// the worker still needs the token
	task := <-queue.Tasks()
	var payload messaging.FinetuneTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	var cfg core.RunConfig
	require.NoError(t, json.Unmarshal(payload.Config, &cfg))
	assert.Equal(t, "hf_SUPERSECRET", cfg.Hub.Token)

	rec = do(t, router, http.MethodGet, "/runs/"+res.RunId, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hf_SUPERSECRET")

	var run api.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.NotEmpty(t, run.Config)
	var stored core.RunConfig
	require.NoError(t, json.Unmarshal(run.Config, &stored))
	assert.Equal(t, res.RunId, stored.RunId)
	assert.Empty(t, stored.Hub.Token)
}

func TestListRuns(t *testing.T) {
	store := createStore(t)
	router := newRouter(store, messaging.NewInMemoryQueue())
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, &database.Run{Id: "a", Kind: database.RunFinetune, Task: "ner"}))
	require.NoError(t, store.CreateRun(ctx, &database.Run{Id: "b", Kind: database.RunBulk, Task: "ner"}))
	require.NoError(t, store.SetState(ctx, "b", core.RunState{Success: false, Exception: "oops"}))

	rec := do(t, router, http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []api.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)

	rec = do(t, router, http.MethodGet, "/runs?kind=bulk&status=FAILED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].Id)
	assert.Equal(t, "oops", runs[0].Exception)

	rec = do(t, router, http.MethodGet, "/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/runs?unknown=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
