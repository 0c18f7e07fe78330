//go:build integration

package integrationtests

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3ObjectStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store := setupMinioContainer(t, ctx)
	require.NoError(t, store.CreateBucket(ctx, "data"))
	// creating an existing bucket is not an error
	require.NoError(t, store.CreateBucket(ctx, "data"))

	putObject(t, store, "data", "in/a.jsonl", `{"text":"a"}`)
	putObject(t, store, "data", "in/nested/b.jsonl", `{"text":"b"}`)
	putObject(t, store, "data", "other/c.jsonl", `{"text":"c"}`)

	assert.Equal(t, `{"text":"a"}`, getObject(t, store, "data", "in/a.jsonl"))

	_, err := store.GetObject(ctx, "data", "in/missing.jsonl")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	objects, err := store.ListObjects(ctx, "data", "in")
	require.NoError(t, err)
	keys := []string{}
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	assert.ElementsMatch(t, []string{"in/a.jsonl", "in/nested/b.jsonl"}, keys)

	dest := t.TempDir()
	require.NoError(t, store.DownloadDir(ctx, "data", "in", dest, false))
	data, err := os.ReadFile(filepath.Join(dest, "nested", "b.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, `{"text":"b"}`, string(data))

	require.NoError(t, store.UploadDir(ctx, "data", "copy", dest))
	assert.Equal(t, `{"text":"b"}`, getObject(t, store, "data", "copy/nested/b.jsonl"))
}

func TestS3Stager(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store := setupMinioContainer(t, ctx)
	require.NoError(t, store.CreateBucket(ctx, "data"))
	putObject(t, store, "data", "in/data.jsonl", `{"text":"a"}`)

	stager := storage.NewStager(store, t.TempDir())

	input, err := stager.StageInput(ctx, "s3://data/in")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(input, "data.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, `{"text":"a"}`, string(data))

	output, err := stager.OutputDir("s3://data/out")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(output, "result.json"), []byte("[]"), 0644))
	require.NoError(t, stager.PublishOutput(ctx, output, "s3://data/out"))

	assert.Equal(t, "[]", getObject(t, store, "data", "out/result.json"))
}
