package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/geniusrise/geniusrise-text/internal/core/types"
	"github.com/geniusrise/geniusrise-text/internal/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textRecords(n int) []map[string]any {
	records := make([]map[string]any, n)
	for i := range records {
		records[i] = map[string]any{"text": fmt.Sprintf("document number %d", i)}
	}
	return records
}

func TestBulkBatchFiles(t *testing.T) {
	cases := []struct {
		records, batchSize, files, last int
	}{
		{records: 10, batchSize: 3, files: 4, last: 1},
		{records: 9, batchSize: 3, files: 3, last: 3},
		{records: 2, batchSize: 8, files: 1, last: 2},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_by_%d", tc.records, tc.batchSize), func(t *testing.T) {
			input, output := localInput(t), t.TempDir()
			writeRecords(t, input, "data.jsonl", textRecords(tc.records))

			hub := &fakeHub{}
			store := NewMemoryStateStore()
			runner := NewBulkRunner(newTestResolver(t, &fakeModel{}, hub), nil, store)

			var progress []int
			runner.OnBatch = func(done, total int) {
				progress = append(progress, done)
				assert.Equal(t, tc.files, total)
			}

			cfg := testConfig(Summarization, input, output)
			cfg.BatchSize = tc.batchSize
			result, err := runner.Run(context.Background(), cfg)
			require.NoError(t, err)

			assert.Equal(t, tc.records, result.Records)
			require.Len(t, result.Files, tc.files)
			assert.Len(t, progress, tc.files)
			assert.Empty(t, hub.downloads, "local models must not be downloaded")

			matches, err := filepath.Glob(filepath.Join(output, "summaries-*.json"))
			require.NoError(t, err)
			assert.Len(t, matches, tc.files)

			for i, file := range result.Files {
				assert.True(t, strings.HasPrefix(filepath.Base(file), fmt.Sprintf("summaries-%d-", i*tc.batchSize)), file)
			}

			rows, err := ReadResults(result.Files[len(result.Files)-1])
			require.NoError(t, err)
			assert.Len(t, rows, tc.last)

			first, err := ReadResults(result.Files[0])
			require.NoError(t, err)
			assert.Equal(t, "document number 0", first[0][InputKey])
			assert.Equal(t, "DOCUMENT NUMBER 0", first[0]["summary"])

			run, ok := store.Run(cfg.RunId)
			require.True(t, ok)
			require.NotNil(t, run.State)
			assert.True(t, run.State.Success)
			assert.Equal(t, StageDone, run.Stages[len(run.Stages)-1])
			assert.Len(t, run.OutputFiles, tc.files)
		})
	}
}

func TestBulkKeepsPartialResultsOnFailure(t *testing.T) {
	input, output := localInput(t), t.TempDir()
	writeRecords(t, input, "data.jsonl", textRecords(10))

	model := &fakeModel{failCall: 3}
	store := NewMemoryStateStore()
	runner := NewBulkRunner(newTestResolver(t, model, nil), nil, store)

	cfg := testConfig(Summarization, input, output)
	cfg.BatchSize = 3
	result, err := runner.Run(context.Background(), cfg)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Len(t, result.Files, 2)
	assert.Equal(t, 6, result.Records)

	matches, err := filepath.Glob(filepath.Join(output, "summaries-*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	run, ok := store.Run(cfg.RunId)
	require.True(t, ok)
	require.NotNil(t, run.State)
	assert.False(t, run.State.Success)
	assert.Contains(t, run.State.Exception, "generation failed")
	assert.Equal(t, StageFailed, run.Stages[len(run.Stages)-1])
	assert.Len(t, run.OutputFiles, 2)
	assert.True(t, model.released)
}

func TestBulkStopsWhenCancelled(t *testing.T) {
	input, output := localInput(t), t.TempDir()
	writeRecords(t, input, "data.jsonl", textRecords(4))

	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStateStore()
	runner := NewBulkRunner(newTestResolver(t, &fakeModel{}, nil), nil, store)
	runner.OnBatch = func(done, total int) { cancel() }

	cfg := testConfig(Summarization, input, output)
	cfg.BatchSize = 1
	result, err := runner.Run(ctx, cfg)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.Len(t, result.Files, 1)

	run, _ := store.Run(cfg.RunId)
	require.NotNil(t, run.State)
	assert.False(t, run.State.Success)
}

func TestBulkMissingInputField(t *testing.T) {
	input, output := localInput(t), t.TempDir()
	writeRecords(t, input, "data.jsonl", []map[string]any{{"premise": "a"}})

	runner := NewBulkRunner(newTestResolver(t, &fakeModel{}, nil), nil, NewMemoryStateStore())
	_, err := runner.Run(context.Background(), testConfig(NLI, input, output))
	require.ErrorIs(t, err, ErrLoad)
}

func runTaskBatch(t *testing.T, cfg RunConfig, records []map[string]any) []map[string]any {
	t.Helper()
	rc, err := NewRunContext(cfg)
	require.NoError(t, err)

	handles, err := newTestResolver(t, &fakeModel{}, nil).Resolve(context.Background(), resolveRequest(rc.Config, rc.Input))
	require.NoError(t, err)
	rc = rc.withHandles(handles)

	result, err := InferBatches(context.Background(), rc, mustDataset(t, records), nil)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	rows, err := ReadResults(result.Files[0])
	require.NoError(t, err)
	require.Len(t, rows, len(records))
	return rows
}

func TestTaskOutputs(t *testing.T) {
	t.Run("classification", func(t *testing.T) {
		cfg := testConfig(Classification, localInput(t), t.TempDir())
		cfg.Options.Labels = []string{"negative", "positive"}
		rows := runTaskBatch(t, cfg, []map[string]any{{"text": "a good film"}, {"text": "a dull film"}})
		assert.Equal(t, "positive", rows[0]["label"])
		assert.Equal(t, "negative", rows[1]["label"])
	})

	t.Run("nli", func(t *testing.T) {
		cfg := testConfig(NLI, localInput(t), t.TempDir())
		rows := runTaskBatch(t, cfg, []map[string]any{{"premise": "it is good", "hypothesis": "it is fine"}})
		assert.Equal(t, "it is good [SEP] it is fine", rows[0][InputKey])
		assert.Equal(t, "LABEL_1", rows[0]["label"])
	})

	t.Run("translation", func(t *testing.T) {
		cfg := testConfig(Translation, localInput(t), t.TempDir())
		cfg.Options.SourceLang, cfg.Options.TargetLang = "English", "French"
		rows := runTaskBatch(t, cfg, []map[string]any{{"text": "hello"}})
		assert.Equal(t, "translate English to French: hello", rows[0][InputKey])
		assert.Equal(t, "TRANSLATE ENGLISH TO FRENCH: HELLO", rows[0]["translation"])
	})

	t.Run("qa", func(t *testing.T) {
		cfg := testConfig(QA, localInput(t), t.TempDir())
		rows := runTaskBatch(t, cfg, []map[string]any{{"question": "who", "context": "me"}})
		assert.Equal(t, "question: who context: me", rows[0][InputKey])
		assert.Contains(t, rows[0], "answer")
	})

	t.Run("ner", func(t *testing.T) {
		cfg := testConfig(NER, localInput(t), t.TempDir())
		cfg.Options.Labels = []string{"O", "B-PER", "I-PER"}
		rows := runTaskBatch(t, cfg, []map[string]any{{"text": "ask Alice and Bob"}})

		entities, ok := rows[0]["entities"].([]any)
		require.True(t, ok)
		require.Len(t, entities, 2)
		first := entities[0].(map[string]any)
		assert.Equal(t, "PER", first["label"])
		assert.Equal(t, "Alice", first["text"])
	})

	t.Run("embeddings", func(t *testing.T) {
		cfg := testConfig(Embeddings, localInput(t), t.TempDir())
		rows := runTaskBatch(t, cfg, []map[string]any{{"text": "abc"}})
		assert.Equal(t, []any{3.0, 1.0}, rows[0]["embedding"])
	})
}

func TestGroupEntities(t *testing.T) {
	text := "John Smith lives in Paris"
	offsets := [][2]int{{0, 0}, {0, 4}, {5, 10}, {11, 16}, {17, 19}, {20, 25}, {0, 0}}
	labels := []string{"O", "B-PER", "I-PER", "B-LOC", "I-LOC"}
	one := func(idx int) []float32 {
		row := make([]float32, len(labels))
		row[idx] = 5
		return row
	}
	logits := [][]float32{one(0), one(1), one(2), one(0), one(0), one(3), one(0)}

	entities := groupEntities(text, logits, offsets, labels)
	require.Len(t, entities, 2)
	assert.Equal(t, types.Entity{Label: "PER", Text: "John Smith", Start: 0, End: 10, Score: entities[0].Score, LContext: "", RContext: " lives in Paris"}, entities[0])
	assert.Equal(t, "LOC", entities[1].Label)
	assert.Equal(t, "Paris", entities[1].Text)
	assert.Greater(t, entities[0].Score, float32(0.9))
}

func TestReadResultsMissingFile(t *testing.T) {
	_, err := ReadResults(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, ErrIO)
}

func TestInferBatchesRejectsOutputCountMismatch(t *testing.T) {
	out := t.TempDir()
	rc, err := NewRunContext(testConfig(Summarization, "in", out))
	require.NoError(t, err)
	rc = rc.withHandles(&Handles{Model: shortGenerator{}, Tokenizer: PassthroughTokenizer{}})

	_, err = InferBatches(context.Background(), rc, dataset.New([]dataset.Record{{"text": "a"}, {"text": "b"}}), nil)
	require.Error(t, err)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type shortGenerator struct{}

func (shortGenerator) Release() {}

func (shortGenerator) Generate(context.Context, Tokenizer, *Batch, GenerateOptions) ([]string, error) {
	return []string{"only one"}, nil
}
