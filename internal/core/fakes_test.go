package core

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/geniusrise/geniusrise-text/internal/dataset"
	"github.com/stretchr/testify/require"
)

const (
	fakeClass     ModelClass     = "fake"
	fakeTokenizer TokenizerClass = "whitespace"
)

// vocabTokenizer splits on whitespace and assigns ids in order of first use.
type vocabTokenizer struct {
	mu    sync.Mutex
	vocab []string
	ids   map[string]int64
}

func newVocabTokenizer() *vocabTokenizer {
	return &vocabTokenizer{vocab: []string{"<pad>"}, ids: map[string]int64{"<pad>": 0}}
}

func (t *vocabTokenizer) id(word string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[word]; ok {
		return id
	}
	id := int64(len(t.vocab))
	t.vocab = append(t.vocab, word)
	t.ids[word] = id
	return id
}

func (t *vocabTokenizer) Encode(texts []string, opts EncodeOptions) (*Batch, error) {
	b := &Batch{Texts: texts}
	for _, text := range texts {
		var ids, mask []int64
		var offsets [][2]int
		start := -1
		for i := 0; i <= len(text); i++ {
			if i < len(text) && text[i] != ' ' {
				if start < 0 {
					start = i
				}
				continue
			}
			if start >= 0 {
				ids = append(ids, t.id(text[start:i]))
				mask = append(mask, 1)
				offsets = append(offsets, [2]int{start, i})
				start = -1
			}
		}
		if opts.MaxLength > 0 && len(ids) > opts.MaxLength {
			ids, mask, offsets = ids[:opts.MaxLength], mask[:opts.MaxLength], offsets[:opts.MaxLength]
		}
		b.InputIDs = append(b.InputIDs, ids)
		b.AttentionMask = append(b.AttentionMask, mask)
		b.Offsets = append(b.Offsets, offsets)
	}
	padBatch(b)
	return b, nil
}

func (t *vocabTokenizer) Decode(ids []int64, _ bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || int(id) >= len(t.vocab) {
			continue
		}
		words = append(words, t.vocab[id])
	}
	return strings.Join(words, " "), nil
}

func (t *vocabTokenizer) Close() error {
	return nil
}

// fakeModel upper-cases for generation, marks texts containing "good" as
// positive and tags capitalized words as B-PER.
type fakeModel struct {
	mu       sync.Mutex
	calls    int
	failCall int // generation call that fails, 1 based; 0 never fails
	released bool

	trainErr error
	trained  []TrainingArguments
}

func (m *fakeModel) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
}

func (m *fakeModel) Generate(_ context.Context, _ Tokenizer, batch *Batch, _ GenerateOptions) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls == m.failCall {
		return nil, errors.New("generation failed")
	}
	out := make([]string, len(batch.Texts))
	for i, text := range batch.Texts {
		out[i] = strings.ToUpper(text)
	}
	return out, nil
}

func (m *fakeModel) Classify(_ context.Context, batch *Batch) ([][]float32, error) {
	out := make([][]float32, len(batch.Texts))
	for i, text := range batch.Texts {
		if strings.Contains(text, "good") {
			out[i] = []float32{0.1, 2.0}
		} else {
			out[i] = []float32{2.0, 0.1}
		}
	}
	return out, nil
}

func (m *fakeModel) ClassifyTokens(_ context.Context, batch *Batch) ([][][]float32, error) {
	out := make([][][]float32, len(batch.Texts))
	for i, text := range batch.Texts {
		out[i] = make([][]float32, batch.SeqLen())
		for j := range out[i] {
			out[i][j] = []float32{2, 0, 0}
			span := batch.Offsets[i][j]
			if span[1] > span[0] && text[span[0]] >= 'A' && text[span[0]] <= 'Z' {
				out[i][j] = []float32{0, 2, 0}
			}
		}
	}
	return out, nil
}

func (m *fakeModel) Labels() []string {
	return nil
}

func (m *fakeModel) Embed(_ context.Context, batch *Batch) ([][]float32, error) {
	out := make([][]float32, len(batch.Texts))
	for i, text := range batch.Texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (m *fakeModel) NewTrainer(args TrainingArguments) (Trainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trained = append(m.trained, args)
	return &fakeTrainer{model: m, args: args}, nil
}

type fakeTrainer struct {
	model *fakeModel
	args  TrainingArguments
}

func (t *fakeTrainer) Train(_ context.Context, train, _ *dataset.Dataset) error {
	if t.model.trainErr != nil {
		return t.model.trainErr
	}
	return writeJSONL(t.args.dataFile("train"), train)
}

func (t *fakeTrainer) Evaluate(context.Context, *dataset.Dataset) (*EvalPrediction, error) {
	return NewEvalPrediction([][]float64{{0.6, 0.4}, {0.4, 0.6}}, [][]int{{0, 1}, {1, 0}})
}

func (t *fakeTrainer) Save(_ context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"model_type":"fake"}`), 0644)
}

type fakeHub struct {
	mu        sync.Mutex
	downloads []string
	created   []string
	uploads   []string
	failPush  bool
}

func (h *fakeHub) Download(_ context.Context, repo, revision, dest string) error {
	h.mu.Lock()
	h.downloads = append(h.downloads, repo+"@"+revision)
	h.mu.Unlock()
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, "config.json"), []byte(`{}`), 0644)
}

func (h *fakeHub) CreateRepo(_ context.Context, repo, _ string, _ bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, repo)
	return nil
}

func (h *fakeHub) UploadFolder(_ context.Context, repo, dir, _, _ string, _ bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failPush {
		return errors.New("push rejected")
	}
	h.uploads = append(h.uploads, repo+":"+dir)
	return nil
}

func newTestResolver(t *testing.T, model *fakeModel, hub HubDownloader) *Resolver {
	t.Helper()
	registry := NewRegistry(RuntimeConfig{})
	registry.RegisterModel(fakeClass, false, func(context.Context, ModelSpec) (Model, error) {
		return model, nil
	})
	tok := newVocabTokenizer()
	registry.RegisterTokenizer(fakeTokenizer, func(context.Context, ModelSpec) (Tokenizer, error) {
		return tok, nil
	})
	return NewResolver(registry, hub, t.TempDir())
}

func writeRecords(t *testing.T, dir, name string, records []map[string]any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	var sb strings.Builder
	for _, r := range records {
		data, err := json.Marshal(r)
		require.NoError(t, err)
		sb.Write(data)
		sb.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sb.String()), 0644))
}

// localInput creates an input directory holding a "local" model directory.
func localInput(t *testing.T) string {
	t.Helper()
	input := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(input, LocalModelSubdir), 0755))
	return input
}

func testConfig(task TaskName, input, output string) RunConfig {
	return RunConfig{
		RunId:          "run-" + string(task),
		Task:           task,
		ModelName:      LocalModelName,
		ModelClass:     fakeClass,
		TokenizerClass: fakeTokenizer,
		Input:          input,
		Output:         output,
	}
}

func mustDataset(t *testing.T, records []map[string]any) *dataset.Dataset {
	t.Helper()
	out := make([]dataset.Record, len(records))
	for i, r := range records {
		out[i] = r
	}
	return dataset.New(out)
}
