package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/dataset"
	"github.com/google/uuid"
)

const InputKey = "input"

type BulkResult struct {
	RunId   string   `json:"run_id"`
	Files   []string `json:"files"`
	Records int      `json:"records"`
}

// BatchCallback is called after each batch file is written.
type BatchCallback func(done, total int)

func numBatches(n, size int) int {
	return (n + size - 1) / size
}

func batchFileName(prefix string, start int) string {
	return fmt.Sprintf("%s-%d-%s.json", prefix, start, uuid.NewString())
}

// InferBatches runs the task over contiguous batches of ds and writes one
// result file per batch into rc.Output, in batch order. On error the files
// already written are kept and returned with the error.
func InferBatches(ctx context.Context, rc *RunContext, ds *dataset.Dataset, onBatch BatchCallback) (*BulkResult, error) {
	result := &BulkResult{RunId: rc.RunId}
	size := rc.Config.BatchSize
	total := numBatches(ds.Len(), size)

	if err := os.MkdirAll(rc.Output, 0755); err != nil {
		return result, fmt.Errorf("%w: error creating output dir: %w", ErrIO, err)
	}

	encode := EncodeOptions{MaxLength: rc.Config.Generation.MaxInputLength, AddSpecialTokens: true}

	for b := 0; b < total; b++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		start := b * size
		end := min(start+size, ds.Len())
		records := ds.Slice(start, end).Records()

		texts := make([]string, len(records))
		for i, r := range records {
			texts[i] = rc.Task.prepare(r, rc.Config.Options)
		}

		batchStart := time.Now()
		batch, err := rc.Handles.Tokenizer.Encode(texts, encode)
		if err != nil {
			return result, fmt.Errorf("error tokenizing batch %d: %w", start, err)
		}
		outputs, err := rc.Task.infer(ctx, rc, batch)
		if err != nil {
			return result, fmt.Errorf("error running batch %d: %w", start, err)
		}
		if len(outputs) != len(texts) {
			return result, fmt.Errorf("batch %d: model returned %d outputs for %d inputs", start, len(outputs), len(texts))
		}

		rows := make([]map[string]any, len(texts))
		for i := range texts {
			rows[i] = map[string]any{InputKey: texts[i], rc.Task.OutputKey: outputs[i]}
		}

		path := filepath.Join(rc.Output, batchFileName(rc.Task.FilePrefix, start))
		if err := writeResults(path, rows); err != nil {
			return result, err
		}
		result.Files = append(result.Files, path)
		result.Records += len(rows)

		slog.Info("wrote batch", "run_id", rc.RunId, "batch_start", start, "batch_size", len(rows),
			"file", filepath.Base(path), "duration", time.Since(batchStart))

		if onBatch != nil {
			onBatch(b+1, total)
		}
	}

	return result, nil
}

func writeResults(path string, rows []map[string]any) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("error encoding results: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: error writing %s: %w", ErrIO, path, err)
	}
	return nil
}

// ReadResults reads a batch file written by a bulk run.
func ReadResults(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: error reading %s: %w", ErrIO, path, err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("error parsing results %s: %w", path, err)
	}
	return rows, nil
}

type BulkRunner struct {
	resolver *Resolver
	stager   Stager
	store    StateStore

	// OnBatch, if set, is called after each batch.
	OnBatch BatchCallback
}

func NewBulkRunner(resolver *Resolver, stager Stager, store StateStore) *BulkRunner {
	if stager == nil {
		stager = LocalStager{}
	}
	return &BulkRunner{resolver: resolver, stager: stager, store: store}
}

// Run loads the dataset at the run input, runs the task over it and writes
// the result files to the run output.
func (r *BulkRunner) Run(ctx context.Context, cfg RunConfig) (*BulkResult, error) {
	rc, err := NewRunContext(cfg)
	if err != nil {
		r.fail(ctx, cfg.RunId, err)
		return nil, err
	}

	result, err := r.run(ctx, rc)
	if result != nil {
		if serr := r.store.SaveOutputFiles(ctx, rc.RunId, result.Files); serr != nil {
			slog.Error("error saving output files", "run_id", rc.RunId, "error", serr)
		}
	}
	if err != nil {
		r.fail(ctx, rc.RunId, err)
		return result, err
	}

	r.setStage(ctx, rc.RunId, StageDone)
	if err := r.store.SetState(ctx, rc.RunId, RunState{Success: true}); err != nil {
		slog.Error("error saving run state", "run_id", rc.RunId, "error", err)
	}
	return result, nil
}

func (r *BulkRunner) run(ctx context.Context, rc *RunContext) (*BulkResult, error) {
	r.setStage(ctx, rc.RunId, StageInit)
	input, err := r.stager.StageInput(ctx, rc.Input)
	if err != nil {
		return nil, fmt.Errorf("%w: error staging input: %w", ErrIO, err)
	}
	output, err := r.stager.OutputDir(rc.Output)
	if err != nil {
		return nil, fmt.Errorf("%w: error preparing output: %w", ErrIO, err)
	}
	rc = rc.withDirs(input, output)

	r.setStage(ctx, rc.RunId, StageLoadModel)
	handles, err := r.resolver.Resolve(ctx, resolveRequest(rc.Config, rc.Input))
	if err != nil {
		return nil, err
	}
	defer handles.Release()
	rc = rc.withHandles(handles)

	r.setStage(ctx, rc.RunId, StageLoadData)
	ds, err := dataset.Load(rc.Input, rc.loadOptions(rc.Task.InputFields))
	if err != nil {
		return nil, err
	}
	slog.Info("loaded dataset", "run_id", rc.RunId, "records", ds.Len(), "path", rc.Input)

	r.setStage(ctx, rc.RunId, StageInfer)
	result, err := InferBatches(ctx, rc, ds, r.OnBatch)
	if err != nil {
		return result, err
	}

	r.setStage(ctx, rc.RunId, StageUpload)
	if err := r.stager.PublishOutput(ctx, rc.Output, rc.Config.Output); err != nil {
		return result, fmt.Errorf("%w: error publishing output: %w", ErrUpload, err)
	}
	return result, nil
}

func (r *BulkRunner) setStage(ctx context.Context, runId string, stage Stage) {
	slog.Info("run stage", "run_id", runId, "stage", stage)
	if err := r.store.SetStage(ctx, runId, stage); err != nil {
		slog.Error("error saving run stage", "run_id", runId, "stage", stage, "error", err)
	}
}

func (r *BulkRunner) fail(ctx context.Context, runId string, err error) {
	recordFailure(ctx, r.store, runId, err)
}

func recordFailure(ctx context.Context, store StateStore, runId string, err error) {
	slog.Error("run failed", "run_id", runId, "error", err)
	if runId == "" {
		return
	}
	// the run context may already be cancelled
	ctx = context.WithoutCancel(ctx)
	if serr := store.SetStage(ctx, runId, StageFailed); serr != nil {
		slog.Error("error saving run stage", "run_id", runId, "error", serr)
	}
	if serr := store.SetState(ctx, runId, RunState{Success: false, Exception: err.Error()}); serr != nil {
		slog.Error("error saving run state", "run_id", runId, "error", serr)
	}
}

// IsCancelled reports whether a run stopped because its context ended.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
