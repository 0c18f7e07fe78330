package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/geniusrise/geniusrise-text/internal/dataset"
)

const (
	TrainSubdir = "train"
	EvalSubdir  = "eval"
	ModelSubdir = "model"
	dataSubdir  = "data"
)

// HubUploader creates hub repositories and pushes model directories to them.
type HubUploader interface {
	CreateRepo(ctx context.Context, repo, token string, private bool) error
	UploadFolder(ctx context.Context, repo, dir, message, token string, createPR bool) error
}

type FineTuneResult struct {
	RunId    string             `json:"run_id"`
	ModelDir string             `json:"model_dir"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	RepoId   string             `json:"repo_id,omitempty"`
}

type FineTuner struct {
	resolver *Resolver
	hub      HubUploader
	stager   Stager
	store    StateStore
}

func NewFineTuner(resolver *Resolver, hub HubUploader, stager Stager, store StateStore) *FineTuner {
	if stager == nil {
		stager = LocalStager{}
	}
	return &FineTuner{resolver: resolver, hub: hub, stager: stager, store: store}
}

func (f *FineTuner) Run(ctx context.Context, cfg RunConfig) (*FineTuneResult, error) {
	rc, err := NewRunContext(cfg)
	if err == nil {
		err = rc.Config.ValidateFineTune()
	}
	if err != nil {
		runId := cfg.RunId
		if rc != nil {
			runId = rc.RunId
		}
		err = fmt.Errorf("%w: %w", ErrTraining, err)
		recordFailure(ctx, f.store, runId, err)
		return nil, err
	}

	result, err := f.run(ctx, rc)
	if err != nil {
		recordFailure(ctx, f.store, rc.RunId, err)
		return nil, err
	}

	f.setStage(ctx, rc.RunId, StageDone)
	if err := f.store.SetState(ctx, rc.RunId, RunState{Success: true}); err != nil {
		slog.Error("error saving run state", "run_id", rc.RunId, "error", err)
	}
	slog.Info("fine-tune complete", "run_id", rc.RunId, "model_dir", result.ModelDir)
	return result, nil
}

func (f *FineTuner) run(ctx context.Context, rc *RunContext) (*FineTuneResult, error) {
	f.setStage(ctx, rc.RunId, StageInit)
	input, err := f.stager.StageInput(ctx, rc.Input)
	if err != nil {
		return nil, fmt.Errorf("%w: error staging input: %w", ErrIO, err)
	}
	output, err := f.stager.OutputDir(rc.Output)
	if err != nil {
		return nil, fmt.Errorf("%w: error preparing output: %w", ErrIO, err)
	}
	rc = rc.withDirs(input, output)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.setStage(ctx, rc.RunId, StageLoadModel)
	handles, err := f.loadModel(ctx, rc)
	if err != nil {
		return nil, err
	}
	defer handles.Release()
	rc = rc.withHandles(handles)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.setStage(ctx, rc.RunId, StageLoadData)
	train, eval, err := f.loadData(rc)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.setStage(ctx, rc.RunId, StageTrain)
	modelDir := filepath.Join(rc.Output, ModelSubdir)
	trainer, err := f.trainer(rc, modelDir)
	if err != nil {
		return nil, err
	}
	if err := trainer.Train(ctx, train, eval); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTraining, err)
	}
	if err := trainer.Save(ctx, modelDir); err != nil {
		return nil, fmt.Errorf("%w: error saving model: %w", ErrTraining, err)
	}

	result := &FineTuneResult{RunId: rc.RunId, ModelDir: modelDir}

	if eval != nil {
		f.setStage(ctx, rc.RunId, StageEval)
		metrics, err := f.evaluate(ctx, rc, trainer, eval)
		if err != nil {
			return nil, err
		}
		result.Metrics = metrics
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rc.Config.Hub.RepoId != "" {
		f.setStage(ctx, rc.RunId, StageUpload)
		if err := f.push(ctx, rc, modelDir); err != nil {
			return nil, err
		}
		result.RepoId = rc.Config.Hub.RepoId
	}

	if err := f.stager.PublishOutput(ctx, rc.Output, rc.Config.Output); err != nil {
		return nil, fmt.Errorf("%w: error publishing output: %w", ErrUpload, err)
	}
	return result, nil
}

// loadModel resolves the model. When an external training command is
// configured only the paths and tokenizer are needed.
func (f *FineTuner) loadModel(ctx context.Context, rc *RunContext) (*Handles, error) {
	req := resolveRequest(rc.Config, rc.Input)
	if len(rc.Config.Training.Command) == 0 {
		return f.resolver.Resolve(ctx, req)
	}

	modelPath, tokenizerPath, err := f.resolver.ResolvePaths(ctx, req)
	if err != nil {
		return nil, err
	}
	tokenizer, err := f.resolver.LoadTokenizer(ctx, req, tokenizerPath)
	if err != nil {
		return nil, err
	}
	return &Handles{ModelPath: modelPath, TokenizerPath: tokenizerPath, Tokenizer: tokenizer}, nil
}

func (f *FineTuner) loadData(rc *RunContext) (*dataset.Dataset, *dataset.Dataset, error) {
	opts := rc.loadOptions(rc.Task.TrainFields)

	train, err := dataset.Load(filepath.Join(rc.Input, TrainSubdir), opts)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("loaded train dataset", "run_id", rc.RunId, "records", train.Len())

	if !rc.Config.Eval {
		return train, nil, nil
	}
	eval, err := dataset.Load(filepath.Join(rc.Input, EvalSubdir), opts)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("loaded eval dataset", "run_id", rc.RunId, "records", eval.Len())
	return train, eval, nil
}

func (f *FineTuner) trainer(rc *RunContext, modelDir string) (Trainer, error) {
	args := TrainingArguments{
		Task:          rc.Task.Name,
		ModelPath:     rc.Handles.ModelPath,
		TokenizerPath: rc.Handles.TokenizerPath,
		ModelClass:    rc.Config.ModelClass,
		OutputDir:     modelDir,
		DataDir:       filepath.Join(rc.Output, dataSubdir),
		Epochs:        rc.Config.Training.Epochs,
		BatchSize:     rc.Config.Training.BatchSize,
		LearningRate:  rc.Config.Training.LearningRate,
		Load:          rc.Config.Load,
		MaxLength:     rc.Config.Generation.MaxInputLength,
		Args:          rc.Config.Training.Args,
	}

	if len(rc.Config.Training.Command) > 0 {
		trainer, err := NewProcessTrainer(rc.Config.Training.Command, args)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTraining, err)
		}
		return trainer, nil
	}

	trainable, ok := rc.Handles.Model.(Trainable)
	if !ok {
		return nil, fmt.Errorf("%w: model class '%s' cannot be trained without a training command", ErrTraining, rc.Config.ModelClass)
	}
	trainer, err := trainable.NewTrainer(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTraining, err)
	}
	return trainer, nil
}

func (f *FineTuner) evaluate(ctx context.Context, rc *RunContext, trainer Trainer, eval *dataset.Dataset) (map[string]float64, error) {
	pred, err := trainer.Evaluate(ctx, eval)
	if err != nil {
		return nil, fmt.Errorf("%w: error evaluating model: %w", ErrTraining, err)
	}
	computer, err := NewMetricsComputer(rc.Task.Metrics, rc.Handles.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTraining, err)
	}
	metrics, err := computer.Compute(*pred)
	if err != nil {
		return nil, fmt.Errorf("%w: error computing metrics: %w", ErrTraining, err)
	}

	slog.Info("evaluation metrics", "run_id", rc.RunId, "metrics", metrics)
	if err := f.store.SaveMetrics(ctx, rc.RunId, metrics); err != nil {
		slog.Error("error saving metrics", "run_id", rc.RunId, "error", err)
	}
	return metrics, nil
}

func (f *FineTuner) push(ctx context.Context, rc *RunContext, modelDir string) error {
	if f.hub == nil {
		return fmt.Errorf("%w: no hub client configured", ErrUpload)
	}
	hub := rc.Config.Hub

	if err := f.hub.CreateRepo(ctx, hub.RepoId, hub.Token, hub.Private); err != nil {
		return fmt.Errorf("%w: error creating repo '%s': %w", ErrUpload, hub.RepoId, err)
	}

	message := hub.CommitMessage
	if message == "" {
		message = fmt.Sprintf("Upload fine-tuned %s model", rc.Task.Name)
	}
	if err := f.hub.UploadFolder(ctx, hub.RepoId, modelDir, message, hub.Token, hub.CreatePR); err != nil {
		return fmt.Errorf("%w: error pushing to '%s': %w", ErrUpload, hub.RepoId, err)
	}
	slog.Info("pushed model to hub", "run_id", rc.RunId, "repo", hub.RepoId, "create_pr", hub.CreatePR)
	return nil
}

func (f *FineTuner) setStage(ctx context.Context, runId string, stage Stage) {
	slog.Info("run stage", "run_id", runId, "stage", stage)
	if err := f.store.SetStage(ctx, runId, stage); err != nil {
		slog.Error("error saving run stage", "run_id", runId, "stage", stage, "error", err)
	}
}

// IsTrainingError reports whether err came from the training runtime.
func IsTrainingError(err error) bool {
	return errors.Is(err, ErrTraining)
}
