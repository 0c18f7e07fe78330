package core

import (
	"context"
	"fmt"
	"os"

	"github.com/geniusrise/geniusrise-text/internal/core/python"
	"github.com/geniusrise/geniusrise-text/internal/dataset"
	"github.com/geniusrise/geniusrise-text/plugin/shared"
)

// pluginModel adapts a runtime plugin to the model capability interfaces.
type pluginModel struct {
	rt     *python.Runtime
	class  ModelClass
	labels []string
}

func LoadPluginModel(command []string, spec ModelSpec) (Model, error) {
	rt, err := python.Start(command)
	if err != nil {
		return nil, err
	}

	resp, err := rt.Load(context.Background(), &shared.LoadRequest{
		Class:            string(spec.Class.Architecture()),
		Path:             spec.Path,
		UseAccelerator:   spec.Options.UseAccelerator,
		Precision:        string(spec.Options.Precision),
		QuantizationBits: spec.Options.QuantizationBits,
		DeviceMap:        spec.Options.DeviceMap,
		MaxMemory:        spec.Options.MaxMemory,
	})
	if err != nil {
		rt.Release()
		return nil, fmt.Errorf("runtime plugin failed to load %s: %w", spec.Path, err)
	}

	return &pluginModel{rt: rt, class: spec.Class, labels: resp.Labels}, nil
}

func batchRequest(batch *Batch) shared.BatchRequest {
	return shared.BatchRequest{
		Texts:         batch.Texts,
		InputIds:      batch.InputIDs,
		AttentionMask: batch.AttentionMask,
	}
}

func (m *pluginModel) Generate(ctx context.Context, _ Tokenizer, batch *Batch, opts GenerateOptions) ([]string, error) {
	resp, err := m.rt.Generate(ctx, &shared.GenerateRequest{
		BatchRequest: batchRequest(batch),
		MaxNewTokens: opts.MaxNewTokens,
		Temperature:  opts.Temperature,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Texts) != batch.Size() {
		return nil, fmt.Errorf("runtime plugin returned %d outputs for %d inputs", len(resp.Texts), batch.Size())
	}
	return resp.Texts, nil
}

func (m *pluginModel) Classify(ctx context.Context, batch *Batch) ([][]float32, error) {
	req := batchRequest(batch)
	resp, err := m.rt.Classify(ctx, &req)
	if err != nil {
		return nil, err
	}
	return resp.Logits, nil
}

func (m *pluginModel) ClassifyTokens(ctx context.Context, batch *Batch) ([][][]float32, error) {
	req := batchRequest(batch)
	resp, err := m.rt.ClassifyTokens(ctx, &req)
	if err != nil {
		return nil, err
	}
	return resp.Logits, nil
}

func (m *pluginModel) Embed(ctx context.Context, batch *Batch) ([][]float32, error) {
	req := batchRequest(batch)
	resp, err := m.rt.Embed(ctx, &req)
	if err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

func (m *pluginModel) Labels() []string {
	return m.labels
}

func (m *pluginModel) Release() {
	m.rt.Release()
}

func (m *pluginModel) NewTrainer(args TrainingArguments) (Trainer, error) {
	return &pluginTrainer{rt: m.rt, args: args}, nil
}

// pluginTrainer hands datasets to the plugin as jsonl files in the output directory.
type pluginTrainer struct {
	rt   *python.Runtime
	args TrainingArguments
}

func (t *pluginTrainer) Train(ctx context.Context, train, eval *dataset.Dataset) error {
	trainFile := t.args.dataFile("train")
	if err := writeJSONL(trainFile, train); err != nil {
		return err
	}

	var evalFile string
	if eval != nil {
		evalFile = t.args.dataFile("eval")
		if err := writeJSONL(evalFile, eval); err != nil {
			return err
		}
	}

	_, err := t.rt.Train(ctx, &shared.TrainRequest{
		Task:         string(t.args.Task),
		TrainFile:    trainFile,
		EvalFile:     evalFile,
		OutputDir:    t.args.OutputDir,
		Epochs:       t.args.Epochs,
		BatchSize:    t.args.BatchSize,
		LearningRate: t.args.LearningRate,
		Args:         t.args.Args,
	})
	return err
}

func (t *pluginTrainer) Evaluate(ctx context.Context, eval *dataset.Dataset) (*EvalPrediction, error) {
	evalFile := t.args.dataFile("eval")
	if _, err := os.Stat(evalFile); err != nil {
		if err := writeJSONL(evalFile, eval); err != nil {
			return nil, err
		}
	}

	resp, err := t.rt.Evaluate(ctx, &shared.EvaluateRequest{EvalFile: evalFile})
	if err != nil {
		return nil, err
	}
	return NewEvalPrediction(resp.Predictions, resp.LabelIds)
}

func (t *pluginTrainer) Save(ctx context.Context, dir string) error {
	_, err := t.rt.Save(ctx, &shared.SaveRequest{Dir: dir})
	return err
}
