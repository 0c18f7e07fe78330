package core

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/geniusrise/geniusrise-text/internal/dataset"
	"gopkg.in/yaml.v2"
)

// TrainingArguments are the hyperparameters and locations for one training run.
type TrainingArguments struct {
	Task          TaskName
	ModelPath     string
	TokenizerPath string
	ModelClass    ModelClass
	OutputDir     string
	// DataDir receives the jsonl datasets and any config handed to the trainer.
	// Defaults to <OutputDir>/data.
	DataDir      string
	Epochs       int
	BatchSize    int
	LearningRate float64
	Load         LoadOptions
	MaxLength    int
	Args         map[string]any
}

func (a TrainingArguments) dataDir() string {
	if a.DataDir != "" {
		return a.DataDir
	}
	return filepath.Join(a.OutputDir, "data")
}

func (a TrainingArguments) dataFile(name string) string {
	return filepath.Join(a.dataDir(), name+".jsonl")
}

type Trainer interface {
	Train(ctx context.Context, train, eval *dataset.Dataset) error
	Evaluate(ctx context.Context, eval *dataset.Dataset) (*EvalPrediction, error)
	Save(ctx context.Context, dir string) error
}

func writeJSONL(path string, ds *dataset.Dataset) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating data dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for i := 0; i < ds.Len(); i++ {
		if err := enc.Encode(ds.Record(i)); err != nil {
			return fmt.Errorf("error writing record %d to %s: %w", i, path, err)
		}
	}
	return w.Flush()
}

const (
	trainingConfigFile  = "training_config.yaml"
	evalPredictionsFile = "eval_predictions.json"
)

type processTrainingConfig struct {
	ModelConfig        processModelConfig        `yaml:"ModelConfig"`
	TokenizerParams    processTokenizerParams    `yaml:"TokenizerParams"`
	QuantizationConfig processQuantizationConfig `yaml:"QuantizationConfig"`
	TrainingArguments  map[string]any            `yaml:"TrainingArguments"`
	DatasetConfig      processDatasetConfig      `yaml:"DatasetConfig"`
}

type processModelConfig struct {
	PretrainedModelNameOrPath string `yaml:"pretrained_model_name_or_path"`
	TokenizerPath             string `yaml:"tokenizer_path"`
	ModelClass                string `yaml:"model_class"`
	TorchDtype                string `yaml:"torch_dtype,omitempty"`
	DeviceMap                 string `yaml:"device_map,omitempty"`
}

type processTokenizerParams struct {
	Padding    bool `yaml:"padding"`
	Truncation bool `yaml:"truncation"`
	MaxLength  int  `yaml:"max_length,omitempty"`
}

type processQuantizationConfig struct {
	LoadIn8bit bool `yaml:"load_in_8bit"`
	LoadIn4bit bool `yaml:"load_in_4bit"`
}

type processDatasetConfig struct {
	Task      string `yaml:"task"`
	TrainFile string `yaml:"train_file"`
	EvalFile  string `yaml:"eval_file,omitempty"`
}

// ProcessTrainer runs an external training command, passing it a YAML config
// with --config. The command writes the model to the output directory and,
// when evaluating, eval_predictions.json with predictions and label_ids.
type ProcessTrainer struct {
	command []string
	args    TrainingArguments
}

func NewProcessTrainer(command []string, args TrainingArguments) (*ProcessTrainer, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("training command must not be empty")
	}
	return &ProcessTrainer{command: command, args: args}, nil
}

func (t *ProcessTrainer) config(trainFile, evalFile string) processTrainingConfig {
	targs := map[string]any{}
	for k, v := range t.args.Args {
		targs[k] = v
	}
	targs["output_dir"] = t.args.OutputDir
	targs["num_train_epochs"] = t.args.Epochs
	targs["per_device_train_batch_size"] = t.args.BatchSize
	targs["do_eval"] = evalFile != ""
	if t.args.LearningRate > 0 {
		targs["learning_rate"] = t.args.LearningRate
	}
	switch t.args.Load.Precision {
	case Float16:
		targs["fp16"] = true
	case BFloat16:
		targs["bf16"] = true
	}
	if !t.args.Load.UseAccelerator {
		targs["use_cpu"] = true
	}

	torchDtype := ""
	if t.args.Load.QuantizationBits == 0 {
		torchDtype = string(t.args.Load.Precision)
	}

	return processTrainingConfig{
		ModelConfig: processModelConfig{
			PretrainedModelNameOrPath: t.args.ModelPath,
			TokenizerPath:             t.args.TokenizerPath,
			ModelClass:                string(t.args.ModelClass),
			TorchDtype:                torchDtype,
			DeviceMap:                 t.args.Load.DeviceMap,
		},
		TokenizerParams: processTokenizerParams{Padding: true, Truncation: true, MaxLength: t.args.MaxLength},
		QuantizationConfig: processQuantizationConfig{
			LoadIn8bit: t.args.Load.QuantizationBits == 8,
			LoadIn4bit: t.args.Load.QuantizationBits == 4,
		},
		TrainingArguments: targs,
		DatasetConfig: processDatasetConfig{
			Task:      string(t.args.Task),
			TrainFile: trainFile,
			EvalFile:  evalFile,
		},
	}
}

func (t *ProcessTrainer) Train(ctx context.Context, train, eval *dataset.Dataset) error {
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

	data, err := yaml.Marshal(t.config(trainFile, evalFile))
	if err != nil {
		return fmt.Errorf("error encoding training config: %w", err)
	}
	configPath := filepath.Join(t.args.dataDir(), trainingConfigFile)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing training config: %w", err)
	}

	return t.run(ctx, configPath)
}

func (t *ProcessTrainer) run(ctx context.Context, configPath string) error {
	args := append(append([]string{}, t.command[1:]...), "--config", configPath)
	cmd := exec.CommandContext(ctx, t.command[0], args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	slog.Info("starting training process", "command", t.command[0], "args", args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting training process: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLogs(&wg, stdout, "stdout")
	go streamLogs(&wg, stderr, "stderr")
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("training process failed: %w", err)
	}
	return nil
}

func streamLogs(wg *sync.WaitGroup, r io.Reader, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		slog.Info("trainer", "stream", stream, "line", scanner.Text())
	}
}

func (t *ProcessTrainer) Evaluate(_ context.Context, _ *dataset.Dataset) (*EvalPrediction, error) {
	path := filepath.Join(t.args.OutputDir, evalPredictionsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("training process did not write %s: %w", evalPredictionsFile, err)
	}
	var pred EvalPrediction
	if err := json.Unmarshal(data, &pred); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	return &pred, nil
}

// Save copies the trained model when dir differs from the training output directory.
func (t *ProcessTrainer) Save(_ context.Context, dir string) error {
	src, err := filepath.Abs(t.args.OutputDir)
	if err != nil {
		return err
	}
	dst, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	return os.CopyFS(dst, os.DirFS(src))
}
