package main

import (
	"fmt"

	"github.com/geniusrise/geniusrise-text/internal/config"
	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// runFlags collects run options from flags. Flags that were set override the
// values of the --config file.
type runFlags struct {
	configPath string
	values     core.RunConfig
	apply      map[string]func(dst *core.RunConfig)
}

func (f *runFlags) bind(name string, apply func(dst, src *core.RunConfig)) {
	if f.apply == nil {
		f.apply = map[string]func(*core.RunConfig){}
	}
	f.apply[name] = func(dst *core.RunConfig) { apply(dst, &f.values) }
}

func addRunFlags(cmd *cobra.Command, finetune bool) *runFlags {
	f := &runFlags{}
	v := &f.values
	fs := cmd.Flags()

	fs.StringVar(&f.configPath, "config", "", "yaml or json file with the run config")

	fs.StringVar(&v.RunId, "run-id", "", "id to record the run under, generated if empty")
	f.bind("run-id", func(d, s *core.RunConfig) { d.RunId = s.RunId })
	fs.StringVar((*string)(&v.Task), "task", "", fmt.Sprintf("task to run, one of %v", core.TaskNames()))
	f.bind("task", func(d, s *core.RunConfig) { d.Task = s.Task })
	fs.StringVar(&v.ModelName, "model", "", "hub model name, a model directory or 'local' for <input>/model")
	f.bind("model", func(d, s *core.RunConfig) { d.ModelName = s.ModelName })
	fs.StringVar(&v.ModelRevision, "model-revision", "", "model revision")
	f.bind("model-revision", func(d, s *core.RunConfig) { d.ModelRevision = s.ModelRevision })
	fs.StringVar((*string)(&v.ModelClass), "model-class", "", "model class, defaults to the task's class")
	f.bind("model-class", func(d, s *core.RunConfig) { d.ModelClass = s.ModelClass })
	fs.StringVar(&v.TokenizerName, "tokenizer", "", "tokenizer name, defaults to the model")
	f.bind("tokenizer", func(d, s *core.RunConfig) { d.TokenizerName = s.TokenizerName })
	fs.StringVar(&v.TokenizerRevision, "tokenizer-revision", "", "tokenizer revision")
	f.bind("tokenizer-revision", func(d, s *core.RunConfig) { d.TokenizerRevision = s.TokenizerRevision })
	fs.StringVar((*string)(&v.TokenizerClass), "tokenizer-class", "", "tokenizer class")
	f.bind("tokenizer-class", func(d, s *core.RunConfig) { d.TokenizerClass = s.TokenizerClass })

	fs.StringVar(&v.Input, "input", "", "input directory or s3://bucket/prefix")
	f.bind("input", func(d, s *core.RunConfig) { d.Input = s.Input })
	fs.StringVar(&v.Output, "output", "", "output directory or s3://bucket/prefix")
	f.bind("output", func(d, s *core.RunConfig) { d.Output = s.Output })
	fs.IntVar(&v.BatchSize, "batch-size", 0, "inference batch size")
	f.bind("batch-size", func(d, s *core.RunConfig) { d.BatchSize = s.BatchSize })
	fs.StringVar(&v.Transform, "transform", "", "record transform pipeline, e.g. 'rename(document, text) | lower(text)'")
	f.bind("transform", func(d, s *core.RunConfig) { d.Transform = s.Transform })
	fs.StringVar(&v.Query, "query", "", "query run against sqlite dataset files")
	f.bind("query", func(d, s *core.RunConfig) { d.Query = s.Query })

	fs.StringVar((*string)(&v.Load.Precision), "precision", "", "float32, float16, bfloat16, int8 or int4")
	f.bind("precision", func(d, s *core.RunConfig) { d.Load.Precision = s.Load.Precision })
	fs.IntVar(&v.Load.QuantizationBits, "quantization", 0, "0, 4 or 8")
	f.bind("quantization", func(d, s *core.RunConfig) { d.Load.QuantizationBits = s.Load.QuantizationBits })
	fs.StringVar(&v.Load.DeviceMap, "device-map", "", "device placement, e.g. auto, cpu or cuda:0")
	f.bind("device-map", func(d, s *core.RunConfig) { d.Load.DeviceMap = s.Load.DeviceMap })
	fs.BoolVar(&v.Load.UseAccelerator, "use-accelerator", false, "run on an accelerator")
	f.bind("use-accelerator", func(d, s *core.RunConfig) { d.Load.UseAccelerator = s.Load.UseAccelerator })

	fs.IntVar(&v.Generation.MaxNewTokens, "max-new-tokens", 0, "max generated tokens")
	f.bind("max-new-tokens", func(d, s *core.RunConfig) { d.Generation.MaxNewTokens = s.Generation.MaxNewTokens })
	fs.IntVar(&v.Generation.MaxInputLength, "max-length", 0, "max input tokens")
	f.bind("max-length", func(d, s *core.RunConfig) { d.Generation.MaxInputLength = s.Generation.MaxInputLength })
	fs.Float64Var(&v.Generation.Temperature, "temperature", 0, "sampling temperature")
	f.bind("temperature", func(d, s *core.RunConfig) { d.Generation.Temperature = s.Generation.Temperature })
	fs.StringVar(&v.Options.SourceLang, "origin", "", "source language for translation")
	f.bind("origin", func(d, s *core.RunConfig) { d.Options.SourceLang = s.Options.SourceLang })
	fs.StringVar(&v.Options.TargetLang, "target", "", "target language for translation")
	f.bind("target", func(d, s *core.RunConfig) { d.Options.TargetLang = s.Options.TargetLang })
	fs.StringSliceVar(&v.Options.Labels, "labels", nil, "label names, in model output order")
	f.bind("labels", func(d, s *core.RunConfig) { d.Options.Labels = s.Options.Labels })

	if !finetune {
		return f
	}

	fs.IntVar(&v.Training.Epochs, "epochs", 0, "number of training epochs")
	f.bind("epochs", func(d, s *core.RunConfig) { d.Training.Epochs = s.Training.Epochs })
	fs.IntVar(&v.Training.BatchSize, "train-batch-size", 0, "per device training batch size")
	f.bind("train-batch-size", func(d, s *core.RunConfig) { d.Training.BatchSize = s.Training.BatchSize })
	fs.Float64Var(&v.Training.LearningRate, "learning-rate", 0, "learning rate")
	f.bind("learning-rate", func(d, s *core.RunConfig) { d.Training.LearningRate = s.Training.LearningRate })
	fs.StringSliceVar(&v.Training.Command, "train-command", nil, "external training command, e.g. accelerate,launch,train.py")
	f.bind("train-command", func(d, s *core.RunConfig) { d.Training.Command = s.Training.Command })
	fs.BoolVar(&v.Eval, "eval", false, "evaluate on <input>/eval after training")
	f.bind("eval", func(d, s *core.RunConfig) { d.Eval = s.Eval })

	fs.StringVar(&v.Hub.RepoId, "hf-repo-id", "", "hub repo to push the trained model to")
	f.bind("hf-repo-id", func(d, s *core.RunConfig) { d.Hub.RepoId = s.Hub.RepoId })
	fs.StringVar(&v.Hub.CommitMessage, "hf-commit-message", "", "commit message for the push")
	f.bind("hf-commit-message", func(d, s *core.RunConfig) { d.Hub.CommitMessage = s.Hub.CommitMessage })
	fs.StringVar(&v.Hub.Token, "hf-token", "", "hub token, defaults to HF_TOKEN")
	f.bind("hf-token", func(d, s *core.RunConfig) { d.Hub.Token = s.Hub.Token })
	fs.BoolVar(&v.Hub.Private, "hf-private", false, "create the hub repo as private")
	f.bind("hf-private", func(d, s *core.RunConfig) { d.Hub.Private = s.Hub.Private })
	fs.BoolVar(&v.Hub.CreatePR, "hf-create-pr", false, "push as a pull request")
	f.bind("hf-create-pr", func(d, s *core.RunConfig) { d.Hub.CreatePR = s.Hub.CreatePR })

	return f
}

func (f *runFlags) build(cmd *cobra.Command) (core.RunConfig, error) {
	var cfg core.RunConfig
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadRunConfig(f.configPath); err != nil {
			return cfg, err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		if apply, ok := f.apply[flag.Name]; ok {
			apply(&cfg)
		}
	})
	return cfg, nil
}
