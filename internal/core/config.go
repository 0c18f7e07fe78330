package core

import (
	"fmt"
	"slices"
	"strings"
)

type Precision string

const (
	Float16  Precision = "float16"
	Float32  Precision = "float32"
	BFloat16 Precision = "bfloat16"
	Int8     Precision = "int8"
	Int4     Precision = "int4"
)

var precisions = []Precision{Float16, Float32, BFloat16, Int8, Int4}

// LoadOptions controls device placement, precision and quantization of a model.
type LoadOptions struct {
	UseAccelerator   bool              `json:"use_accelerator" yaml:"use_accelerator"`
	Precision        Precision         `json:"precision" yaml:"precision"`
	QuantizationBits int               `json:"quantization_bits" yaml:"quantization_bits"`
	DeviceMap        string            `json:"device_map" yaml:"device_map"`
	MaxMemory        map[string]string `json:"max_memory,omitempty" yaml:"max_memory,omitempty"`
}

// Normalize fills defaults and checks that precision and quantization agree.
func (o LoadOptions) Normalize() (LoadOptions, error) {
	if o.Precision == "" {
		o.Precision = Float32
	}
	if !slices.Contains(precisions, o.Precision) {
		return o, fmt.Errorf("unsupported precision '%s'", o.Precision)
	}
	if o.QuantizationBits != 0 && o.QuantizationBits != 4 && o.QuantizationBits != 8 {
		return o, fmt.Errorf("unsupported quantization_bits %d, must be 0, 4 or 8", o.QuantizationBits)
	}

	implied := map[Precision]int{Int8: 8, Int4: 4}[o.Precision]
	if implied != 0 {
		if o.QuantizationBits != 0 && o.QuantizationBits != implied {
			return o, fmt.Errorf("precision %s conflicts with quantization_bits %d", o.Precision, o.QuantizationBits)
		}
		o.QuantizationBits = implied
	}

	if o.DeviceMap == "" {
		if o.UseAccelerator {
			o.DeviceMap = "auto"
		} else {
			o.DeviceMap = "cpu"
		}
	}
	return o, nil
}

type TrainingConfig struct {
	Epochs       int            `json:"num_train_epochs" yaml:"num_train_epochs"`
	BatchSize    int            `json:"per_device_train_batch_size" yaml:"per_device_train_batch_size"`
	LearningRate float64        `json:"learning_rate,omitempty" yaml:"learning_rate,omitempty"`
	Args         map[string]any `json:"args,omitempty" yaml:"args,omitempty"`

	// Command runs an external training process instead of training through the
	// model runtime, e.g. ["accelerate", "launch", "train.py"].
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`
}

type HubOptions struct {
	RepoId        string `json:"hf_repo_id,omitempty" yaml:"hf_repo_id,omitempty"`
	CommitMessage string `json:"hf_commit_message,omitempty" yaml:"hf_commit_message,omitempty"`
	Token         string `json:"hf_token,omitempty" yaml:"hf_token,omitempty"`
	Private       bool   `json:"hf_private" yaml:"hf_private"`
	CreatePR      bool   `json:"hf_create_pr" yaml:"hf_create_pr"`
}

type GenerateOptions struct {
	MaxNewTokens   int     `json:"max_new_tokens,omitempty" yaml:"max_new_tokens,omitempty"`
	MaxInputLength int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Temperature    float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

type TaskOptions struct {
	SourceLang    string   `json:"origin,omitempty" yaml:"origin,omitempty"`
	TargetLang    string   `json:"target,omitempty" yaml:"target,omitempty"`
	PairSeparator string   `json:"pair_separator,omitempty" yaml:"pair_separator,omitempty"`
	Labels        []string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

const (
	LocalModelName = "local"

	DefaultBatchSize     = 32
	DefaultMaxNewTokens  = 128
	DefaultMaxLength     = 512
	DefaultPairSeparator = " [SEP] "
)

// RunConfig is the full configuration of a fine-tune or bulk run. It is
// normalized once with WithDefaults and never modified afterwards.
type RunConfig struct {
	RunId string   `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Task  TaskName `json:"task" yaml:"task"`

	ModelName         string         `json:"model_name" yaml:"model_name"`
	TokenizerName     string         `json:"tokenizer_name,omitempty" yaml:"tokenizer_name,omitempty"`
	ModelRevision     string         `json:"model_revision,omitempty" yaml:"model_revision,omitempty"`
	TokenizerRevision string         `json:"tokenizer_revision,omitempty" yaml:"tokenizer_revision,omitempty"`
	ModelClass        ModelClass     `json:"model_class,omitempty" yaml:"model_class,omitempty"`
	TokenizerClass    TokenizerClass `json:"tokenizer_class,omitempty" yaml:"tokenizer_class,omitempty"`

	BatchSize int         `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	Load      LoadOptions `json:"load" yaml:"load"`

	Training TrainingConfig `json:"training" yaml:"training"`
	Eval     bool           `json:"eval" yaml:"eval"`
	Hub      HubOptions     `json:"hub" yaml:"hub"`

	Generation GenerateOptions `json:"generation" yaml:"generation"`
	Options    TaskOptions     `json:"options" yaml:"options"`

	// Transform is a pipeline of named record transforms, e.g. "rename(document, text)".
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
	// Query overrides the query run against sqlite dataset files.
	Query string `json:"query,omitempty" yaml:"query,omitempty"`

	Input  string `json:"input" yaml:"input"`
	Output string `json:"output" yaml:"output"`
}

// Redacted returns a copy of the config without credentials, safe to persist or display.
func (c RunConfig) Redacted() RunConfig {
	c.Hub.Token = ""
	return c
}

func (c RunConfig) WithDefaults() (RunConfig, error) {
	task, ok := tasks[c.Task]
	if !ok {
		return c, fmt.Errorf("unknown task '%s'", c.Task)
	}

	if c.ModelName == "" {
		return c, fmt.Errorf("model_name must be specified")
	}
	if c.TokenizerName == "" {
		c.TokenizerName = c.ModelName
	}
	if c.TokenizerRevision == "" {
		c.TokenizerRevision = c.ModelRevision
	}
	if c.ModelClass == "" {
		c.ModelClass = task.ModelClass
	}
	if c.TokenizerClass == "" {
		c.TokenizerClass = defaultTokenizerClass(c.ModelClass)
	}

	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize < 0 {
		return c, fmt.Errorf("batch_size must be positive")
	}
	if c.Generation.MaxNewTokens == 0 {
		c.Generation.MaxNewTokens = DefaultMaxNewTokens
	}
	if c.Generation.MaxInputLength == 0 {
		c.Generation.MaxInputLength = DefaultMaxLength
	}
	if c.Options.PairSeparator == "" {
		c.Options.PairSeparator = DefaultPairSeparator
	}
	if c.Task == Translation && (c.Options.SourceLang == "" || c.Options.TargetLang == "") {
		return c, fmt.Errorf("translation requires origin and target languages")
	}

	load, err := c.Load.Normalize()
	if err != nil {
		return c, err
	}
	c.Load = load

	if strings.TrimSpace(c.Input) == "" || strings.TrimSpace(c.Output) == "" {
		return c, fmt.Errorf("input and output locations must be specified")
	}

	return c, nil
}

// ValidateFineTune checks the fields only a fine-tune run needs.
func (c RunConfig) ValidateFineTune() error {
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("num_train_epochs must be positive")
	}
	if c.Training.BatchSize <= 0 {
		return fmt.Errorf("per_device_train_batch_size must be positive")
	}
	return nil
}

func isLocal(name string) bool {
	return strings.EqualFold(name, LocalModelName)
}
