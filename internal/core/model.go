package core

import (
	"context"
	"fmt"
	"strings"
)

// ModelClass names a model architecture loader, e.g. "AutoModelForSeq2SeqLM".
type ModelClass string

const (
	Seq2SeqLM              ModelClass = "AutoModelForSeq2SeqLM"
	CausalLM               ModelClass = "AutoModelForCausalLM"
	SequenceClassification ModelClass = "AutoModelForSequenceClassification"
	TokenClassification    ModelClass = "AutoModelForTokenClassification"
	BaseModel              ModelClass = "AutoModel"
	OpenAIModel            ModelClass = "openai"
	OllamaModel            ModelClass = "ollama"

	// Classes with this prefix are served by the runtime plugin, e.g. "plugin:AutoModelForCausalLM".
	PluginClassPrefix = "plugin:"
)

type TokenizerClass string

const (
	AutoTokenizer   TokenizerClass = "AutoTokenizer"
	Tiktoken        TokenizerClass = "tiktoken"
	PluginTokenizer TokenizerClass = "plugin"
)

func (c ModelClass) IsPlugin() bool {
	return strings.HasPrefix(string(c), PluginClassPrefix)
}

// Architecture strips the plugin prefix.
func (c ModelClass) Architecture() ModelClass {
	return ModelClass(strings.TrimPrefix(string(c), PluginClassPrefix))
}

func defaultTokenizerClass(class ModelClass) TokenizerClass {
	switch {
	case class.IsPlugin():
		return PluginTokenizer
	case class == OpenAIModel || class == OllamaModel:
		return Tiktoken
	default:
		return AutoTokenizer
	}
}

// Model is a loaded model. What it can do is given by the capability
// interfaces below; a task checks for the one it needs.
type Model interface {
	Release()
}

type Generator interface {
	Generate(ctx context.Context, tok Tokenizer, batch *Batch, opts GenerateOptions) ([]string, error)
}

// Classifier returns one row of logits per input.
type Classifier interface {
	Classify(ctx context.Context, batch *Batch) ([][]float32, error)
	Labels() []string
}

// TokenClassifier returns logits for every token of every input.
type TokenClassifier interface {
	ClassifyTokens(ctx context.Context, batch *Batch) ([][][]float32, error)
	Labels() []string
}

type Embedder interface {
	Embed(ctx context.Context, batch *Batch) ([][]float32, error)
}

// Trainable models train inside their own runtime.
type Trainable interface {
	NewTrainer(args TrainingArguments) (Trainer, error)
}

// ModelSpec describes what to load. Path is the resolved model directory, or
// empty for remote endpoint models.
type ModelSpec struct {
	Name    string
	Path    string
	Class   ModelClass
	Options LoadOptions
}

type ModelLoader func(ctx context.Context, spec ModelSpec) (Model, error)

type TokenizerLoader func(ctx context.Context, spec ModelSpec) (Tokenizer, error)

type modelEntry struct {
	load ModelLoader
	// remote models are addressed by name and have no files to resolve
	remote bool
}

type RuntimeConfig struct {
	OnnxLibraryPath string
	PluginCommand   []string
	OpenAIBaseURL   string
	OpenAIKey       string
	OllamaURL       string
}

// Registry is the static table of model and tokenizer classes.
type Registry struct {
	models     map[ModelClass]modelEntry
	plugin     ModelLoader
	tokenizers map[TokenizerClass]TokenizerLoader
}

func NewRegistry(cfg RuntimeConfig) *Registry {
	onnx := func(ctx context.Context, spec ModelSpec) (Model, error) {
		return LoadOnnxModel(cfg.OnnxLibraryPath, spec)
	}

	return &Registry{
		models: map[ModelClass]modelEntry{
			Seq2SeqLM:              {load: onnx},
			CausalLM:               {load: onnx},
			SequenceClassification: {load: onnx},
			TokenClassification:    {load: onnx},
			BaseModel:              {load: onnx},
			OpenAIModel: {remote: true, load: func(_ context.Context, spec ModelSpec) (Model, error) {
				return NewOpenAIModel(cfg.OpenAIBaseURL, cfg.OpenAIKey, spec.Name), nil
			}},
			OllamaModel: {remote: true, load: func(_ context.Context, spec ModelSpec) (Model, error) {
				return NewOllamaModel(cfg.OllamaURL, spec.Name)
			}},
		},
		plugin: func(ctx context.Context, spec ModelSpec) (Model, error) {
			return LoadPluginModel(cfg.PluginCommand, spec)
		},
		tokenizers: map[TokenizerClass]TokenizerLoader{
			AutoTokenizer: func(_ context.Context, spec ModelSpec) (Tokenizer, error) {
				return LoadHFTokenizer(spec.Path)
			},
			Tiktoken: func(_ context.Context, spec ModelSpec) (Tokenizer, error) {
				return LoadTiktoken(spec.Name)
			},
			PluginTokenizer: func(context.Context, ModelSpec) (Tokenizer, error) {
				return PassthroughTokenizer{}, nil
			},
		},
	}
}

// RegisterModel adds or replaces a model class. Intended for tests and embedding programs.
func (r *Registry) RegisterModel(class ModelClass, remote bool, load ModelLoader) {
	r.models[class] = modelEntry{load: load, remote: remote}
}

func (r *Registry) RegisterTokenizer(class TokenizerClass, load TokenizerLoader) {
	r.tokenizers[class] = load
}

func (r *Registry) lookupModel(class ModelClass) (modelEntry, error) {
	if class.IsPlugin() {
		if class.Architecture() == "" {
			return modelEntry{}, fmt.Errorf("plugin model class is missing an architecture")
		}
		return modelEntry{load: r.plugin}, nil
	}
	entry, ok := r.models[class]
	if !ok {
		return modelEntry{}, fmt.Errorf("unsupported model class '%s'", class)
	}
	return entry, nil
}

func (r *Registry) lookupTokenizer(class TokenizerClass) (TokenizerLoader, error) {
	load, ok := r.tokenizers[class]
	if !ok {
		return nil, fmt.Errorf("unsupported tokenizer class '%s'", class)
	}
	return load, nil
}
