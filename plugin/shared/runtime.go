package shared

import "context"

// Runtime is the interface a model runtime plugin implements. Requests carry
// already tokenized batches when the host has a tokenizer, and raw texts otherwise.
type Runtime interface {
	Load(ctx context.Context, req *LoadRequest) (*LoadResponse, error)
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	Classify(ctx context.Context, req *BatchRequest) (*ClassifyResponse, error)
	ClassifyTokens(ctx context.Context, req *BatchRequest) (*ClassifyTokensResponse, error)
	Embed(ctx context.Context, req *BatchRequest) (*EmbedResponse, error)
	Train(ctx context.Context, req *TrainRequest) (*Empty, error)
	Evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error)
	Save(ctx context.Context, req *SaveRequest) (*Empty, error)
}

type Empty struct{}

type LoadRequest struct {
	Class            string            `json:"class"`
	Path             string            `json:"path"`
	UseAccelerator   bool              `json:"use_accelerator"`
	Precision        string            `json:"precision"`
	QuantizationBits int               `json:"quantization_bits"`
	DeviceMap        string            `json:"device_map"`
	MaxMemory        map[string]string `json:"max_memory,omitempty"`
}

type LoadResponse struct {
	Labels []string `json:"labels,omitempty"`
}

type BatchRequest struct {
	Texts         []string  `json:"texts"`
	InputIds      [][]int64 `json:"input_ids,omitempty"`
	AttentionMask [][]int64 `json:"attention_mask,omitempty"`
}

type GenerateRequest struct {
	BatchRequest
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature,omitempty"`
}

type GenerateResponse struct {
	Texts []string `json:"texts"`
}

type ClassifyResponse struct {
	Logits [][]float32 `json:"logits"`
}

type ClassifyTokensResponse struct {
	Logits [][][]float32 `json:"logits"`
}

type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// TrainRequest points at jsonl files of training records written by the host.
type TrainRequest struct {
	Task         string         `json:"task"`
	TrainFile    string         `json:"train_file"`
	EvalFile     string         `json:"eval_file,omitempty"`
	OutputDir    string         `json:"output_dir"`
	Epochs       int            `json:"num_train_epochs"`
	BatchSize    int            `json:"per_device_train_batch_size"`
	LearningRate float64        `json:"learning_rate,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
}

type EvaluateRequest struct {
	EvalFile string `json:"eval_file"`
}

// EvaluateResponse holds raw prediction and label arrays, nested to any depth.
type EvaluateResponse struct {
	Predictions any `json:"predictions"`
	LabelIds    any `json:"label_ids"`
}

type SaveRequest struct {
	Dir string `json:"dir"`
}
