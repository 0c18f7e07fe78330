package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIModel generates through an OpenAI compatible chat completions endpoint.
type OpenAIModel struct {
	client openai.Client
	model  string
}

func NewOpenAIModel(baseURL, apiKey, model string) *OpenAIModel {
	var opts []option.RequestOption
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIModel{client: openai.NewClient(opts...), model: model}
}

func (m *OpenAIModel) Generate(ctx context.Context, _ Tokenizer, batch *Batch, opts GenerateOptions) ([]string, error) {
	out := make([]string, 0, batch.Size())
	for i, prompt := range batch.Texts {
		req := openai.ChatCompletionNewParams{
			Model:    m.model,
			Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		}
		if opts.MaxNewTokens > 0 {
			req.MaxCompletionTokens = openai.Int(int64(opts.MaxNewTokens))
		}
		if opts.Temperature > 0 {
			req.Temperature = openai.Float(opts.Temperature)
		}

		res, err := m.client.Chat.Completions.New(ctx, req)
		if err != nil {
			slog.Error("openai chat completion failed", "model", m.model, "item", i, "error", err)
			return nil, fmt.Errorf("openai generation failed: %w", err)
		}
		if len(res.Choices) == 0 {
			return nil, fmt.Errorf("openai returned no choices for item %d", i)
		}
		out = append(out, res.Choices[0].Message.Content)
	}
	return out, nil
}

func (m *OpenAIModel) Embed(ctx context.Context, batch *Batch) ([][]float32, error) {
	res, err := m.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(m.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: batch.Texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", err)
	}
	if len(res.Data) != batch.Size() {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(res.Data), batch.Size())
	}

	out := make([][]float32, len(res.Data))
	for _, d := range res.Data {
		if d.Index < 0 || d.Index >= int64(len(out)) || out[d.Index] != nil {
			return nil, fmt.Errorf("openai returned invalid embedding index %d for %d inputs", d.Index, len(out))
		}
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

func (m *OpenAIModel) Release() {}
