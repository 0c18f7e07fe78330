package core

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

type OllamaModel struct {
	llm   *ollama.LLM
	model string
}

func NewOllamaModel(serverURL, model string) (*OllamaModel, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating ollama client: %w", err)
	}
	return &OllamaModel{llm: llm, model: model}, nil
}

func (m *OllamaModel) Generate(ctx context.Context, _ Tokenizer, batch *Batch, opts GenerateOptions) ([]string, error) {
	var callOpts []llms.CallOption
	if opts.MaxNewTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxNewTokens))
	}
	if opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}

	out := make([]string, 0, batch.Size())
	for i, prompt := range batch.Texts {
		text, err := llms.GenerateFromSinglePrompt(ctx, m.llm, prompt, callOpts...)
		if err != nil {
			return nil, fmt.Errorf("ollama generation failed for item %d: %w", i, err)
		}
		out = append(out, text)
	}
	return out, nil
}

func (m *OllamaModel) Embed(ctx context.Context, batch *Batch) ([][]float32, error) {
	embeddings, err := m.llm.CreateEmbedding(ctx, batch.Texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embedding failed: %w", err)
	}
	return embeddings, nil
}

func (m *OllamaModel) Release() {}
