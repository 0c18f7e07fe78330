// Package server exposes a Go model runtime over the plugin protocol, so that
// cgo runtimes can run isolated in their own process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/plugin/shared"
)

var (
	ErrNotLoaded   = errors.New("no model loaded")
	ErrUnsupported = errors.New("operation not supported by this runtime")
)

type Loader func(ctx context.Context, spec core.ModelSpec) (core.Model, core.Tokenizer, error)

// Runtime serves one loaded model at a time. Calls are serialized.
type Runtime struct {
	load Loader

	mu    sync.Mutex
	model core.Model
	tok   core.Tokenizer
}

var _ shared.Runtime = (*Runtime)(nil)

func New(load Loader) *Runtime {
	return &Runtime{load: load}
}

func (r *Runtime) releaseLocked() {
	if r.model != nil {
		r.model.Release()
		r.model = nil
	}
	if r.tok != nil {
		if err := r.tok.Close(); err != nil {
			slog.Warn("error closing tokenizer", "error", err)
		}
		r.tok = nil
	}
}

func (r *Runtime) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked()
}

func (r *Runtime) Load(ctx context.Context, req *shared.LoadRequest) (*shared.LoadResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec := core.ModelSpec{
		Name:  req.Path,
		Path:  req.Path,
		Class: core.ModelClass(req.Class),
		Options: core.LoadOptions{
			UseAccelerator:   req.UseAccelerator,
			Precision:        core.Precision(req.Precision),
			QuantizationBits: req.QuantizationBits,
			DeviceMap:        req.DeviceMap,
			MaxMemory:        req.MaxMemory,
		},
	}

	model, tok, err := r.load(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("error loading %s model from %s: %w", req.Class, req.Path, err)
	}
	r.releaseLocked()
	r.model, r.tok = model, tok

	resp := &shared.LoadResponse{}
	switch m := model.(type) {
	case core.Classifier:
		resp.Labels = m.Labels()
	case core.TokenClassifier:
		resp.Labels = m.Labels()
	}
	slog.Info("loaded model", "class", req.Class, "path", req.Path, "labels", len(resp.Labels))
	return resp, nil
}

func (r *Runtime) batch(req shared.BatchRequest) (*core.Batch, error) {
	if r.model == nil {
		return nil, ErrNotLoaded
	}
	if len(req.InputIds) > 0 {
		if len(req.InputIds) != len(req.Texts) || len(req.AttentionMask) != len(req.InputIds) {
			return nil, fmt.Errorf("batch has %d texts, %d input ids and %d attention masks", len(req.Texts), len(req.InputIds), len(req.AttentionMask))
		}
		return &core.Batch{Texts: req.Texts, InputIDs: req.InputIds, AttentionMask: req.AttentionMask}, nil
	}
	if r.tok == nil {
		return nil, fmt.Errorf("batch is not tokenized and no tokenizer is loaded")
	}
	return r.tok.Encode(req.Texts, core.EncodeOptions{AddSpecialTokens: true})
}

func (r *Runtime) Generate(ctx context.Context, req *shared.GenerateRequest) (*shared.GenerateResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, err := r.batch(req.BatchRequest)
	if err != nil {
		return nil, err
	}
	gen, ok := r.model.(core.Generator)
	if !ok {
		return nil, fmt.Errorf("generate: %w", ErrUnsupported)
	}
	texts, err := gen.Generate(ctx, r.tok, batch, core.GenerateOptions{MaxNewTokens: req.MaxNewTokens, Temperature: req.Temperature})
	if err != nil {
		return nil, err
	}
	return &shared.GenerateResponse{Texts: texts}, nil
}

func (r *Runtime) Classify(ctx context.Context, req *shared.BatchRequest) (*shared.ClassifyResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, err := r.batch(*req)
	if err != nil {
		return nil, err
	}
	cls, ok := r.model.(core.Classifier)
	if !ok {
		return nil, fmt.Errorf("classify: %w", ErrUnsupported)
	}
	logits, err := cls.Classify(ctx, batch)
	if err != nil {
		return nil, err
	}
	return &shared.ClassifyResponse{Logits: logits}, nil
}

func (r *Runtime) ClassifyTokens(ctx context.Context, req *shared.BatchRequest) (*shared.ClassifyTokensResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, err := r.batch(*req)
	if err != nil {
		return nil, err
	}
	cls, ok := r.model.(core.TokenClassifier)
	if !ok {
		return nil, fmt.Errorf("classify tokens: %w", ErrUnsupported)
	}
	logits, err := cls.ClassifyTokens(ctx, batch)
	if err != nil {
		return nil, err
	}
	return &shared.ClassifyTokensResponse{Logits: logits}, nil
}

func (r *Runtime) Embed(ctx context.Context, req *shared.BatchRequest) (*shared.EmbedResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, err := r.batch(*req)
	if err != nil {
		return nil, err
	}
	emb, ok := r.model.(core.Embedder)
	if !ok {
		return nil, fmt.Errorf("embed: %w", ErrUnsupported)
	}
	vectors, err := emb.Embed(ctx, batch)
	if err != nil {
		return nil, err
	}
	return &shared.EmbedResponse{Embeddings: vectors}, nil
}

func (r *Runtime) Train(context.Context, *shared.TrainRequest) (*shared.Empty, error) {
	return nil, fmt.Errorf("train: %w", ErrUnsupported)
}

func (r *Runtime) Evaluate(context.Context, *shared.EvaluateRequest) (*shared.EvaluateResponse, error) {
	return nil, fmt.Errorf("evaluate: %w", ErrUnsupported)
}

func (r *Runtime) Save(context.Context, *shared.SaveRequest) (*shared.Empty, error) {
	return nil, fmt.Errorf("save: %w", ErrUnsupported)
}
