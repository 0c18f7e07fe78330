package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/geniusrise/geniusrise-text/internal/core/utils"
)

// HubDownloader fetches every file of a hub repository at a revision into dest.
type HubDownloader interface {
	Download(ctx context.Context, repo, revision, dest string) error
}

const (
	LocalModelSubdir = "model"
	DefaultRevision  = "main"

	downloadMarker = ".download-complete"
)

type Resolver struct {
	registry  *Registry
	hub       HubDownloader
	cacheDir  string
	downloads *utils.MutexMap
}

func NewResolver(registry *Registry, hub HubDownloader, cacheDir string) *Resolver {
	return &Resolver{registry: registry, hub: hub, cacheDir: cacheDir, downloads: utils.NewMutexMap(0)}
}

type ResolveRequest struct {
	// Input is the run input directory, used for "local" models.
	Input             string
	ModelName         string
	ModelRevision     string
	ModelClass        ModelClass
	TokenizerName     string
	TokenizerRevision string
	TokenizerClass    TokenizerClass
	Load              LoadOptions
}

func resolveRequest(cfg RunConfig, input string) ResolveRequest {
	return ResolveRequest{
		Input:             input,
		ModelName:         cfg.ModelName,
		ModelRevision:     cfg.ModelRevision,
		ModelClass:        cfg.ModelClass,
		TokenizerName:     cfg.TokenizerName,
		TokenizerRevision: cfg.TokenizerRevision,
		TokenizerClass:    cfg.TokenizerClass,
		Load:              cfg.Load,
	}
}

// Handles are the model and tokenizer resolved for a run.
type Handles struct {
	ModelPath     string
	TokenizerPath string
	Model         Model
	Tokenizer     Tokenizer
}

func (h *Handles) Release() {
	if h == nil {
		return
	}
	if h.Model != nil {
		h.Model.Release()
	}
	if h.Tokenizer != nil {
		if err := h.Tokenizer.Close(); err != nil {
			slog.Warn("error closing tokenizer", "error", err)
		}
	}
}

func resolutionError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrModelResolution, fmt.Sprintf(format, args...))
}

// ResolvePath returns the local directory holding a model's files. The name
// "local" always maps to <input>/model and never reaches the hub.
func (r *Resolver) ResolvePath(ctx context.Context, input, name, revision string) (string, error) {
	if name == "" {
		return "", resolutionError("model name must not be empty")
	}

	if isLocal(name) {
		dir := filepath.Join(input, LocalModelSubdir)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return "", resolutionError("local model directory %s does not exist", dir)
		}
		return dir, nil
	}

	if info, err := os.Stat(name); err == nil && info.IsDir() {
		return name, nil
	}

	if r.hub == nil {
		return "", resolutionError("model '%s' is not a directory and no hub is configured", name)
	}

	if revision == "" {
		revision = DefaultRevision
	}
	dest := filepath.Join(r.cacheDir, filepath.FromSlash(name), revision)

	// concurrent runs of the same model share one download
	if err := r.downloads.Lock(dest); err != nil {
		return "", fmt.Errorf("%w: %w", ErrModelResolution, err)
	}
	defer r.downloads.Unlock(dest)

	if _, err := os.Stat(filepath.Join(dest, downloadMarker)); err == nil {
		slog.Info("using cached model", "model", name, "revision", revision, "path", dest)
		return dest, nil
	}

	slog.Info("downloading model from hub", "model", name, "revision", revision, "dest", dest)
	if err := r.hub.Download(ctx, name, revision, dest); err != nil {
		return "", fmt.Errorf("%w: error downloading '%s' at revision '%s': %w", ErrModelResolution, name, revision, err)
	}
	if err := os.WriteFile(filepath.Join(dest, downloadMarker), nil, 0644); err != nil {
		return "", fmt.Errorf("%w: error marking download complete: %w", ErrIO, err)
	}
	return dest, nil
}

// ResolvePaths resolves the model and tokenizer directories without loading either.
func (r *Resolver) ResolvePaths(ctx context.Context, req ResolveRequest) (string, string, error) {
	entry, err := r.registry.lookupModel(req.ModelClass)
	if err != nil {
		return "", "", resolutionError("%v", err)
	}

	var modelPath string
	if !entry.remote {
		if modelPath, err = r.ResolvePath(ctx, req.Input, req.ModelName, req.ModelRevision); err != nil {
			return "", "", err
		}
	}

	tokenizerPath := modelPath
	if req.TokenizerClass == AutoTokenizer && (req.TokenizerName != req.ModelName || req.TokenizerRevision != req.ModelRevision || modelPath == "") {
		if tokenizerPath, err = r.ResolvePath(ctx, req.Input, req.TokenizerName, req.TokenizerRevision); err != nil {
			return "", "", err
		}
	}
	return modelPath, tokenizerPath, nil
}

// LoadTokenizer loads the request's tokenizer from an already resolved path.
func (r *Resolver) LoadTokenizer(ctx context.Context, req ResolveRequest, path string) (Tokenizer, error) {
	load, err := r.registry.lookupTokenizer(req.TokenizerClass)
	if err != nil {
		return nil, resolutionError("%v", err)
	}
	tokenizer, err := load(ctx, ModelSpec{Name: req.TokenizerName, Path: path, Class: req.ModelClass, Options: req.Load})
	if err != nil {
		return nil, fmt.Errorf("%w: error loading tokenizer '%s' as %s: %w", ErrModelResolution, req.TokenizerName, req.TokenizerClass, err)
	}
	return tokenizer, nil
}

// Resolve resolves and loads the model and tokenizer.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Handles, error) {
	entry, err := r.registry.lookupModel(req.ModelClass)
	if err != nil {
		return nil, resolutionError("%v", err)
	}
	if _, err := r.registry.lookupTokenizer(req.TokenizerClass); err != nil {
		return nil, resolutionError("%v", err)
	}
	load, err := req.Load.Normalize()
	if err != nil {
		return nil, resolutionError("invalid load options: %v", err)
	}
	req.Load = load

	modelPath, tokenizerPath, err := r.ResolvePaths(ctx, req)
	if err != nil {
		return nil, err
	}

	model, err := entry.load(ctx, ModelSpec{Name: req.ModelName, Path: modelPath, Class: req.ModelClass, Options: load})
	if err != nil {
		return nil, fmt.Errorf("%w: error loading model '%s' as %s: %w", ErrModelResolution, req.ModelName, req.ModelClass, err)
	}

	tokenizer, err := r.LoadTokenizer(ctx, req, tokenizerPath)
	if err != nil {
		model.Release()
		return nil, err
	}

	slog.Info("resolved model", "model", req.ModelName, "class", req.ModelClass, "tokenizer", req.TokenizerName,
		"tokenizer_class", req.TokenizerClass, "precision", load.Precision, "device_map", load.DeviceMap)

	return &Handles{ModelPath: modelPath, TokenizerPath: tokenizerPath, Model: model, Tokenizer: tokenizer}, nil
}

// IsResolutionError reports whether err came from model or tokenizer resolution.
func IsResolutionError(err error) bool {
	return errors.Is(err, ErrModelResolution)
}
