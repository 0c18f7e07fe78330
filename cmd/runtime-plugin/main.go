// Command runtime-plugin serves the onnx runtime over the plugin protocol, so
// that workers can run models out of process by setting
// RUNTIME_PLUGIN=runtime-plugin.
package main

import (
	"context"
	"log"
	"os"

	"github.com/geniusrise/geniusrise-text/internal/config"
	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/plugin/server"
	"github.com/geniusrise/geniusrise-text/plugin/shared"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

func main() {
	cfg, err := config.Parse[config.RuntimeConfig]()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	rt := server.New(func(_ context.Context, spec core.ModelSpec) (core.Model, core.Tokenizer, error) {
		model, err := core.LoadOnnxModel(cfg.OnnxLibraryPath, spec)
		if err != nil {
			return nil, nil, err
		}
		tok, err := core.LoadHFTokenizer(spec.Path)
		if err != nil {
			model.Release()
			return nil, nil, err
		}
		return model, tok, nil
	})
	defer rt.Release()

	// stdout carries the plugin handshake, so logs go to stderr
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "runtime-plugin",
		Level:      hclog.Info,
		Output:     os.Stderr,
		JSONFormat: true,
	})

	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: shared.Handshake,
		Plugins: map[string]plugin.Plugin{
			shared.PluginName: &shared.RuntimePlugin{Impl: rt},
		},
		GRPCServer: plugin.DefaultGRPCServer,
		Logger:     logger,
	})
}
