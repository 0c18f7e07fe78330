package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"

	"github.com/geniusrise/geniusrise-text/internal/config"
	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/internal/hub"
	"github.com/geniusrise/geniusrise-text/internal/storage"
	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	if err := godotenv.Load(configPath); err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

type Runners struct {
	FineTuner *core.FineTuner
	Bulk      *core.BulkRunner
}

// NewStager returns an S3 backed stager when any location is remote, and a
// passthrough stager otherwise.
func NewStager(ctx context.Context, cfg config.S3Config, workDir string, locations ...string) (core.Stager, error) {
	remote := len(locations) == 0
	for _, loc := range locations {
		parsed, err := storage.ParseLocation(loc)
		if err != nil {
			return nil, err
		}
		remote = remote || parsed.IsRemote()
	}
	if !remote {
		return core.LocalStager{}, nil
	}

	store, err := storage.NewS3ObjectStore(ctx, cfg.Client())
	if err != nil {
		return nil, fmt.Errorf("error creating object store: %w", err)
	}
	return storage.NewStager(store, workDir), nil
}

func NewRunners(hubCfg config.HubConfig, runtimeCfg config.RuntimeConfig, stager core.Stager, store core.StateStore) Runners {
	registry := core.NewRegistry(runtimeCfg.Core())
	client := hub.NewClient(hubCfg.Endpoint, hubCfg.Token)
	resolver := core.NewResolver(registry, client, hubCfg.CacheDir)

	slog.Info("runtime configured", "hub", hubCfg.Endpoint, "cache_dir", hubCfg.CacheDir, "plugin", runtimeCfg.PluginCommand)

	return Runners{
		FineTuner: core.NewFineTuner(resolver, client, stager, store),
		Bulk:      core.NewBulkRunner(resolver, stager, store),
	}
}
