package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/geniusrise/geniusrise-text/internal/core"
	"github.com/geniusrise/geniusrise-text/internal/storage"
	"gopkg.in/yaml.v2"
)

type S3Config struct {
	EndpointURL     string `env:"S3_ENDPOINT_URL"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	Concurrency     int    `env:"S3_CONCURRENCY" envDefault:"8"`
}

func (c S3Config) Client() storage.S3ClientConfig {
	return storage.S3ClientConfig{
		Endpoint:        c.EndpointURL,
		Region:          c.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		Concurrency:     c.Concurrency,
	}
}

type HubConfig struct {
	Endpoint string `env:"HF_ENDPOINT" envDefault:"https://huggingface.co"`
	Token    string `env:"HF_TOKEN"`
	CacheDir string `env:"MODEL_CACHE_DIR" envDefault:"models"`
}

type RuntimeConfig struct {
	OnnxLibraryPath string   `env:"ONNX_RUNTIME_LIB"`
	PluginCommand   []string `env:"RUNTIME_PLUGIN" envSeparator:" "`
	OpenAIBaseURL   string   `env:"OPENAI_BASE_URL"`
	OpenAIKey       string   `env:"OPENAI_API_KEY"`
	OllamaURL       string   `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
}

func (c RuntimeConfig) Core() core.RuntimeConfig {
	return core.RuntimeConfig{
		OnnxLibraryPath: c.OnnxLibraryPath,
		PluginCommand:   c.PluginCommand,
		OpenAIBaseURL:   c.OpenAIBaseURL,
		OpenAIKey:       c.OpenAIKey,
		OllamaURL:       c.OllamaURL,
	}
}

type APIConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
	APIPort     string `env:"API_PORT" envDefault:"8001"`
}

type WorkerConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
	WorkDir     string `env:"WORK_DIR" envDefault:"work"`

	S3      S3Config
	Hub     HubConfig
	Runtime RuntimeConfig
}

// LocalConfig configures the bolts CLI, which runs without a broker.
type LocalConfig struct {
	DatabaseURL string `env:"DATABASE_URL"`
	WorkDir     string `env:"WORK_DIR" envDefault:"work"`

	S3      S3Config
	Hub     HubConfig
	Runtime RuntimeConfig
}

func Parse[T any]() (T, error) {
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}

// LoadRunConfig reads a run config from a yaml or json file.
func LoadRunConfig(path string) (core.RunConfig, error) {
	var cfg core.RunConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading run config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(data, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported run config format '%s', expected .yaml, .yml or .json", filepath.Ext(path))
	}
	if err != nil {
		return cfg, fmt.Errorf("error parsing run config %s: %w", path, err)
	}
	return cfg, nil
}
