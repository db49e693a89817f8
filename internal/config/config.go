// Package config provides configuration management for Keepsake. Settings
// come from an optional YAML file overlaid with environment variables using
// the KEEPSAKE_ prefix; environment variables win. The resulting Config is
// passed explicitly into constructors — no component reads ambient state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keepsake-sh/keepsake/pkg/types"
)

// Config holds all settings for the Keepsake services.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"` // default: 127.0.0.1
	Port int    `yaml:"port"` // default: 6464
}

// StorageConfig contains database settings.
type StorageConfig struct {
	Engine   string `yaml:"engine"`    // sqlite | postgres (default: sqlite)
	DSN      string `yaml:"dsn"`       // postgres connection string
	DataPath string `yaml:"data_path"` // sqlite data directory (default: ./data)
}

// EmbeddingConfig contains embedding provider and pipeline settings.
type EmbeddingConfig struct {
	Provider      string        `yaml:"provider"`       // ollama | openai | deterministic
	Model         string        `yaml:"model"`          // default: nomic-embed-text
	Dim           int           `yaml:"dim"`            // default: 768
	BaseURL       string        `yaml:"base_url"`       // provider endpoint override
	APIKey        string        `yaml:"api_key"`        // openai key
	BatchSize     int           `yaml:"batch_size"`     // default: 500
	MaxConcurrent int           `yaml:"max_concurrent"` // default: 10
	RatePerSec    float64       `yaml:"rate_per_sec"`   // embed calls per second (default: 50)
	EmbedTimeout  time.Duration `yaml:"embed_timeout"`  // per-item timeout (default: 15s)
	CacheSize     int           `yaml:"cache_size"`     // query embedding LRU (default: 1024)
}

// RetrievalConfig contains search and assembly settings.
type RetrievalConfig struct {
	DefaultK      int           `yaml:"default_k"`      // default: 8
	LexicalWeight float64       `yaml:"lexical_weight"` // default: 0.4
	VectorWeight  float64       `yaml:"vector_weight"`  // default: 0.6
	RecencyWeight float64       `yaml:"recency_weight"` // default: 0 (off)
	SearchTimeout time.Duration `yaml:"search_timeout"` // per ranking path (default: 5s)
	TokenCounter  string        `yaml:"token_counter"`  // heuristic | tiktoken (default: heuristic)
	TokenEncoding string        `yaml:"token_encoding"` // tiktoken encoding (default: cl100k_base)
}

// Load builds a Config from defaults, an optional YAML file, and KEEPSAKE_*
// environment variables, in that precedence order. An empty path skips the
// file layer.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
// Violations are configuration errors, fatal at startup.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return types.ConfigErrorf("unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "postgres" && c.Storage.DSN == "" {
		return types.ConfigErrorf("postgres storage requires a DSN")
	}

	switch c.Embedding.Provider {
	case "ollama", "openai", "deterministic":
	default:
		return types.ConfigErrorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Model == "" {
		return types.ConfigErrorf("embedding model must not be empty")
	}
	if c.Embedding.Dim <= 0 {
		return types.ConfigErrorf("embedding dim must be positive, got %d", c.Embedding.Dim)
	}

	if c.Retrieval.LexicalWeight < 0 || c.Retrieval.VectorWeight < 0 || c.Retrieval.RecencyWeight < 0 {
		return types.ConfigErrorf("fusion weights must be non-negative")
	}
	switch c.Retrieval.TokenCounter {
	case "heuristic", "tiktoken":
	default:
		return types.ConfigErrorf("unknown token counter %q", c.Retrieval.TokenCounter)
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 6464,
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Embedding: EmbeddingConfig{
			Provider:      "ollama",
			Model:         "nomic-embed-text",
			Dim:           768,
			BatchSize:     500,
			MaxConcurrent: 10,
			RatePerSec:    50,
			EmbedTimeout:  15 * time.Second,
			CacheSize:     1024,
		},
		Retrieval: RetrievalConfig{
			DefaultK:      8,
			LexicalWeight: 0.4,
			VectorWeight:  0.6,
			SearchTimeout: 5 * time.Second,
			TokenCounter:  "heuristic",
			TokenEncoding: "cl100k_base",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("KEEPSAKE_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("KEEPSAKE_PORT", cfg.Server.Port)

	cfg.Storage.Engine = getEnv("KEEPSAKE_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DSN = getEnv("KEEPSAKE_DATABASE_URL", cfg.Storage.DSN)
	cfg.Storage.DataPath = getEnv("KEEPSAKE_DATA_PATH", cfg.Storage.DataPath)

	cfg.Embedding.Provider = getEnv("KEEPSAKE_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.Model = getEnv("KEEPSAKE_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dim = getEnvInt("KEEPSAKE_EMBEDDING_DIM", cfg.Embedding.Dim)
	cfg.Embedding.BaseURL = getEnv("KEEPSAKE_EMBEDDING_BASE_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.APIKey = getEnv("KEEPSAKE_OPENAI_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.BatchSize = getEnvInt("KEEPSAKE_EMBEDDING_BATCH_SIZE", cfg.Embedding.BatchSize)
	cfg.Embedding.MaxConcurrent = getEnvInt("KEEPSAKE_EMBEDDING_MAX_CONCURRENT", cfg.Embedding.MaxConcurrent)

	cfg.Retrieval.DefaultK = getEnvInt("KEEPSAKE_DEFAULT_K", cfg.Retrieval.DefaultK)
	cfg.Retrieval.LexicalWeight = getEnvFloat("KEEPSAKE_LEXICAL_WEIGHT", cfg.Retrieval.LexicalWeight)
	cfg.Retrieval.VectorWeight = getEnvFloat("KEEPSAKE_VECTOR_WEIGHT", cfg.Retrieval.VectorWeight)
	cfg.Retrieval.RecencyWeight = getEnvFloat("KEEPSAKE_RECENCY_WEIGHT", cfg.Retrieval.RecencyWeight)
	cfg.Retrieval.TokenCounter = getEnv("KEEPSAKE_TOKEN_COUNTER", cfg.Retrieval.TokenCounter)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
