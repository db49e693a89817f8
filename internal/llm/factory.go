package llm

import (
	"github.com/keepsake-sh/keepsake/pkg/types"
)

// FactoryConfig selects and configures an embedding provider. It is passed
// in explicitly by the caller; nothing here reads ambient state.
type FactoryConfig struct {
	Provider string // ollama | openai | deterministic
	Model    string
	BaseURL  string
	APIKey   string
	Dim      int // used by the deterministic provider only
}

// NewEmbeddingGenerator creates the embedding client for the configured
// provider. An unknown provider is a configuration error, fatal at first use.
func NewEmbeddingGenerator(cfg FactoryConfig) (EmbeddingGenerator, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL}), nil
	case "deterministic":
		return NewDeterministicClient(cfg.Model, cfg.Dim), nil
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model}), nil
	default:
		return nil, types.ConfigErrorf("unsupported embedding provider %q", cfg.Provider)
	}
}
