// Command keepsake runs the retrieval service and its operational
// subcommands against a shared configuration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/keepsake-sh/keepsake/internal/config"
	"github.com/keepsake-sh/keepsake/internal/llm"
	"github.com/keepsake-sh/keepsake/internal/pipeline"
	"github.com/keepsake-sh/keepsake/internal/retrieval"
	"github.com/keepsake-sh/keepsake/internal/server"
	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/internal/storage/postgres"
	"github.com/keepsake-sh/keepsake/internal/storage/sqlite"
)

// backend is the full storage surface a single engine provides.
type backend interface {
	storage.ContentStore
	storage.EmbeddingStore
	storage.LexicalSearcher
	storage.VectorSearcher
	storage.IndexManager
	Close() error
}

var configPath string

func main() {
	// A .env file is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "keepsake",
		Short:         "Conversational memory retrieval service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(serveCmd(), runCmd(), statusCmd(), optimizeCmd(), setupCmd())

	if err := root.Execute(); err != nil {
		log.Fatalf("keepsake: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat("keepsake.yaml"); err == nil {
			path = "keepsake.yaml"
		}
	}
	return config.Load(path)
}

func openBackend(cfg *config.Config) (backend, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.Open(cfg.Storage.DSN, cfg.Embedding.Dim)
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
			return nil, fmt.Errorf("create data path: %w", err)
		}
		return sqlite.Open(filepath.Join(cfg.Storage.DataPath, "keepsake.db"))
	}
}

func newEmbedder(cfg *config.Config) (llm.EmbeddingGenerator, error) {
	return llm.NewEmbeddingGenerator(llm.FactoryConfig{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
		Dim:      cfg.Embedding.Dim,
	})
}

func newPipeline(cfg *config.Config, store backend, embedder llm.EmbeddingGenerator) *pipeline.Pipeline {
	return pipeline.New(store, store, embedder, pipeline.Config{
		BatchSize:     cfg.Embedding.BatchSize,
		MaxConcurrent: cfg.Embedding.MaxConcurrent,
		RatePerSec:    cfg.Embedding.RatePerSec,
		EmbedTimeout:  cfg.Embedding.EmbedTimeout,
	}, nil)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			embedder, err := newEmbedder(cfg)
			if err != nil {
				return err
			}
			// Query embedding is on the search hot path; pipeline texts are
			// mostly unique, so only the retriever gets the cache.
			cached, err := llm.NewCachedClient(embedder, cfg.Embedding.CacheSize)
			if err != nil {
				return err
			}

			estimator, err := retrieval.NewEstimator(cfg.Retrieval.TokenCounter, cfg.Retrieval.TokenEncoding)
			if err != nil {
				return err
			}

			pipe := newPipeline(cfg, store, embedder)
			retriever := retrieval.NewRetriever(store, store, cached, cfg.Retrieval.SearchTimeout)
			assembler := retrieval.NewAssembler(store, estimator)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := store.EnsureIndex(ctx); err != nil {
				return err
			}

			addr, _, err := server.Start(ctx, server.Deps{
				Config:    cfg,
				Retriever: retriever,
				Assembler: assembler,
				Pipeline:  pipe,
				Indexes:   store,
				DataPath:  cfg.Storage.DataPath,
			})
			if err != nil {
				return err
			}
			log.Printf("keepsake serving at http://%s", addr)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			log.Println("shutting down")
			cancel()
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the embedding pipeline once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			embedder, err := newEmbedder(cfg)
			if err != nil {
				return err
			}

			stats, err := newPipeline(cfg, store, embedder).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("processed=%d stored=%d failed=%d duration=%s\n",
				stats.Processed, stats.Stored, stats.Failed, stats.Duration)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show embedding coverage and index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			embedder, err := newEmbedder(cfg)
			if err != nil {
				return err
			}

			status, err := newPipeline(cfg, store, embedder).Stats(cmd.Context())
			if err != nil {
				return err
			}
			indexStats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(map[string]interface{}{
				"embeddings": status,
				"index":      indexStats,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func optimizeCmd() *cobra.Command {
	var efSearch int
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Ensure the vector index exists and tune its search beam width",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.EnsureIndex(cmd.Context()); err != nil {
				return err
			}
			if err := store.Optimize(cmd.Context(), efSearch); err != nil {
				return err
			}
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("index=%s exists=%v rows=%d\n", stats.IndexName, stats.Exists, stats.RowCount)
			return nil
		},
	}
	cmd.Flags().IntVar(&efSearch, "ef-search", 40, "HNSW search beam width (1-1000)")
	return cmd
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Initialize the database schema and vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Open applies the schema; EnsureIndex the ANN index.
			store, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.EnsureIndex(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("storage ready (engine=%s)\n", cfg.Storage.Engine)
			return nil
		},
	}
}
