// Package server wires the HTTP API, websocket hub, and content event
// watcher together and manages their lifecycle.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keepsake-sh/keepsake/internal/config"
	"github.com/keepsake-sh/keepsake/internal/notify"
	"github.com/keepsake-sh/keepsake/internal/pipeline"
	"github.com/keepsake-sh/keepsake/internal/retrieval"
	"github.com/keepsake-sh/keepsake/internal/storage"
	"github.com/keepsake-sh/keepsake/web/handlers"
)

// Deps carries everything the server serves. All fields are required except
// DataPath, which enables the content event watcher when set.
type Deps struct {
	Config    *config.Config
	Retriever *retrieval.Retriever
	Assembler *retrieval.Assembler
	Pipeline  *pipeline.Pipeline
	Indexes   storage.IndexManager
	DataPath  string
}

// Start launches the HTTP server and returns the address it listens on
// (useful with port 0 in tests) plus the websocket hub for progress wiring.
// The server shuts down gracefully when ctx is cancelled.
func Start(ctx context.Context, deps Deps) (string, *handlers.WebSocketHub, error) {
	cfg := deps.Config

	hub := handlers.NewWebSocketHub()
	go hub.Run()
	deps.Pipeline.SetNotifier(hub)

	searchHandler := handlers.NewSearchHandler(deps.Retriever, deps.Assembler, handlers.Defaults{
		K: cfg.Retrieval.DefaultK,
		Weights: retrieval.Weights{
			Lexical: cfg.Retrieval.LexicalWeight,
			Vector:  cfg.Retrieval.VectorWeight,
			Recency: cfg.Retrieval.RecencyWeight,
		},
	})
	embeddingsHandler := handlers.NewEmbeddingsHandler(ctx, deps.Pipeline, deps.Indexes)
	rateLimiter := handlers.NewRateLimiter(10.0, 20)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(handlers.SecurityHeaders)

	r.Get("/api/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(rateLimiter.Middleware)
		r.Post("/api/search", searchHandler.Search)
		r.Post("/api/rag", searchHandler.RAG)
		r.Get("/api/embeddings/status", embeddingsHandler.Status)
		r.Post("/api/embeddings/run", embeddingsHandler.Run)
		r.Post("/api/index/optimize", embeddingsHandler.Optimize)
	})

	r.Handle("/api/events", hub)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[server] serve error: %v", err)
		}
	}()

	var watcher *notify.EventWatcher
	if deps.DataPath != "" {
		watcher = startContentWatcher(ctx, deps.DataPath, deps.Pipeline)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[server] shutdown error: %v", err)
		}
		if watcher != nil {
			watcher.Stop()
		}
		hub.Stop()
	}()

	log.Printf("[server] listening on %s", actualAddr)
	return actualAddr, hub, nil
}

// startContentWatcher schedules an embedding run whenever an importer
// signals new content. Events are coalesced: a burst of files triggers one
// run, and a signal arriving mid-run triggers one follow-up run.
func startContentWatcher(ctx context.Context, dataPath string, pipe *pipeline.Pipeline) *notify.EventWatcher {
	trigger := make(chan struct{}, 1)

	watcher := notify.NewEventWatcher(dataPath, func(evt notify.Event) {
		if evt.Type != notify.EventContentAdded {
			return
		}
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	if err := watcher.Start(); err != nil {
		log.Printf("[server] content watcher disabled: %v", err)
		return nil
	}

	go func() {
		for {
			select {
			case <-trigger:
				if _, err := pipe.Run(ctx); err != nil {
					log.Printf("[server] triggered embedding run failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return watcher
}
