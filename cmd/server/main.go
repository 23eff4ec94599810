// Canvas AI - assistant bridge between Canvas LMS and a retrieval agent.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/MarkSong535/canvas-ai/internal/agent"
	"github.com/MarkSong535/canvas-ai/internal/auth"
	"github.com/MarkSong535/canvas-ai/internal/bridge"
	"github.com/MarkSong535/canvas-ai/internal/canvas"
	"github.com/MarkSong535/canvas-ai/internal/config"
	"github.com/MarkSong535/canvas-ai/internal/download"
	"github.com/MarkSong535/canvas-ai/internal/store"
	"github.com/MarkSong535/canvas-ai/internal/syncer"
	"github.com/MarkSong535/canvas-ai/internal/uploader"
	"github.com/MarkSong535/canvas-ai/internal/vectorstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "canvas_url", cfg.CanvasURL)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	canvasClient := canvas.NewHTTPClient(cfg.CanvasURL, cfg.CanvasToken)

	// Vector store uploads are optional; without a key the download
	// workflow still syncs files locally.
	var provider vectorstore.Provider
	if cfg.OpenAIAPIKey != "" {
		provider = vectorstore.NewOpenAIProvider(cfg.OpenAIAPIKey)
		slog.Info("Vector store uploads enabled")
	} else {
		slog.Info("Vector store uploads disabled (OPENAI_API_KEY not set)")
	}

	// The retrieval agent is optional as well; chat requests fail with
	// an explicit error when no agent is configured.
	var responder agent.Responder
	if cfg.AgentURL != "" {
		responder = agent.NewHTTPResponder(cfg.AgentURL)
		slog.Info("Retrieval agent configured", "agent_url", cfg.AgentURL)
	} else {
		slog.Info("Chat disabled (AGENT_URL not set)")
	}

	engine := syncer.NewEngine(canvasClient, repo, cfg.DownloadRoot)
	uploads := uploader.New(provider, repo, cfg.Download)
	runner := download.NewRunner(canvasClient, repo, engine, uploads, cfg.DownloadRoot, cfg.Download.Workers)

	registry := bridge.NewRegistry()
	verifier := auth.NewVerifier(cfg.Auth)
	wsHandler := bridge.NewHandler(verifier, responder, canvasClient, runner, registry, cfg.Download.RequireConfirm)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Long-lived WebSocket sessions need no write timeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	registry.CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
