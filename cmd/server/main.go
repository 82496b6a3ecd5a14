// Package main is the entrypoint for the terarelay API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/terarelay/terarelay/internal/api"
	"github.com/terarelay/terarelay/internal/api/handler"
	mw "github.com/terarelay/terarelay/internal/api/middleware"
	"github.com/terarelay/terarelay/internal/cache"
	"github.com/terarelay/terarelay/internal/config"
	"github.com/terarelay/terarelay/internal/debrid"
	"github.com/terarelay/terarelay/internal/queue"
	"github.com/terarelay/terarelay/internal/ratelimit"
	"github.com/terarelay/terarelay/internal/store"
	"github.com/terarelay/terarelay/internal/telegram"
	"github.com/terarelay/terarelay/internal/transfer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"concurrency", cfg.Worker.Concurrency,
		"max_file_size", cfg.Worker.MaxFileSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Build the delivery pipeline: conversion client behind the shared
	// request budget, bot API sink, transfer pipeline, queue manager.
	pgStore := store.NewPostgresStore(pool)

	limiter := ratelimit.New(redisCache, cfg.Torbox.RateLimit, cfg.Torbox.RatePeriod, cfg.Torbox.RateWaitMax)
	debridClient := debrid.NewHTTPClient(
		cfg.Torbox.BaseURL, cfg.Torbox.APIToken, limiter,
		cfg.Torbox.Timeout, cfg.Torbox.RetryAttempts, cfg.Torbox.RetryBaseDelay)
	sink := telegram.NewBotAPI(cfg.Telegram.BaseURL, cfg.Telegram.BotToken, cfg.Telegram.UploadTimeout)
	pipeline := transfer.NewPipeline(sink, cfg.Worker.TempDir, cfg.Worker.MaxFileSize, cfg.Worker.DownloadTimeout)

	manager := queue.NewManager(queue.Config{
		Concurrency:     cfg.Worker.Concurrency,
		MaxFileSize:     cfg.Worker.MaxFileSize,
		PollInterval:    cfg.Worker.PollInterval,
		PollMaxInterval: cfg.Worker.PollMaxInterval,
		DownloadTimeout: cfg.Worker.DownloadTimeout,
		EditInterval:    cfg.Worker.EditInterval,
	}, pgStore, redisCache, debridClient, sink, pipeline, logger)
	manager.Start(ctx)
	slog.Info("queue manager started", "workers", cfg.Worker.Concurrency)

	// 6. Background pruner keeps the delivery history bounded off the hot path.
	go runPruner(ctx, pgStore, cfg.Worker.DedupKeepCount, cfg.Worker.PruneInterval)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.APIRateLimit),

		HealthHandler:        handler.NewHealthHandler(pgStore, redisCache),
		SubmitHandler:        handler.NewSubmitHandler(manager, cfg.Telegram.DefaultChatID),
		ListDownloadsHandler: handler.NewListDownloadsHandler(manager),
		GetDownloadHandler:   handler.NewGetDownloadHandler(manager, redisCache),
		CreateKeyHandler:     handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:      handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:     handler.NewRevokeKeyHandler(pgStore),
		PruneHandler:         handler.NewPruneHandler(pgStore, cfg.Worker.DedupKeepCount),
	}
	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining...")
	}

	// Stop taking requests first, then drain the queue so in-flight jobs
	// get marked instead of vanishing.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	manager.Close()

	slog.Info("server stopped gracefully")
	return nil
}

// runPruner trims the delivery history on a ticker until ctx ends.
func runPruner(ctx context.Context, s store.Store, keep int, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := s.PruneDeliveries(ctx, keep)
			if err != nil {
				slog.Warn("pruning deliveries failed", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("pruned delivery history", "deleted", deleted, "keep", keep)
			}
		case <-ctx.Done():
			return
		}
	}
}
