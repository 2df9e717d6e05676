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

	"github.com/redis/go-redis/v9"

	"github.com/provadorai/provador/internal/archive"
	"github.com/provadorai/provador/internal/config"
	"github.com/provadorai/provador/internal/database"
	"github.com/provadorai/provador/internal/feed"
	"github.com/provadorai/provador/internal/logging"
	"github.com/provadorai/provador/internal/provider"
	"github.com/provadorai/provador/internal/server"
	"github.com/provadorai/provador/internal/store"
	"github.com/provadorai/provador/internal/tryon"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := feed.NewHub(logger.With("component", "feed"))
	var notifier store.Notifier = hub
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		relay := feed.NewRedisRelay(rdb, "", hub, logger.With("component", "relay"))
		notifier = relay
		go relay.Serve(ctx)
	}

	var archiver tryon.Archiver
	a, err := archive.New(cfg.S3)
	switch {
	case err == nil:
		archiver = a
		slog.Info("result archive enabled", "bucket", cfg.S3.Bucket)
	case errors.Is(err, archive.ErrDisabled):
		slog.Info("result archive disabled")
	default:
		slog.Error("failed to create archive", "error", err)
		os.Exit(1)
	}

	gemini := provider.NewGemini(provider.GeminiConfig{
		APIKey:       cfg.GoogleAPIKey,
		BaseURL:      cfg.GeminiBaseURL,
		CaptionModel: cfg.CaptionModel,
	})

	srv, err := server.New(db, server.Config{
		Tryon: tryon.Config{
			Candidates:  cfg.Candidates,
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
		},
		Providers:      []provider.Provider{gemini},
		Archive:        archiver,
		Stripe:         cfg.Stripe,
		Hub:            hub,
		Notifier:       notifier,
		MaxImageEdge:   cfg.MaxImageEdge,
		TryonPerMinute: cfg.TryonPerMinute,
	}, logger)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Generation and the change feed are long-lived; only headers are bounded.
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("tryon service starting", "addr", ":"+cfg.Port, "candidates", len(cfg.Candidates))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
