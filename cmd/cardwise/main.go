// Cardwise - Pick the card that pays the most for every purchase.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/cardwise/internal/api"
	"github.com/opensource-finance/cardwise/internal/bus"
	"github.com/opensource-finance/cardwise/internal/cache"
	"github.com/opensource-finance/cardwise/internal/compare"
	"github.com/opensource-finance/cardwise/internal/domain"
	"github.com/opensource-finance/cardwise/internal/repository"
	"github.com/opensource-finance/cardwise/internal/rules"
	"github.com/opensource-finance/cardwise/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// A missing .env is normal outside development.
	envErr := godotenv.Load()

	cfg, err := loadConfig(os.Getenv)

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if cfg != nil {
		_ = logLevel.UnmarshalText([]byte(cfg.Logging.Level))
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	if cfg != nil && cfg.Logging.Format == "text" {
		logHandler = slog.NewTextHandler(os.Stdout, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))

	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if envErr == nil {
		slog.Debug("loaded .env file")
	}

	slog.Info("starting cardwise",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"auth", cfg.Auth.JWTSecret != "",
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Rule conditions and cached configuration
	conditions, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize condition engine", "error", err)
		os.Exit(1)
	}
	catalog := cache.NewCatalog(repo, cacheImpl, cfg.Engine.RuleCacheTTL)

	service := compare.NewService(repo, catalog, conditions, busImpl, cfg.Engine.MaxWorkers)
	slog.Info("comparison service initialized", "max_workers", cfg.Engine.MaxWorkers)

	// Summary invalidation on every node
	summaryWorker := worker.NewWorker(busImpl, cacheImpl)
	if err := summaryWorker.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, service, api.Options{
		Config:     catalog,
		JWTSecret:  cfg.Auth.JWTSecret,
		SummaryTTL: cfg.Engine.SummaryCacheTTL,
		Version:    Version,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("cardwise is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := summaryWorker.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	slog.Info("cardwise shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 CARDWISE                  ║")
	fmt.Println("  ║        Card Reward Decision Engine        ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /simulate                  - Compare selected cards for a purchase")
	fmt.Println("    POST /transactions              - Commit a purchase on a card")
	fmt.Println("    GET  /transactions              - Purchase history")
	fmt.Println("    GET  /summary                   - Monthly spend and rewards")
	fmt.Println("    GET  /me/cards, PUT /me/cards   - Selected cards")
	fmt.Println("    GET  /cards                     - Card catalog")
	fmt.Println("    GET  /cards/{id}/rules          - Reward rules of a card")
	fmt.Println("    POST /cards/{id}/rules          - Create or replace a rule")
	fmt.Println("    GET  /merchants                 - Merchants")
	fmt.Println("    POST /catalog/import            - Bulk catalog import")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println()
}
