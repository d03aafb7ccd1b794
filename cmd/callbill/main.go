// Callbill - Phone call billing service.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/callbill/internal/api"
	"github.com/opensource-finance/callbill/internal/billing"
	"github.com/opensource-finance/callbill/internal/bus"
	"github.com/opensource-finance/callbill/internal/cache"
	"github.com/opensource-finance/callbill/internal/config"
	"github.com/opensource-finance/callbill/internal/domain"
	"github.com/opensource-finance/callbill/internal/pricing"
	"github.com/opensource-finance/callbill/internal/repository"
	"github.com/opensource-finance/callbill/internal/telemetry"
	"github.com/opensource-finance/callbill/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the config file (default: ./callbill.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting callbill",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_billing", cfg.Billing.AsyncBilling,
	)

	// Tariffs are fixed for the life of the process
	table, err := pricing.NewTable(pricing.BandConfig{
		StandingCharge: cfg.Billing.StandingCharge,
		StandardRate:   cfg.Billing.StandardRate,
		ReducedRate:    cfg.Billing.ReducedRate,
		DayStart:       cfg.Billing.DayStart,
		NightStart:     cfg.Billing.NightStart,
	})
	if err != nil {
		slog.Error("invalid tariff configuration", "error", err)
		os.Exit(1)
	}

	loc, err := time.LoadLocation(cfg.Billing.Timezone)
	if err != nil {
		slog.Error("invalid billing timezone", "timezone", cfg.Billing.Timezone, "error", err)
		os.Exit(1)
	}

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

	// Initialize tracing before anything opens a span
	tracing, err := telemetry.NewTracerProvider(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

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

	svc := billing.NewService(repo, cacheImpl, busImpl, pricing.NewCalculator(table), billing.Options{
		Location: loc,
		Async:    cfg.Billing.AsyncBilling,
		CacheTTL: cfg.Billing.BillCacheTTL,
	})
	slog.Info("billing service initialized", "timezone", loc.String())

	// Bills are derived off the request path when async
	var billWorker *worker.Worker
	if cfg.Billing.AsyncBilling {
		billWorker = worker.NewWorker(busImpl, svc)
		if err := billWorker.Start(worker.Config{}); err != nil {
			slog.Error("failed to start billing worker", "error", err)
			os.Exit(1)
		}
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, svc, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("callbill is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Drain in-flight bills after the last request
	if billWorker != nil {
		if err := billWorker.Stop(); err != nil {
			slog.Error("failed to stop billing worker", "error", err)
		}
	}

	// Flush spans of the last requests
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown tracing", "error", err)
	}

	slog.Info("callbill shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
