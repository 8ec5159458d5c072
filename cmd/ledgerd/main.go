package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mkravets/ledgerd/internal/config"
	"github.com/mkravets/ledgerd/internal/handler"
	"github.com/mkravets/ledgerd/internal/infra/currency"
	"github.com/mkravets/ledgerd/internal/infra/observability"
	"github.com/mkravets/ledgerd/internal/infra/resilience"
	"github.com/mkravets/ledgerd/internal/infra/sqlite"
	"github.com/mkravets/ledgerd/internal/service"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("base_currency", cfg.BaseCurrency),
		zap.String("sqlite_path", cfg.SQLitePath),
		zap.Int("batch_threshold", cfg.BatchThreshold),
		zap.Int("queue_capacity", cfg.QueueCapacity),
		zap.Duration("debounce_high", cfg.DebounceHigh),
		zap.Duration("debounce_normal", cfg.DebounceNormal),
		zap.Duration("rates_refresh", cfg.RatesRefresh),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "ledgerd")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Aggregate store (SQLite) ---
	store, err := sqlite.NewAggregateStore(cfg.SQLitePath)
	if err != nil {
		logger.Fatal("failed to open aggregate store", zap.Error(err))
	}
	defer store.Close()

	// --- Currency rates ---
	rateStore := currency.NewStore(cfg.BaseCurrency)

	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	cb := resilience.NewCircuitBreaker("rates-api")
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	rateClient := currency.NewRateClient(httpClient, cfg.RatesAPIURL, cb, resilienceCfg, metrics, logger)
	refresher := currency.NewRefresher(rateClient, rateStore, logger)

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	if cfg.RatesAutoUpdate {
		go refresher.Run(refreshCtx, cfg.RatesRefresh)
	}

	// --- Engines ---
	balanceEngine := service.NewBalanceEngine(rateStore, cfg.BatchThreshold, metrics, logger)
	aggCache := service.NewAggregateCache(store, cfg.YearCacheSize, cfg.QueryCacheSize, metrics, logger)
	aggEngine := service.NewAggregationEngine(rateStore, aggCache, cfg.BaseCurrency, metrics, logger)

	if err := aggCache.Prime(context.Background(), time.Now().Year()); err != nil {
		logger.Fatal("failed to prime aggregate cache", zap.Error(err))
	}

	// --- Ledger service ---
	svc := service.NewLedgerService(balanceEngine, aggEngine, aggCache, service.QueueConfig{
		Capacity:       cfg.QueueCapacity,
		DebounceHigh:   cfg.DebounceHigh,
		DebounceNormal: cfg.DebounceNormal,
	}, metrics, logger)

	// --- Router ---
	router := handler.NewRouter(svc, metrics, cfg.JWTSecret, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	// Drain the queue and persist dirty aggregates before exit.
	if err := svc.Flush(ctx); err != nil {
		logger.Error("final flush failed", zap.Error(err))
	}

	logger.Info("server stopped")
}
