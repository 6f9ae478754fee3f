// Package main implements the analysis engine process: it serves the run
// management HTTP API and drives the worker loops that claim queued items,
// call the classification model, and persist results.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/fieldnote/analysis-engine/internal/api"
	"github.com/fieldnote/analysis-engine/internal/config"
	"github.com/fieldnote/analysis-engine/internal/platform/gemini"
	"github.com/fieldnote/analysis-engine/internal/platform/logger"
	"github.com/fieldnote/analysis-engine/internal/platform/postgres"
	"github.com/fieldnote/analysis-engine/internal/service"
	"github.com/fieldnote/analysis-engine/internal/worker"
	"github.com/fieldnote/analysis-engine/migrations"
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	if err := run(); err != nil {
		log.Fatalf("analysis engine failed: %v", err)
	}
}

// run initializes configuration, storage, the classifier, and the HTTP
// server, then blocks until a shutdown signal arrives and everything has
// drained.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"worker_count", cfg.Worker.WorkerCount,
		"model_name", cfg.Classifier.ModelName)

	db, err := setupDatabase(cfg, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("failed to close database connection", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	classifier, err := gemini.NewClassifier(ctx, appLogger, cfg.Classifier)
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}

	runStore := postgres.NewRunStore(db)
	itemStore := postgres.NewRunItemStore(db)
	resultStore := postgres.NewResultStore(db)

	runService, err := service.NewRunService(db, runStore, itemStore, resultStore, service.Defaults{
		RatePerSecond: cfg.Classifier.DefaultRatePerSecond,
		ModelTag:      cfg.Classifier.ModelName,
	}, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create run service: %w", err)
	}

	limiter := worker.NewRateLimiter(cfg.Classifier.DefaultRatePerSecond, cfg.Worker.MinRequestInterval)
	runner := worker.NewRunner(runStore, itemStore, resultStore, classifier, limiter, worker.Config{
		WorkerCount:      cfg.Worker.WorkerCount,
		ChunkSize:        cfg.Worker.ChunkSize,
		SleepInterval:    cfg.Worker.SleepInterval,
		MaxAttempts:      cfg.Worker.MaxAttempts,
		RetryBackoffBase: cfg.Worker.RetryBackoffBase,
		CallTimeout:      cfg.Classifier.CallTimeout,
		FailureRatio:     cfg.Worker.FailureRatio,
	}, appLogger)
	sweeper := worker.NewSweeper(runStore, itemStore, worker.SweeperConfig{
		Interval:          cfg.Worker.SweepInterval,
		ProcessingTimeout: cfg.Worker.ProcessingTimeout,
		HeartbeatTimeout:  cfg.Worker.HeartbeatTimeout,
	}, appLogger)

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.RouterConfig{
			RunService:  runService,
			TokenSecret: cfg.Auth.TokenSecret,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("shutdown signal received")
	case err := <-serverErr:
		stop()
		wg.Wait()
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server shutdown failed", "error", err)
	}

	// Worker loops finish their in-flight item and release the rest of
	// their claims before returning.
	wg.Wait()
	appLogger.Info("analysis engine stopped")
	return nil
}

// setupDatabase opens the connection pool, verifies connectivity, and
// applies pending migrations from the embedded filesystem.
func setupDatabase(cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger.Info("database connection established, migrations applied")
	return db, nil
}
