package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"

	"github.com/jo-hoe/meshforge/internal/batch"
	appcfg "github.com/jo-hoe/meshforge/internal/config"
	"github.com/jo-hoe/meshforge/internal/gateway"
	"github.com/jo-hoe/meshforge/internal/gateway/mock"
	"github.com/jo-hoe/meshforge/internal/gateway/replicate"
	"github.com/jo-hoe/meshforge/internal/modes"
	"github.com/jo-hoe/meshforge/internal/poller"
	"github.com/jo-hoe/meshforge/internal/records"
	"github.com/jo-hoe/meshforge/internal/server"
	"github.com/jo-hoe/meshforge/internal/storage"
	s3archive "github.com/jo-hoe/meshforge/internal/storage/s3"
)

func main() {
	// Local development convenience, a missing .env is fine.
	_ = godotenv.Load()

	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	// Record store (SQLite)
	store, err := records.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("sqlite open", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Uploader
	uploader := storage.NewUploader(cfg.Server.StorageDir)

	// Inference gateway
	var gw gateway.Client
	switch strings.ToLower(cfg.Gateway.Provider) {
	case "mock":
		gw = mock.New(cfg.Gateway.Mock)
	case "replicate":
		gw = replicate.New(cfg.Gateway.Replicate)
	default:
		logger.Error("unsupported gateway provider", "provider", cfg.Gateway.Provider)
		os.Exit(1)
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Archiver for source images of completed items
	var archiver storage.Archiver
	switch strings.ToLower(cfg.Archive.Provider) {
	case "local":
		archiver = storage.NewLocalArchiver(cfg.Server.StorageDir)
	case "s3":
		awsConfig, err := awscfg.LoadDefaultConfig(rootCtx, awscfg.WithRegion(cfg.Archive.S3.Region))
		if err != nil {
			logger.Error("aws config", "err", err)
			os.Exit(1)
		}
		archiver = s3archive.New(awss3.NewFromConfig(awsConfig), cfg.Archive.S3)
	default:
		logger.Error("unsupported archive provider", "provider", cfg.Archive.Provider)
		os.Exit(1)
	}

	// Batch worker and queue
	registry := batch.NewRegistry()
	orchestrator := &batch.Orchestrator{
		Log:     logger,
		Modes:   modes.NewCatalog(cfg.Modes),
		Records: store,
		Archive: archiver,
		Poller: &poller.Poller{
			Gateway:  gw,
			Interval: cfg.Gateway.PollInterval,
			Deadline: cfg.Gateway.PollDeadline,
			Suffix:   cfg.Gateway.ArtifactSuffix,
			Log:      logger,
		},
	}
	queue := batch.NewQueue(logger, cfg.Server.QueueCapacity, registry.MarkFinished)
	if err := queue.Start(rootCtx, orchestrator); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	// HTTP server
	svc := &server.Service{
		Log:      logger,
		Cfg:      cfg,
		Records:  store,
		Queue:    queue,
		Uploader: uploader,
		Registry: registry,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop the batch worker
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
