/**
 * OCR Gateway - Main Entry Point
 *
 * Serves text extraction for chat attachments (PDFs and images) over HTTP.
 *
 * Architecture:
 * - Google Cloud Vision as the primary backend, bounded by a monthly quota
 * - Local Tesseract as the free fallback
 * - Quota persisted in memory, Redis or PostgreSQL
 * - Optional Asynq queue for asynchronous jobs when Redis is configured
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/ocr-gateway/internal/clients"
	"github.com/adverant/nexus/ocr-gateway/internal/config"
	"github.com/adverant/nexus/ocr-gateway/internal/handler"
	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"github.com/adverant/nexus/ocr-gateway/internal/processor"
	"github.com/adverant/nexus/ocr-gateway/internal/queue"
	"github.com/adverant/nexus/ocr-gateway/internal/quota"
	"github.com/adverant/nexus/ocr-gateway/internal/storage"
	"github.com/adverant/nexus/ocr-gateway/internal/tesseract"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

func main() {
	boot := logging.NewLogger("ocr-gateway")

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		boot.Warn(".env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fatal(boot, "Failed to load configuration", err)
	}
	logger := logging.NewLoggerWithLevel("ocr-gateway", cfg.LogLevel)

	logger.Info("OCR gateway starting",
		"port", cfg.ServerPort,
		"quotaStore", cfg.QuotaStore,
		"monthlyQuota", cfg.MonthlyQuota,
		"concurrency", cfg.Concurrency,
		"primary", cfg.PrimaryConfigured(),
		"fallback", cfg.FallbackEnabled,
		"queue", cfg.QueueEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	storageManager, err := storage.NewStorageManager(startCtx, &storage.StorageConfig{
		QuotaStore:  cfg.QuotaStore,
		RedisURL:    cfg.RedisURL,
		DatabaseURL: cfg.DatabaseURL,
		Logger:      logger.With("storage"),
	})
	cancel()
	if err != nil {
		fatal(logger, "Failed to initialize storage manager", err)
	}

	tracker, err := quota.NewTracker(&quota.TrackerConfig{
		Store:        storageManager.QuotaStore(),
		MonthlyLimit: cfg.MonthlyQuota,
		Scope:        cfg.QuotaScope,
		Locale:       cfg.QuotaLocale,
		Logger:       logger.With("quota"),
	})
	if err != nil {
		fatal(logger, "Failed to initialize quota tracker", err)
	}

	var primary processor.Backend
	if cfg.PrimaryConfigured() {
		vision, err := clients.NewVisionClient(ctx, &clients.VisionConfig{
			APIKey:            cfg.GoogleVisionAPIKey,
			RequestsPerSecond: cfg.GoogleVisionRPS,
			MaxPDFPages:       cfg.MaxPDFPages,
			Logger:            logger.With("vision"),
		})
		if err != nil {
			logger.Error("Google Vision unavailable, continuing with fallback only", "error", err)
		} else {
			primary = vision
		}
	} else {
		logger.Warn("Google Vision not configured, primary backend disabled")
	}

	fallback, err := tesseract.NewTesseractOCR(&tesseract.TesseractConfig{
		Languages:   cfg.TesseractLanguages,
		PoolSize:    cfg.Concurrency,
		MaxPDFPages: cfg.MaxPDFPages,
		RenderDPI:   cfg.PDFRenderDPI,
		Logger:      logger.With("tesseract"),
	})
	if err != nil {
		fatal(logger, "Failed to initialize Tesseract", err)
	}

	manager, err := processor.NewManager(&processor.ManagerConfig{
		Primary:  primary,
		Fallback: fallback,
		Quota:    tracker,
		Logger:   logger.With("ocr"),
		Config: processor.Config{
			PrimaryEnabled:  cfg.GoogleVisionEnabled,
			FallbackEnabled: cfg.FallbackEnabled,
			MaxFileSize:     cfg.MaxFileSize,
			Concurrency:     cfg.Concurrency,
			PrimaryTimeout:  cfg.PrimaryTimeout,
			FallbackTimeout: cfg.FallbackTimeout,
		},
	})
	if err != nil {
		fatal(logger, "Failed to initialize OCR manager", err)
	}

	var (
		jobs     handler.JobService
		enqueuer *queue.Enqueuer
		consumer *queue.Consumer
	)
	if cfg.QueueEnabled() {
		jobStore := storage.NewRedisJobStore(storageManager.Redis(), cfg.JobResultTTL, logger.With("jobs"))

		enqueuer, err = queue.NewEnqueuer(&queue.EnqueuerConfig{
			RedisURL:  cfg.RedisURL,
			Jobs:      jobStore,
			Retention: cfg.JobResultTTL,
			MaxRetry:  3,
			Logger:    logger.With("queue"),
		})
		if err != nil {
			fatal(logger, "Failed to initialize job enqueuer", err)
		}

		consumer, err = queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			Concurrency:       cfg.Concurrency,
			Processor:         manager,
			Jobs:              jobStore,
			ProcessingTimeout: cfg.PrimaryTimeout + cfg.FallbackTimeout,
			Logger:            logger.With("queue"),
		})
		if err != nil {
			fatal(logger, "Failed to initialize queue consumer", err)
		}
		if err := consumer.Start(ctx); err != nil {
			fatal(logger, "Failed to start queue consumer", err)
		}
		jobs = enqueuer
	}

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(&handler.RouterConfig{
			OCR:            manager,
			Jobs:           jobs,
			AdminToken:     cfg.AdminToken,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			MaxBatch:       cfg.MaxBatchDocuments,
			Health:         storageManager.Health,
			Logger:         logger.With("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}
	if consumer != nil {
		if err := consumer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping queue consumer", "error", err)
		}
	}
	if enqueuer != nil {
		if err := enqueuer.Close(); err != nil {
			logger.Error("Error closing job enqueuer", "error", err)
		}
	}
	if err := manager.Cleanup(); err != nil {
		logger.Error("Error releasing OCR backends", "error", err)
	}
	if err := storageManager.Close(); err != nil {
		logger.Error("Error closing storage manager", "error", err)
	}

	logger.Info("Shutdown complete")
}

func fatal(logger *logging.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
