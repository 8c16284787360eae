package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"seismic-pipeline/internal/config"
	"seismic-pipeline/internal/handlers"
	"seismic-pipeline/internal/pipeline"
	"seismic-pipeline/internal/reader"
	"seismic-pipeline/internal/repository"
	"seismic-pipeline/internal/services"
	"seismic-pipeline/pkg/database"
	"seismic-pipeline/pkg/logging"
	"seismic-pipeline/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewStructuredLogger("seismic-api", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting seismic pipeline API server", logging.Fields{
		"version":     "1.0.0",
		"server_host": cfg.Server.Host,
		"server_port": cfg.Server.Port,
		"db_host":     cfg.Database.Host,
		"db_name":     cfg.Database.Database,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("seismic_pipeline")

	// Initialize database
	dbConfig := &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}

	db, err := database.NewPostgresDB(dbConfig, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	// Initialize repository
	repo := repository.NewEarthquakeRepository(db, logger, metricsCollector)

	// Initialize services
	transformService := services.NewTransformService(repo, logger, metricsCollector)
	aggregationService := services.NewAggregationService(repo, logger, metricsCollector)
	exportService := services.NewExportService(repo, cfg.Pipeline.ExportPath, logger, metricsCollector)

	// Initialize orchestrator over the configured source feed
	retryPolicy := pipeline.RetryPolicy{
		MaxAttempts: cfg.Pipeline.Retry.MaxAttempts,
		BaseDelay:   cfg.Pipeline.Retry.BaseDelay,
		Multiplier:  cfg.Pipeline.Retry.Multiplier,
		MaxDelay:    cfg.Pipeline.Retry.MaxDelay,
	}

	orchestrator := pipeline.NewOrchestrator(
		reader.NewCSVFeed(cfg.Pipeline.SourcePath),
		repo,
		transformService,
		aggregationService,
		exportService,
		retryPolicy,
		logger,
		metricsCollector,
	)

	// Initialize handlers
	pipelineHandler := handlers.NewPipelineHandler(orchestrator, repo, logger, metricsCollector)

	// Setup router
	router := mux.NewRouter()

	// Register routes
	pipelineHandler.RegisterRoutes(router)

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
