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

	"traffic-platform/internal/cache"
	"traffic-platform/internal/config"
	"traffic-platform/internal/handlers"
	"traffic-platform/internal/repository"
	"traffic-platform/internal/services"
	"traffic-platform/pkg/database"
	"traffic-platform/pkg/logging"
	"traffic-platform/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("traffic-api", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[STARTUP] Starting traffic platform API server", logging.Fields{
		"version":     "1.0.0",
		"server_host": cfg.Server.Host,
		"server_port": cfg.Server.Port,
		"db_host":     cfg.Database.Host,
		"db_name":     cfg.Database.Database,
		"cache":       cfg.Redis.Enabled(),
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("traffic_platform")

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

	trafficRepo := repository.NewTrafficRepository(db, logger, metricsCollector)

	// The cache is optional; without it every request goes to Postgres.
	var lookup services.StatsLookup
	if cfg.Redis.Enabled() {
		statsCache, err := cache.NewStatsCache(ctx, cfg.Redis.URL, cfg.Redis.StatsTTL, cfg.Redis.Channel)
		if err != nil {
			logger.Warn(ctx, "[CACHE_UNAVAILABLE] Redis unreachable, serving from database only", logging.Fields{
				"error": err.Error(),
			})
		} else {
			defer statsCache.Close()
			lookup = statsCache

			go func() {
				err := statsCache.WatchRuns(ctx, func(summary cache.RunSummary) {
					logger.Info(ctx, "[PIPELINE_RUN_PUBLISHED] New pipeline results available", logging.Fields{
						"run_id":        summary.RunID,
						"enriched":      summary.EnrichedRecords,
						"intersections": summary.Intersections,
					})
				})
				if err != nil && ctx.Err() == nil {
					logger.Error(ctx, "[CACHE_WATCH_ERROR] Run notifications stopped", logging.Fields{}, err)
				}
			}()
		}
	}

	trafficService := services.NewTrafficService(trafficRepo, lookup, cfg.Pipeline.IntervalMinutes, logger, metricsCollector)
	trafficHandler := handlers.NewTrafficHandler(trafficService, logger, metricsCollector)

	// Setup router
	router := mux.NewRouter()
	router.Use(handlers.RequestLogging(logger))
	trafficHandler.RegisterRoutes(router)

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	<-ctx.Done()
	logger.Info(context.Background(), "[SHUTDOWN] Shutting down server...", logging.Fields{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(shutdownCtx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
