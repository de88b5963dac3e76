package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"traffic-platform/internal/cache"
	"traffic-platform/internal/config"
	"traffic-platform/internal/repository"
	"traffic-platform/internal/services"
	"traffic-platform/internal/sink"
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

	// Flags override the configured paths for one-off runs.
	flag.StringVar(&cfg.Pipeline.SensorDataPath, "sensor-data", cfg.Pipeline.SensorDataPath, "Sensor readings CSV")
	flag.StringVar(&cfg.Pipeline.MetadataPath, "metadata", cfg.Pipeline.MetadataPath, "Intersection metadata CSV")
	flag.StringVar(&cfg.Pipeline.OutputDir, "output-dir", cfg.Pipeline.OutputDir, "Directory for parquet and csv tables")
	flag.IntVar(&cfg.Pipeline.IntervalMinutes, "interval", cfg.Pipeline.IntervalMinutes, "Sensor sampling interval in minutes")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("traffic-pipeline", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[PIPELINE_STARTUP] Starting traffic congestion pipeline", logging.Fields{
		"version":  "1.0.0",
		"formats":  cfg.Pipeline.Formats,
		"database": cfg.Database.Enabled,
		"cache":    cfg.Redis.Enabled(),
	})

	metricsCollector := metrics.NewCollector("traffic_pipeline")

	sinks, err := sink.FileSinks(cfg.Pipeline.Formats)
	if err != nil {
		logger.Fatal(ctx, "[PIPELINE_STARTUP_ERROR] Invalid output formats", logging.Fields{}, err)
	}

	if cfg.Database.Enabled {
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
			logger.Fatal(ctx, "[PIPELINE_STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
		}
		defer db.Close()

		trafficRepo := repository.NewTrafficRepository(db, logger, metricsCollector)
		sinks = append(sinks, sink.NewPostgresSink(trafficRepo, cfg.Pipeline.BatchSize))
	}

	if cfg.Redis.Enabled() {
		statsCache, err := cache.NewStatsCache(ctx, cfg.Redis.URL, cfg.Redis.StatsTTL, cfg.Redis.Channel)
		if err != nil {
			logger.Warn(ctx, "[CACHE_UNAVAILABLE] Redis unreachable, skipping cache sink", logging.Fields{
				"error": err.Error(),
			})
		} else {
			defer statsCache.Close()
			sinks = append(sinks, sink.NewCacheSink(statsCache))
		}
	}

	ingestionService := services.NewIngestionService(logger, metricsCollector)
	pipeline := services.NewPipelineService(ingestionService, sinks, logger, metricsCollector)

	run := services.NewRunContext(cfg.Pipeline)
	result, err := pipeline.Run(ctx, run)
	if result == nil {
		logger.Fatal(ctx, "[PIPELINE_ERROR] Pipeline run failed", logging.Fields{
			"run_id": run.RunID,
		}, err)
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("PIPELINE RUN COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Run ID:             %s\n", result.RunID)
	fmt.Printf("Readings:           %d\n", result.Readings)
	fmt.Printf("Metadata Rows:      %d\n", result.Metadata)
	fmt.Printf("Rejected Rows:      %d\n", result.RejectedRows)
	fmt.Printf("Duplicate Readings: %d\n", result.DuplicateReadings)
	fmt.Printf("Enriched Records:   %d\n", result.EnrichedRecords)
	fmt.Printf("Hourly Metrics:     %d\n", result.HourlyMetrics)
	fmt.Printf("Intersection Stats: %d\n", result.IntersectionStats)
	fmt.Printf("Degraded Scores:    %d\n", result.DegradedScores)
	fmt.Printf("Sinks Written:      %s\n", strings.Join(result.SinksWritten, ", "))
	fmt.Printf("Duration:           %v\n", result.Duration)

	if len(result.MissingMetadata) > 0 {
		fmt.Printf("\nIntersections without metadata (%d):\n", len(result.MissingMetadata))
		for i, id := range result.MissingMetadata {
			if i == 10 {
				fmt.Printf("  ... and %d more\n", len(result.MissingMetadata)-10)
				break
			}
			fmt.Printf("  - %s\n", id)
		}
	}

	if err != nil {
		logger.Error(ctx, "[PIPELINE_ERROR] Pipeline finished with errors", logging.Fields{
			"run_id": run.RunID,
		}, err)
		os.Exit(1)
	}
}
