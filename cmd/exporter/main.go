package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"traffic-platform/internal/config"
	"traffic-platform/internal/exporter"
	"traffic-platform/pkg/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("traffic-exporter", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exp := exporter.New(cfg.Exporter.DataDir, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", exp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Exporter.Host, cfg.Exporter.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(ctx, "[EXPORTER_START] Metrics exporter listening", logging.Fields{
			"address":         server.Addr,
			"stats_dir":       exp.StatsDir(),
			"update_interval": cfg.Exporter.UpdateInterval.String(),
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[EXPORTER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	if err := exp.Run(ctx, cfg.Exporter.UpdateInterval); err != nil {
		logger.Error(ctx, "[EXPORTER_ERROR] Update loop stopped", logging.Fields{}, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "[SHUTDOWN_ERROR] Exporter forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(shutdownCtx, "[SHUTDOWN_COMPLETE] Exporter stopped", logging.Fields{})
}
