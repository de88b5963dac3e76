package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"traffic-platform/internal/config"
	"traffic-platform/internal/services"
	"traffic-platform/pkg/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	flag.IntVar(&cfg.Generator.Intersections, "intersections", cfg.Generator.Intersections, "Number of intersections")
	flag.IntVar(&cfg.Generator.Hours, "hours", cfg.Generator.Hours, "Hours of readings to generate")
	flag.IntVar(&cfg.Generator.IntervalMinutes, "interval", cfg.Generator.IntervalMinutes, "Minutes between readings")
	flag.StringVar(&cfg.Generator.OutputDir, "output-dir", cfg.Generator.OutputDir, "Directory for the generated CSV files")
	flag.Int64Var(&cfg.Generator.Seed, "seed", cfg.Generator.Seed, "Random seed, 0 seeds from the clock")
	startDate := flag.String("start", "", "First day to generate (YYYY-MM-DD), defaults to today")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	start := services.StartOfDay(time.Now())
	if *startDate != "" {
		start, err = time.Parse("2006-01-02", *startDate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid start date %q: %v\n", *startDate, err)
			os.Exit(1)
		}
	}

	logger := logging.NewStructuredLogger("traffic-generator", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	ctx := context.Background()

	logger.Info(ctx, "[GENERATOR_START] Generating synthetic traffic data", logging.Fields{
		"intersections":    cfg.Generator.Intersections,
		"hours":            cfg.Generator.Hours,
		"interval_minutes": cfg.Generator.IntervalMinutes,
		"start":            start.Format("2006-01-02"),
	})

	generator := services.NewGeneratorService(cfg.Generator, logger)
	data := generator.Generate(start)

	metadataPath, sensorPath, err := generator.WriteFiles(ctx, data, cfg.Generator.OutputDir)
	if err != nil {
		logger.Fatal(ctx, "[GENERATOR_ERROR] Failed to write generated data", logging.Fields{}, err)
	}

	fmt.Printf("Generated %d readings for %d intersections\n", len(data.Readings), len(data.Metadata))
	fmt.Printf("  %s\n  %s\n", metadataPath, sensorPath)
}
