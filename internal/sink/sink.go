// Package sink persists the three pipeline output tables.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"traffic-platform/internal/models"
)

// Output table names. File sinks use them as directory names.
const (
	TableEnriched          = "enriched_data"
	TableHourlyMetrics     = "hourly_metrics"
	TableIntersectionStats = "intersection_stats"
)

// PartFile is the base name of the single file written per table.
const PartFile = "part-00000"

// Batch is one run's output handed to every sink.
type Batch struct {
	RunID      string
	OutputDir  string
	ProducedAt time.Time

	Metadata []models.IntersectionMetadata
	Enriched []models.EnrichedRecord
	Hourly   []models.HourlyMetric
	Stats    []models.IntersectionStat
}

// Sink writes a batch to one destination. Writes replace any previous
// output for the same tables.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch *Batch) error
}

// TableDir returns the directory a file sink writes table to.
func TableDir(outputDir, table, suffix string) string {
	return filepath.Join(outputDir, table+suffix)
}

// writeAtomic creates path via a temporary sibling so that readers never see
// a partially written file.
func writeAtomic(path string, write func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// FileSinks returns the file sinks for the configured output formats, in
// order. Unknown formats are an error.
func FileSinks(formats []string) ([]Sink, error) {
	sinks := make([]Sink, 0, len(formats))
	for _, format := range formats {
		switch format {
		case "parquet":
			sinks = append(sinks, NewParquetSink())
		case "csv":
			sinks = append(sinks, NewCSVSink())
		default:
			return nil, fmt.Errorf("unknown output format %q", format)
		}
	}
	return sinks, nil
}
