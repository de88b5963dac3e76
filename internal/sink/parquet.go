package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// ParquetSink writes each table to <output>/<table>/part-00000.parquet.
type ParquetSink struct{}

// NewParquetSink creates a Parquet sink.
func NewParquetSink() *ParquetSink {
	return &ParquetSink{}
}

func (s *ParquetSink) Name() string { return "parquet" }

// Write implements Sink.
func (s *ParquetSink) Write(ctx context.Context, batch *Batch) error {
	if err := writeParquet(ctx, batch.OutputDir, TableEnriched, batch.Enriched); err != nil {
		return err
	}
	if err := writeParquet(ctx, batch.OutputDir, TableHourlyMetrics, batch.Hourly); err != nil {
		return err
	}
	return writeParquet(ctx, batch.OutputDir, TableIntersectionStats, batch.Stats)
}

// ParquetPath returns the file a table is written to under outputDir.
func ParquetPath(outputDir, table string) string {
	return filepath.Join(TableDir(outputDir, table, ""), PartFile+".parquet")
}

func writeParquet[T any](ctx context.Context, outputDir, table string, rows []T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := writeAtomic(ParquetPath(outputDir, table), func(f *os.File) error {
		return parquet.Write(f, rows)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", table, err)
	}
	return nil
}

// ReadParquet loads every row of a Parquet table file.
func ReadParquet[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}
