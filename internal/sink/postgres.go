package sink

import (
	"context"
	"fmt"

	"traffic-platform/internal/models"
)

// TrafficStore is the write side of the traffic repository.
type TrafficStore interface {
	UpsertIntersections(ctx context.Context, metadata []models.IntersectionMetadata) error
	UpsertEnrichedRecords(ctx context.Context, records []models.EnrichedRecord, batchSize int) error
	ReplaceHourlyMetrics(ctx context.Context, metrics []models.HourlyMetric) error
	ReplaceIntersectionStats(ctx context.Context, stats []models.IntersectionStat) error
}

// PostgresSink loads a batch into the database. Readings are upserted so a
// rerun over the same input leaves one row per intersection and timestamp;
// the two summary tables are replaced.
type PostgresSink struct {
	store     TrafficStore
	batchSize int
}

// NewPostgresSink creates a sink writing through store.
func NewPostgresSink(store TrafficStore, batchSize int) *PostgresSink {
	return &PostgresSink{store: store, batchSize: batchSize}
}

func (s *PostgresSink) Name() string { return "postgres" }

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, batch *Batch) error {
	if err := s.store.UpsertIntersections(ctx, batch.Metadata); err != nil {
		return fmt.Errorf("intersections: %w", err)
	}
	if err := s.store.UpsertEnrichedRecords(ctx, batch.Enriched, s.batchSize); err != nil {
		return fmt.Errorf("%s: %w", TableEnriched, err)
	}
	if err := s.store.ReplaceHourlyMetrics(ctx, batch.Hourly); err != nil {
		return fmt.Errorf("%s: %w", TableHourlyMetrics, err)
	}
	if err := s.store.ReplaceIntersectionStats(ctx, batch.Stats); err != nil {
		return fmt.Errorf("%s: %w", TableIntersectionStats, err)
	}
	return nil
}
