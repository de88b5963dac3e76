package sink

import (
	"context"
	"fmt"

	"traffic-platform/internal/cache"
	"traffic-platform/internal/models"
)

// StatsPublisher is the subset of the stats cache the sink needs.
type StatsPublisher interface {
	SetIntersectionStats(ctx context.Context, stats []models.IntersectionStat) error
	SetLatestRecords(ctx context.Context, records []models.EnrichedRecord) error
	PublishRunSummary(ctx context.Context, summary cache.RunSummary) error
}

// CacheSink refreshes the API cache and announces the run.
type CacheSink struct {
	publisher StatsPublisher
}

// NewCacheSink creates a sink writing to publisher.
func NewCacheSink(publisher StatsPublisher) *CacheSink {
	return &CacheSink{publisher: publisher}
}

func (s *CacheSink) Name() string { return "redis" }

// Write implements Sink.
func (s *CacheSink) Write(ctx context.Context, batch *Batch) error {
	if err := s.publisher.SetIntersectionStats(ctx, batch.Stats); err != nil {
		return fmt.Errorf("cache stats: %w", err)
	}
	if err := s.publisher.SetLatestRecords(ctx, batch.Enriched); err != nil {
		return fmt.Errorf("cache latest readings: %w", err)
	}

	degraded := 0
	for i := range batch.Enriched {
		if batch.Enriched[i].ScoreDegraded {
			degraded++
		}
	}

	return s.publisher.PublishRunSummary(ctx, cache.RunSummary{
		RunID:           batch.RunID,
		CompletedAt:     batch.ProducedAt,
		EnrichedRecords: len(batch.Enriched),
		HourlyMetrics:   len(batch.Hourly),
		Intersections:   len(batch.Stats),
		DegradedScores:  degraded,
	})
}
