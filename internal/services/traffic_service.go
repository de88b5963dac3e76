package services

import (
	"context"

	"traffic-platform/internal/congestion"
	"traffic-platform/internal/models"
	"traffic-platform/internal/repository"
	"traffic-platform/pkg/logging"
	"traffic-platform/pkg/metrics"
)

// StatsLookup is the read side of the stats cache. Both lookups report a
// miss with ok == false.
type StatsLookup interface {
	GetIntersectionStats(ctx context.Context) ([]models.IntersectionStat, bool, error)
	GetLatestRecord(ctx context.Context, intersectionID string) (*models.EnrichedRecord, bool, error)
}

// TrafficService serves pipeline results to the API, preferring the cache
// and falling back to Postgres.
type TrafficService struct {
	repo            repository.TrafficRepository
	cache           StatsLookup
	intervalMinutes int
	logger          *logging.StructuredLogger
	metrics         *metrics.Collector
}

// NewTrafficService creates a new traffic service. cache may be nil.
func NewTrafficService(repo repository.TrafficRepository, cache StatsLookup, intervalMinutes int, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *TrafficService {
	return &TrafficService{
		repo:            repo,
		cache:           cache,
		intervalMinutes: intervalMinutes,
		logger:          logger,
		metrics:         metricsCollector,
	}
}

// GetIntersections retrieves intersection metadata
func (s *TrafficService) GetIntersections(ctx context.Context, limit, offset int) ([]*models.IntersectionMetadata, error) {
	return s.repo.ListIntersections(ctx, limit, offset)
}

// GetReadings retrieves enriched readings with filtering
func (s *TrafficService) GetReadings(ctx context.Context, filter repository.ReadingFilter) ([]*models.EnrichedRecord, int, error) {
	return s.repo.GetEnrichedRecords(ctx, filter)
}

// GetHourlyMetrics retrieves hourly metrics with filtering
func (s *TrafficService) GetHourlyMetrics(ctx context.Context, filter repository.HourlyFilter) ([]*models.HourlyMetric, int, error) {
	return s.repo.GetHourlyMetrics(ctx, filter)
}

// GetIntersectionStats retrieves the stats table, most congested first. An
// unfiltered request is answered from the cache when it holds the table.
func (s *TrafficService) GetIntersectionStats(ctx context.Context, filter repository.StatsFilter) ([]*models.IntersectionStat, int, error) {
	if filter.IntersectionID == nil && filter.MinIndex == nil && s.cache != nil {
		stats, ok, err := s.cache.GetIntersectionStats(ctx)
		switch {
		case err != nil:
			s.metrics.RecordCacheLookup("error")
			s.logger.Warn(ctx, "[CACHE_ERROR] Stats cache lookup failed, using database", logging.Fields{
				"error": err.Error(),
			})
		case ok:
			s.metrics.RecordCacheLookup("hit")
			return paginate(stats, filter.Limit, filter.Offset), len(stats), nil
		default:
			s.metrics.RecordCacheLookup("miss")
		}
	}

	return s.repo.GetIntersectionStats(ctx, filter)
}

// GetLatestRecord returns the newest reading of an intersection.
func (s *TrafficService) GetLatestRecord(ctx context.Context, intersectionID string) (*models.EnrichedRecord, error) {
	if s.cache != nil {
		record, ok, err := s.cache.GetLatestRecord(ctx, intersectionID)
		switch {
		case err != nil:
			s.metrics.RecordCacheLookup("error")
		case ok:
			s.metrics.RecordCacheLookup("hit")
			return record, nil
		default:
			s.metrics.RecordCacheLookup("miss")
		}
	}

	return s.repo.GetLatestRecord(ctx, intersectionID)
}

// GetRecommendation derives a signal timing recommendation from the newest
// reading of an intersection.
func (s *TrafficService) GetRecommendation(ctx context.Context, intersectionID string) (*congestion.Recommendation, error) {
	record, err := s.GetLatestRecord(ctx, intersectionID)
	if err != nil {
		return nil, err
	}

	rec := congestion.Recommend(*record, s.intervalMinutes)
	return &rec, nil
}

// HealthCheck checks the backing database.
func (s *TrafficService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}

func paginate(stats []models.IntersectionStat, limit, offset int) []*models.IntersectionStat {
	if offset < 0 {
		offset = 0
	}
	if offset > len(stats) {
		offset = len(stats)
	}
	end := len(stats)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	page := make([]*models.IntersectionStat, 0, end-offset)
	for i := offset; i < end; i++ {
		page = append(page, &stats[i])
	}
	return page
}
