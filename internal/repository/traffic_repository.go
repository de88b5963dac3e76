package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"traffic-platform/internal/models"
	"traffic-platform/pkg/database"
	"traffic-platform/pkg/logging"
	"traffic-platform/pkg/metrics"
)

// TrafficRepository provides data access for pipeline output tables
type TrafficRepository interface {
	// Write side, used by the Postgres sink
	UpsertIntersections(ctx context.Context, metadata []models.IntersectionMetadata) error
	UpsertEnrichedRecords(ctx context.Context, records []models.EnrichedRecord, batchSize int) error
	ReplaceHourlyMetrics(ctx context.Context, metrics []models.HourlyMetric) error
	ReplaceIntersectionStats(ctx context.Context, stats []models.IntersectionStat) error

	// Read side, used by the API
	ListIntersections(ctx context.Context, limit, offset int) ([]*models.IntersectionMetadata, error)
	GetEnrichedRecords(ctx context.Context, filter ReadingFilter) ([]*models.EnrichedRecord, int, error)
	GetLatestRecord(ctx context.Context, intersectionID string) (*models.EnrichedRecord, error)
	GetHourlyMetrics(ctx context.Context, filter HourlyFilter) ([]*models.HourlyMetric, int, error)
	GetIntersectionStats(ctx context.Context, filter StatsFilter) ([]*models.IntersectionStat, int, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// ReadingFilter defines filters for querying enriched readings
type ReadingFilter struct {
	IntersectionID *string
	StartTime      *time.Time
	EndTime        *time.Time
	Level          *models.CongestionLevel
	Limit          int
	Offset         int
}

// HourlyFilter defines filters for querying hourly metrics
type HourlyFilter struct {
	IntersectionID *string
	Hours          []int
	Limit          int
	Offset         int
}

// StatsFilter defines filters for querying intersection stats
type StatsFilter struct {
	IntersectionID *string
	MinIndex       *float64
	Limit          int
	Offset         int
}

const enrichedColumns = `ts, intersection_id, vehicle_count, average_speed, num_lanes,
		       location, latitude, longitude, capacity_per_hour,
		       capacity_per_interval, volume_ratio, speed_factor, traffic_congestion_index,
		       hour, time_of_day, congestion_level, score_degraded, degraded_reason`

// trafficRepository implements TrafficRepository
type trafficRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewTrafficRepository creates a new traffic repository
func NewTrafficRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) TrafficRepository {
	return &trafficRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// UpsertIntersections inserts or refreshes intersection metadata in a single
// multi-row statement. A repeated id keeps its first row.
func (r *trafficRepository) UpsertIntersections(ctx context.Context, metadata []models.IntersectionMetadata) error {
	if len(metadata) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(metadata))
	rows := make([]models.IntersectionMetadata, 0, len(metadata))
	for _, m := range metadata {
		if !seen[m.IntersectionID] {
			seen[m.IntersectionID] = true
			rows = append(rows, m)
		}
	}

	query := `
		INSERT INTO intersections (
			intersection_id, location, latitude, longitude, num_lanes, capacity_per_hour
		)
		VALUES (:intersection_id, :location, :latitude, :longitude, :num_lanes, :capacity_per_hour)
		ON CONFLICT (intersection_id) DO UPDATE SET
			location = EXCLUDED.location,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			num_lanes = EXCLUDED.num_lanes,
			capacity_per_hour = EXCLUDED.capacity_per_hour,
			updated_at = NOW()
	`

	if _, err := r.db.NamedExecContext(ctx, "upsert_intersections", query, rows); err != nil {
		return fmt.Errorf("failed to upsert intersections: %w", err)
	}

	r.logger.Debug(ctx, "[REPO_UPSERT_INTERSECTIONS] Intersections upserted", logging.Fields{
		"count": len(rows),
	})

	return nil
}

// UpsertEnrichedRecords writes records in transactions of batchSize rows.
// A reading already stored for the same intersection and timestamp is
// overwritten, so duplicate readings within one run collapse to the last
// one here while hourly_metrics still counts each of them. Ingestion counts
// and logs those duplicates.
func (r *trafficRepository) UpsertEnrichedRecords(ctx context.Context, records []models.EnrichedRecord, batchSize int) error {
	if batchSize <= 0 {
		batchSize = len(records)
	}

	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := r.upsertEnrichedBatch(ctx, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *trafficRepository) upsertEnrichedBatch(ctx context.Context, records []models.EnrichedRecord) error {
	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.metrics.DBBatchSize.Observe(float64(len(records)))
		r.logger.Debug(ctx, "[REPO_BATCH_UPSERT] Batch upsert completed", logging.Fields{
			"count":       len(records),
			"duration_ms": duration.Milliseconds(),
		})
	}()

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, `
			INSERT INTO enriched_readings (
				ts, intersection_id, vehicle_count, average_speed, num_lanes,
				location, latitude, longitude, capacity_per_hour,
				capacity_per_interval, volume_ratio, speed_factor, traffic_congestion_index,
				hour, time_of_day, congestion_level, score_degraded, degraded_reason
			)
			VALUES (
				:ts, :intersection_id, :vehicle_count, :average_speed, :num_lanes,
				:location, :latitude, :longitude, :capacity_per_hour,
				:capacity_per_interval, :volume_ratio, :speed_factor, :traffic_congestion_index,
				:hour, :time_of_day, :congestion_level, :score_degraded, :degraded_reason
			)
			ON CONFLICT (intersection_id, ts) DO UPDATE SET
				vehicle_count = EXCLUDED.vehicle_count,
				average_speed = EXCLUDED.average_speed,
				num_lanes = EXCLUDED.num_lanes,
				location = EXCLUDED.location,
				latitude = EXCLUDED.latitude,
				longitude = EXCLUDED.longitude,
				capacity_per_hour = EXCLUDED.capacity_per_hour,
				capacity_per_interval = EXCLUDED.capacity_per_interval,
				volume_ratio = EXCLUDED.volume_ratio,
				speed_factor = EXCLUDED.speed_factor,
				traffic_congestion_index = EXCLUDED.traffic_congestion_index,
				hour = EXCLUDED.hour,
				time_of_day = EXCLUDED.time_of_day,
				congestion_level = EXCLUDED.congestion_level,
				score_degraded = EXCLUDED.score_degraded,
				degraded_reason = EXCLUDED.degraded_reason
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i := range records {
			if _, err := stmt.ExecContext(ctx, &records[i]); err != nil {
				return fmt.Errorf("failed to upsert reading: %w", err)
			}
		}
		return nil
	})
}

// ReplaceHourlyMetrics swaps the hourly table contents in one transaction
func (r *trafficRepository) ReplaceHourlyMetrics(ctx context.Context, metrics []models.HourlyMetric) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM hourly_metrics`); err != nil {
			return fmt.Errorf("failed to clear hourly metrics: %w", err)
		}
		if len(metrics) == 0 {
			return nil
		}

		stmt, err := tx.PrepareNamedContext(ctx, `
			INSERT INTO hourly_metrics (
				intersection_id, location, hour, total_vehicles, avg_speed, avg_congestion_index, reading_count
			)
			VALUES (:intersection_id, :location, :hour, :total_vehicles, :avg_speed, :avg_congestion_index, :reading_count)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i := range metrics {
			if _, err := stmt.ExecContext(ctx, &metrics[i]); err != nil {
				return fmt.Errorf("failed to insert hourly metric: %w", err)
			}
		}
		return nil
	})
}

// ReplaceIntersectionStats swaps the stats table contents in one transaction
func (r *trafficRepository) ReplaceIntersectionStats(ctx context.Context, stats []models.IntersectionStat) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM intersection_stats`); err != nil {
			return fmt.Errorf("failed to clear intersection stats: %w", err)
		}
		if len(stats) == 0 {
			return nil
		}

		stmt, err := tx.PrepareNamedContext(ctx, `
			INSERT INTO intersection_stats (
				intersection_id, location, latitude, longitude, num_lanes, capacity_per_hour,
				avg_vehicle_count, avg_speed, avg_congestion_index
			)
			VALUES (
				:intersection_id, :location, :latitude, :longitude, :num_lanes, :capacity_per_hour,
				:avg_vehicle_count, :avg_speed, :avg_congestion_index
			)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i := range stats {
			if _, err := stmt.ExecContext(ctx, &stats[i]); err != nil {
				return fmt.Errorf("failed to insert intersection stat: %w", err)
			}
		}
		return nil
	})
}

// ListIntersections retrieves intersection metadata with pagination
func (r *trafficRepository) ListIntersections(ctx context.Context, limit, offset int) ([]*models.IntersectionMetadata, error) {
	query := `
		SELECT intersection_id, location, latitude, longitude, num_lanes, capacity_per_hour
		FROM intersections
		ORDER BY intersection_id
		LIMIT $1 OFFSET $2
	`

	var intersections []*models.IntersectionMetadata
	err := r.db.SelectContext(ctx, "list_intersections", &intersections, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list intersections: %w", err)
	}

	return intersections, nil
}

// GetEnrichedRecords retrieves enriched readings with filtering and pagination
func (r *trafficRepository) GetEnrichedRecords(ctx context.Context, filter ReadingFilter) ([]*models.EnrichedRecord, int, error) {
	query := `
		SELECT ` + enrichedColumns + `
		FROM enriched_readings
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.IntersectionID != nil {
		query += fmt.Sprintf(" AND intersection_id = $%d", argNum)
		args = append(args, *filter.IntersectionID)
		argNum++
	}

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND ts >= $%d", argNum)
		args = append(args, *filter.StartTime)
		argNum++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND ts <= $%d", argNum)
		args = append(args, *filter.EndTime)
		argNum++
	}

	if filter.Level != nil {
		query += fmt.Sprintf(" AND congestion_level = $%d", argNum)
		args = append(args, string(*filter.Level))
		argNum++
	}

	// Get total count
	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	err := r.db.GetContext(ctx, "count_readings", &totalCount, countQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count readings: %w", err)
	}

	// Add ordering and pagination
	query += " ORDER BY ts DESC, intersection_id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var records []*models.EnrichedRecord
	err = r.db.SelectContext(ctx, "get_readings", &records, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get readings: %w", err)
	}

	return records, totalCount, nil
}

// GetLatestRecord retrieves the most recent reading for an intersection
func (r *trafficRepository) GetLatestRecord(ctx context.Context, intersectionID string) (*models.EnrichedRecord, error) {
	query := `
		SELECT ` + enrichedColumns + `
		FROM enriched_readings
		WHERE intersection_id = $1
		ORDER BY ts DESC
		LIMIT 1
	`

	var record models.EnrichedRecord
	err := r.db.GetContext(ctx, "get_latest_reading", &record, query, intersectionID)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{
			Resource: "enriched_reading",
			ID:       intersectionID,
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get latest reading: %w", err)
	}

	return &record, nil
}

// GetHourlyMetrics retrieves hourly metrics with filtering and pagination
func (r *trafficRepository) GetHourlyMetrics(ctx context.Context, filter HourlyFilter) ([]*models.HourlyMetric, int, error) {
	query := `
		SELECT intersection_id, location, hour, total_vehicles, avg_speed, avg_congestion_index, reading_count
		FROM hourly_metrics
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.IntersectionID != nil {
		query += fmt.Sprintf(" AND intersection_id = $%d", argNum)
		args = append(args, *filter.IntersectionID)
		argNum++
	}

	if len(filter.Hours) > 0 {
		hours := make([]int64, len(filter.Hours))
		for i, h := range filter.Hours {
			hours[i] = int64(h)
		}
		query += fmt.Sprintf(" AND hour = ANY($%d)", argNum)
		args = append(args, pq.Array(hours))
		argNum++
	}

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	err := r.db.GetContext(ctx, "count_hourly_metrics", &totalCount, countQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count hourly metrics: %w", err)
	}

	query += " ORDER BY intersection_id, hour"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var metrics []*models.HourlyMetric
	err = r.db.SelectContext(ctx, "get_hourly_metrics", &metrics, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get hourly metrics: %w", err)
	}

	return metrics, totalCount, nil
}

// GetIntersectionStats retrieves per-intersection stats, most congested first
func (r *trafficRepository) GetIntersectionStats(ctx context.Context, filter StatsFilter) ([]*models.IntersectionStat, int, error) {
	query := `
		SELECT intersection_id, location, latitude, longitude, num_lanes, capacity_per_hour,
		       avg_vehicle_count, avg_speed, avg_congestion_index
		FROM intersection_stats
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.IntersectionID != nil {
		query += fmt.Sprintf(" AND intersection_id = $%d", argNum)
		args = append(args, *filter.IntersectionID)
		argNum++
	}

	if filter.MinIndex != nil {
		query += fmt.Sprintf(" AND avg_congestion_index >= $%d", argNum)
		args = append(args, *filter.MinIndex)
		argNum++
	}

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	err := r.db.GetContext(ctx, "count_intersection_stats", &totalCount, countQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count intersection stats: %w", err)
	}

	query += " ORDER BY avg_congestion_index DESC, intersection_id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	var stats []*models.IntersectionStat
	err = r.db.SelectContext(ctx, "get_intersection_stats", &stats, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get intersection stats: %w", err)
	}

	return stats, totalCount, nil
}

// HealthCheck performs a repository health check
func (r *trafficRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// inTx runs fn in a transaction, committing when it returns nil.
func (r *trafficRepository) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		r.metrics.RecordDBError("begin_tx")
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		r.metrics.RecordDBError("tx_statement")
		return err
	}

	if err := tx.Commit(); err != nil {
		r.metrics.RecordDBError("commit")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}
