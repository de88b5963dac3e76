package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"traffic-platform/internal/config"
	"traffic-platform/internal/congestion"
	"traffic-platform/internal/models"
	"traffic-platform/internal/sink"
	"traffic-platform/pkg/logging"
	"traffic-platform/pkg/metrics"
)

// RunContext carries everything one pipeline run needs. It is built once per
// run and passed explicitly; nothing about a run lives in package state.
type RunContext struct {
	RunID           string
	StartedAt       time.Time
	IntervalMinutes int
	SensorDataPath  string
	MetadataPath    string
	OutputDir       string
}

// NewRunContext creates a run with a fresh id from the pipeline settings.
func NewRunContext(cfg config.PipelineConfig) RunContext {
	return RunContext{
		RunID:           uuid.NewString(),
		StartedAt:       time.Now().UTC(),
		IntervalMinutes: cfg.IntervalMinutes,
		SensorDataPath:  cfg.SensorDataPath,
		MetadataPath:    cfg.MetadataPath,
		OutputDir:       cfg.OutputDir,
	}
}

// PipelineResult contains run statistics
type PipelineResult struct {
	RunID             string
	Readings          int
	Metadata          int
	RejectedRows      int
	DuplicateReadings int
	EnrichedRecords   int
	HourlyMetrics     int
	IntersectionStats int
	DegradedScores    int
	MissingMetadata   []string
	SinksWritten      []string
	Duration          time.Duration
}

// PipelineService runs ingestion, enrichment, aggregation and output.
type PipelineService struct {
	ingestion *IngestionService
	sinks     []sink.Sink
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewPipelineService creates a pipeline writing to sinks in order.
func NewPipelineService(ingestion *IngestionService, sinks []sink.Sink, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *PipelineService {
	return &PipelineService{
		ingestion: ingestion,
		sinks:     sinks,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// Run executes one batch run end to end. Input errors abort the run before
// anything is written. Sink errors do not stop the remaining sinks; they are
// joined into the returned error.
func (s *PipelineService) Run(ctx context.Context, run RunContext) (*PipelineResult, error) {
	ctx = logging.WithRunID(ctx, run.RunID)

	s.logger.Info(ctx, "[PIPELINE_START] Starting pipeline run", logging.Fields{
		"sensor_data":      run.SensorDataPath,
		"metadata":         run.MetadataPath,
		"output_dir":       run.OutputDir,
		"interval_minutes": run.IntervalMinutes,
		"sinks":            s.sinkNames(),
		"stage":            "INITIALIZATION",
	})

	if congestion.IntervalsPerHour(run.IntervalMinutes) == 0 {
		s.logger.Warn(ctx, "[PIPELINE_INTERVAL] Sampling interval outside (0, 60]; every score will be neutral", logging.Fields{
			"interval_minutes": run.IntervalMinutes,
		})
	}

	timer := s.metrics.StageTimer("ingest")
	metadata, metaResult, err := s.ingestion.LoadMetadata(ctx, run.MetadataPath)
	if err != nil {
		s.fail(ctx, "ingest", err)
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	readings, readingResult, err := s.ingestion.LoadReadings(ctx, run.SensorDataPath)
	if err != nil {
		s.fail(ctx, "ingest", err)
		return nil, fmt.Errorf("failed to load sensor data: %w", err)
	}
	timer.ObserveDuration()

	batch, result := s.Process(ctx, run, readings, metadata)
	result.RejectedRows = metaResult.FailedRecords + readingResult.FailedRecords
	result.DuplicateReadings = readingResult.DuplicateRecords

	if err := ctx.Err(); err != nil {
		s.fail(ctx, "process", err)
		return result, err
	}

	sinkErr := s.Publish(ctx, batch, result)
	result.Duration = time.Since(run.StartedAt)

	status := "success"
	if sinkErr != nil {
		status = "partial"
		if len(result.SinksWritten) == 0 && len(s.sinks) > 0 {
			status = "failed"
		}
	}
	s.metrics.PipelineRunsTotal.WithLabelValues(status).Inc()

	s.logger.Info(ctx, "[PIPELINE_COMPLETE] Pipeline run finished", logging.Fields{
		"status":             status,
		"readings":           result.Readings,
		"rejected_rows":      result.RejectedRows,
		"duplicate_readings": result.DuplicateReadings,
		"enriched_records":   result.EnrichedRecords,
		"hourly_metrics":     result.HourlyMetrics,
		"intersection_stats": result.IntersectionStats,
		"degraded_scores":    result.DegradedScores,
		"missing_metadata":   len(result.MissingMetadata),
		"sinks_written":      result.SinksWritten,
		"duration_seconds":   result.Duration.Seconds(),
		"stage":              "COMPLETE",
	})

	return result, sinkErr
}

// Process enriches and aggregates already loaded inputs. It performs no I/O.
func (s *PipelineService) Process(ctx context.Context, run RunContext, readings []models.SensorReading, metadata []models.IntersectionMetadata) (*sink.Batch, *PipelineResult) {
	result := &PipelineResult{
		RunID:    run.RunID,
		Readings: len(readings),
		Metadata: len(metadata),
	}

	result.MissingMetadata = MissingMetadata(readings, metadata)
	s.metrics.IntersectionsWithoutMeta.Set(float64(len(result.MissingMetadata)))
	if len(result.MissingMetadata) > 0 {
		s.logger.Warn(ctx, "[PIPELINE_JOIN_MISS] Readings reference intersections without metadata", logging.Fields{
			"intersection_ids": result.MissingMetadata,
			"stage":            "ENRICHMENT",
		})
	}

	timer := s.metrics.StageTimer("enrich")
	enriched := NewEnricher(run.IntervalMinutes).Enrich(readings, metadata)
	timer.ObserveDuration()

	for i := range enriched {
		if enriched[i].ScoreDegraded {
			result.DegradedScores++
			s.metrics.RecordDegradedScore(enriched[i].DegradedReason)
		}
	}

	timer = s.metrics.StageTimer("aggregate")
	hourly, stats := Aggregate(enriched)
	timer.ObserveDuration()

	result.EnrichedRecords = len(enriched)
	result.HourlyMetrics = len(hourly)
	result.IntersectionStats = len(stats)

	s.logger.Info(ctx, "[PIPELINE_PROCESSED] Readings enriched and aggregated", logging.Fields{
		"enriched_records":   len(enriched),
		"degraded_scores":    result.DegradedScores,
		"hourly_metrics":     len(hourly),
		"intersection_stats": len(stats),
		"stage":              "AGGREGATION",
	})

	return &sink.Batch{
		RunID:      run.RunID,
		OutputDir:  run.OutputDir,
		ProducedAt: time.Now().UTC(),
		Metadata:   metadata,
		Enriched:   enriched,
		Hourly:     hourly,
		Stats:      stats,
	}, result
}

// Publish hands batch to every sink. It stops early only when ctx is done.
func (s *PipelineService) Publish(ctx context.Context, batch *sink.Batch, result *PipelineResult) error {
	var errs []error

	for _, out := range s.sinks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		log := s.logger.With(logging.Fields{"sink": out.Name(), "stage": "OUTPUT"})
		timer := s.metrics.NewTimer(s.metrics.SinkWriteDuration.WithLabelValues(out.Name()))
		err := out.Write(ctx, batch)
		duration := timer.ObserveDuration()

		if err != nil {
			s.metrics.RecordSinkError(out.Name())
			log.Error(ctx, "[PIPELINE_SINK_ERROR] Sink write failed", nil, err)
			errs = append(errs, fmt.Errorf("sink %s: %w", out.Name(), err))
			continue
		}

		result.SinksWritten = append(result.SinksWritten, out.Name())
		log.Info(ctx, "[PIPELINE_SINK_WRITTEN] Sink write completed", logging.Fields{
			"duration_ms": duration.Milliseconds(),
		})
	}

	if len(result.SinksWritten) > 0 {
		s.metrics.RecordRecords(sink.TableEnriched, len(batch.Enriched))
		s.metrics.RecordRecords(sink.TableHourlyMetrics, len(batch.Hourly))
		s.metrics.RecordRecords(sink.TableIntersectionStats, len(batch.Stats))
	}

	return errors.Join(errs...)
}

func (s *PipelineService) fail(ctx context.Context, stage string, err error) {
	s.metrics.PipelineRunsTotal.WithLabelValues("failed").Inc()
	s.logger.Error(ctx, "[PIPELINE_FAILED] Pipeline run aborted", logging.Fields{
		"stage": stage,
	}, err)
}

func (s *PipelineService) sinkNames() []string {
	names := make([]string, 0, len(s.sinks))
	for _, out := range s.sinks {
		names = append(names, out.Name())
	}
	return names
}
