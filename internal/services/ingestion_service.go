package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"traffic-platform/internal/models"
	"traffic-platform/pkg/logging"
	"traffic-platform/pkg/metrics"
)

// maxReportedErrors bounds the per-file error list kept on a result.
const maxReportedErrors = 20

// Column names expected in the input CSV headers.
var (
	sensorColumns   = []string{"timestamp", "intersection_id", "vehicle_count", "average_speed"}
	metadataColumns = []string{"intersection_id", "location", "latitude", "longitude", "num_lanes", "capacity_per_hour"}
)

// IngestionService loads the raw sensor and metadata CSV files.
type IngestionService struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// FileIngestionResult contains per-file ingestion statistics.
// DegradedRecords were kept with one or more numeric fields unset, and
// DuplicateRecords repeat an (intersection, timestamp) pair seen earlier in
// the file. Both are included in SuccessfulRecords.
type FileIngestionResult struct {
	FilePath          string
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	DegradedRecords   int
	DuplicateRecords  int
	Duration          time.Duration
	Errors            []string
}

func (r *FileIngestionResult) fail(line int, err error) {
	r.FailedRecords++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, fmt.Sprintf("line %d: %v", line, err))
	}
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	return &IngestionService{
		logger:  logger,
		metrics: metricsCollector,
	}
}

// readingKey identifies one sample of one intersection.
type readingKey struct {
	intersectionID string
	timestamp      int64
}

// LoadReadings reads the sensor CSV at path. Rows without a usable timestamp
// or intersection id are counted and skipped. Rows with an unusable count or
// speed are kept with the field unset. A missing file or required column is
// an error.
func (s *IngestionService) LoadReadings(ctx context.Context, path string) ([]models.SensorReading, *FileIngestionResult, error) {
	var (
		readings   []models.SensorReading
		degraded   int
		duplicates int
		seen       = make(map[readingKey]struct{})
	)

	result, err := s.readFile(ctx, path, sensorColumns, func(row map[string]string) error {
		raw := models.RawSensorRecord{
			Timestamp:      row["timestamp"],
			IntersectionID: row["intersection_id"],
			VehicleCount:   row["vehicle_count"],
			AverageSpeed:   row["average_speed"],
			NumLanes:       row["num_lanes"],
		}
		r, err := raw.ToReading()
		if err != nil {
			return err
		}
		if len(r.InvalidFields()) > 0 {
			degraded++
			s.metrics.RecordIngestionError("invalid_field")
		}
		key := readingKey{intersectionID: r.IntersectionID, timestamp: r.Timestamp.UnixNano()}
		if _, dup := seen[key]; dup {
			duplicates++
			s.metrics.RecordIngestionError("duplicate_reading")
		}
		seen[key] = struct{}{}
		readings = append(readings, *r)
		return nil
	})
	result.DegradedRecords = degraded
	result.DuplicateRecords = duplicates
	if err != nil {
		return nil, result, err
	}

	if degraded > 0 || duplicates > 0 {
		s.logger.Warn(ctx, "[INGEST_DATA_QUALITY] Readings kept with data-quality faults", logging.Fields{
			"file_path":          path,
			"degraded_records":   degraded,
			"duplicate_readings": duplicates,
			"stage":              "FILE_COMPLETE",
		})
	}

	return readings, result, nil
}

// LoadMetadata reads the intersection metadata CSV at path.
func (s *IngestionService) LoadMetadata(ctx context.Context, path string) ([]models.IntersectionMetadata, *FileIngestionResult, error) {
	var metadata []models.IntersectionMetadata

	result, err := s.readFile(ctx, path, metadataColumns, func(row map[string]string) error {
		raw := models.RawMetadataRecord{
			IntersectionID:  row["intersection_id"],
			Location:        row["location"],
			Latitude:        row["latitude"],
			Longitude:       row["longitude"],
			NumLanes:        row["num_lanes"],
			CapacityPerHour: row["capacity_per_hour"],
		}
		m, err := raw.ToMetadata()
		if err != nil {
			return err
		}
		metadata = append(metadata, *m)
		return nil
	})
	if err != nil {
		return nil, result, err
	}

	return metadata, result, nil
}

// readFile streams the CSV at path, handing each row to convert keyed by
// lower-cased header name.
func (s *IngestionService) readFile(ctx context.Context, path string, required []string, convert func(map[string]string) error) (*FileIngestionResult, error) {
	startTime := time.Now()
	result := &FileIngestionResult{FilePath: path}

	s.logger.Info(ctx, "[INGEST_START] Reading input file", logging.Fields{
		"file_path": path,
		"stage":     "FILE_DISCOVERY",
	})

	file, err := os.Open(path)
	if err != nil {
		s.metrics.RecordIngestionError("file_error")
		return result, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	if err := s.readRows(ctx, path, file, required, convert, result); err != nil {
		return result, err
	}

	result.Duration = time.Since(startTime)

	fields := logging.Fields{
		"file_path":          path,
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"duration_ms":        result.Duration.Milliseconds(),
		"stage":              "FILE_COMPLETE",
	}
	if result.FailedRecords > 0 {
		fields["first_errors"] = result.Errors
		s.logger.Warn(ctx, "[INGEST_FILE_PARTIAL] Some rows were rejected", fields)
	} else {
		s.logger.Info(ctx, "[INGEST_FILE_SUCCESS] File read successfully", fields)
	}

	return result, nil
}

// readRows validates the header of src and converts every following row.
// Malformed CSV rows are recorded on result and skipped; any other read
// error ends the file.
func (s *IngestionService) readRows(ctx context.Context, path string, src io.Reader, required []string, convert func(map[string]string) error, result *FileIngestionResult) error {
	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		s.metrics.RecordIngestionError("file_error")
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s is empty", path)
		}
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	var missing []string
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		s.metrics.RecordIngestionError("schema_error")
		return fmt.Errorf("%s is missing required columns: %s", path, strings.Join(missing, ", "))
	}

	row := make(map[string]string, len(columns))
	line := 1
	for {
		line++
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				s.metrics.RecordIngestionError("file_error")
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			result.TotalRecords++
			result.fail(line, err)
			s.metrics.RecordIngestionError("parse_error")
			continue
		}
		result.TotalRecords++

		for name, idx := range columns {
			if idx < len(fields) {
				row[name] = fields[idx]
			} else {
				row[name] = ""
			}
		}

		if err := convert(row); err != nil {
			result.fail(line, err)
			s.metrics.RecordIngestionError("conversion_error")
			continue
		}
		result.SuccessfulRecords++
	}
	return nil
}
