package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"traffic-platform/internal/models"
)

// CSVSuffix is appended to table names for the CSV output directories.
const CSVSuffix = "_csv"

// TimestampLayout is how timestamps are rendered in CSV files.
const TimestampLayout = "2006-01-02 15:04:05"

var (
	enrichedHeader = []string{
		"timestamp", "intersection_id", "vehicle_count", "average_speed", "num_lanes",
		"location", "latitude", "longitude", "capacity_per_hour",
		"capacity_per_interval", "volume_ratio", "speed_factor", "traffic_congestion_index",
		"hour", "time_of_day", "congestion_level", "score_degraded", "degraded_reason",
	}
	hourlyHeader = []string{
		"intersection_id", "location", "hour", "total_vehicles", "avg_speed", "avg_congestion_index", "reading_count",
	}
	statsHeader = []string{
		"intersection_id", "location", "latitude", "longitude", "num_lanes", "capacity_per_hour",
		"avg_vehicle_count", "avg_speed", "avg_congestion_index",
	}
	sensorHeader   = []string{"timestamp", "intersection_id", "vehicle_count", "average_speed", "num_lanes"}
	metadataHeader = []string{"intersection_id", "location", "latitude", "longitude", "num_lanes", "capacity_per_hour"}
)

// CSVSink writes each table to <output>/<table>_csv/part-00000.csv.
type CSVSink struct{}

// NewCSVSink creates a CSV sink.
func NewCSVSink() *CSVSink {
	return &CSVSink{}
}

func (s *CSVSink) Name() string { return "csv" }

// Write implements Sink.
func (s *CSVSink) Write(ctx context.Context, batch *Batch) error {
	tables := []struct {
		name   string
		header []string
		rows   [][]string
	}{
		{TableEnriched, enrichedHeader, enrichedRows(batch.Enriched)},
		{TableHourlyMetrics, hourlyHeader, hourlyRows(batch.Hourly)},
		{TableIntersectionStats, statsHeader, statsRows(batch.Stats)},
	}

	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(TableDir(batch.OutputDir, table.name, CSVSuffix), PartFile+".csv")
		if err := WriteCSVFile(path, table.header, table.rows); err != nil {
			return fmt.Errorf("failed to write %s: %w", table.name, err)
		}
	}
	return nil
}

// WriteCSVFile writes header and rows to path atomically.
func WriteCSVFile(path string, header []string, rows [][]string) error {
	return writeAtomic(path, func(f *os.File) error {
		w := csv.NewWriter(f)
		if err := w.Write(header); err != nil {
			return err
		}
		if err := w.WriteAll(rows); err != nil {
			return err
		}
		return w.Error()
	})
}

// WriteReadingsCSV writes raw sensor readings in the ingestion input format.
func WriteReadingsCSV(path string, readings []models.SensorReading) error {
	rows := make([][]string, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, []string{
			r.Timestamp.Format(TimestampLayout),
			r.IntersectionID,
			formatOptInt(r.VehicleCount),
			formatOptFloat(r.AverageSpeed),
			strconv.Itoa(r.NumLanes),
		})
	}
	return WriteCSVFile(path, sensorHeader, rows)
}

// WriteMetadataCSV writes intersection metadata in the ingestion input format.
func WriteMetadataCSV(path string, metadata []models.IntersectionMetadata) error {
	rows := make([][]string, 0, len(metadata))
	for _, m := range metadata {
		rows = append(rows, []string{
			m.IntersectionID,
			m.Location,
			formatOptFloat(m.Latitude),
			formatOptFloat(m.Longitude),
			strconv.Itoa(m.NumLanes),
			formatOptFloat(m.CapacityPerHour),
		})
	}
	return WriteCSVFile(path, metadataHeader, rows)
}

func enrichedRows(records []models.EnrichedRecord) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.Timestamp.Format(TimestampLayout),
			r.IntersectionID,
			formatOptInt(r.VehicleCount),
			formatOptFloat(r.AverageSpeed),
			strconv.Itoa(r.NumLanes),
			formatOptString(r.Location),
			formatOptFloat(r.Latitude),
			formatOptFloat(r.Longitude),
			formatOptFloat(r.CapacityPerHour),
			formatOptFloat(r.CapacityPerInterval),
			formatOptFloat(r.VolumeRatio),
			formatFloat(r.SpeedFactor),
			formatFloat(r.TrafficCongestionIndex),
			strconv.Itoa(r.Hour),
			string(r.TimeOfDay),
			string(r.CongestionLevel),
			strconv.FormatBool(r.ScoreDegraded),
			r.DegradedReason,
		})
	}
	return rows
}

func hourlyRows(metrics []models.HourlyMetric) [][]string {
	rows := make([][]string, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, []string{
			m.IntersectionID,
			formatOptString(m.Location),
			strconv.Itoa(m.Hour),
			strconv.FormatInt(m.TotalVehicles, 10),
			formatFloat(m.AvgSpeed),
			formatFloat(m.AvgCongestionIndex),
			strconv.FormatInt(m.ReadingCount, 10),
		})
	}
	return rows
}

func statsRows(stats []models.IntersectionStat) [][]string {
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			s.IntersectionID,
			formatOptString(s.Location),
			formatOptFloat(s.Latitude),
			formatOptFloat(s.Longitude),
			strconv.Itoa(s.NumLanes),
			formatOptFloat(s.CapacityPerHour),
			formatFloat(s.AvgVehicleCount),
			formatFloat(s.AvgSpeed),
			formatFloat(s.AvgCongestionIndex),
		})
	}
	return rows
}

// ReadIntersectionStatsCSV parses a stats table written by CSVSink. Columns
// are located by header name; rows missing an id or a parsable congestion
// index are skipped.
func ReadIntersectionStatsCSV(path string) ([]models.IntersectionStat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	if _, ok := col["intersection_id"]; !ok {
		return nil, fmt.Errorf("%s has no intersection_id column", path)
	}

	get := func(fields []string, name string) string {
		if i, ok := col[name]; ok && i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	var stats []models.IntersectionStat
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		id := get(fields, "intersection_id")
		index, err := strconv.ParseFloat(get(fields, "avg_congestion_index"), 64)
		if id == "" || err != nil {
			continue
		}

		stat := models.IntersectionStat{
			IntersectionID:     id,
			Location:           parseOptString(get(fields, "location")),
			Latitude:           parseOptFloat(get(fields, "latitude")),
			Longitude:          parseOptFloat(get(fields, "longitude")),
			CapacityPerHour:    parseOptFloat(get(fields, "capacity_per_hour")),
			AvgCongestionIndex: index,
		}
		stat.NumLanes, _ = strconv.Atoi(get(fields, "num_lanes"))
		stat.AvgVehicleCount, _ = strconv.ParseFloat(get(fields, "avg_vehicle_count"), 64)
		stat.AvgSpeed, _ = strconv.ParseFloat(get(fields, "avg_speed"), 64)
		stats = append(stats, stat)
	}
	return stats, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatOptInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatOptString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseOptString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func parseOptFloat(v string) *float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}
