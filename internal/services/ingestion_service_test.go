package services

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"traffic-platform/internal/models"
	"traffic-platform/pkg/logging"
	"traffic-platform/pkg/metrics"
)

func testDeps(t *testing.T) (*logging.StructuredLogger, *metrics.Collector) {
	t.Helper()
	logger := logging.NewStructuredLogger("traffic-test", "test", logging.ErrorLevel)
	logger.SetOutput(io.Discard)
	return logger, metrics.NewCollectorWithRegistry("traffic_test", prometheus.NewRegistry())
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadReadings(t *testing.T) {
	logger, m := testDeps(t)
	svc := NewIngestionService(logger, m)

	path := writeFile(t, t.TempDir(), "sensor.csv", strings.Join([]string{
		"timestamp,intersection_id,vehicle_count,average_speed,num_lanes",
		"2024-03-04 08:00:00,INT_001,50,30.5,4",
		"2024-03-04T08:05:00Z,INT_001,55,29,",
		"not-a-time,INT_001,55,29,4",
		"2024-03-04 08:10:00,INT_001,-3,29,4",
		"2024-03-04 08:15:00,,10,29,4",
		"2024-03-04 08:20:00,INT_002,12.0,NaN,2",
		"2024-03-04 08:25:00,INT_002,7,n/a,two",
		`2024-03-04 08:30:00,INT_"2,7,20,2`,
		"2024-03-04 08:00:00,INT_001,45,31,4",
	}, "\n")+"\n")

	readings, result, err := svc.LoadReadings(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadReadings() error = %v", err)
	}

	if result.TotalRecords != 9 || result.SuccessfulRecords != 6 || result.FailedRecords != 3 {
		t.Errorf("result = %+v, want 9 total, 6 ok, 3 failed", result)
	}
	if result.DegradedRecords != 3 || result.DuplicateRecords != 1 {
		t.Errorf("DegradedRecords = %d, DuplicateRecords = %d, want 3 and 1", result.DegradedRecords, result.DuplicateRecords)
	}
	if len(result.Errors) != 3 {
		t.Errorf("len(Errors) = %d, want 3", len(result.Errors))
	}
	if len(readings) != 6 {
		t.Fatalf("len(readings) = %d, want 6", len(readings))
	}
	if readings[0].NumLanes != 4 || readings[1].NumLanes != 0 || readings[4].NumLanes != 0 {
		t.Errorf("lanes = %d, %d, %d, want 4, 0 and 0", readings[0].NumLanes, readings[1].NumLanes, readings[4].NumLanes)
	}
	if readings[2].VehicleCount != nil || readings[2].AverageSpeed == nil || *readings[2].AverageSpeed != 29 {
		t.Errorf("negative count reading = %+v, want count unset and speed 29", readings[2])
	}
	if readings[3].VehicleCount == nil || *readings[3].VehicleCount != 12 || readings[3].AverageSpeed != nil {
		t.Errorf("NaN speed reading = %+v, want count 12 and speed unset", readings[3])
	}
	if readings[4].AverageSpeed != nil {
		t.Errorf("non-numeric speed = %v, want unset", *readings[4].AverageSpeed)
	}

	errorCounts := map[string]float64{
		"conversion_error":  2,
		"parse_error":       1,
		"invalid_field":     3,
		"duplicate_reading": 1,
	}
	for label, want := range errorCounts {
		if got := testutil.ToFloat64(m.IngestionErrorsTotal.WithLabelValues(label)); got != want {
			t.Errorf("%s errors = %v, want %v", label, got, want)
		}
	}
}

func TestLoadReadingsDegradedRowsReachEnrichment(t *testing.T) {
	logger, m := testDeps(t)
	svc := NewIngestionService(logger, m)
	dir := t.TempDir()

	sensor := writeFile(t, dir, "sensor.csv", strings.Join([]string{
		"timestamp,intersection_id,vehicle_count,average_speed",
		"2024-03-04 08:00:00,INT_001,50,NaN",
		"2024-03-04 08:05:00,INT_001,50,n/a",
		"2024-03-04 08:10:00,INT_001,lots,30",
		"2024-03-04 08:15:00,INT_001,50,30",
	}, "\n")+"\n")
	meta := writeFile(t, dir, "meta.csv", strings.Join([]string{
		"intersection_id,location,latitude,longitude,num_lanes,capacity_per_hour",
		"INT_001,A,40.1,,4,1200",
	}, "\n")+"\n")

	readings, readResult, err := svc.LoadReadings(context.Background(), sensor)
	if err != nil {
		t.Fatalf("LoadReadings() error = %v", err)
	}
	metadata, metaResult, err := svc.LoadMetadata(context.Background(), meta)
	if err != nil {
		t.Fatalf("LoadMetadata() error = %v", err)
	}
	if readResult.FailedRecords != 0 || metaResult.FailedRecords != 0 {
		t.Fatalf("rejected rows: readings %v, metadata %v", readResult.Errors, metaResult.Errors)
	}

	records := NewEnricher(5).Enrich(readings, metadata)
	if len(records) != 4 {
		t.Fatalf("len(records) = %d, want every reading enriched", len(records))
	}
	for i, r := range records[:3] {
		if r.TrafficCongestionIndex != 0 || !r.ScoreDegraded {
			t.Errorf("record %d: TCI = %v, ScoreDegraded = %v, want neutral and degraded", i, r.TrafficCongestionIndex, r.ScoreDegraded)
		}
	}
	last := records[3]
	if last.TrafficCongestionIndex != 22.73 || last.ScoreDegraded {
		t.Errorf("clean reading: TCI = %v, ScoreDegraded = %v, want 22.73 undegraded", last.TrafficCongestionIndex, last.ScoreDegraded)
	}
	if last.CapacityPerHour == nil || last.Longitude != nil || last.Latitude == nil {
		t.Errorf("joined columns = capacity %v, lat %v, lon %v", last.CapacityPerHour, last.Latitude, last.Longitude)
	}

	hourly := AggregateHourly(records)
	if len(hourly) != 1 || hourly[0].ReadingCount != 4 || hourly[0].TotalVehicles != 150 {
		t.Errorf("hourly = %+v, want 4 readings and 150 vehicles", hourly)
	}
}

func TestReadRowsStopsOnReadFailure(t *testing.T) {
	logger, m := testDeps(t)
	svc := NewIngestionService(logger, m)

	src := io.MultiReader(
		strings.NewReader("timestamp,intersection_id,vehicle_count,average_speed\n2024-03-04 08:00:00,INT_001,5,30\n"),
		iotest.ErrReader(errors.New("device gone")),
	)
	result := &FileIngestionResult{FilePath: "sensor.csv"}
	rows := 0
	err := svc.readRows(context.Background(), "sensor.csv", src, sensorColumns, func(map[string]string) error {
		rows++
		return nil
	}, result)

	if err == nil || !strings.Contains(err.Error(), "device gone") {
		t.Fatalf("readRows() error = %v, want the read failure", err)
	}
	if rows != 1 || result.SuccessfulRecords != 1 || result.FailedRecords != 0 {
		t.Errorf("rows = %d, result = %+v, want one row before the failure", rows, result)
	}
}

func TestLoadReadingsHeaderOrderAndCase(t *testing.T) {
	logger, m := testDeps(t)
	svc := NewIngestionService(logger, m)

	path := writeFile(t, t.TempDir(), "sensor.csv",
		"\ufeffAverage_Speed, Vehicle_Count,Intersection_ID,Timestamp\n"+
			"25,40,INT_003,2024-03-04 17:30:00\n")

	readings, _, err := svc.LoadReadings(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadReadings() error = %v", err)
	}
	if len(readings) != 1 || readings[0].IntersectionID != "INT_003" || *readings[0].VehicleCount != 40 || *readings[0].AverageSpeed != 25 {
		t.Errorf("readings = %+v", readings)
	}
}

func TestLoadReadingsMissingColumn(t *testing.T) {
	logger, m := testDeps(t)
	svc := NewIngestionService(logger, m)

	path := writeFile(t, t.TempDir(), "sensor.csv", "timestamp,intersection_id,vehicle_count\n2024-03-04 08:00:00,INT_001,5\n")

	_, _, err := svc.LoadReadings(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "average_speed") {
		t.Errorf("LoadReadings() error = %v, want missing average_speed", err)
	}
}

func TestLoadReadingsMissingFile(t *testing.T) {
	logger, m := testDeps(t)
	svc := NewIngestionService(logger, m)

	if _, _, err := svc.LoadReadings(context.Background(), filepath.Join(t.TempDir(), "nope.csv")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, _, err := svc.LoadReadings(context.Background(), writeFile(t, t.TempDir(), "empty.csv", "")); err == nil {
		t.Error("expected error for empty file")
	}
}

func TestLoadMetadata(t *testing.T) {
	logger, m := testDeps(t)
	svc := NewIngestionService(logger, m)

	path := writeFile(t, t.TempDir(), "meta.csv", strings.Join([]string{
		"intersection_id,location,latitude,longitude,num_lanes,capacity_per_hour",
		`INT_001,"Main St & 1st Ave",40.71,-74.0,4,1200`,
		"INT_002,Broadway,40.75,-73.98,2,",
		"INT_003,Park Ave,40.76,-73.97,0,900",
		"INT_004,Nowhere,north,,2,900",
		",Unnamed,40.7,-73.9,2,900",
	}, "\n")+"\n")

	metadata, result, err := svc.LoadMetadata(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadMetadata() error = %v", err)
	}
	if result.SuccessfulRecords != 4 || result.FailedRecords != 1 {
		t.Errorf("result = %+v, want 4 ok, 1 failed", result)
	}
	if len(metadata) != 4 {
		t.Fatalf("len(metadata) = %d, want 4", len(metadata))
	}

	tests := []struct {
		name        string
		meta        models.IntersectionMetadata
		checkValues func(*testing.T, models.IntersectionMetadata)
	}{
		{
			name: "complete row",
			meta: metadata[0],
			checkValues: func(t *testing.T, m models.IntersectionMetadata) {
				if m.Location != "Main St & 1st Ave" || m.CapacityPerHour == nil || *m.CapacityPerHour != 1200 {
					t.Errorf("metadata = %+v", m)
				}
			},
		},
		{
			name: "empty capacity",
			meta: metadata[1],
			checkValues: func(t *testing.T, m models.IntersectionMetadata) {
				if m.CapacityPerHour != nil {
					t.Errorf("CapacityPerHour = %v, want nil", *m.CapacityPerHour)
				}
			},
		},
		{
			name: "zero lanes",
			meta: metadata[2],
			checkValues: func(t *testing.T, m models.IntersectionMetadata) {
				if m.NumLanes != 0 || m.CapacityPerHour == nil {
					t.Errorf("NumLanes = %d, CapacityPerHour = %v, want 0 and 900", m.NumLanes, m.CapacityPerHour)
				}
			},
		},
		{
			name: "bad coordinates",
			meta: metadata[3],
			checkValues: func(t *testing.T, m models.IntersectionMetadata) {
				if m.Latitude != nil || m.Longitude != nil {
					t.Errorf("Latitude = %v, Longitude = %v, want nil", m.Latitude, m.Longitude)
				}
				if m.CapacityPerHour == nil || *m.CapacityPerHour != 900 {
					t.Errorf("CapacityPerHour = %v, want 900", m.CapacityPerHour)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checkValues(t, tt.meta)
		})
	}
}

func TestLoadReadingsCancelled(t *testing.T) {
	logger, m := testDeps(t)
	svc := NewIngestionService(logger, m)

	var b strings.Builder
	b.WriteString("timestamp,intersection_id,vehicle_count,average_speed\n")
	for i := 0; i < 2500; i++ {
		b.WriteString("2024-03-04 08:00:00,INT_001,5,30\n")
	}
	path := writeFile(t, t.TempDir(), "sensor.csv", b.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := svc.LoadReadings(ctx, path); err == nil {
		t.Error("expected cancellation error")
	}
}
