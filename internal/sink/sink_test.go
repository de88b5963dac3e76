package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"traffic-platform/internal/cache"
	"traffic-platform/internal/models"
)

func sptr(s string) *string   { return &s }
func fptr(f float64) *float64 { return &f }
func iptr(i int) *int         { return &i }

func testBatch(dir string) *Batch {
	ts := time.Date(2024, 3, 4, 8, 5, 0, 0, time.UTC)
	return &Batch{
		RunID:      "run-1",
		OutputDir:  dir,
		ProducedAt: ts,
		Metadata: []models.IntersectionMetadata{
			{IntersectionID: "INT001", Location: "Main St & 1st Ave", Latitude: fptr(40.71), Longitude: fptr(-74.0), NumLanes: 4, CapacityPerHour: fptr(1200)},
		},
		Enriched: []models.EnrichedRecord{
			{
				Timestamp: ts, IntersectionID: "INT001", VehicleCount: iptr(50), AverageSpeed: fptr(30), NumLanes: 4,
				Location: sptr("Main St & 1st Ave"), Latitude: fptr(40.71), Longitude: fptr(-74.0), CapacityPerHour: fptr(1200),
				CapacityPerInterval: fptr(100), VolumeRatio: fptr(0.5), SpeedFactor: 0.4545454545454546,
				TrafficCongestionIndex: 22.73, Hour: 8, TimeOfDay: models.Morning, CongestionLevel: models.LevelModerate,
			},
			{
				Timestamp: ts, IntersectionID: "INT999", VehicleCount: iptr(10), AverageSpeed: fptr(45), NumLanes: 2,
				SpeedFactor: 0.18181818181818177, Hour: 8, TimeOfDay: models.Morning, CongestionLevel: models.LevelLow,
				ScoreDegraded: true, DegradedReason: "no_capacity",
			},
		},
		Hourly: []models.HourlyMetric{
			{IntersectionID: "INT001", Location: sptr("Main St & 1st Ave"), Hour: 8, TotalVehicles: 50, AvgSpeed: 30, AvgCongestionIndex: 22.73, ReadingCount: 1},
			{IntersectionID: "INT999", Hour: 8, TotalVehicles: 10, AvgSpeed: 45, ReadingCount: 1},
		},
		Stats: []models.IntersectionStat{
			{IntersectionID: "INT001", Location: sptr("Main St & 1st Ave"), Latitude: fptr(40.71), Longitude: fptr(-74.0), NumLanes: 4, CapacityPerHour: fptr(1200), AvgVehicleCount: 50, AvgSpeed: 30, AvgCongestionIndex: 22.73},
			{IntersectionID: "INT999", NumLanes: 2, AvgVehicleCount: 10, AvgSpeed: 45},
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func TestCSVSinkWritesAllTables(t *testing.T) {
	dir := t.TempDir()
	batch := testBatch(dir)

	if err := NewCSVSink().Write(context.Background(), batch); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	tests := []struct {
		table  string
		header []string
		rows   int
	}{
		{TableEnriched, enrichedHeader, 2},
		{TableHourlyMetrics, hourlyHeader, 2},
		{TableIntersectionStats, statsHeader, 2},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			rows := readCSV(t, filepath.Join(dir, tt.table+CSVSuffix, PartFile+".csv"))
			if !reflect.DeepEqual(rows[0], tt.header) {
				t.Errorf("header = %v, want %v", rows[0], tt.header)
			}
			if len(rows)-1 != tt.rows {
				t.Errorf("rows = %d, want %d", len(rows)-1, tt.rows)
			}
		})
	}

	enriched := readCSV(t, filepath.Join(dir, TableEnriched+CSVSuffix, PartFile+".csv"))
	if enriched[1][0] != "2024-03-04 08:05:00" {
		t.Errorf("timestamp = %q", enriched[1][0])
	}
	// Missing metadata is written as empty cells.
	if enriched[2][5] != "" || enriched[2][10] != "" {
		t.Errorf("join-miss row = %v, want empty location and volume ratio", enriched[2])
	}
}

func TestCSVSinkStatsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	batch := testBatch(dir)
	if err := NewCSVSink().Write(context.Background(), batch); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := ReadIntersectionStatsCSV(filepath.Join(dir, TableIntersectionStats+CSVSuffix, PartFile+".csv"))
	if err != nil {
		t.Fatalf("ReadIntersectionStatsCSV() error = %v", err)
	}
	if !reflect.DeepEqual(got, batch.Stats) {
		t.Errorf("round trip = %+v, want %+v", got, batch.Stats)
	}
}

func TestCSVSinkOverwrites(t *testing.T) {
	dir := t.TempDir()
	batch := testBatch(dir)
	ctx := context.Background()

	if err := NewCSVSink().Write(ctx, batch); err != nil {
		t.Fatal(err)
	}
	batch.Stats = batch.Stats[:1]
	if err := NewCSVSink().Write(ctx, batch); err != nil {
		t.Fatal(err)
	}

	statsDir := filepath.Join(dir, TableIntersectionStats+CSVSuffix)
	entries, err := os.ReadDir(statsDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("stats dir has %d entries, want only the part file", len(entries))
	}
	if rows := readCSV(t, filepath.Join(statsDir, PartFile+".csv")); len(rows) != 2 {
		t.Errorf("rows after rewrite = %d, want header plus 1", len(rows))
	}
}

func TestCSVSinkCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewCSVSink().Write(ctx, testBatch(t.TempDir())); !errors.Is(err, context.Canceled) {
		t.Errorf("Write() error = %v, want context.Canceled", err)
	}
}

func TestReadIntersectionStatsCSVSkipsBadRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")
	content := "intersection_id,location,avg_congestion_index\n" +
		"INT001,Main St,45.5\n" +
		",Nowhere,12\n" +
		"INT002,Broadway,n/a\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	stats, err := ReadIntersectionStatsCSV(path)
	if err != nil {
		t.Fatalf("ReadIntersectionStatsCSV() error = %v", err)
	}
	if len(stats) != 1 || stats[0].IntersectionID != "INT001" || stats[0].AvgCongestionIndex != 45.5 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWriteRawInputs(t *testing.T) {
	dir := t.TempDir()
	batch := testBatch(dir)

	readings := []models.SensorReading{{
		Timestamp: batch.ProducedAt, IntersectionID: "INT001", VehicleCount: iptr(12), AverageSpeed: fptr(33.25), NumLanes: 4,
	}}
	if err := WriteReadingsCSV(filepath.Join(dir, "sensor.csv"), readings); err != nil {
		t.Fatal(err)
	}
	if err := WriteMetadataCSV(filepath.Join(dir, "meta.csv"), batch.Metadata); err != nil {
		t.Fatal(err)
	}

	sensor := readCSV(t, filepath.Join(dir, "sensor.csv"))
	if want := []string{"2024-03-04 08:05:00", "INT001", "12", "33.25", "4"}; !reflect.DeepEqual(sensor[1], want) {
		t.Errorf("sensor row = %v, want %v", sensor[1], want)
	}
	meta := readCSV(t, filepath.Join(dir, "meta.csv"))
	if want := []string{"INT001", "Main St & 1st Ave", "40.71", "-74", "4", "1200"}; !reflect.DeepEqual(meta[1], want) {
		t.Errorf("metadata row = %v, want %v", meta[1], want)
	}
}

func TestParquetSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	batch := testBatch(dir)

	if err := NewParquetSink().Write(context.Background(), batch); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	stats, err := ReadParquet[models.IntersectionStat](ParquetPath(dir, TableIntersectionStats))
	if err != nil {
		t.Fatalf("ReadParquet(stats) error = %v", err)
	}
	if !reflect.DeepEqual(stats, batch.Stats) {
		t.Errorf("stats = %+v, want %+v", stats, batch.Stats)
	}

	hourly, err := ReadParquet[models.HourlyMetric](ParquetPath(dir, TableHourlyMetrics))
	if err != nil {
		t.Fatalf("ReadParquet(hourly) error = %v", err)
	}
	if !reflect.DeepEqual(hourly, batch.Hourly) {
		t.Errorf("hourly = %+v, want %+v", hourly, batch.Hourly)
	}

	enriched, err := ReadParquet[models.EnrichedRecord](ParquetPath(dir, TableEnriched))
	if err != nil {
		t.Fatalf("ReadParquet(enriched) error = %v", err)
	}
	if len(enriched) != 2 {
		t.Fatalf("len(enriched) = %d, want 2", len(enriched))
	}
	if !enriched[0].Timestamp.Equal(batch.Enriched[0].Timestamp) {
		t.Errorf("timestamp = %v, want %v", enriched[0].Timestamp, batch.Enriched[0].Timestamp)
	}
	if enriched[1].Location != nil || !enriched[1].ScoreDegraded {
		t.Errorf("join-miss record = %+v", enriched[1])
	}
	if enriched[0].CongestionLevel != models.LevelModerate || *enriched[0].VolumeRatio != 0.5 {
		t.Errorf("scored record = %+v", enriched[0])
	}
}

func TestParquetSinkEmptyTables(t *testing.T) {
	dir := t.TempDir()
	batch := &Batch{OutputDir: dir}

	if err := NewParquetSink().Write(context.Background(), batch); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	stats, err := ReadParquet[models.IntersectionStat](ParquetPath(dir, TableIntersectionStats))
	if err != nil {
		t.Fatalf("ReadParquet() error = %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("len(stats) = %d, want 0", len(stats))
	}
}

type fakeStore struct {
	calls     []string
	batchSize int
	failOn    string
}

func (f *fakeStore) record(call string) error {
	f.calls = append(f.calls, call)
	if call == f.failOn {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeStore) UpsertIntersections(ctx context.Context, metadata []models.IntersectionMetadata) error {
	return f.record("intersections")
}

func (f *fakeStore) UpsertEnrichedRecords(ctx context.Context, records []models.EnrichedRecord, batchSize int) error {
	f.batchSize = batchSize
	return f.record("enriched")
}

func (f *fakeStore) ReplaceHourlyMetrics(ctx context.Context, metrics []models.HourlyMetric) error {
	return f.record("hourly")
}

func (f *fakeStore) ReplaceIntersectionStats(ctx context.Context, stats []models.IntersectionStat) error {
	return f.record("stats")
}

func TestPostgresSink(t *testing.T) {
	store := &fakeStore{}
	if err := NewPostgresSink(store, 250).Write(context.Background(), testBatch("")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if want := []string{"intersections", "enriched", "hourly", "stats"}; !reflect.DeepEqual(store.calls, want) {
		t.Errorf("calls = %v, want %v", store.calls, want)
	}
	if store.batchSize != 250 {
		t.Errorf("batchSize = %d, want 250", store.batchSize)
	}

	failing := &fakeStore{failOn: "hourly"}
	err := NewPostgresSink(failing, 10).Write(context.Background(), testBatch(""))
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if len(failing.calls) != 3 {
		t.Errorf("calls after failure = %v, want stop at hourly", failing.calls)
	}
}

type fakePublisher struct {
	stats   []models.IntersectionStat
	records []models.EnrichedRecord
	summary cache.RunSummary
}

func (f *fakePublisher) SetIntersectionStats(ctx context.Context, stats []models.IntersectionStat) error {
	f.stats = stats
	return nil
}

func (f *fakePublisher) SetLatestRecords(ctx context.Context, records []models.EnrichedRecord) error {
	f.records = records
	return nil
}

func (f *fakePublisher) PublishRunSummary(ctx context.Context, summary cache.RunSummary) error {
	f.summary = summary
	return nil
}

func TestCacheSink(t *testing.T) {
	pub := &fakePublisher{}
	batch := testBatch("")

	if err := NewCacheSink(pub).Write(context.Background(), batch); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(pub.stats) != 2 || len(pub.records) != 2 {
		t.Errorf("cached %d stats and %d records, want 2 and 2", len(pub.stats), len(pub.records))
	}
	want := cache.RunSummary{
		RunID:           "run-1",
		CompletedAt:     batch.ProducedAt,
		EnrichedRecords: 2,
		HourlyMetrics:   2,
		Intersections:   2,
		DegradedScores:  1,
	}
	if pub.summary != want {
		t.Errorf("summary = %+v, want %+v", pub.summary, want)
	}
}

func TestFileSinks(t *testing.T) {
	tests := []struct {
		formats []string
		want    []string
		wantErr bool
	}{
		{[]string{"parquet", "csv"}, []string{"parquet", "csv"}, false},
		{[]string{"csv"}, []string{"csv"}, false},
		{nil, []string{}, false},
		{[]string{"csv", "orc"}, nil, true},
	}

	for _, tt := range tests {
		sinks, err := FileSinks(tt.formats)
		if (err != nil) != tt.wantErr {
			t.Errorf("FileSinks(%v) error = %v, wantErr %v", tt.formats, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		names := make([]string, 0, len(sinks))
		for _, s := range sinks {
			names = append(names, s.Name())
		}
		if !reflect.DeepEqual(names, tt.want) {
			t.Errorf("FileSinks(%v) = %v, want %v", tt.formats, names, tt.want)
		}
	}
}
