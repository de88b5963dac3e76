package services

import (
	"math"
	"reflect"
	"testing"
	"time"

	"traffic-platform/internal/models"
)

// sampleRecords covers three intersections over two hours, one of them
// without metadata.
func sampleRecords() []models.EnrichedRecord {
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	var readings []models.SensorReading
	for i := 0; i < 24; i++ {
		ts := base.Add(time.Duration(i) * 5 * time.Minute)
		readings = append(readings,
			reading("INT001", ts, 40+i, 30-float64(i)/2, 4),
			reading("INT002", ts, 60+2*i, 20, 2),
			reading("INT999", ts, 10, 45, 3),
		)
	}
	return NewEnricher(5).Enrich(readings, testMetadata())
}

func TestAggregateConservesVehicles(t *testing.T) {
	records := sampleRecords()
	hourly, _ := Aggregate(records)

	totals := make(map[string]int64)
	for _, r := range records {
		totals[r.IntersectionID] += int64(*r.VehicleCount)
	}

	got := make(map[string]int64)
	var readings int64
	for _, h := range hourly {
		got[h.IntersectionID] += h.TotalVehicles
		readings += h.ReadingCount
	}

	if !reflect.DeepEqual(got, totals) {
		t.Errorf("hourly vehicle totals = %v, want %v", got, totals)
	}
	if readings != int64(len(records)) {
		t.Errorf("sum of ReadingCount = %d, want %d", readings, len(records))
	}
}

func TestAggregateSkipsUnsetValues(t *testing.T) {
	at := time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC)
	records := NewEnricher(5).Enrich([]models.SensorReading{
		reading("INT001", at, 50, 30, 4),
		{Timestamp: at.Add(5 * time.Minute), IntersectionID: "INT001", AverageSpeed: fptr(10), NumLanes: 4},
		{Timestamp: at.Add(10 * time.Minute), IntersectionID: "INT001", VehicleCount: iptr(70), NumLanes: 4},
	}, testMetadata())

	hourly, stats := Aggregate(records)
	if len(hourly) != 1 || len(stats) != 1 {
		t.Fatalf("len(hourly) = %d, len(stats) = %d, want 1 and 1", len(hourly), len(stats))
	}

	h := hourly[0]
	if h.ReadingCount != 3 {
		t.Errorf("ReadingCount = %d, want every reading counted", h.ReadingCount)
	}
	if h.TotalVehicles != 120 {
		t.Errorf("TotalVehicles = %d, want 120", h.TotalVehicles)
	}
	if h.AvgSpeed != 20 {
		t.Errorf("AvgSpeed = %v, want 20", h.AvgSpeed)
	}
	// Degraded readings contribute the neutral index.
	if math.Abs(h.AvgCongestionIndex-22.73/3) > 1e-9 {
		t.Errorf("AvgCongestionIndex = %v, want %v", h.AvgCongestionIndex, 22.73/3)
	}

	s := stats[0]
	if s.AvgVehicleCount != 60 || s.AvgSpeed != 20 {
		t.Errorf("AvgVehicleCount = %v, AvgSpeed = %v, want 60 and 20", s.AvgVehicleCount, s.AvgSpeed)
	}
}

func TestAggregateAllValuesUnset(t *testing.T) {
	at := time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC)
	records := NewEnricher(5).Enrich([]models.SensorReading{
		{Timestamp: at, IntersectionID: "INT001", NumLanes: 4},
	}, testMetadata())

	hourly, stats := Aggregate(records)
	h, s := hourly[0], stats[0]
	if h.ReadingCount != 1 || h.TotalVehicles != 0 || h.AvgSpeed != 0 {
		t.Errorf("hourly = %+v, want one reading with zero sums", h)
	}
	if math.IsNaN(s.AvgVehicleCount) || math.IsNaN(s.AvgSpeed) || s.AvgVehicleCount != 0 || s.AvgSpeed != 0 {
		t.Errorf("stats averages = %v, %v, want 0", s.AvgVehicleCount, s.AvgSpeed)
	}
}

func TestAggregateRowCounts(t *testing.T) {
	hourly, stats := Aggregate(sampleRecords())

	// Three intersections over hours 8 and 9.
	if len(hourly) != 6 {
		t.Errorf("len(hourly) = %d, want 6", len(hourly))
	}
	if len(stats) != 3 {
		t.Errorf("len(stats) = %d, want 3", len(stats))
	}
}

func TestAggregateHourlyValues(t *testing.T) {
	at := time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC)
	records := NewEnricher(5).Enrich([]models.SensorReading{
		reading("INT001", at, 50, 30, 4),
		reading("INT001", at.Add(5*time.Minute), 100, 0, 4),
	}, testMetadata())

	hourly := AggregateHourly(records)
	if len(hourly) != 1 {
		t.Fatalf("len(hourly) = %d, want 1", len(hourly))
	}
	h := hourly[0]
	if h.Hour != 17 || h.TotalVehicles != 150 || h.ReadingCount != 2 {
		t.Errorf("hourly = %+v", h)
	}
	if h.AvgSpeed != 15 {
		t.Errorf("AvgSpeed = %v, want 15", h.AvgSpeed)
	}
	// (22.73 + 100) / 2
	if math.Abs(h.AvgCongestionIndex-61.365) > 1e-9 {
		t.Errorf("AvgCongestionIndex = %v, want 61.365", h.AvgCongestionIndex)
	}
	if h.Location == nil || *h.Location != "Main St & 1st Ave" {
		t.Errorf("Location = %v", h.Location)
	}
}

func TestAggregateOrdering(t *testing.T) {
	hourly, stats := Aggregate(sampleRecords())

	for i := 1; i < len(hourly); i++ {
		a, b := hourly[i-1], hourly[i]
		if a.IntersectionID > b.IntersectionID || (a.IntersectionID == b.IntersectionID && a.Hour > b.Hour) {
			t.Errorf("hourly out of order at %d: %s/%d before %s/%d", i, a.IntersectionID, a.Hour, b.IntersectionID, b.Hour)
		}
	}
	for i := 1; i < len(stats); i++ {
		if stats[i-1].AvgCongestionIndex < stats[i].AvgCongestionIndex {
			t.Errorf("stats not sorted by congestion at %d", i)
		}
	}
	if stats[len(stats)-1].IntersectionID != "INT999" {
		t.Errorf("intersection without metadata should rank last, got %s", stats[len(stats)-1].IntersectionID)
	}
}

func TestAggregateStatsTieBreak(t *testing.T) {
	at := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	records := NewEnricher(5).Enrich([]models.SensorReading{
		reading("INT-C", at, 10, 20, 2),
		reading("INT-A", at, 10, 20, 2),
		reading("INT-B", at, 10, 20, 2),
	}, nil)

	stats := AggregateIntersections(records)
	var ids []string
	for _, s := range stats {
		ids = append(ids, s.IntersectionID)
	}
	if want := []string{"INT-A", "INT-B", "INT-C"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("tie order = %v, want %v", ids, want)
	}
}

func TestAggregateJoinMissStats(t *testing.T) {
	_, stats := Aggregate(sampleRecords())

	var miss *models.IntersectionStat
	for i := range stats {
		if stats[i].IntersectionID == "INT999" {
			miss = &stats[i]
		}
	}
	if miss == nil {
		t.Fatal("INT999 missing from stats")
	}
	if miss.Location != nil || miss.Latitude != nil || miss.Longitude != nil || miss.CapacityPerHour != nil {
		t.Errorf("static attributes should be nil, got %+v", miss)
	}
	if miss.AvgCongestionIndex != 0 || miss.AvgVehicleCount != 10 || miss.AvgSpeed != 45 {
		t.Errorf("stats = %+v", miss)
	}
	if miss.NumLanes != 3 {
		t.Errorf("NumLanes = %d, want 3", miss.NumLanes)
	}
}

func TestAggregateEmpty(t *testing.T) {
	hourly, stats := Aggregate(nil)
	if len(hourly) != 0 || len(stats) != 0 {
		t.Errorf("Aggregate(nil) = %d hourly, %d stats, want none", len(hourly), len(stats))
	}
	if hourly == nil || stats == nil {
		t.Error("empty input should yield empty, non-nil tables")
	}
}

func TestPipelineIsDeterministic(t *testing.T) {
	base := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)
	var readings []models.SensorReading
	for i := 0; i < 48; i++ {
		readings = append(readings, reading("INT002", base.Add(time.Duration(i)*5*time.Minute), 30+i, 25, 2))
		readings = append(readings, reading("INT001", base.Add(time.Duration(i)*5*time.Minute), 70, 15, 4))
	}

	run := func() ([]models.EnrichedRecord, []models.HourlyMetric, []models.IntersectionStat) {
		records := NewEnricher(5).Enrich(readings, testMetadata())
		hourly, stats := Aggregate(records)
		return records, hourly, stats
	}

	r1, h1, s1 := run()
	r2, h2, s2 := run()
	if !reflect.DeepEqual(r1, r2) || !reflect.DeepEqual(h1, h2) || !reflect.DeepEqual(s1, s2) {
		t.Error("two runs over the same input differ")
	}
}
