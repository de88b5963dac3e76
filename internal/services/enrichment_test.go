package services

import (
	"testing"
	"time"

	"traffic-platform/internal/congestion"
	"traffic-platform/internal/models"
)

func fptr(v float64) *float64 { return &v }

func testMetadata() []models.IntersectionMetadata {
	return []models.IntersectionMetadata{
		{IntersectionID: "INT001", Location: "Main St & 1st Ave", Latitude: fptr(40.71), Longitude: fptr(-74.0), NumLanes: 4, CapacityPerHour: fptr(1200)},
		{IntersectionID: "INT002", Location: "Broadway & 42nd St", Latitude: fptr(40.75), Longitude: fptr(-73.98), NumLanes: 2, CapacityPerHour: fptr(800)},
		{IntersectionID: "INT003", Location: "Park Ave & 59th St", Latitude: fptr(40.76), Longitude: fptr(-73.97), NumLanes: 3},
		{IntersectionID: "INT004", Location: "Harbor Rd", NumLanes: 0, CapacityPerHour: fptr(1200)},
	}
}

func iptr(v int) *int { return &v }

func reading(id string, ts time.Time, vehicles int, speed float64, lanes int) models.SensorReading {
	return models.SensorReading{Timestamp: ts, IntersectionID: id, VehicleCount: iptr(vehicles), AverageSpeed: fptr(speed), NumLanes: lanes}
}

func TestEnricherEnrich(t *testing.T) {
	at := func(hour int) time.Time { return time.Date(2024, 3, 4, hour, 15, 0, 0, time.UTC) }

	tests := []struct {
		name        string
		reading     models.SensorReading
		checkValues func(*testing.T, models.EnrichedRecord)
	}{
		{
			name:    "joined reading is scored",
			reading: reading("INT001", at(8), 50, 30, 2),
			checkValues: func(t *testing.T, r models.EnrichedRecord) {
				if r.TrafficCongestionIndex != 22.73 {
					t.Errorf("TrafficCongestionIndex = %v, want 22.73", r.TrafficCongestionIndex)
				}
				if r.CongestionLevel != models.LevelModerate {
					t.Errorf("CongestionLevel = %v, want Moderate", r.CongestionLevel)
				}
				if r.TimeOfDay != models.Morning || r.Hour != 8 {
					t.Errorf("Hour = %d, TimeOfDay = %v, want 8 Morning", r.Hour, r.TimeOfDay)
				}
				if r.NumLanes != 4 {
					t.Errorf("NumLanes = %d, want metadata value 4", r.NumLanes)
				}
				if r.Location == nil || *r.Location != "Main St & 1st Ave" {
					t.Errorf("Location = %v, want Main St & 1st Ave", r.Location)
				}
				if r.CapacityPerInterval == nil || *r.CapacityPerInterval != 100 {
					t.Errorf("CapacityPerInterval = %v, want 100", r.CapacityPerInterval)
				}
				if r.VolumeRatio == nil || *r.VolumeRatio != 0.5 {
					t.Errorf("VolumeRatio = %v, want 0.5", r.VolumeRatio)
				}
				if r.ScoreDegraded {
					t.Error("ScoreDegraded should be false")
				}
			},
		},
		{
			name:    "join miss keeps reading lanes and scores neutral",
			reading: reading("INT999", at(18), 80, 10, 3),
			checkValues: func(t *testing.T, r models.EnrichedRecord) {
				if r.TrafficCongestionIndex != 0 {
					t.Errorf("TrafficCongestionIndex = %v, want 0", r.TrafficCongestionIndex)
				}
				if r.CongestionLevel != models.LevelLow {
					t.Errorf("CongestionLevel = %v, want Low", r.CongestionLevel)
				}
				if r.NumLanes != 3 {
					t.Errorf("NumLanes = %d, want reading value 3", r.NumLanes)
				}
				if r.Location != nil || r.Latitude != nil || r.Longitude != nil || r.CapacityPerHour != nil {
					t.Error("metadata fields should be nil on a join miss")
				}
				if r.VolumeRatio != nil || r.CapacityPerInterval != nil {
					t.Error("capacity-derived fields should be nil on a join miss")
				}
				if !r.ScoreDegraded || r.DegradedReason != congestion.ReasonNoCapacity {
					t.Errorf("ScoreDegraded = %v, DegradedReason = %q", r.ScoreDegraded, r.DegradedReason)
				}
				if r.TimeOfDay != models.Evening {
					t.Errorf("TimeOfDay = %v, want Evening", r.TimeOfDay)
				}
			},
		},
		{
			name:    "metadata without capacity scores neutral but keeps location",
			reading: reading("INT003", at(23), 40, 20, 0),
			checkValues: func(t *testing.T, r models.EnrichedRecord) {
				if r.TrafficCongestionIndex != 0 || !r.ScoreDegraded {
					t.Errorf("TrafficCongestionIndex = %v, ScoreDegraded = %v", r.TrafficCongestionIndex, r.ScoreDegraded)
				}
				if r.Location == nil || *r.Location != "Park Ave & 59th St" {
					t.Errorf("Location = %v", r.Location)
				}
				if r.TimeOfDay != models.Night {
					t.Errorf("TimeOfDay = %v, want Night", r.TimeOfDay)
				}
			},
		},
		{
			name:    "metadata without coordinates or lanes is still scored",
			reading: reading("INT004", at(8), 50, 30, 3),
			checkValues: func(t *testing.T, r models.EnrichedRecord) {
				if r.TrafficCongestionIndex != 22.73 || r.ScoreDegraded {
					t.Errorf("TrafficCongestionIndex = %v, ScoreDegraded = %v, want 22.73 undegraded", r.TrafficCongestionIndex, r.ScoreDegraded)
				}
				if r.NumLanes != 3 {
					t.Errorf("NumLanes = %d, want reading value 3", r.NumLanes)
				}
				if r.Latitude != nil || r.Longitude != nil {
					t.Errorf("Latitude = %v, Longitude = %v, want nil", r.Latitude, r.Longitude)
				}
				if r.Location == nil || *r.Location != "Harbor Rd" {
					t.Errorf("Location = %v, want Harbor Rd", r.Location)
				}
			},
		},
		{
			name: "unset vehicle count scores neutral",
			reading: models.SensorReading{
				Timestamp: at(9), IntersectionID: "INT001", AverageSpeed: fptr(30), NumLanes: 4,
			},
			checkValues: func(t *testing.T, r models.EnrichedRecord) {
				if r.TrafficCongestionIndex != 0 || !r.ScoreDegraded {
					t.Errorf("TrafficCongestionIndex = %v, ScoreDegraded = %v", r.TrafficCongestionIndex, r.ScoreDegraded)
				}
				if r.DegradedReason != congestion.ReasonNonFiniteInput {
					t.Errorf("DegradedReason = %q, want %q", r.DegradedReason, congestion.ReasonNonFiniteInput)
				}
				if r.VehicleCount != nil {
					t.Errorf("VehicleCount = %v, want nil", *r.VehicleCount)
				}
				if r.AverageSpeed == nil || *r.AverageSpeed != 30 {
					t.Errorf("AverageSpeed = %v, want 30", r.AverageSpeed)
				}
			},
		},
		{
			name: "unset speed scores neutral",
			reading: models.SensorReading{
				Timestamp: at(9), IntersectionID: "INT001", VehicleCount: iptr(50), NumLanes: 4,
			},
			checkValues: func(t *testing.T, r models.EnrichedRecord) {
				if r.TrafficCongestionIndex != 0 || !r.ScoreDegraded {
					t.Errorf("TrafficCongestionIndex = %v, ScoreDegraded = %v", r.TrafficCongestionIndex, r.ScoreDegraded)
				}
				if r.DegradedReason != congestion.ReasonNonFiniteInput {
					t.Errorf("DegradedReason = %q, want %q", r.DegradedReason, congestion.ReasonNonFiniteInput)
				}
				if r.SpeedFactor != 0 {
					t.Errorf("SpeedFactor = %v, want 0", r.SpeedFactor)
				}
				if r.Location == nil || *r.Location != "Main St & 1st Ave" {
					t.Errorf("Location = %v, want joined metadata", r.Location)
				}
			},
		},
		{
			name:    "fast traffic gives a negative index",
			reading: reading("INT002", at(13), 100, 60, 2),
			checkValues: func(t *testing.T, r models.EnrichedRecord) {
				if r.TrafficCongestionIndex >= 0 {
					t.Errorf("TrafficCongestionIndex = %v, want negative", r.TrafficCongestionIndex)
				}
				if r.CongestionLevel != models.LevelLow {
					t.Errorf("CongestionLevel = %v, want Low", r.CongestionLevel)
				}
				if r.TimeOfDay != models.Afternoon {
					t.Errorf("TimeOfDay = %v, want Afternoon", r.TimeOfDay)
				}
			},
		},
	}

	enricher := NewEnricher(5)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := enricher.Enrich([]models.SensorReading{tt.reading}, testMetadata())
			if len(records) != 1 {
				t.Fatalf("len(records) = %d, want 1", len(records))
			}
			tt.checkValues(t, records[0])
		})
	}
}

func TestEnricherPreservesCountAndOrder(t *testing.T) {
	base := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	var readings []models.SensorReading
	ids := []string{"INT002", "INT999", "INT001", "INT003", "INT001"}
	for i, id := range ids {
		readings = append(readings, reading(id, base.Add(time.Duration(i)*5*time.Minute), 10*i, 25, 2))
	}

	records := NewEnricher(5).Enrich(readings, testMetadata())
	if len(records) != len(readings) {
		t.Fatalf("len(records) = %d, want %d", len(records), len(readings))
	}
	for i, r := range records {
		if r.IntersectionID != ids[i] || !r.Timestamp.Equal(readings[i].Timestamp) {
			t.Errorf("record %d = %s@%s, want %s@%s", i, r.IntersectionID, r.Timestamp, ids[i], readings[i].Timestamp)
		}
	}
}

func TestEnricherDuplicateMetadataFirstWins(t *testing.T) {
	meta := append(testMetadata(), models.IntersectionMetadata{
		IntersectionID: "INT001", Location: "Duplicate", NumLanes: 6, CapacityPerHour: fptr(6000),
	})
	readings := []models.SensorReading{reading("INT001", time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC), 50, 30, 2)}

	records := NewEnricher(5).Enrich(readings, meta)
	if len(records) != 1 {
		t.Fatalf("duplicate metadata must not fan out readings, got %d records", len(records))
	}
	if *records[0].Location != "Main St & 1st Ave" {
		t.Errorf("Location = %q, want first metadata row", *records[0].Location)
	}
}

func TestEnricherInvalidInterval(t *testing.T) {
	readings := []models.SensorReading{reading("INT001", time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC), 50, 30, 2)}

	for _, interval := range []int{0, -5, 61, 120} {
		records := NewEnricher(interval).Enrich(readings, testMetadata())
		r := records[0]
		if r.TrafficCongestionIndex != 0 || r.DegradedReason != congestion.ReasonInvalidInterval {
			t.Errorf("interval %d: TCI = %v, reason = %q", interval, r.TrafficCongestionIndex, r.DegradedReason)
		}
	}
}

func TestEnricherEmptyInput(t *testing.T) {
	records := NewEnricher(5).Enrich(nil, testMetadata())
	if records == nil || len(records) != 0 {
		t.Errorf("Enrich(nil) = %v, want empty slice", records)
	}
}

func TestEnricherRecordsDoNotAliasMetadata(t *testing.T) {
	meta := testMetadata()
	at := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	records := NewEnricher(5).Enrich([]models.SensorReading{
		reading("INT001", at, 10, 30, 2),
		reading("INT001", at.Add(5*time.Minute), 20, 30, 2),
	}, meta)

	*records[0].Location = "changed"
	*records[0].CapacityPerHour = 1
	if *records[1].Location != "Main St & 1st Ave" {
		t.Error("records share location storage")
	}
	if *meta[0].CapacityPerHour != 1200 {
		t.Error("record capacity aliases metadata")
	}
}

func TestMissingMetadata(t *testing.T) {
	at := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	readings := []models.SensorReading{
		reading("INT777", at, 1, 1, 1),
		reading("INT001", at, 1, 1, 1),
		reading("INT888", at, 1, 1, 1),
		reading("INT777", at, 1, 1, 1),
	}

	missing := MissingMetadata(readings, testMetadata())
	if len(missing) != 2 || missing[0] != "INT777" || missing[1] != "INT888" {
		t.Errorf("MissingMetadata() = %v, want [INT777 INT888]", missing)
	}
}
