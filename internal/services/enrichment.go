package services

import (
	"math"

	"traffic-platform/internal/congestion"
	"traffic-platform/internal/models"
)

// Enricher joins sensor readings with intersection metadata and derives the
// congestion fields. It holds only the sampling interval and is safe for
// concurrent use.
type Enricher struct {
	intervalMinutes int
}

// NewEnricher creates an enricher for readings sampled every intervalMinutes.
func NewEnricher(intervalMinutes int) *Enricher {
	return &Enricher{intervalMinutes: intervalMinutes}
}

// IntervalMinutes returns the sampling interval the enricher scores against.
func (e *Enricher) IntervalMinutes() int {
	return e.intervalMinutes
}

// Enrich left-joins readings to metadata on intersection id. Every reading
// yields exactly one record, in input order. Readings without metadata keep
// their own lane count and score to the neutral index.
//
// Intersection ids are expected to be unique in metadata; if one repeats,
// the first row wins.
func (e *Enricher) Enrich(readings []models.SensorReading, metadata []models.IntersectionMetadata) []models.EnrichedRecord {
	index := IndexMetadata(metadata)

	records := make([]models.EnrichedRecord, 0, len(readings))
	for _, reading := range readings {
		var meta *models.IntersectionMetadata
		if m, ok := index[reading.IntersectionID]; ok {
			meta = &m
		}
		records = append(records, e.EnrichReading(reading, meta))
	}
	return records
}

// EnrichReading derives one record. meta may be nil.
func (e *Enricher) EnrichReading(reading models.SensorReading, meta *models.IntersectionMetadata) models.EnrichedRecord {
	record := models.EnrichedRecord{
		Timestamp:      reading.Timestamp,
		IntersectionID: reading.IntersectionID,
		VehicleCount:   copyInt(reading.VehicleCount),
		AverageSpeed:   copyFloat(reading.AverageSpeed),
		NumLanes:       reading.NumLanes,
	}

	var capacity *float64
	if meta != nil {
		if meta.NumLanes > 0 {
			record.NumLanes = meta.NumLanes
		}
		record.Location = stringPtr(meta.Location)
		record.Latitude = copyFloat(meta.Latitude)
		record.Longitude = copyFloat(meta.Longitude)
		if meta.CapacityPerHour != nil {
			capacity = floatPtr(*meta.CapacityPerHour)
		}
	}
	record.CapacityPerHour = capacity

	// An unset count or speed scores as a non-finite input.
	vehicles, speed := math.NaN(), math.NaN()
	if reading.VehicleCount != nil {
		vehicles = float64(*reading.VehicleCount)
	}
	if reading.AverageSpeed != nil {
		speed = *reading.AverageSpeed
	}

	score := congestion.ComputeIndex(congestion.Input{
		VehicleCount:    vehicles,
		AverageSpeed:    speed,
		CapacityPerHour: capacity,
		IntervalMinutes: e.intervalMinutes,
	})

	record.CapacityPerInterval = score.CapacityPerInterval
	record.VolumeRatio = score.VolumeRatio
	record.SpeedFactor = score.SpeedFactor
	record.TrafficCongestionIndex = score.Value
	record.ScoreDegraded = score.Degraded
	record.DegradedReason = score.Reason

	record.Hour = reading.Timestamp.Hour()
	record.TimeOfDay = congestion.TimeOfDayForHour(record.Hour)
	record.CongestionLevel = congestion.LevelForIndex(record.TrafficCongestionIndex)

	return record
}

// IndexMetadata keys metadata by intersection id, keeping the first row for
// a repeated id.
func IndexMetadata(metadata []models.IntersectionMetadata) map[string]models.IntersectionMetadata {
	index := make(map[string]models.IntersectionMetadata, len(metadata))
	for _, m := range metadata {
		if _, seen := index[m.IntersectionID]; !seen {
			index[m.IntersectionID] = m
		}
	}
	return index
}

// MissingMetadata returns the distinct intersection ids in readings that have
// no metadata row, in first-seen order.
func MissingMetadata(readings []models.SensorReading, metadata []models.IntersectionMetadata) []string {
	index := IndexMetadata(metadata)
	seen := make(map[string]bool)
	var missing []string
	for _, r := range readings {
		if _, ok := index[r.IntersectionID]; ok || seen[r.IntersectionID] {
			continue
		}
		seen[r.IntersectionID] = true
		missing = append(missing, r.IntersectionID)
	}
	return missing
}

func stringPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return floatPtr(*p)
}
