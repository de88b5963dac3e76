package services

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"traffic-platform/internal/models"
)

// optString and optFloat make nullable join columns usable as map keys.
// Two absent values compare equal, so readings without metadata still group
// together.
type optString struct {
	value string
	valid bool
}

type optFloat struct {
	value float64
	valid bool
}

func newOptString(p *string) optString {
	if p == nil {
		return optString{}
	}
	return optString{value: *p, valid: true}
}

func newOptFloat(p *float64) optFloat {
	if p == nil {
		return optFloat{}
	}
	return optFloat{value: *p, valid: true}
}

func (o optString) ptr() *string {
	if !o.valid {
		return nil
	}
	return stringPtr(o.value)
}

func (o optFloat) ptr() *float64 {
	if !o.valid {
		return nil
	}
	return floatPtr(o.value)
}

type hourlyKey struct {
	intersectionID string
	location       optString
	hour           int
}

type statsKey struct {
	intersectionID  string
	location        optString
	latitude        optFloat
	longitude       optFloat
	numLanes        int
	capacityPerHour optFloat
}

// group accumulates the columns averaged or summed for one key. Unset
// vehicle counts and speeds are left out of their sums and averages; every
// record counts towards the reading count.
type group struct {
	vehicles []float64
	speeds   []float64
	indexes  []float64
	total    int64
}

func (g *group) add(r *models.EnrichedRecord) {
	if r.VehicleCount != nil {
		g.vehicles = append(g.vehicles, float64(*r.VehicleCount))
		g.total += int64(*r.VehicleCount)
	}
	if r.AverageSpeed != nil {
		g.speeds = append(g.speeds, *r.AverageSpeed)
	}
	g.indexes = append(g.indexes, r.TrafficCongestionIndex)
}

// mean is the arithmetic mean of values, or zero when there are none.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// Aggregate produces the hourly and per-intersection summaries of records.
//
// Hourly rows are keyed by (intersection, location, hour of day) and sorted
// by intersection then hour. Stats rows are keyed by the intersection and its
// static attributes and sorted by average congestion index, highest first,
// with ties broken by intersection id. Empty input yields two empty tables.
func Aggregate(records []models.EnrichedRecord) ([]models.HourlyMetric, []models.IntersectionStat) {
	return AggregateHourly(records), AggregateIntersections(records)
}

// AggregateHourly groups records by intersection, location and hour of day.
func AggregateHourly(records []models.EnrichedRecord) []models.HourlyMetric {
	groups := make(map[hourlyKey]*group)
	var order []hourlyKey

	for i := range records {
		r := &records[i]
		key := hourlyKey{
			intersectionID: r.IntersectionID,
			location:       newOptString(r.Location),
			hour:           r.Hour,
		}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.add(r)
	}

	metrics := make([]models.HourlyMetric, 0, len(order))
	for _, key := range order {
		g := groups[key]
		metrics = append(metrics, models.HourlyMetric{
			IntersectionID:     key.intersectionID,
			Location:           key.location.ptr(),
			Hour:               key.hour,
			TotalVehicles:      g.total,
			AvgSpeed:           mean(g.speeds),
			AvgCongestionIndex: mean(g.indexes),
			ReadingCount:       int64(len(g.indexes)),
		})
	}

	sort.SliceStable(metrics, func(i, j int) bool {
		a, b := metrics[i], metrics[j]
		if a.IntersectionID != b.IntersectionID {
			return a.IntersectionID < b.IntersectionID
		}
		if a.Hour != b.Hour {
			return a.Hour < b.Hour
		}
		return lessOptString(a.Location, b.Location)
	})

	return metrics
}

// AggregateIntersections groups records by intersection and its static
// attributes.
func AggregateIntersections(records []models.EnrichedRecord) []models.IntersectionStat {
	groups := make(map[statsKey]*group)
	var order []statsKey

	for i := range records {
		r := &records[i]
		key := statsKey{
			intersectionID:  r.IntersectionID,
			location:        newOptString(r.Location),
			latitude:        newOptFloat(r.Latitude),
			longitude:       newOptFloat(r.Longitude),
			numLanes:        r.NumLanes,
			capacityPerHour: newOptFloat(r.CapacityPerHour),
		}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.add(r)
	}

	stats := make([]models.IntersectionStat, 0, len(order))
	for _, key := range order {
		g := groups[key]
		stats = append(stats, models.IntersectionStat{
			IntersectionID:     key.intersectionID,
			Location:           key.location.ptr(),
			Latitude:           key.latitude.ptr(),
			Longitude:          key.longitude.ptr(),
			NumLanes:           key.numLanes,
			CapacityPerHour:    key.capacityPerHour.ptr(),
			AvgVehicleCount:    mean(g.vehicles),
			AvgSpeed:           mean(g.speeds),
			AvgCongestionIndex: mean(g.indexes),
		})
	}

	sort.SliceStable(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.AvgCongestionIndex != b.AvgCongestionIndex {
			return a.AvgCongestionIndex > b.AvgCongestionIndex
		}
		if a.IntersectionID != b.IntersectionID {
			return a.IntersectionID < b.IntersectionID
		}
		return lessOptString(a.Location, b.Location)
	})

	return stats
}

// lessOptString orders absent values first.
func lessOptString(a, b *string) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	default:
		return *a < *b
	}
}
