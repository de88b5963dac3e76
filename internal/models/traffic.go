package models

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// CongestionLevel is the categorical severity bucket derived from a TCI value.
type CongestionLevel string

const (
	LevelLow      CongestionLevel = "Low"
	LevelModerate CongestionLevel = "Moderate"
	LevelHigh     CongestionLevel = "High"
	LevelSevere   CongestionLevel = "Severe"
	LevelCritical CongestionLevel = "Critical"
)

// Ordinal returns 0 for Low through 4 for Critical. Unknown levels map to 0.
func (l CongestionLevel) Ordinal() int {
	switch l {
	case LevelModerate:
		return 1
	case LevelHigh:
		return 2
	case LevelSevere:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}

// TimeOfDay is the coarse daily bucket a reading's hour falls into.
type TimeOfDay string

const (
	Morning   TimeOfDay = "Morning"
	Afternoon TimeOfDay = "Afternoon"
	Evening   TimeOfDay = "Evening"
	Night     TimeOfDay = "Night"
)

// IntersectionMetadata is the static description of one monitored intersection.
// Coordinates and CapacityPerHour are nil when the source row carried no
// usable value; NumLanes is zero in that case.
type IntersectionMetadata struct {
	IntersectionID  string   `json:"intersection_id" db:"intersection_id"`
	Location        string   `json:"location" db:"location"`
	Latitude        *float64 `json:"latitude,omitempty" db:"latitude"`
	Longitude       *float64 `json:"longitude,omitempty" db:"longitude"`
	NumLanes        int      `json:"num_lanes" db:"num_lanes"`
	CapacityPerHour *float64 `json:"capacity_per_hour,omitempty" db:"capacity_per_hour"`
}

// SensorReading is one fixed-interval sample from an intersection sensor.
// VehicleCount and AverageSpeed are nil when the sensor value was not a
// usable number. NumLanes is zero when the sensor did not report it.
type SensorReading struct {
	Timestamp      time.Time `json:"timestamp" db:"ts"`
	IntersectionID string    `json:"intersection_id" db:"intersection_id"`
	VehicleCount   *int      `json:"vehicle_count" db:"vehicle_count"`
	AverageSpeed   *float64  `json:"average_speed" db:"average_speed"`
	NumLanes       int       `json:"num_lanes" db:"num_lanes"`
}

// EnrichedRecord is a sensor reading joined with its intersection metadata
// plus every derived congestion field. Metadata-sourced fields are nil when
// the reading had no matching intersection.
type EnrichedRecord struct {
	Timestamp      time.Time `json:"timestamp" db:"ts" parquet:"timestamp,timestamp"`
	IntersectionID string    `json:"intersection_id" db:"intersection_id" parquet:"intersection_id"`
	VehicleCount   *int      `json:"vehicle_count" db:"vehicle_count" parquet:"vehicle_count"`
	AverageSpeed   *float64  `json:"average_speed" db:"average_speed" parquet:"average_speed"`
	NumLanes       int       `json:"num_lanes" db:"num_lanes" parquet:"num_lanes"`

	Location        *string  `json:"location,omitempty" db:"location" parquet:"location"`
	Latitude        *float64 `json:"latitude,omitempty" db:"latitude" parquet:"latitude"`
	Longitude       *float64 `json:"longitude,omitempty" db:"longitude" parquet:"longitude"`
	CapacityPerHour *float64 `json:"capacity_per_hour,omitempty" db:"capacity_per_hour" parquet:"capacity_per_hour"`

	CapacityPerInterval    *float64        `json:"capacity_per_interval,omitempty" db:"capacity_per_interval" parquet:"capacity_per_interval"`
	VolumeRatio            *float64        `json:"volume_ratio,omitempty" db:"volume_ratio" parquet:"volume_ratio"`
	SpeedFactor            float64         `json:"speed_factor" db:"speed_factor" parquet:"speed_factor"`
	TrafficCongestionIndex float64         `json:"traffic_congestion_index" db:"traffic_congestion_index" parquet:"traffic_congestion_index"`
	Hour                   int             `json:"hour" db:"hour" parquet:"hour"`
	TimeOfDay              TimeOfDay       `json:"time_of_day" db:"time_of_day" parquet:"time_of_day"`
	CongestionLevel        CongestionLevel `json:"congestion_level" db:"congestion_level" parquet:"congestion_level"`

	// ScoreDegraded is set when the index is the neutral fallback value.
	ScoreDegraded  bool   `json:"score_degraded" db:"score_degraded" parquet:"score_degraded"`
	DegradedReason string `json:"degraded_reason,omitempty" db:"degraded_reason" parquet:"degraded_reason"`
}

// HourlyMetric summarises all readings of one intersection within one hour of day.
type HourlyMetric struct {
	IntersectionID     string  `json:"intersection_id" db:"intersection_id" parquet:"intersection_id"`
	Location           *string `json:"location,omitempty" db:"location" parquet:"location"`
	Hour               int     `json:"hour" db:"hour" parquet:"hour"`
	TotalVehicles      int64   `json:"total_vehicles" db:"total_vehicles" parquet:"total_vehicles"`
	AvgSpeed           float64 `json:"avg_speed" db:"avg_speed" parquet:"avg_speed"`
	AvgCongestionIndex float64 `json:"avg_congestion_index" db:"avg_congestion_index" parquet:"avg_congestion_index"`
	ReadingCount       int64   `json:"reading_count" db:"reading_count" parquet:"reading_count"`
}

// IntersectionStat summarises all readings of one intersection joined with
// its static attributes.
type IntersectionStat struct {
	IntersectionID     string   `json:"intersection_id" db:"intersection_id" parquet:"intersection_id"`
	Location           *string  `json:"location,omitempty" db:"location" parquet:"location"`
	Latitude           *float64 `json:"latitude,omitempty" db:"latitude" parquet:"latitude"`
	Longitude          *float64 `json:"longitude,omitempty" db:"longitude" parquet:"longitude"`
	NumLanes           int      `json:"num_lanes" db:"num_lanes" parquet:"num_lanes"`
	CapacityPerHour    *float64 `json:"capacity_per_hour,omitempty" db:"capacity_per_hour" parquet:"capacity_per_hour"`
	AvgVehicleCount    float64  `json:"avg_vehicle_count" db:"avg_vehicle_count" parquet:"avg_vehicle_count"`
	AvgSpeed           float64  `json:"avg_speed" db:"avg_speed" parquet:"avg_speed"`
	AvgCongestionIndex float64  `json:"avg_congestion_index" db:"avg_congestion_index" parquet:"avg_congestion_index"`
}

// IntValue dereferences p, reading nil as zero.
func IntValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// FloatValue dereferences p, reading nil as zero.
func FloatValue(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// RawSensorRecord is one row of the sensor CSV before type conversion.
type RawSensorRecord struct {
	Timestamp      string
	IntersectionID string
	VehicleCount   string
	AverageSpeed   string
	NumLanes       string
}

// RawMetadataRecord is one row of the intersection metadata CSV before type conversion.
type RawMetadataRecord struct {
	IntersectionID  string
	Location        string
	Latitude        string
	Longitude       string
	NumLanes        string
	CapacityPerHour string
}

// Timestamp layouts accepted in the sensor CSV. Values without a zone are
// taken as UTC wall-clock time.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
}

// ParseTimestamp parses a sensor timestamp in any accepted layout.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, &ValidationError{
		Field:   "timestamp",
		Value:   value,
		Message: "invalid timestamp, expected RFC3339 or YYYY-MM-DD HH:MM:SS",
	}
}

// ToReading converts the raw row into a SensorReading. Only an unusable
// timestamp or a missing intersection id rejects the row. A vehicle count,
// speed or lane count that is not a usable number is left unset so the
// reading still flows through scoring and degrades to the neutral index.
func (r *RawSensorRecord) ToReading() (*SensorReading, error) {
	ts, err := ParseTimestamp(r.Timestamp)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(r.IntersectionID)
	if id == "" {
		return nil, &ValidationError{Field: "intersection_id", Value: r.IntersectionID, Message: "intersection_id is required"}
	}

	reading := &SensorReading{
		Timestamp:      ts,
		IntersectionID: id,
	}
	if count, err := parseCount(r.VehicleCount); err == nil && count >= 0 {
		reading.VehicleCount = &count
	}
	if speed, ok := parseMeasure(r.AverageSpeed); ok && speed >= 0 {
		reading.AverageSpeed = &speed
	}
	if lanes, err := parseCount(r.NumLanes); err == nil && lanes > 0 {
		reading.NumLanes = lanes
	}

	return reading, nil
}

// InvalidFields names the numeric fields that were left unset.
func (r *SensorReading) InvalidFields() []string {
	var fields []string
	if r.VehicleCount == nil {
		fields = append(fields, "vehicle_count")
	}
	if r.AverageSpeed == nil {
		fields = append(fields, "average_speed")
	}
	return fields
}

// ToMetadata converts the raw row into IntersectionMetadata. Only a missing
// intersection id rejects the row. Unusable coordinates and capacity are kept
// as nil and an unusable lane count as zero, so one bad column does not turn
// every reading of the intersection into a join miss.
func (r *RawMetadataRecord) ToMetadata() (*IntersectionMetadata, error) {
	id := strings.TrimSpace(r.IntersectionID)
	if id == "" {
		return nil, &ValidationError{Field: "intersection_id", Value: r.IntersectionID, Message: "intersection_id is required"}
	}

	meta := &IntersectionMetadata{
		IntersectionID: id,
		Location:       strings.TrimSpace(r.Location),
	}
	if lat, ok := parseMeasure(r.Latitude); ok {
		meta.Latitude = &lat
	}
	if lon, ok := parseMeasure(r.Longitude); ok {
		meta.Longitude = &lon
	}
	if lanes, err := parseCount(r.NumLanes); err == nil && lanes > 0 {
		meta.NumLanes = lanes
	}
	if capacity, ok := parseMeasure(r.CapacityPerHour); ok {
		meta.CapacityPerHour = &capacity
	}

	return meta, nil
}

// parseMeasure parses a finite float.
func parseMeasure(value string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// parseCount accepts integers and integral floats such as "12.0".
func parseCount(value string) (int, error) {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, strconv.ErrSyntax
	}
	return int(f), nil
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
