package congestion

import "traffic-platform/internal/models"

// Lower bounds (inclusive) of each congestion level above Low.
const (
	ModerateThreshold = 20.0
	HighThreshold     = 40.0
	SevereThreshold   = 60.0
	CriticalThreshold = 80.0
)

// LevelForIndex buckets a TCI value. Boundaries are half-open with the lower
// bound inclusive; negative and NaN values are Low.
func LevelForIndex(tci float64) models.CongestionLevel {
	switch {
	case tci >= CriticalThreshold:
		return models.LevelCritical
	case tci >= SevereThreshold:
		return models.LevelSevere
	case tci >= HighThreshold:
		return models.LevelHigh
	case tci >= ModerateThreshold:
		return models.LevelModerate
	default:
		return models.LevelLow
	}
}

// TimeOfDayForHour buckets an hour of day: Morning [6,12), Afternoon [12,18),
// Evening [18,22), Night otherwise. Out-of-range hours are Night.
func TimeOfDayForHour(hour int) models.TimeOfDay {
	switch {
	case hour >= 6 && hour < 12:
		return models.Morning
	case hour >= 12 && hour < 18:
		return models.Afternoon
	case hour >= 18 && hour < 22:
		return models.Evening
	default:
		return models.Night
	}
}
