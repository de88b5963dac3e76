package congestion

import (
	"fmt"

	"traffic-platform/internal/models"
)

// SignalPlan is the fixed signal-timing advice for one congestion level.
type SignalPlan struct {
	Level        models.CongestionLevel `json:"congestion_level"`
	Status       string                 `json:"status"`
	GreenSeconds int                    `json:"green_seconds"`
	Cycle        string                 `json:"cycle"`
}

// Timing renders the plan the way operators read it, e.g. "65 seconds green, extended cycle".
func (p SignalPlan) Timing() string {
	return fmt.Sprintf("%d seconds green, %s cycle", p.GreenSeconds, p.Cycle)
}

var signalPlans = map[models.CongestionLevel]SignalPlan{
	models.LevelLow:      {Level: models.LevelLow, Status: "Normal Flow", GreenSeconds: 45, Cycle: "standard"},
	models.LevelModerate: {Level: models.LevelModerate, Status: "Light Congestion", GreenSeconds: 55, Cycle: "moderate"},
	models.LevelHigh:     {Level: models.LevelHigh, Status: "Moderate Congestion", GreenSeconds: 65, Cycle: "extended"},
	models.LevelSevere:   {Level: models.LevelSevere, Status: "High Congestion", GreenSeconds: 75, Cycle: "priority"},
	models.LevelCritical: {Level: models.LevelCritical, Status: "Critical Congestion", GreenSeconds: 90, Cycle: "maximum"},
}

// PlanForIndex returns the signal plan for a TCI value using the same
// thresholds as LevelForIndex.
func PlanForIndex(tci float64) SignalPlan {
	return signalPlans[LevelForIndex(tci)]
}

// Recommendation is the signal-timing advice for one intersection reading.
type Recommendation struct {
	IntersectionID  string     `json:"intersection_id"`
	Location        string     `json:"location"`
	Hour            int        `json:"hour"`
	VehicleCount    int        `json:"vehicle_count"`
	AverageSpeed    float64    `json:"average_speed"`
	CongestionIndex float64    `json:"congestion_index"`
	Plan            SignalPlan `json:"plan"`
	SignalTiming    string     `json:"signal_timing"`
	Justification   string     `json:"justification"`
}

// Recommend builds the recommendation for the given enriched reading.
// intervalMinutes is only used in the justification text.
func Recommend(record models.EnrichedRecord, intervalMinutes int) Recommendation {
	location := "Unknown"
	if record.Location != nil && *record.Location != "" {
		location = *record.Location
	}

	plan := PlanForIndex(record.TrafficCongestionIndex)
	vehicles := models.IntValue(record.VehicleCount)
	speed := models.FloatValue(record.AverageSpeed)

	return Recommendation{
		IntersectionID:  record.IntersectionID,
		Location:        location,
		Hour:            record.Hour,
		VehicleCount:    vehicles,
		AverageSpeed:    speed,
		CongestionIndex: record.TrafficCongestionIndex,
		Plan:            plan,
		SignalTiming:    plan.Timing(),
		Justification:   justify(plan.Level, location, record.TrafficCongestionIndex, vehicles, speed, intervalMinutes),
	}
}

func justify(level models.CongestionLevel, location string, tci float64, vehicles int, speed float64, intervalMinutes int) string {
	switch level {
	case models.LevelLow:
		return fmt.Sprintf("Traffic at %s is flowing smoothly with a low congestion index of %.1f. "+
			"The current vehicle count of %d vehicles per %d minutes and average speed of %.1f mph indicate normal conditions. "+
			"Standard 45-second green light cycle is sufficient to maintain optimal flow.",
			location, tci, vehicles, intervalMinutes, speed)
	case models.LevelModerate:
		return fmt.Sprintf("Traffic at %s shows light congestion with a TCI of %.1f. "+
			"With %d vehicles in the last %d minutes traveling at %.1f mph, "+
			"a moderate 55-second green cycle is recommended to prevent queue buildup while maintaining efficiency.",
			location, tci, vehicles, intervalMinutes, speed)
	case models.LevelHigh:
		return fmt.Sprintf("Moderate congestion detected at %s (TCI: %.1f). "+
			"The intersection is handling %d vehicles per %d minutes at %.1f mph. "+
			"An extended 65-second green light cycle will help clear the increased traffic volume and reduce wait times.",
			location, tci, vehicles, intervalMinutes, speed)
	case models.LevelSevere:
		return fmt.Sprintf("High congestion alert at %s with TCI of %.1f. "+
			"Traffic volume of %d vehicles and reduced speed of %.1f mph indicate significant delays. "+
			"Priority 75-second green cycle is necessary to manage the heavy traffic load and prevent gridlock.",
			location, tci, vehicles, speed)
	default:
		return fmt.Sprintf("CRITICAL congestion at %s! TCI has reached %.1f. "+
			"With %d vehicles per %d minutes and severely reduced speeds of %.1f mph, "+
			"maximum 90-second green light cycle is required to clear the backlog and restore normal flow. "+
			"Consider alternative route recommendations for incoming traffic.",
			location, tci, vehicles, intervalMinutes, speed)
	}
}
