package congestion

import (
	"strings"
	"testing"
	"time"

	"traffic-platform/internal/models"
)

func TestPlanForIndex(t *testing.T) {
	tests := []struct {
		tci        float64
		wantGreen  int
		wantTiming string
	}{
		{-3, 45, "45 seconds green, standard cycle"},
		{19.99, 45, "45 seconds green, standard cycle"},
		{20, 55, "55 seconds green, moderate cycle"},
		{45, 65, "65 seconds green, extended cycle"},
		{60, 75, "75 seconds green, priority cycle"},
		{80, 90, "90 seconds green, maximum cycle"},
	}
	for _, tt := range tests {
		plan := PlanForIndex(tt.tci)
		if plan.GreenSeconds != tt.wantGreen {
			t.Errorf("PlanForIndex(%v).GreenSeconds = %d, want %d", tt.tci, plan.GreenSeconds, tt.wantGreen)
		}
		if plan.Timing() != tt.wantTiming {
			t.Errorf("PlanForIndex(%v).Timing() = %q, want %q", tt.tci, plan.Timing(), tt.wantTiming)
		}
		if plan.Level != LevelForIndex(tt.tci) {
			t.Errorf("PlanForIndex(%v).Level = %s, want %s", tt.tci, plan.Level, LevelForIndex(tt.tci))
		}
	}
}

func TestRecommend(t *testing.T) {
	location := "Broadway & 5th Ave"
	vehicles := 140
	record := models.EnrichedRecord{
		Timestamp:              time.Date(2024, 3, 4, 8, 15, 0, 0, time.UTC),
		IntersectionID:         "INT_002",
		VehicleCount:           &vehicles,
		AverageSpeed:           ptr(9.5),
		Location:               &location,
		TrafficCongestionIndex: 92.4,
		Hour:                   8,
	}

	rec := Recommend(record, 5)

	if rec.Plan.Level != models.LevelCritical {
		t.Errorf("Plan.Level = %s, want Critical", rec.Plan.Level)
	}
	if rec.SignalTiming != "90 seconds green, maximum cycle" {
		t.Errorf("SignalTiming = %q", rec.SignalTiming)
	}
	if rec.Location != location {
		t.Errorf("Location = %q, want %q", rec.Location, location)
	}
	for _, want := range []string{"CRITICAL", location, "92.4", "140 vehicles per 5 minutes", "9.5 mph"} {
		if !strings.Contains(rec.Justification, want) {
			t.Errorf("Justification missing %q: %s", want, rec.Justification)
		}
	}
}

func TestRecommendUnknownLocation(t *testing.T) {
	rec := Recommend(models.EnrichedRecord{IntersectionID: "INT_404", TrafficCongestionIndex: 0}, 5)

	if rec.Location != "Unknown" {
		t.Errorf("Location = %q, want Unknown", rec.Location)
	}
	if rec.Plan.GreenSeconds != 45 {
		t.Errorf("GreenSeconds = %d, want 45", rec.Plan.GreenSeconds)
	}
	if rec.VehicleCount != 0 || rec.AverageSpeed != 0 {
		t.Errorf("VehicleCount = %d, AverageSpeed = %v, want zero for unset readings", rec.VehicleCount, rec.AverageSpeed)
	}
	if !strings.Contains(rec.Justification, "flowing smoothly") {
		t.Errorf("Justification = %q", rec.Justification)
	}
}
