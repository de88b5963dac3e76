package congestion

import (
	"math"
)

const (
	// ReferenceSpeedMPH is the free-flow speed the speed factor is normalised against.
	ReferenceSpeedMPH = 55.0

	// MaxIndex caps the TCI from above. There is deliberately no floor: speeds
	// above ReferenceSpeedMPH produce a negative index.
	MaxIndex = 100.0

	// NeutralIndex is returned whenever the index cannot be computed.
	NeutralIndex = 0.0
)

// Reasons reported on a degraded Result.
const (
	ReasonNoCapacity       = "no_capacity"
	ReasonInvalidInterval  = "invalid_interval"
	ReasonZeroCapacity     = "zero_interval_capacity"
	ReasonNonFiniteInput   = "non_finite_input"
	ReasonNonFiniteOutcome = "non_finite_result"
)

// Input is one reading's worth of scoring data.
type Input struct {
	VehicleCount    float64
	AverageSpeed    float64
	CapacityPerHour *float64
	IntervalMinutes int
}

// Result is the outcome of scoring. It is always usable: when Degraded is set
// Value holds NeutralIndex and Reason names the fault.
type Result struct {
	Value               float64
	CapacityPerInterval *float64
	VolumeRatio         *float64
	SpeedFactor         float64
	Degraded            bool
	Reason              string
}

// IntervalsPerHour returns how many whole sampling intervals fit in an hour,
// or zero when intervalMinutes is not in (0, 60].
func IntervalsPerHour(intervalMinutes int) int {
	if intervalMinutes <= 0 {
		return 0
	}
	return 60 / intervalMinutes
}

// SpeedFactor is the normalised speed deficit 1 - speed/55.
func SpeedFactor(averageSpeed float64) float64 {
	return 1.0 - averageSpeed/ReferenceSpeedMPH
}

// ComputeIndex scores one reading.
//
//	capacity_per_interval = capacity_per_hour / (60 div interval)
//	volume_ratio          = vehicle_count / capacity_per_interval
//	tci                   = round2(min(volume_ratio * (1 - speed/55) * 100, 100))
func ComputeIndex(in Input) Result {
	res := Result{SpeedFactor: SpeedFactor(in.AverageSpeed)}

	if !isFinite(in.VehicleCount) || !isFinite(in.AverageSpeed) {
		res.SpeedFactor = 0
		return degrade(res, ReasonNonFiniteInput)
	}

	if in.CapacityPerHour == nil || !isFinite(*in.CapacityPerHour) || *in.CapacityPerHour <= 0 {
		return degrade(res, ReasonNoCapacity)
	}

	intervals := IntervalsPerHour(in.IntervalMinutes)
	if intervals == 0 {
		return degrade(res, ReasonInvalidInterval)
	}

	capacityPerInterval := *in.CapacityPerHour / float64(intervals)
	if capacityPerInterval == 0 {
		return degrade(res, ReasonZeroCapacity)
	}
	res.CapacityPerInterval = &capacityPerInterval

	volumeRatio := in.VehicleCount / capacityPerInterval
	if !isFinite(volumeRatio) {
		return degrade(res, ReasonNonFiniteOutcome)
	}
	res.VolumeRatio = &volumeRatio

	raw := volumeRatio * res.SpeedFactor * 100.0
	tci := math.Min(raw, MaxIndex)
	if !isFinite(tci) {
		return degrade(res, ReasonNonFiniteOutcome)
	}

	res.Value = round2(tci)
	return res
}

// Score is the scalar form of ComputeIndex.
func Score(vehicleCount, averageSpeed float64, capacityPerHour *float64, intervalMinutes int) float64 {
	return ComputeIndex(Input{
		VehicleCount:    vehicleCount,
		AverageSpeed:    averageSpeed,
		CapacityPerHour: capacityPerHour,
		IntervalMinutes: intervalMinutes,
	}).Value
}

func degrade(res Result, reason string) Result {
	res.Value = NeutralIndex
	res.Degraded = true
	res.Reason = reason
	return res
}

// round2 rounds half away from zero to two decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
