package services

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"traffic-platform/internal/config"
	"traffic-platform/internal/models"
	"traffic-platform/internal/sink"
	"traffic-platform/pkg/logging"
)

// Output file names written by the generator and read by the pipeline.
const (
	SensorDataFile = "traffic_sensor_data.csv"
	MetadataFile   = "intersection_metadata.csv"
)

// Generated intersections are scattered around this point.
const (
	baseLatitude  = 40.7128
	baseLongitude = -74.0060
	coordSpread   = 0.5
)

var generatorLocations = []string{
	"Main St & 1st Ave", "Broadway & 5th Ave", "Park Ave & 10th St",
	"Ocean Blvd & Beach Rd", "Highway 101 & Exit 5", "Downtown Plaza",
	"Airport Rd & Terminal Way", "University Ave & College St",
	"Industrial Park Entrance", "Shopping Center Main Gate",
	"Residential Area A", "Residential Area B", "City Center North",
	"City Center South", "East Side Junction", "West Side Junction",
	"North Expressway Entry", "South Expressway Exit",
	"Metro Station Plaza", "Business District Hub",
}

var generatorLanes = []int{2, 3, 4, 6}

// GeneratedData is one synthetic dataset.
type GeneratedData struct {
	Metadata []models.IntersectionMetadata
	Readings []models.SensorReading
}

// GeneratorService produces synthetic sensor data with weekday rush hours.
// It is not safe for concurrent use.
type GeneratorService struct {
	cfg    config.GeneratorConfig
	rng    *rand.Rand
	logger *logging.StructuredLogger
}

// NewGeneratorService creates a generator. A zero seed seeds from the clock.
func NewGeneratorService(cfg config.GeneratorConfig, logger *logging.StructuredLogger) *GeneratorService {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &GeneratorService{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
	}
}

// Generate builds intersections and their readings starting at start.
func (g *GeneratorService) Generate(start time.Time) *GeneratedData {
	metadata := g.Intersections()
	return &GeneratedData{
		Metadata: metadata,
		Readings: g.Readings(metadata, start),
	}
}

// Intersections creates the configured number of intersections.
func (g *GeneratorService) Intersections() []models.IntersectionMetadata {
	intersections := make([]models.IntersectionMetadata, 0, g.cfg.Intersections)
	for i := 0; i < g.cfg.Intersections; i++ {
		location := fmt.Sprintf("Intersection %d", i+1)
		if i < len(generatorLocations) {
			location = generatorLocations[i]
		}
		capacity := float64(800 + g.rng.Intn(1201))

		intersections = append(intersections, models.IntersectionMetadata{
			IntersectionID:  fmt.Sprintf("INT_%03d", i+1),
			Location:        location,
			Latitude:        floatPtr(baseLatitude + g.uniform(-coordSpread, coordSpread)),
			Longitude:       floatPtr(baseLongitude + g.uniform(-coordSpread, coordSpread)),
			NumLanes:        generatorLanes[g.rng.Intn(len(generatorLanes))],
			CapacityPerHour: &capacity,
		})
	}
	return intersections
}

// Readings samples every intersection at the configured interval for the
// configured number of hours.
func (g *GeneratorService) Readings(intersections []models.IntersectionMetadata, start time.Time) []models.SensorReading {
	interval := g.cfg.IntervalMinutes
	if interval <= 0 || interval > 60 {
		return nil
	}
	perHour := 60.0 / float64(interval)
	steps := g.cfg.Hours * 60 / interval

	readings := make([]models.SensorReading, 0, steps*len(intersections))
	for _, m := range intersections {
		capacity := 0.0
		if m.CapacityPerHour != nil {
			capacity = *m.CapacityPerHour
		}

		for i := 0; i < steps; i++ {
			ts := start.Add(time.Duration(i*interval) * time.Minute)
			multiplier := g.pattern(ts.Hour(), isWeekend(ts))

			count := int(capacity * multiplier * g.uniform(0.8, 1.2) / perHour)

			ratio := 0.0
			if capacity > 0 {
				ratio = float64(count) / (capacity / perHour)
			}

			readings = append(readings, models.SensorReading{
				Timestamp:      ts,
				IntersectionID: m.IntersectionID,
				VehicleCount:   &count,
				AverageSpeed:   floatPtr(math.Round(g.speed(ratio)*100) / 100),
				NumLanes:       m.NumLanes,
			})
		}
	}
	return readings
}

// WriteFiles writes data as the two pipeline input CSVs under dir.
func (g *GeneratorService) WriteFiles(ctx context.Context, data *GeneratedData, dir string) (metadataPath, sensorPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	metadataPath = filepath.Join(dir, MetadataFile)
	if err := sink.WriteMetadataCSV(metadataPath, data.Metadata); err != nil {
		return "", "", fmt.Errorf("failed to write metadata: %w", err)
	}

	sensorPath = filepath.Join(dir, SensorDataFile)
	if err := sink.WriteReadingsCSV(sensorPath, data.Readings); err != nil {
		return "", "", fmt.Errorf("failed to write sensor data: %w", err)
	}

	g.logger.Info(ctx, "[GENERATOR_COMPLETE] Synthetic data written", logging.Fields{
		"intersections": len(data.Metadata),
		"readings":      len(data.Readings),
		"metadata_path": metadataPath,
		"sensor_path":   sensorPath,
	})

	return metadataPath, sensorPath, nil
}

// pattern returns the share of hourly capacity in use at hour.
func (g *GeneratorService) pattern(hour int, weekend bool) float64 {
	if weekend {
		if hour >= 10 && hour <= 20 {
			return g.uniform(0.4, 0.6)
		}
		return g.uniform(0.2, 0.4)
	}

	switch {
	case hour >= 7 && hour <= 9:
		return g.uniform(0.7, 0.95)
	case hour >= 17 && hour <= 19:
		return g.uniform(0.75, 1.0)
	case hour >= 12 && hour <= 14:
		return g.uniform(0.5, 0.7)
	case hour >= 22 || hour <= 5:
		return g.uniform(0.1, 0.3)
	default:
		return g.uniform(0.4, 0.6)
	}
}

// speed falls as the interval fills up.
func (g *GeneratorService) speed(ratio float64) float64 {
	switch {
	case ratio < 0.3:
		return g.uniform(45, 55)
	case ratio < 0.6:
		return g.uniform(30, 45)
	case ratio < 0.8:
		return g.uniform(15, 30)
	default:
		return g.uniform(5, 15)
	}
}

func (g *GeneratorService) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func isWeekend(ts time.Time) bool {
	day := ts.Weekday()
	return day == time.Saturday || day == time.Sunday
}

// StartOfDay returns midnight of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
