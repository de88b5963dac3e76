// Package exporter publishes the latest intersection stats as Prometheus
// gauges for dashboards.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"traffic-platform/internal/congestion"
	"traffic-platform/internal/sink"
	"traffic-platform/pkg/logging"
)

// ErrNoData is returned by Update when no stats file has been written yet.
var ErrNoData = errors.New("no intersection stats available")

const unknownLocation = "unknown"

// Exporter reads the newest stats CSV and mirrors it into gauges on its own
// registry.
type Exporter struct {
	statsDir string
	logger   *logging.StructuredLogger
	registry *prometheus.Registry

	vehicleCount    *prometheus.GaugeVec
	averageSpeed    *prometheus.GaugeVec
	congestionIndex *prometheus.GaugeVec
	congestionLevel *prometheus.GaugeVec
	lastUpdate      prometheus.Gauge
	updatesTotal    *prometheus.CounterVec

	mu       sync.Mutex
	lastFile string
	lastMod  time.Time
}

// New creates an exporter for the pipeline output under dataDir.
func New(dataDir string, logger *logging.StructuredLogger) *Exporter {
	labels := []string{"intersection_id", "location"}
	e := &Exporter{
		statsDir: sink.TableDir(dataDir, sink.TableIntersectionStats, sink.CSVSuffix),
		logger:   logger,
		registry: prometheus.NewRegistry(),

		vehicleCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "traffic_vehicle_count",
			Help: "Current vehicle count at intersection",
		}, labels),
		averageSpeed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "traffic_average_speed",
			Help: "Average speed at intersection (mph)",
		}, labels),
		congestionIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "traffic_congestion_index",
			Help: "Traffic Congestion Index (at most 100)",
		}, labels),
		congestionLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "traffic_congestion_level",
			Help: "Congestion level (0=Low, 1=Moderate, 2=High, 3=Severe, 4=Critical)",
		}, labels),
		lastUpdate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traffic_exporter_last_update_timestamp_seconds",
			Help: "Unix time of the last successful metrics refresh",
		}),
		updatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traffic_exporter_updates_total",
			Help: "Metrics refresh attempts by result",
		}, []string{"result"}),
	}

	e.registry.MustRegister(
		e.vehicleCount,
		e.averageSpeed,
		e.congestionIndex,
		e.congestionLevel,
		e.lastUpdate,
		e.updatesTotal,
	)
	return e
}

// Registry returns the registry holding the exporter's metrics.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// StatsDir is the directory the exporter reads from.
func (e *Exporter) StatsDir() string {
	return e.statsDir
}

// Update republishes the gauges from the newest stats file. Intersections
// absent from that file are dropped.
func (e *Exporter) Update(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	path, mod, err := latestCSV(e.statsDir)
	if err != nil {
		e.updatesTotal.WithLabelValues("error").Inc()
		return err
	}
	if path == "" {
		e.updatesTotal.WithLabelValues("no_data").Inc()
		return ErrNoData
	}

	stats, err := sink.ReadIntersectionStatsCSV(path)
	if err != nil {
		e.updatesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	e.vehicleCount.Reset()
	e.averageSpeed.Reset()
	e.congestionIndex.Reset()
	e.congestionLevel.Reset()

	for _, s := range stats {
		location := unknownLocation
		if s.Location != nil && *s.Location != "" {
			location = *s.Location
		}
		e.vehicleCount.WithLabelValues(s.IntersectionID, location).Set(s.AvgVehicleCount)
		e.averageSpeed.WithLabelValues(s.IntersectionID, location).Set(s.AvgSpeed)
		e.congestionIndex.WithLabelValues(s.IntersectionID, location).Set(s.AvgCongestionIndex)
		e.congestionLevel.WithLabelValues(s.IntersectionID, location).Set(
			float64(congestion.LevelForIndex(s.AvgCongestionIndex).Ordinal()))
	}

	e.lastUpdate.SetToCurrentTime()
	e.updatesTotal.WithLabelValues("success").Inc()

	if path != e.lastFile || !mod.Equal(e.lastMod) {
		e.logger.Info(ctx, "[EXPORTER_UPDATE] Metrics refreshed", logging.Fields{
			"file":          path,
			"intersections": len(stats),
		})
		e.lastFile, e.lastMod = path, mod
	}
	return nil
}

// Run refreshes the gauges every interval and whenever a stats file lands,
// until ctx is done.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) error {
	e.refresh(ctx)

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if err := os.MkdirAll(e.statsDir, 0o755); err == nil {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()

		if err := watcher.Add(e.statsDir); err != nil {
			e.logger.Warn(ctx, "[EXPORTER_WATCH] Directory watch unavailable, polling only", logging.Fields{
				"dir":   e.statsDir,
				"error": err.Error(),
			})
		} else {
			events, watchErrs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			e.refresh(ctx)

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !strings.HasSuffix(event.Name, ".csv") {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				e.refresh(ctx)
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			e.logger.Warn(ctx, "[EXPORTER_WATCH] Watcher error", logging.Fields{
				"error": err.Error(),
			})
		}
	}
}

func (e *Exporter) refresh(ctx context.Context) {
	err := e.Update(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoData):
		e.logger.Info(ctx, "[EXPORTER_WAITING] No stats yet, waiting for the pipeline", logging.Fields{
			"dir": e.statsDir,
		})
	default:
		e.logger.Error(ctx, "[EXPORTER_ERROR] Metrics refresh failed", logging.Fields{
			"dir": e.statsDir,
		}, err)
	}
}

// latestCSV returns the most recently modified .csv file in dir, or "" if
// there is none.
func latestCSV(dir string) (string, time.Time, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}

	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, entry.Name())
			newestMod = info.ModTime()
		}
	}
	return newest, newestMod, nil
}
