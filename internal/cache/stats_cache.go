// Package cache keeps the latest pipeline results in Redis for the API.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"traffic-platform/internal/models"
)

// Key layout.
const (
	statsKey         = "traffic:stats"
	latestKeyPrefix  = "traffic:latest:"
	latestIDsKey     = "traffic:latest_ids"
	lastRunKey       = "traffic:last_run"
	DefaultChannel   = "traffic:pipeline"
	connectAttempts  = 3
	connectRetryWait = time.Second
)

// RunSummary is published on the pipeline channel after every run.
type RunSummary struct {
	RunID           string    `json:"run_id"`
	CompletedAt     time.Time `json:"completed_at"`
	EnrichedRecords int       `json:"enriched_records"`
	HourlyMetrics   int       `json:"hourly_metrics"`
	Intersections   int       `json:"intersections"`
	DegradedScores  int       `json:"degraded_scores"`
}

// StatsCache stores intersection stats and the latest reading per
// intersection. A StatsCache without a client is a no-op whose lookups
// always miss.
type StatsCache struct {
	client  *redis.Client
	ttl     time.Duration
	channel string
}

// NewStatsCache connects to the Redis instance at url.
func NewStatsCache(ctx context.Context, url string, ttl time.Duration, channel string) (*StatsCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	var lastErr error
	for i := 0; i < connectAttempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			return NewStatsCacheFromClient(client, ttl, channel), nil
		}
		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(connectRetryWait):
		}
	}

	client.Close()
	return nil, fmt.Errorf("redis ping failed after %d attempts: %w", connectAttempts, lastErr)
}

// NewStatsCacheFromClient wraps an existing client. client may be nil.
func NewStatsCacheFromClient(client *redis.Client, ttl time.Duration, channel string) *StatsCache {
	if channel == "" {
		channel = DefaultChannel
	}
	return &StatsCache{client: client, ttl: ttl, channel: channel}
}

// Available reports whether the cache is backed by Redis.
func (c *StatsCache) Available() bool {
	return c != nil && c.client != nil
}

// SetIntersectionStats replaces the cached stats table.
func (c *StatsCache) SetIntersectionStats(ctx context.Context, stats []models.IntersectionStat) error {
	if !c.Available() {
		return nil
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statsKey, data, c.ttl).Err()
}

// GetIntersectionStats returns the cached stats table. ok is false on a miss.
func (c *StatsCache) GetIntersectionStats(ctx context.Context) (stats []models.IntersectionStat, ok bool, err error) {
	if !c.Available() {
		return nil, false, nil
	}
	val, err := c.client.Get(ctx, statsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(val, &stats); err != nil {
		return nil, false, err
	}
	return stats, true, nil
}

// SetLatestRecords caches the newest record of each intersection in records
// and drops the entries of intersections the previous call cached but
// records does not contain.
func (c *StatsCache) SetLatestRecords(ctx context.Context, records []models.EnrichedRecord) error {
	if !c.Available() {
		return nil
	}

	previous, err := c.client.SMembers(ctx, latestIDsKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list cached intersections: %w", err)
	}

	latest := LatestByIntersection(records)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if stale := staleIDs(previous, latest); len(stale) > 0 {
			keys := make([]string, 0, len(stale))
			for _, id := range stale {
				keys = append(keys, latestKeyPrefix+id)
			}
			pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, latestIDsKey)

		for id, record := range latest {
			data, err := json.Marshal(record)
			if err != nil {
				return err
			}
			pipe.Set(ctx, latestKeyPrefix+id, data, c.ttl)
			pipe.SAdd(ctx, latestIDsKey, id)
		}
		if len(latest) > 0 && c.ttl > 0 {
			pipe.Expire(ctx, latestIDsKey, c.ttl)
		}
		return nil
	})
	return err
}

// staleIDs returns the ids in previous that have no entry in latest, sorted.
func staleIDs(previous []string, latest map[string]models.EnrichedRecord) []string {
	var stale []string
	for _, id := range previous {
		if _, ok := latest[id]; !ok {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// GetLatestRecord returns the cached newest record for intersectionID.
func (c *StatsCache) GetLatestRecord(ctx context.Context, intersectionID string) (*models.EnrichedRecord, bool, error) {
	if !c.Available() {
		return nil, false, nil
	}
	val, err := c.client.Get(ctx, latestKeyPrefix+intersectionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var record models.EnrichedRecord
	if err := json.Unmarshal(val, &record); err != nil {
		return nil, false, err
	}
	return &record, true, nil
}

// PublishRunSummary records summary as the last run and announces it on the
// pipeline channel.
func (c *StatsCache) PublishRunSummary(ctx context.Context, summary RunSummary) error {
	if !c.Available() {
		return nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, lastRunKey, data, 0).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, c.channel, data).Err()
}

// WatchRuns calls fn for every summary published on the pipeline channel
// until ctx is done. Messages that do not decode are skipped.
func (c *StatsCache) WatchRuns(ctx context.Context, fn func(RunSummary)) error {
	if !c.Available() {
		return nil
	}
	sub := c.client.Subscribe(ctx, c.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var summary RunSummary
			if err := json.Unmarshal([]byte(msg.Payload), &summary); err != nil {
				continue
			}
			fn(summary)
		}
	}
}

// Close closes the Redis connection
func (c *StatsCache) Close() error {
	if !c.Available() {
		return nil
	}
	return c.client.Close()
}

// LatestByIntersection picks the record with the greatest timestamp per
// intersection. Later records win ties.
func LatestByIntersection(records []models.EnrichedRecord) map[string]models.EnrichedRecord {
	latest := make(map[string]models.EnrichedRecord)
	for _, r := range records {
		if cur, ok := latest[r.IntersectionID]; !ok || !r.Timestamp.Before(cur.Timestamp) {
			latest[r.IntersectionID] = r
		}
	}
	return latest
}
