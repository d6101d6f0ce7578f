// Package cache provides a small Redis-backed read-through cache for
// processing status lookups. The pipeline writes entries on every persisted
// progress update; status queries hit the cache first so polling clients stay
// off the record store's hot path. The cache is strictly optional: a nil
// *StatusCache disables it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "framedeck:status:"

// Config holds Redis connection settings for the status cache.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	TTL      time.Duration
}

// StatusCache stores JSON-encoded status snapshots with a TTL. All methods
// are nil-safe and best-effort: cache failures are logged, never propagated.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis and returns the cache. An empty address yields nil,
// which disables caching everywhere.
func New(cfg Config, logger *slog.Logger) *StatusCache {
	if cfg.Addr == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &StatusCache{client: client, ttl: ttl, logger: logger}
}

// Set stores the value under the video id, overwriting any previous snapshot.
func (c *StatusCache) Set(ctx context.Context, videoID string, value any) {
	if c == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("encode status cache entry", "video_id", videoID, "error", err)
		return
	}
	if err := c.client.Set(ctx, keyPrefix+videoID, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("write status cache entry", "video_id", videoID, "error", err)
	}
}

// Get loads the cached snapshot into dest. The boolean reports a cache hit.
func (c *StatusCache) Get(ctx context.Context, videoID string, dest any) bool {
	if c == nil {
		return false
	}
	payload, err := c.client.Get(ctx, keyPrefix+videoID).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.Warn("read status cache entry", "video_id", videoID, "error", err)
		return false
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		c.logger.Warn("decode status cache entry", "video_id", videoID, "error", err)
		return false
	}
	return true
}

// Invalidate drops the snapshot for a video, e.g. after soft delete.
func (c *StatusCache) Invalidate(ctx context.Context, videoID string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, keyPrefix+videoID).Err(); err != nil {
		c.logger.Warn("invalidate status cache entry", "video_id", videoID, "error", err)
	}
}

// Close releases the Redis connection.
func (c *StatusCache) Close() error {
	if c == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close status cache: %w", err)
	}
	return nil
}
