// Package cache provides the Redis-backed read-side cache for badge progress
// summaries. Every failure degrades to a miss; Redis being down never breaks
// a request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mikke-map/mikke-api/internal/badges"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultSummaryTTL = 5 * time.Minute
	summaryKeyPrefix  = "mikke:badge_summary:"
)

// SummaryCacheConfig configures the Redis summary cache.
type SummaryCacheConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Logger   *zap.Logger
}

// RedisSummaryCache implements badges.SummaryCache on a Redis client.
type RedisSummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSummaryCache constructs the cache and verifies connectivity.
func NewRedisSummaryCache(cfg SummaryCacheConfig) (*RedisSummaryCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("cache: redis address required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSummaryTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping failed: %w", err)
	}

	logger.Info("redis summary cache connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &RedisSummaryCache{client: client, ttl: ttl, logger: logger}, nil
}

// GetSummary returns the cached summary for the user, reporting a miss on any
// decode or transport failure.
func (c *RedisSummaryCache) GetSummary(ctx context.Context, userID string) (badges.Summary, bool) {
	payload, err := c.client.Get(ctx, summaryKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return badges.Summary{}, false
	}
	if err != nil {
		c.logger.Warn("summary cache read failed", zap.String("user_id", userID), zap.Error(err))
		return badges.Summary{}, false
	}

	var summary badges.Summary
	if err := json.Unmarshal(payload, &summary); err != nil {
		c.logger.Warn("summary cache payload corrupt", zap.String("user_id", userID), zap.Error(err))
		_ = c.client.Del(ctx, summaryKey(userID)).Err()
		return badges.Summary{}, false
	}
	return summary, true
}

// SetSummary stores the summary with the configured TTL.
func (c *RedisSummaryCache) SetSummary(ctx context.Context, userID string, summary badges.Summary) {
	payload, err := json.Marshal(summary)
	if err != nil {
		c.logger.Warn("summary cache encode failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, summaryKey(userID), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("summary cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// InvalidateSummary drops the user's cached summary.
func (c *RedisSummaryCache) InvalidateSummary(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, summaryKey(userID)).Err(); err != nil {
		c.logger.Warn("summary cache invalidate failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Close releases the Redis connection pool.
func (c *RedisSummaryCache) Close() error {
	return c.client.Close()
}

func summaryKey(userID string) string {
	return summaryKeyPrefix + userID
}
