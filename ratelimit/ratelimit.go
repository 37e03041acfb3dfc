// Copyright 2025 SocialGuard
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit implements Redis-backed distributed rate limiting with
// a sliding window per (client, platform, action) bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"socialguard/platform/engine"
	"socialguard/platform/shared/logger"
)

// Limit is one bucket's budget.
type Limit struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Window      time.Duration `json:"window" yaml:"window"`
}

// Config sets the per-action budgets. Actions without an entry use Default.
type Config struct {
	Default   Limit                       `yaml:"default"`
	PerAction map[engine.RateAction]Limit `yaml:"per_action"`
}

// DefaultConfig returns the production budgets: publishing is the scarcest
// resource, raw API calls the cheapest.
func DefaultConfig() Config {
	return Config{
		Default: Limit{MaxRequests: 1000, Window: time.Hour},
		PerAction: map[engine.RateAction]Limit{
			engine.ActionPublish:  {MaxRequests: 50, Window: time.Hour},
			engine.ActionSchedule: {MaxRequests: 100, Window: time.Hour},
			engine.ActionEngage:   {MaxRequests: 200, Window: time.Hour},
			engine.ActionUpload:   {MaxRequests: 30, Window: time.Hour},
		},
	}
}

// RedisLimiter is a sliding-window rate limiter over Redis sorted sets. It
// implements the engine's RateLimiterService interface. Each request adds a
// timestamped member; members older than the window are trimmed on every
// check, so the count is exact without a background sweeper.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	log    *logger.Logger
	clock  func() time.Time
}

// Open parses a Redis URL (redis://host:port/db), connects, and verifies
// the connection.
func Open(redisURL string, cfg Config) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, cfg), nil
}

// New wraps an existing Redis client. Callers own the client's lifecycle.
func New(client *redis.Client, cfg Config) *RedisLimiter {
	if cfg.Default.MaxRequests <= 0 {
		cfg.Default = DefaultConfig().Default
	}
	return &RedisLimiter{
		client: client,
		cfg:    cfg,
		log:    logger.New("rate-limiter"),
		clock:  time.Now,
	}
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error { return l.client.Close() }

// limitFor resolves the budget for an action.
func (l *RedisLimiter) limitFor(action engine.RateAction) Limit {
	if lim, ok := l.cfg.PerAction[action]; ok && lim.MaxRequests > 0 {
		return lim
	}
	return l.cfg.Default
}

func bucketKey(q engine.RateLimitQuery) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", q.ClientID, q.Platform, q.Action)
}

// Check consumes one slot from the bucket and reports whether the request
// is within budget. Redis failures propagate to the caller; the policy
// engine's fail mode decides what happens then.
func (l *RedisLimiter) Check(ctx context.Context, q engine.RateLimitQuery) (*engine.RateLimitResult, error) {
	start := l.clock()
	limit := l.limitFor(q.Action)
	key := bucketKey(q)

	now := l.clock()
	windowStart := now.Add(-limit.Window)

	// Atomic trim + count + add via pipeline.
	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, limit.Window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit check failed for %s: %w", key, err)
	}

	used := int(countCmd.Val()) + 1 // including this request
	result := &engine.RateLimitResult{
		Allowed: used <= limit.MaxRequests,
		Policy:  fmt.Sprintf("%d/%s", limit.MaxRequests, limit.Window),
		Usage: &engine.RateLimitUsage{
			Used:          used,
			Limit:         limit.MaxRequests,
			WindowSeconds: int(limit.Window / time.Second),
		},
	}

	if !result.Allowed {
		retry, err := l.retryAfter(ctx, key, limit.Window, now)
		if err != nil {
			l.log.Warn(q.ClientID, "", "retry-after lookup failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			result.RetryAfterMs = retry
		}
	}

	result.CheckDurationMs = float64(l.clock().Sub(start)) / float64(time.Millisecond)
	return result, nil
}

// retryAfter computes when the oldest in-window slot falls out of the window.
func (l *RedisLimiter) retryAfter(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(oldest) == 0 {
		return 0, nil
	}

	oldestAt := time.Unix(0, int64(oldest[0].Score))
	retry := oldestAt.Add(window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return retry.Milliseconds(), nil
}

// Usage reports the bucket's current consumption without consuming a slot.
func (l *RedisLimiter) Usage(ctx context.Context, q engine.RateLimitQuery) (*engine.RateLimitUsage, error) {
	limit := l.limitFor(q.Action)
	windowStart := l.clock().Add(-limit.Window)

	count, err := l.client.ZCount(ctx, bucketKey(q),
		fmt.Sprintf("%d", windowStart.UnixNano()), "+inf").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit usage: %w", err)
	}

	return &engine.RateLimitUsage{
		Used:          int(count),
		Limit:         limit.MaxRequests,
		WindowSeconds: int(limit.Window / time.Second),
	}, nil
}

// Flush drops all rate limit state for a client across every bucket.
func (l *RedisLimiter) Flush(ctx context.Context, clientID string) error {
	pattern := fmt.Sprintf("ratelimit:%s:*", clientID)

	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan rate limit keys: %w", err)
		}
		if len(keys) > 0 {
			if err := l.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to flush rate limit keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
