package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] counter, ARGV[1] window in milliseconds.
var quotaScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// Quota is the state of one owner's provider-call budget after a request was counted.
type Quota struct {
	Allowed   bool
	Used      int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter is the wait until the window resets, rounded up to whole seconds.
func (q Quota) RetryAfter(now time.Time) time.Duration {
	d := q.ResetAt.Sub(now)
	if d <= 0 {
		return time.Second
	}
	return d.Truncate(time.Second) + time.Second
}

type RateLimitConfig struct {
	// Limit is the number of provider calls per owner per window; 0 disables limiting.
	Limit int64
	// Window defaults to one hour. Windows are aligned to the UTC clock.
	Window time.Duration
}

// RateLimiter meters provider-bound requests (send, retry, start) per owner
// in fixed windows shared by every surface that talks to the same Redis.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, cfg RateLimitConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &RateLimiter{redis: rdb, limit: cfg.Limit, window: cfg.Window}
}

// Allow counts one request for ownerID in the window containing now.
func (r *RateLimiter) Allow(ctx context.Context, ownerID int64, now time.Time) (Quota, error) {
	start := now.UTC().Truncate(r.window)
	end := start.Add(r.window)
	if r.limit <= 0 {
		return Quota{Allowed: true, Remaining: -1, ResetAt: end}, nil
	}

	ttl := end.Sub(now.UTC()).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	key := fmt.Sprintf("polychat:quota:%d:%d", ownerID, start.Unix())
	used, err := quotaScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return Quota{}, fmt.Errorf("quota script: %w", err)
	}

	remaining := r.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Quota{Allowed: used <= r.limit, Used: used, Remaining: remaining, ResetAt: end}, nil
}

type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst reports whether updateID is seen for the first time within the TTL.
func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	key := fmt.Sprintf("polychat:update:%d", updateID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
