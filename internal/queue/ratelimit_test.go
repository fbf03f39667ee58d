package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterAllow(t *testing.T) {
	_, rdb := newTestRedis(t)

	rl := NewRateLimiter(rdb, RateLimitConfig{Limit: 2})
	now := time.Date(2026, 2, 13, 10, 20, 0, 0, time.UTC)

	q, err := rl.Allow(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !q.Allowed || q.Used != 1 || q.Remaining != 1 {
		t.Fatalf("expected first call allowed with one left, got %+v", q)
	}

	q, err = rl.Allow(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !q.Allowed || q.Used != 2 || q.Remaining != 0 {
		t.Fatalf("expected second call allowed with none left, got %+v", q)
	}

	q, err = rl.Allow(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if q.Allowed || q.Used != 3 || q.Remaining != 0 {
		t.Fatalf("expected third call denied, got %+v", q)
	}
	if want := time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC); !q.ResetAt.Equal(want) {
		t.Fatalf("unexpected reset time %v", q.ResetAt)
	}
	if got := q.RetryAfter(now); got != 40*time.Minute+time.Second {
		t.Fatalf("unexpected retry after %v", got)
	}

	q, err = rl.Allow(context.Background(), 11, now)
	if err != nil || !q.Allowed {
		t.Fatalf("other owners must have their own budget: %+v err=%v", q, err)
	}
}

func TestRateLimiterWindowRollsOver(t *testing.T) {
	mr, rdb := newTestRedis(t)

	rl := NewRateLimiter(rdb, RateLimitConfig{Limit: 1, Window: time.Minute})
	now := time.Date(2026, 2, 13, 10, 0, 30, 0, time.UTC)

	if q, err := rl.Allow(context.Background(), 7, now); err != nil || !q.Allowed {
		t.Fatalf("first call: %+v %v", q, err)
	}
	if q, err := rl.Allow(context.Background(), 7, now); err != nil || q.Allowed {
		t.Fatalf("second call in the same window must be denied: %+v %v", q, err)
	}
	if ttl := mr.TTL(fmt.Sprintf("polychat:quota:7:%d", now.Truncate(time.Minute).Unix())); ttl <= 0 || ttl > 30*time.Second {
		t.Fatalf("counter must expire with its window, ttl=%v", ttl)
	}

	q, err := rl.Allow(context.Background(), 7, now.Add(time.Minute))
	if err != nil || !q.Allowed || q.Used != 1 {
		t.Fatalf("next window must start a fresh budget: %+v %v", q, err)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rl := NewRateLimiter(rdb, RateLimitConfig{})

	for i := 0; i < 5; i++ {
		q, err := rl.Allow(context.Background(), 1, time.Now())
		if err != nil || !q.Allowed || q.Remaining != -1 {
			t.Fatalf("disabled limiter must always allow: %+v %v", q, err)
		}
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("disabled limiter must not touch redis, got keys %v", keys)
	}
}

func TestUpdateDeduplicator(t *testing.T) {
	_, rdb := newTestRedis(t)
	d := NewUpdateDeduplicator(rdb, time.Minute)

	first, err := d.MarkFirst(context.Background(), 99)
	if err != nil || !first {
		t.Fatalf("expected first delivery, got %v (%v)", first, err)
	}
	again, err := d.MarkFirst(context.Background(), 99)
	if err != nil || again {
		t.Fatalf("expected duplicate, got %v (%v)", again, err)
	}
}
