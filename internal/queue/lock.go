package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// ConversationLock is a per-key busy flag shared by every worker process.
// The TTL bounds how long a crashed holder can block a conversation.
type ConversationLock struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewConversationLock(rdb *redis.Client, ttl time.Duration) *ConversationLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ConversationLock{redis: rdb, ttl: ttl}
}

// TryLock returns acquired=false without waiting when another holder owns key.
// release only deletes the key while it still carries this holder's token.
func (l *ConversationLock) TryLock(ctx context.Context, key string) (release func(), acquired bool, err error) {
	redisKey := "polychat:lock:" + key
	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseIfOwnerScript.Run(ctx, l.redis, []string{redisKey}, token).Err()
	}, true, nil
}
