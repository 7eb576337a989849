package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ThrottleStore implements ports.DeliveryThrottle with fixed-window
// counters in Redis: one INCR + EXPIRE per scheduled delivery, keyed
// by webhook and window. It caps how many deliveries the dispatcher
// may schedule per webhook per window so a hot event source cannot
// storm a single receiver.
type ThrottleStore struct {
	client *goredis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewThrottleStore creates a Redis-backed delivery throttle.
func NewThrottleStore(client *goredis.Client, limit int64, window time.Duration) *ThrottleStore {
	return &ThrottleStore{
		client: client,
		prefix: "throttle:",
		limit:  limit,
		window: window,
	}
}

// Allow reports whether another delivery for key fits the current
// window. windowID is computed as time / window to form discrete
// windows.
func (s *ThrottleStore) Allow(ctx context.Context, key string) (bool, error) {
	windowID := time.Now().Unix() / int64(s.window.Seconds())
	redisKey := fmt.Sprintf("%s%s:%d", s.prefix, key, windowID)

	// Increment counter atomically
	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis throttle incr: %w", err)
	}

	// Set expiry only on first increment (new window)
	if count == 1 {
		s.client.Expire(ctx, redisKey, s.window+time.Second) // +1s safety margin
	}

	return count <= s.limit, nil
}
