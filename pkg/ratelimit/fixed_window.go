package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/cache"
)

// CounterStore is an atomic increment-with-expiry primitive. The returned
// value is the counter after this increment.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// FixedWindow counts requests in the current minute and hour buckets.
// The increment happens before the threshold check, so a rejected attempt
// stays counted. That asymmetry with the sliding-log strategy is
// deliberate and must not be unified without product sign-off.
type FixedWindow struct {
	perMinute int
	perHour   int
	counters  CounterStore
	now       func() time.Time
}

func NewFixedWindow(perMinute, perHour int, counters CounterStore) *FixedWindow {
	return &FixedWindow{perMinute: perMinute, perHour: perHour, counters: counters, now: time.Now}
}

func (f *FixedWindow) Admit(ctx context.Context, userID string) (Decision, error) {
	now := f.now()
	minuteStart := now.Truncate(time.Minute)
	hourStart := now.Truncate(time.Hour)

	minuteKey := fmt.Sprintf("ratelimit:minute:%s:%d", userID, minuteStart.Unix())
	hourKey := fmt.Sprintf("ratelimit:hour:%s:%d", userID, hourStart.Unix())

	minuteCount, err := f.counters.Incr(ctx, minuteKey, time.Minute)
	if err != nil {
		return Decision{}, fmt.Errorf("increment minute counter: %w", err)
	}
	hourCount, err := f.counters.Incr(ctx, hourKey, time.Hour)
	if err != nil {
		return Decision{}, fmt.Errorf("increment hour counter: %w", err)
	}

	if minuteCount > int64(f.perMinute) {
		return Decision{
			RetryAfter: minuteStart.Add(time.Minute).Sub(now),
			Count:      int(minuteCount),
		}, nil
	}
	if hourCount > int64(f.perHour) {
		return Decision{
			RetryAfter: hourStart.Add(time.Hour).Sub(now),
			Count:      int(hourCount),
		}, nil
	}
	return Decision{Allowed: true, Count: int(minuteCount)}, nil
}

// MemoryCounterStore is the in-process CounterStore backend.
type MemoryCounterStore struct {
	counters *cache.CounterMap[string]
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: cache.NewCounterMap[string]()}
}

func (m *MemoryCounterStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	return m.counters.Increment(key, time.Now(), ttl), nil
}

// Prune drops expired counters.
func (m *MemoryCounterStore) Prune() int {
	return m.counters.PruneExpired(time.Now())
}

// RedisCounterStore backs the fixed-window strategy with a shared Redis,
// letting multiple instances enforce one limit.
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (r *RedisCounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
