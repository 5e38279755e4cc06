package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL keeps handles for longer than the default follow-up horizon.
const DefaultTTL = 8 * 24 * time.Hour

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", addr, err)
	}
	return NewRedisCache(rdb, ttl), nil
}

type sentValue struct {
	Handle string    `json:"handle"`
	SentAt time.Time `json:"sentAt"`
}

func sentKey(followUpID string) string {
	return "followup:" + followUpID
}

func (c *RedisCache) StoreSent(ctx context.Context, followUpID, handle string, sentAt time.Time) error {
	val := sentValue{
		Handle: handle,
		SentAt: sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, sentKey(followUpID), b, c.ttl).Err()
}

func (c *RedisCache) LookupSent(ctx context.Context, followUpID string) (string, time.Time, bool, error) {
	raw, err := c.rdb.Get(ctx, sentKey(followUpID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	var val sentValue
	if err := json.Unmarshal(raw, &val); err != nil {
		return "", time.Time{}, false, fmt.Errorf("decode sent value: %w", err)
	}
	return val.Handle, val.SentAt, true, nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
