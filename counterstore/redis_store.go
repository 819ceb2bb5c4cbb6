package counterstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/c360/sensorgate/errors"
)

// RedisConfig configures Redis access for the counter store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore implements Store on a shared Redis instance. Sliding windows are
// sorted sets scored by unix nanos, counters are plain keys with TTL, and
// request-pattern history is a trimmed list.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed counter store and verifies
// connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "sensorgate"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.WrapTransient(err, "RedisStore", "NewRedisStore", "ping redis")
	}

	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// CountInWindow implements the sliding-window primitive as one pipeline:
// trim expired members, add the current instant, count, refresh the TTL.
// Pipelining keeps record-then-count atomic for concurrent callers.
func (s *RedisStore) CountInWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	k := s.key(key)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	pipe.ZAdd(ctx, k, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	count := pipe.ZCard(ctx, k)
	pipe.Expire(ctx, k, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.WrapTransient(err, "RedisStore", "CountInWindow", "execute window pipeline")
	}
	return count.Val(), nil
}

// IncrWithTTL increments the counter and resets its expiry in one pipeline.
func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := s.key(key)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.WrapTransient(err, "RedisStore", "IncrWithTTL", "execute incr pipeline")
	}
	return incr.Val(), nil
}

// PushTrim prepends the entry and bounds the list in one pipeline.
func (s *RedisStore) PushTrim(ctx context.Context, key, entry string, max int64) error {
	k := s.key(key)

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, k, entry)
	pipe.LTrim(ctx, k, 0, max-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "RedisStore", "PushTrim", "execute push pipeline")
	}
	return nil
}

// RecentEntries returns up to n entries, most recent first.
func (s *RedisStore) RecentEntries(ctx context.Context, key string, n int64) ([]string, error) {
	entries, err := s.client.LRange(ctx, s.key(key), 0, n-1).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "RedisStore", "RecentEntries", "read list")
	}
	return entries, nil
}

// Ping reports store reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Ping", "ping redis")
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
