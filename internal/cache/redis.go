package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis client methods the cache layer
// uses. Kept as an interface so tests can substitute a fake.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	Pipeline() redis.Pipeliner
	Close() error
}

// Config configures the Redis connection.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

func newRedisClient(cfg Config) *redis.Client {
	opts := &redis.Options{Addr: cfg.Address, DB: cfg.DB}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	return redis.NewClient(opts)
}

// scanDelete deletes every key matching pattern via cursor-based SCAN,
// avoiding the O(n) blocking KEYS command against a live Redis instance.
func scanDelete(ctx context.Context, client RedisClient, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}
