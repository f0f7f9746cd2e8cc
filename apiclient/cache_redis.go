package apiclient

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a CacheStore backed by Redis, for sharing one response
// cache across processes. TTL expiry rides on Redis key expiry; prefix
// invalidation scans the keyspace.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client. The caller keeps ownership
// of the client and its lifecycle.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

// redisScanCount sizes each SCAN page during prefix invalidation.
const redisScanCount = 500

func (s *RedisStore) Invalidate(ctx context.Context, prefix string) (int, error) {
	var (
		n    int
		keys []string
	)

	iter := s.client.Scan(ctx, 0, prefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == redisScanCount {
			deleted, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return n, err
			}
			n += int(deleted)
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return n, err
	}

	if len(keys) > 0 {
		deleted, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return n, err
		}
		n += int(deleted)
	}
	return n, nil
}
