package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheTimeout = 500 * time.Millisecond
	defaultLoadTimeout  = 5 * time.Second
	defaultHashKey      = "qwen-gateway:uploads"
)

// RedisStore keeps entries in one Redis hash so replicas share uploads.
type RedisStore struct {
	client       *redis.Client
	key          string
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing Redis client. The caller owns the client
// lifecycle. An empty key selects the default hash name.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultHashKey
	}
	return &RedisStore{client: client, key: key, queryTimeout: defaultCacheTimeout}
}

// Load returns every entry of the hash. It gets a longer timeout than Put
// because the hash grows without bound.
func (s *RedisStore) Load(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultLoadTimeout)
	defer cancel()

	m, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", s.key, err)
	}
	return m, nil
}

// Put writes one entry. HSETNX keeps the first URL recorded for a hash.
func (s *RedisStore) Put(ctx context.Context, hash, url string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.HSetNX(ctx, s.key, hash, url).Err(); err != nil {
		return fmt.Errorf("redis HSETNX %s: %w", s.key, err)
	}
	return nil
}
