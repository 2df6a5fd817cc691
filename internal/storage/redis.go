package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store backed by Redis, for deployments where
// several halo processes share snapshots.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisStoreConfig holds configuration for the Redis store.
type RedisStoreConfig struct {
	Addr      string // Redis address (e.g. "localhost:6379")
	Password  string // Redis password
	DB        int    // Redis database number
	KeyPrefix string // Key prefix for namespacing (default: "halo:")
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreFromClient(client, cfg.KeyPrefix)
}

// NewRedisStoreFromClient creates a Redis store using an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "halo:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// Client exposes the underlying client so pub/sub invalidation can share
// the connection pool.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *RedisStore) Write(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), blob, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
