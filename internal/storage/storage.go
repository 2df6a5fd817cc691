// Package storage defines the durable key-value boundary used to persist
// query cache snapshots. Implementations may keep blobs in memory (default),
// Redis, an embedded Badger database, or a tiered combination. Encoding is
// left to the caller.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("storage: key not found")

// Store abstracts a durable key-value store with TTL support.
// All operations are safe for concurrent use.
type Store interface {
	// Read retrieves the blob stored under key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write replaces the blob under key. A zero TTL means the record
	// does not expire.
	Write(ctx context.Context, key string, blob []byte, ttl time.Duration) error

	// Delete removes a key. It is not an error to delete a key that does
	// not exist.
	Delete(ctx context.Context, key string) error

	// Ping verifies the backend is usable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend string // memory, redis, badger, tiered

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	BadgerDir string

	// L1TTL bounds how long the tiered memory layer serves a blob.
	L1TTL time.Duration
}

// Open builds the backend named by opts.Backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(RedisStoreConfig{
			Addr:      opts.RedisAddr,
			Password:  opts.RedisPassword,
			DB:        opts.RedisDB,
			KeyPrefix: opts.KeyPrefix,
		}), nil
	case "badger":
		return OpenBadgerStore(BadgerConfig{Path: opts.BadgerDir, SyncWrites: true})
	case "tiered":
		l2 := NewRedisStore(RedisStoreConfig{
			Addr:      opts.RedisAddr,
			Password:  opts.RedisPassword,
			DB:        opts.RedisDB,
			KeyPrefix: opts.KeyPrefix,
		})
		return NewTieredStore(NewMemoryStore(), l2, opts.L1TTL), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
