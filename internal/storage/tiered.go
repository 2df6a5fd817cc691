package storage

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
)

// TieredStore implements Store with a fast L1 (in-memory) layer in front of
// a durable L2. Reads check L1 first, falling through to L2 on miss and
// populating L1 on L2 hit. Writes go to both layers; L2 is authoritative.
type TieredStore struct {
	l1    Store
	l2    Store
	l1TTL time.Duration // TTL for L1 entries (should be shorter than L2)
}

// NewTieredStore creates a two-level store.
// l1TTL controls how long blobs live in L1 (default: 10s).
func NewTieredStore(l1, l2 Store, l1TTL time.Duration) *TieredStore {
	if l1TTL <= 0 {
		l1TTL = 10 * time.Second
	}
	return &TieredStore{l1: l1, l2: l2, l1TTL: l1TTL}
}

func (t *TieredStore) Read(ctx context.Context, key string) ([]byte, error) {
	val, err := t.l1.Read(ctx, key)
	if err == nil {
		return val, nil
	}

	val, err = t.l2.Read(ctx, key)
	if err != nil {
		return nil, err
	}

	_ = t.l1.Write(ctx, key, val, t.l1TTL)
	return val, nil
}

func (t *TieredStore) Write(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	l1TTL := t.l1TTL
	if ttl > 0 && ttl < l1TTL {
		l1TTL = ttl
	}
	if err := t.l2.Write(ctx, key, blob, ttl); err != nil {
		// Keep L1 from serving a blob L2 never accepted
		_ = t.l1.Delete(ctx, key)
		return err
	}
	_ = t.l1.Write(ctx, key, blob, l1TTL)
	return nil
}

func (t *TieredStore) Delete(ctx context.Context, key string) error {
	_ = t.l1.Delete(ctx, key)
	return t.l2.Delete(ctx, key)
}

func (t *TieredStore) Ping(ctx context.Context) error {
	if err := t.l1.Ping(ctx); err != nil {
		return err
	}
	return t.l2.Ping(ctx)
}

func (t *TieredStore) Close() error {
	var result *multierror.Error
	if err := t.l1.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.l2.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
