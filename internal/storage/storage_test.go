package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// conformance runs the behaviour every backend must share.
func conformance(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Read(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Write(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Write(ctx, "k", []byte("v2"), time.Hour); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, err := s.Read(ctx, "k")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("expected 'v2', got '%s'", got)
	}
	got[0] = 'X'
	again, _ := s.Read(ctx, "k")
	if string(again) != "v2" {
		t.Fatal("mutating a read result changed the stored blob")
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("deleting a missing key should not fail: %v", err)
	}
	if _, err := s.Read(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	conformance(t, s)
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	s.Write(ctx, "short", []byte("x"), time.Second)
	s.Write(ctx, "forever", []byte("y"), 0)

	now = now.Add(2 * time.Second)
	if _, err := s.Read(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired record to be gone, got %v", err)
	}
	if _, err := s.Read(ctx, "forever"); err != nil {
		t.Fatalf("expected record without ttl to survive: %v", err)
	}
	s.evictExpired()
	if s.Len() != 1 {
		t.Fatalf("expected 1 record after eviction, got %d", s.Len())
	}
}

func TestMemoryStoreCloseIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("write after close should be dropped silently: %v", err)
	}
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadgerStore(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadgerStore: %v", err)
	}
	defer s.Close()
	conformance(t, s)
}

func TestBadgerStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBadgerStore(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("OpenBadgerStore: %v", err)
	}
	ctx := context.Background()
	if err := s.Write(ctx, "snap", []byte("durable"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenBadgerStore(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Read(ctx, "snap")
	if err != nil || string(got) != "durable" {
		t.Fatalf("expected record to survive reopen, got %q, %v", got, err)
	}
}

func TestBadgerStoreRequiresPath(t *testing.T) {
	if _, err := OpenBadgerStore(BadgerConfig{}); err == nil {
		t.Fatal("expected error without path")
	}
}

func TestTieredStore_L1Hit(t *testing.T) {
	l1 := NewMemoryStore()
	l2 := NewMemoryStore()
	ts := NewTieredStore(l1, l2, 10*time.Second)
	defer ts.Close()

	conformance(t, ts)
}

func TestTieredStore_L2Fallthrough(t *testing.T) {
	l1 := NewMemoryStore()
	l2 := NewMemoryStore()
	ts := NewTieredStore(l1, l2, 10*time.Second)
	defer ts.Close()

	ctx := context.Background()
	if err := l2.Write(ctx, "key2", []byte("value2"), time.Minute); err != nil {
		t.Fatalf("L2 Write failed: %v", err)
	}

	val, err := ts.Read(ctx, "key2")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(val) != "value2" {
		t.Fatalf("expected 'value2', got '%s'", val)
	}

	// Now L1 should have the value
	if _, err := l1.Read(ctx, "key2"); err != nil {
		t.Fatalf("expected L1 to be populated: %v", err)
	}
}

type failingStore struct{ *MemoryStore }

func (f failingStore) Write(context.Context, string, []byte, time.Duration) error {
	return errors.New("disk full")
}

func TestTieredStore_L2WriteFailureLeavesL1Empty(t *testing.T) {
	l1 := NewMemoryStore()
	ts := NewTieredStore(l1, failingStore{NewMemoryStore()}, time.Minute)
	defer ts.Close()

	ctx := context.Background()
	if err := ts.Write(ctx, "k", []byte("v"), 0); err == nil {
		t.Fatal("expected L2 error to surface")
	}
	if _, err := l1.Read(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("L1 must not hold a blob L2 rejected, got %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(Options{Backend: "floppy"}); err == nil {
		t.Fatal("expected error")
	}
	s, err := Open(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected memory store by default, got %T", s)
	}
}

// newTestRedisClient creates a Redis client for testing.
// Tests that require a running Redis instance are skipped automatically.
func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available, skipping: %v", err)
	}
	return client
}

func TestRedisStore(t *testing.T) {
	client := newTestRedisClient(t)
	s := NewRedisStoreFromClient(client, "halo:test:")
	defer s.Close()
	conformance(t, s)
}
