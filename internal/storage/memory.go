package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. It is the default backend and what
// tests run against; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	closed  bool
	stop    chan struct{}
	now     func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore creates a new in-memory store with periodic eviction.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memEntry),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go s.evictLoop(30 * time.Second)
	return s
}

func (s *MemoryStore) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || entry.expired(s.now()) {
		return nil, ErrNotFound
	}
	// Return a copy to prevent mutation
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

func (s *MemoryStore) Write(_ context.Context, key string, blob []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.entries[key] = &memEntry{value: cp, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.entries = nil
	close(s.stop)
	return nil
}

func (s *MemoryStore) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
		}
	}
}
