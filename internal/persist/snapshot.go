// Package persist snapshots the allow-listed part of a query cache to
// durable storage, scoped to one identity, and restores it at startup.
package persist

import (
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/oriys/halo/internal/domain"
)

// SchemaVersion is the snapshot layout this build reads and writes.
// Records with any other version are discarded on restore.
const SchemaVersion = 1

// PersistedSnapshot is the durable form of a filtered cache. Entries are
// keyed by canonical query key.
type PersistedSnapshot struct {
	Version int                       `cbor:"version"`
	Owner   string                    `cbor:"owner"`
	SavedAt time.Time                 `cbor:"saved_at"`
	Entries map[string]PersistedEntry `cbor:"entries"`
}

// PersistedEntry is one cache entry as stored.
type PersistedEntry struct {
	Data         []byte       `cbor:"data"`
	FetchedAt    time.Time    `cbor:"fetched_at"`
	UpdatedAt    time.Time    `cbor:"updated_at"`
	Status       string       `cbor:"status"`
	Error        *StoredError `cbor:"error,omitempty"`
	FailureCount int          `cbor:"failure_count,omitempty"`
	Invalidated  bool         `cbor:"invalidated,omitempty"`
}

// StoredError keeps an entry's error kind and message.
type StoredError struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}

// Source is what snapshots are built from.
type Source interface {
	Entries(filter func(domain.QueryKey) bool) []domain.CacheEntry
}

// AllowList is the set of roots safe to persist. The zero value allows
// nothing.
type AllowList struct {
	roots mapset.Set[string]
}

// NewAllowList builds an allow-list from roots.
func NewAllowList(roots ...string) AllowList {
	return AllowList{roots: mapset.NewSet[string](roots...)}
}

// Allows reports whether key's root is allow-listed.
func (a AllowList) Allows(key domain.QueryKey) bool {
	if a.roots == nil || len(key) == 0 {
		return false
	}
	return a.roots.Contains(key.Root())
}

// Empty reports whether nothing is allow-listed.
func (a AllowList) Empty() bool {
	return a.roots == nil || a.roots.Cardinality() == 0
}

// Roots returns the allow-listed roots, sorted.
func (a AllowList) Roots() []string {
	if a.roots == nil {
		return nil
	}
	out := a.roots.ToSlice()
	sort.Strings(out)
	return out
}

// StorageKey derives the durable key for an identity. Raw identities never
// reach the store.
func StorageKey(identity string) string {
	return "snapshot:" + strconv.FormatUint(xxhash.Sum64String(identity), 16)
}

// BuildSnapshot filters src to allow-listed entries that hold data. Entries
// caught mid-fetch are stored with their last settled status.
func BuildSnapshot(src Source, allowed AllowList, owner string, now time.Time) PersistedSnapshot {
	snap := PersistedSnapshot{
		Version: SchemaVersion,
		Owner:   owner,
		SavedAt: now,
		Entries: make(map[string]PersistedEntry),
	}
	for _, e := range src.Entries(allowed.Allows) {
		if !e.HasData() {
			continue
		}
		pe := PersistedEntry{
			Data:         e.Data,
			FetchedAt:    e.FetchedAt,
			UpdatedAt:    e.UpdatedAt,
			Status:       settledStatus(e).String(),
			FailureCount: e.FailureCount,
			Invalidated:  e.Invalidated,
		}
		if e.Err != nil {
			pe.Error = &StoredError{
				Kind:    domain.Classify(e.Err).String(),
				Message: e.Err.Error(),
			}
		}
		snap.Entries[e.Key.String()] = pe
	}
	return snap
}

func settledStatus(e domain.CacheEntry) domain.Status {
	if e.Status != domain.StatusFetching && e.Status != domain.StatusIdle {
		return e.Status
	}
	if e.Err != nil {
		return domain.StatusError
	}
	return domain.StatusSuccess
}

// CacheEntries turns a snapshot back into cache entries, dropping anything
// the current allow-list no longer covers and any key that fails to parse.
func (s *PersistedSnapshot) CacheEntries(allowed AllowList) []domain.CacheEntry {
	names := make([]string, 0, len(s.Entries))
	for k := range s.Entries {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]domain.CacheEntry, 0, len(names))
	for _, k := range names {
		key, err := domain.ParseQueryKey(k)
		if err != nil || !allowed.Allows(key) {
			continue
		}
		pe := s.Entries[k]
		e := domain.CacheEntry{
			Key:          key,
			Data:         pe.Data,
			FetchedAt:    pe.FetchedAt,
			UpdatedAt:    pe.UpdatedAt,
			Status:       domain.ParseStatus(pe.Status),
			FailureCount: pe.FailureCount,
			Invalidated:  pe.Invalidated,
		}
		if pe.Error != nil {
			e.Err = &domain.StoredError{Kind: domain.ParseErrorKind(pe.Error.Kind), Message: pe.Error.Message}
		}
		out = append(out, e)
	}
	return out
}

// filter drops entries outside allowed in place.
func (s *PersistedSnapshot) filter(allowed AllowList) {
	for k := range s.Entries {
		key, err := domain.ParseQueryKey(k)
		if err != nil || !allowed.Allows(key) {
			delete(s.Entries, k)
		}
	}
}
