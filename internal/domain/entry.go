package domain

import "time"

// Status is the lifecycle state of a cache entry.
type Status int

const (
	StatusIdle     Status = iota // Never fetched, or fetch abandoned
	StatusFetching               // A fetch is in flight
	StatusSuccess                // Data and FetchedAt are present
	StatusError                  // Last fetch failed; Data is the last good value, if any
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusFetching:
		return "fetching"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String. Unknown names map to idle.
func ParseStatus(s string) Status {
	switch s {
	case "fetching":
		return StatusFetching
	case "success":
		return StatusSuccess
	case "error":
		return StatusError
	default:
		return StatusIdle
	}
}

// CacheEntry is a cached query result.
//
// Invariants: Status == StatusSuccess implies Data != nil and FetchedAt is
// set. Status == StatusError implies Err != nil; Data then holds the last
// successful payload or nil if the key was never fetched.
type CacheEntry struct {
	Key          QueryKey
	Data         []byte
	FetchedAt    time.Time // zero when absent
	UpdatedAt    time.Time
	Status       Status
	Err          error
	FailureCount int  // consecutive failed attempts since the last success; informational
	Invalidated  bool // forced stale; FetchedAt is kept so the invariant above holds

	// Version increases with every write to the key within one cache. It
	// orders notifications and is not persisted.
	Version uint64
}

// HasData reports whether a payload is present.
func (e CacheEntry) HasData() bool {
	return e.Data != nil
}

// Clone returns a deep copy of the entry.
func (e CacheEntry) Clone() CacheEntry {
	out := e
	out.Key = e.Key.Clone()
	if e.Data != nil {
		out.Data = make([]byte, len(e.Data))
		copy(out.Data, e.Data)
	}
	return out
}
