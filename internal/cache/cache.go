// Package cache implements the query cache: an in-memory table of fetched
// results keyed by structured query keys, with freshness enforced on read.
//
// # Fetch protocol
//
// The cache never fetches on its own. Callers ask Read whether an entry is
// stale, then drive the fetch through BeginFetch and CompleteFetch:
//
//	tok, ok := c.BeginFetch(key)   // compare-and-swap on status
//	if !ok { return }              // another fetch already owns this key
//	data, err := transport(key)
//	decision, err := c.CompleteFetch(key, tok, cache.FetchResult{Data: data, Err: err, Attempt: n})
//
// Every BeginFetch or Supersede issues a new token. CompleteFetch only
// applies a result whose token is still current, so the last fetch started
// wins, not the last one to finish.
//
// # Concurrency
//
// All operations are serialized by one mutex. Subscriber and watcher
// callbacks run synchronously in the writer's goroutine after the mutex is
// released, so callbacks may call back into the cache. Every write stamps
// the entry with a per-key Version; subscribers only ever move forward
// through versions, while watchers see every write in whatever order the
// writers finish.
package cache

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/halo/internal/domain"
	"github.com/oriys/halo/internal/freshness"
	"github.com/oriys/halo/internal/metrics"
)

var (
	// ErrSuperseded is returned by CompleteFetch when a newer fetch for the
	// same key was started after the one being completed.
	ErrSuperseded = errors.New("cache: fetch superseded")

	// ErrNotFetching is returned by CompleteFetch when no fetch is in flight.
	ErrNotFetching = errors.New("cache: no fetch in flight")

	// ErrClosed is returned once the cache has been closed.
	ErrClosed = errors.New("cache: closed")
)

// Token identifies one in-flight fetch. The zero Token is never issued.
type Token uint64

// FetchResult is what the transport produced for a fetch. Attempt is the
// 1-based attempt number within the caller's fetch operation and drives the
// retry decision; zero counts as a first attempt.
type FetchResult struct {
	Data    []byte
	Err     error
	Attempt int
}

// Options configures a QueryCache.
type Options struct {
	Policy *freshness.Policy
	Now    func() time.Time
}

type record struct {
	entry      domain.CacheEntry
	token      Token
	prevStatus domain.Status
}

// QueryCache is the query cache. It exclusively owns every CacheEntry; all
// values handed out are copies.
type QueryCache struct {
	mu        sync.Mutex
	policy    *freshness.Policy
	now       func() time.Time
	online    atomic.Bool
	entries   map[string]*record // canonical key -> record
	nextToken Token
	subs      map[string]map[uint64]*subscription
	watchers  map[uint64]func(domain.CacheEntry)
	nextID    uint64
	writeSeq  uint64 // last Version issued
	closed    bool
}

// New creates an empty cache. A nil policy treats every key as always stale.
func New(opts Options) *QueryCache {
	if opts.Policy == nil {
		opts.Policy = freshness.MustNew(freshness.Config{})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &QueryCache{
		policy:   opts.Policy,
		now:      opts.Now,
		entries:  make(map[string]*record),
		subs:     make(map[string]map[uint64]*subscription),
		watchers: make(map[uint64]func(domain.CacheEntry)),
	}
	c.online.Store(true)
	return c
}

// Policy returns the freshness policy the cache was built with.
func (c *QueryCache) Policy() *freshness.Policy { return c.policy }

// SetOnline records the connectivity verdict. While offline, Read never
// reports staleness so callers serve whatever is cached.
func (c *QueryCache) SetOnline(online bool) { c.online.Store(online) }

// Online reports the last verdict passed to SetOnline.
func (c *QueryCache) Online() bool { return c.online.Load() }

// Read returns a copy of the cached data for key (nil when absent) and
// whether the caller should refetch. It never blocks on I/O and never
// starts a fetch.
func (c *QueryCache) Read(key domain.QueryKey) ([]byte, bool) {
	c.mu.Lock()
	rec, ok := c.entries[key.String()]
	var data []byte
	stale := true
	if ok {
		stale = c.isStaleLocked(key, rec.entry)
		if rec.entry.Data != nil {
			data = make([]byte, len(rec.entry.Data))
			copy(data, rec.entry.Data)
		}
	}
	c.mu.Unlock()

	if !c.online.Load() {
		stale = false
	}
	metrics.RecordCacheRead(key.Root(), ok && data != nil, stale)
	return data, stale
}

// Stale reports staleness without copying data. Offline, it is always false.
func (c *QueryCache) Stale(key domain.QueryKey) bool {
	if !c.online.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[key.String()]
	if !ok {
		return true
	}
	return c.isStaleLocked(key, rec.entry)
}

// Entry returns a copy of the full entry for key.
func (c *QueryCache) Entry(key domain.QueryKey) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[key.String()]
	if !ok {
		return domain.CacheEntry{}, false
	}
	return rec.entry.Clone(), true
}

// isStaleLocked applies the freshness budget. Equality is not stale.
func (c *QueryCache) isStaleLocked(key domain.QueryKey, e domain.CacheEntry) bool {
	if e.FetchedAt.IsZero() || e.Invalidated {
		return true
	}
	return c.now().Sub(e.FetchedAt) > c.policy.StaleDuration(key)
}

// BeginFetch marks key as fetching and returns the fetch token. It returns
// ok=false without side effects if a fetch for key is already in flight.
func (c *QueryCache) BeginFetch(key domain.QueryKey) (Token, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, false
	}
	rec := c.recordLocked(key)
	if rec.entry.Status == domain.StatusFetching {
		c.mu.Unlock()
		return 0, false
	}
	tok := c.startFetchLocked(rec)
	n := c.collectLocked(rec)
	c.mu.Unlock()

	n.fire()
	return tok, true
}

// Supersede starts a fetch for key even if one is in flight. The older
// fetch's completion will be discarded. It returns the zero Token once the
// cache is closed.
func (c *QueryCache) Supersede(key domain.QueryKey) Token {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	rec := c.recordLocked(key)
	var tok Token
	if rec.entry.Status == domain.StatusFetching {
		c.nextToken++
		rec.token = c.nextToken
		tok = rec.token
	} else {
		tok = c.startFetchLocked(rec)
	}
	n := c.collectLocked(rec)
	c.mu.Unlock()

	n.fire()
	return tok
}

func (c *QueryCache) startFetchLocked(rec *record) Token {
	c.nextToken++
	rec.token = c.nextToken
	rec.prevStatus = rec.entry.Status
	rec.entry.Status = domain.StatusFetching
	rec.entry.UpdatedAt = c.now()
	return rec.token
}

// CompleteFetch applies the result of the fetch identified by tok.
//
// On success the entry gets the new data, a fresh FetchedAt and status
// success. On failure the previous data is kept, status becomes error and
// the returned decision tells the caller whether to retry. Results for
// superseded tokens are discarded with ErrSuperseded.
func (c *QueryCache) CompleteFetch(key domain.QueryKey, tok Token, res FetchResult) (freshness.Decision, error) {
	root := key.Root()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return freshness.Decision{}, ErrClosed
	}
	rec, ok := c.entries[key.String()]
	if !ok || rec.token == 0 {
		c.mu.Unlock()
		return freshness.Decision{}, ErrNotFetching
	}
	if tok != rec.token {
		c.mu.Unlock()
		metrics.RecordFetchResult(root, "superseded")
		return freshness.Decision{}, ErrSuperseded
	}

	now := c.now()
	rec.token = 0
	e := &rec.entry
	e.UpdatedAt = now

	var decision freshness.Decision
	if res.Err == nil {
		data := make([]byte, len(res.Data))
		copy(data, res.Data)
		e.Data = data
		e.FetchedAt = now
		e.Status = domain.StatusSuccess
		e.Err = nil
		e.FailureCount = 0
		e.Invalidated = false
	} else {
		e.Status = domain.StatusError
		e.Err = res.Err
		e.FailureCount++
		attempt := res.Attempt
		if attempt < 1 {
			attempt = 1
		}
		kind := domain.Classify(res.Err)
		decision = c.policy.RetryDecision(kind, attempt)
		metrics.RecordRetryDecision(kind.String(), decision.Action.String())
	}
	n := c.collectLocked(rec)
	c.mu.Unlock()

	if res.Err == nil {
		metrics.RecordFetchResult(root, "success")
	} else {
		metrics.RecordFetchResult(root, "error")
	}
	n.fire()
	return decision, nil
}

// CancelFetch abandons the fetch identified by tok and restores the status
// the entry had before it started. It reports whether tok was current.
func (c *QueryCache) CancelFetch(key domain.QueryKey, tok Token) bool {
	c.mu.Lock()
	rec, ok := c.entries[key.String()]
	if !ok || c.closed || tok == 0 || rec.token != tok {
		c.mu.Unlock()
		return false
	}
	rec.token = 0
	rec.entry.Status = rec.prevStatus
	rec.entry.UpdatedAt = c.now()
	n := c.collectLocked(rec)
	c.mu.Unlock()

	metrics.RecordFetchResult(key.Root(), "cancelled")
	n.fire()
	return true
}

// Invalidate forces every entry whose key starts with prefix to read as
// stale. Data is kept so the next read still has something to show.
// It returns the number of entries affected.
func (c *QueryCache) Invalidate(prefix domain.QueryKey) int {
	c.mu.Lock()
	var batch notifications
	count := 0
	now := c.now()
	for _, rec := range c.entries {
		if !rec.entry.Key.HasPrefix(prefix) {
			continue
		}
		rec.entry.Invalidated = true
		rec.entry.UpdatedAt = now
		count++
		batch = append(batch, c.collectLocked(rec)...)
	}
	c.mu.Unlock()

	metrics.RecordInvalidation(prefix.Root(), count)
	batch.fire()
	return count
}

// Hydrate installs restored entries for keys the cache does not hold yet.
// Watchers are not notified: hydrated state is already durable. It returns
// the number of entries installed.
func (c *QueryCache) Hydrate(entries []domain.CacheEntry) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	var batch notifications
	installed := 0
	for _, e := range entries {
		if len(e.Key) == 0 || e.Data == nil {
			continue
		}
		k := e.Key.String()
		if existing, ok := c.entries[k]; ok && (existing.entry.Data != nil || existing.token != 0) {
			continue
		}
		e = e.Clone()
		if e.Status == domain.StatusFetching || e.Status == domain.StatusIdle {
			e.Status = domain.StatusSuccess
		}
		rec := &record{entry: e}
		c.entries[k] = rec
		installed++
		batch = append(batch, c.collectSubscribersLocked(rec)...)
	}
	c.mu.Unlock()

	metrics.SetCacheEntries(c.Len())
	batch.fire()
	return installed
}

// Entries returns copies of every entry accepted by filter (all entries when
// filter is nil), ordered by canonical key.
func (c *QueryCache) Entries(filter func(domain.QueryKey) bool) []domain.CacheEntry {
	c.mu.Lock()
	out := make([]domain.CacheEntry, 0, len(c.entries))
	for _, rec := range c.entries {
		if filter != nil && !filter(rec.entry.Key) {
			continue
		}
		out = append(out, rec.entry.Clone())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Remove drops the entry for key. In-flight completions for it will get
// ErrNotFetching.
func (c *QueryCache) Remove(key domain.QueryKey) bool {
	c.mu.Lock()
	k := key.String()
	_, ok := c.entries[k]
	delete(c.entries, k)
	n := len(c.entries)
	c.mu.Unlock()

	metrics.SetCacheEntries(n)
	return ok
}

// Len returns the number of entries.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close drops every entry, subscription and watcher. Late fetch completions
// get ErrClosed, so results started under one identity never land in a
// cache that outlived it.
func (c *QueryCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries = make(map[string]*record)
	c.subs = make(map[string]map[uint64]*subscription)
	c.watchers = make(map[uint64]func(domain.CacheEntry))
}

// recordLocked returns the record for key, creating an idle one.
func (c *QueryCache) recordLocked(key domain.QueryKey) *record {
	k := key.String()
	rec, ok := c.entries[k]
	if !ok {
		rec = &record{entry: domain.CacheEntry{Key: key.Clone(), Status: domain.StatusIdle}}
		c.entries[k] = rec
		metrics.SetCacheEntries(len(c.entries))
	}
	return rec
}
