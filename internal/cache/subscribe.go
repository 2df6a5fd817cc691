package cache

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/oriys/halo/internal/domain"
)

type subscription struct {
	key            domain.QueryKey
	fn             func(domain.CacheEntry)
	refetchOnFocus bool
	delivered      atomic.Uint64 // highest entry Version handed to fn
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithRefetchOnFocus opts the subscription into refresh on window focus.
// Foreground transitions refresh every subscription regardless.
func WithRefetchOnFocus() SubscribeOption {
	return func(s *subscription) { s.refetchOnFocus = true }
}

// Subscribe registers fn to be called with a copy of the entry after every
// write to key. Writers racing on the same key may finish out of order; a
// subscriber is never handed an entry whose Version is lower than one it
// already received, so late deliveries of older writes are dropped. The
// returned function removes the subscription and may be called any number
// of times.
func (c *QueryCache) Subscribe(key domain.QueryKey, fn func(domain.CacheEntry), opts ...SubscribeOption) func() {
	s := &subscription{key: key.Clone(), fn: fn}
	for _, o := range opts {
		o(s)
	}
	k := key.String()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.nextID++
	id := c.nextID
	if c.subs[k] == nil {
		c.subs[k] = make(map[uint64]*subscription)
	}
	c.subs[k][id] = s
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if m, ok := c.subs[k]; ok {
				delete(m, id)
				if len(m) == 0 {
					delete(c.subs, k)
				}
			}
		})
	}
}

// Watch registers fn to be called after every write to any key. Hydration
// does not reach watchers. The returned function removes the watcher.
func (c *QueryCache) Watch(fn func(domain.CacheEntry)) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.nextID++
	id := c.nextID
	c.watchers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

// SubscribedKeys lists keys with at least one live subscription, ordered by
// canonical key. With focusOnly, only keys with a subscription that opted
// into focus refresh are listed.
func (c *QueryCache) SubscribedKeys(focusOnly bool) []domain.QueryKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.subs))
	keys := make(map[string]domain.QueryKey, len(c.subs))
	for k, m := range c.subs {
		for _, s := range m {
			if focusOnly && !s.refetchOnFocus {
				continue
			}
			names = append(names, k)
			keys[k] = s.key.Clone()
			break
		}
	}
	sort.Strings(names)
	out := make([]domain.QueryKey, 0, len(names))
	for _, k := range names {
		out = append(out, keys[k])
	}
	return out
}

// notification is one callback invocation captured under the lock. sub is
// nil for watchers.
type notification struct {
	fn    func(domain.CacheEntry)
	sub   *subscription
	entry domain.CacheEntry
}

type notifications []notification

// collectLocked captures subscriber and watcher callbacks for rec.
func (c *QueryCache) collectLocked(rec *record) notifications {
	n := c.collectSubscribersLocked(rec)
	if len(c.watchers) == 0 {
		return n
	}
	snapshot := rec.entry.Clone()
	for _, id := range sortedIDs(c.watchers) {
		n = append(n, notification{fn: c.watchers[id], entry: snapshot})
	}
	return n
}

// collectSubscribersLocked is called once per write; it stamps the write
// with the next Version. The counter is cache-wide so a key that is removed
// and recreated never goes backwards.
func (c *QueryCache) collectSubscribersLocked(rec *record) notifications {
	c.writeSeq++
	rec.entry.Version = c.writeSeq
	m := c.subs[rec.entry.Key.String()]
	if len(m) == 0 {
		return nil
	}
	snapshot := rec.entry.Clone()
	out := make(notifications, 0, len(m))
	for _, id := range sortedIDs(m) {
		out = append(out, notification{fn: m[id].fn, sub: m[id], entry: snapshot})
	}
	return out
}

func sortedIDs[V any](m map[uint64]V) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// fire runs the captured callbacks; each gets its own copy of the entry.
func (n notifications) fire() {
	for _, x := range n {
		if x.sub != nil && !x.sub.advance(x.entry.Version) {
			continue
		}
		x.fn(x.entry.Clone())
	}
}

// advance records v as delivered unless a newer version already was.
func (s *subscription) advance(v uint64) bool {
	for {
		last := s.delivered.Load()
		if v <= last {
			return false
		}
		if s.delivered.CompareAndSwap(last, v) {
			return true
		}
	}
}
