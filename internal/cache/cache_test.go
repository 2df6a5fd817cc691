package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/halo/internal/domain"
	"github.com/oriys/halo/internal/freshness"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T) (*QueryCache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	policy := freshness.MustNew(freshness.Config{
		Rules: []freshness.Rule{
			{Root: "A", Stale: 5 * time.Minute},
			{Root: "posts", Stale: time.Minute},
		},
	})
	return New(Options{Policy: policy, Now: clock.Now}), clock
}

func mustFetch(t *testing.T, c *QueryCache, key domain.QueryKey, data string) {
	t.Helper()
	tok, ok := c.BeginFetch(key)
	if !ok {
		t.Fatalf("BeginFetch(%s) refused", key)
	}
	if _, err := c.CompleteFetch(key, tok, FetchResult{Data: []byte(data)}); err != nil {
		t.Fatalf("CompleteFetch(%s) failed: %v", key, err)
	}
}

func TestReadNeverFetchedIsStale(t *testing.T) {
	c, _ := newTestCache(t)
	data, stale := c.Read(domain.Key("A", 1))
	if data != nil {
		t.Fatalf("expected absent data, got %q", data)
	}
	if !stale {
		t.Fatal("never-fetched key must be stale")
	}
}

func TestReadFreshnessBoundary(t *testing.T) {
	c, clock := newTestCache(t)
	key := domain.Key("A")
	mustFetch(t, c, key, "v1")

	if _, stale := c.Read(key); stale {
		t.Fatal("expected fresh immediately after fetch")
	}

	clock.Advance(4*time.Minute + 59*time.Second)
	if _, stale := c.Read(key); stale {
		t.Fatal("expected fresh at 4m59s")
	}

	clock.Advance(time.Second)
	if _, stale := c.Read(key); stale {
		t.Fatal("age equal to the budget is not stale")
	}

	clock.Advance(time.Second)
	data, stale := c.Read(key)
	if !stale {
		t.Fatal("expected stale at 5m01s")
	}
	if string(data) != "v1" {
		t.Fatalf("expected stale data to remain readable, got %q", data)
	}
}

func TestUnknownRootHasZeroBudget(t *testing.T) {
	c, clock := newTestCache(t)
	key := domain.Key("misc")
	mustFetch(t, c, key, "v")
	if _, stale := c.Read(key); stale {
		t.Fatal("zero age equals a zero budget, which is not stale")
	}
	clock.Advance(time.Nanosecond)
	if _, stale := c.Read(key); !stale {
		t.Fatal("any age beyond a zero budget is stale")
	}
}

func TestOfflineReadNeverStale(t *testing.T) {
	c, clock := newTestCache(t)
	key := domain.Key("posts")
	mustFetch(t, c, key, "cached")
	clock.Advance(time.Hour)

	c.SetOnline(false)
	data, stale := c.Read(key)
	if stale {
		t.Fatal("offline reads must not report staleness")
	}
	if string(data) != "cached" {
		t.Fatalf("expected cached data, got %q", data)
	}
	if c.Stale(domain.Key("never")) {
		t.Fatal("offline Stale must be false")
	}

	c.SetOnline(true)
	if _, stale := c.Read(key); !stale {
		t.Fatal("expected stale once back online")
	}
}

func TestBeginFetchSingleFlight(t *testing.T) {
	c, _ := newTestCache(t)
	key := domain.Key("A", 1)

	tok, ok := c.BeginFetch(key)
	if !ok || tok == 0 {
		t.Fatal("first BeginFetch should succeed")
	}
	if _, ok := c.BeginFetch(domain.Key("A", float64(1))); ok {
		t.Fatal("second BeginFetch for a structurally equal key must be a no-op")
	}
	e, _ := c.Entry(key)
	if e.Status != domain.StatusFetching {
		t.Fatalf("expected fetching, got %v", e.Status)
	}

	if _, err := c.CompleteFetch(key, tok, FetchResult{Data: []byte("x")}); err != nil {
		t.Fatalf("CompleteFetch failed: %v", err)
	}
	if _, ok := c.BeginFetch(key); !ok {
		t.Fatal("BeginFetch should succeed after completion")
	}
}

func TestBeginFetchConcurrent(t *testing.T) {
	c, _ := newTestCache(t)
	key := domain.Key("A")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.BeginFetch(key); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one fetch to start, got %d", wins.Load())
	}
}

func TestLastFetchWins(t *testing.T) {
	c, _ := newTestCache(t)
	key := domain.Key("A")

	tokA, _ := c.BeginFetch(key)
	tokB := c.Supersede(key)
	if tokB == tokA {
		t.Fatal("supersede must issue a new token")
	}

	if _, err := c.CompleteFetch(key, tokA, FetchResult{Data: []byte("A")}); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	e, _ := c.Entry(key)
	if e.Data != nil || e.Status != domain.StatusFetching {
		t.Fatalf("stale completion mutated the entry: %+v", e)
	}

	if _, err := c.CompleteFetch(key, tokB, FetchResult{Data: []byte("B")}); err != nil {
		t.Fatalf("CompleteFetch(B) failed: %v", err)
	}
	data, _ := c.Read(key)
	if string(data) != "B" {
		t.Fatalf("expected B, got %q", data)
	}
}

func TestCompleteFetchWithoutBegin(t *testing.T) {
	c, _ := newTestCache(t)
	if _, err := c.CompleteFetch(domain.Key("A"), 7, FetchResult{}); !errors.Is(err, ErrNotFetching) {
		t.Fatalf("expected ErrNotFetching, got %v", err)
	}
}

func TestFailureKeepsLastGoodData(t *testing.T) {
	c, clock := newTestCache(t)
	key := domain.Key("posts", "feed")
	mustFetch(t, c, key, "good")
	fetchedAt := clock.Now()
	clock.Advance(2 * time.Minute)

	tok, _ := c.BeginFetch(key)
	fail := domain.NewFetchError(domain.KindServer, 503, errors.New("unavailable"))
	d, err := c.CompleteFetch(key, tok, FetchResult{Err: fail})
	if err != nil {
		t.Fatalf("CompleteFetch failed: %v", err)
	}
	if !d.Retry() || d.Attempt != 1 {
		t.Fatalf("expected retry on attempt 1, got %+v", d)
	}

	e, _ := c.Entry(key)
	if e.Status != domain.StatusError || e.Err == nil {
		t.Fatalf("expected error status, got %+v", e)
	}
	if string(e.Data) != "good" || !e.FetchedAt.Equal(fetchedAt) {
		t.Fatalf("failure must preserve last good data, got %+v", e)
	}
}

func TestRetryDecisionFollowsOperationAttempt(t *testing.T) {
	c, _ := newTestCache(t)
	key := domain.Key("A")
	fail := domain.NewFetchError(domain.KindTimeout, 0, nil)

	want := []freshness.Action{freshness.ActionRetry, freshness.ActionRetry, freshness.ActionGiveUp}
	for op := 0; op < 2; op++ {
		for i, w := range want {
			tok, _ := c.BeginFetch(key)
			d, err := c.CompleteFetch(key, tok, FetchResult{Err: fail, Attempt: i + 1})
			if err != nil {
				t.Fatalf("operation %d attempt %d: %v", op, i+1, err)
			}
			if d.Action != w {
				t.Fatalf("operation %d attempt %d: got %v, want %v", op, i+1, d.Action, w)
			}
		}
	}

	e, _ := c.Entry(key)
	if e.FailureCount != 6 {
		t.Fatalf("failure count = %d, want 6", e.FailureCount)
	}

	mustFetch(t, c, key, "ok")
	e, _ := c.Entry(key)
	if e.FailureCount != 0 || e.Err != nil {
		t.Fatalf("success must reset failures, got %+v", e)
	}
}

func TestClientErrorGivesUpImmediately(t *testing.T) {
	c, _ := newTestCache(t)
	key := domain.Key("A")
	tok, _ := c.BeginFetch(key)
	d, _ := c.CompleteFetch(key, tok, FetchResult{Err: domain.NewFetchError(domain.KindClient, 403, nil)})
	if d.Action != freshness.ActionGiveUp {
		t.Fatalf("expected give up, got %v", d.Action)
	}
}

func TestCancelFetchRestoresStatus(t *testing.T) {
	c, _ := newTestCache(t)
	key := domain.Key("A")
	mustFetch(t, c, key, "v")

	tok, _ := c.BeginFetch(key)
	if !c.CancelFetch(key, tok) {
		t.Fatal("CancelFetch should accept the current token")
	}
	e, _ := c.Entry(key)
	if e.Status != domain.StatusSuccess {
		t.Fatalf("expected status restored to success, got %v", e.Status)
	}
	if c.CancelFetch(key, tok) {
		t.Fatal("second cancel must be rejected")
	}
}

func TestInvalidateByPrefix(t *testing.T) {
	c, _ := newTestCache(t)
	mustFetch(t, c, domain.Key("A", 1), "a1")
	mustFetch(t, c, domain.Key("A", 2), "a2")
	mustFetch(t, c, domain.Key("posts"), "p")

	if n := c.Invalidate(domain.Key("A")); n != 2 {
		t.Fatalf("expected 2 invalidated, got %d", n)
	}
	data, stale := c.Read(domain.Key("A", 1))
	if !stale || string(data) != "a1" {
		t.Fatalf("expected stale data a1, got %q stale=%v", data, stale)
	}
	if _, stale := c.Read(domain.Key("posts")); stale {
		t.Fatal("unrelated root must stay fresh")
	}
	e, _ := c.Entry(domain.Key("A", 1))
	if e.Status != domain.StatusSuccess || e.FetchedAt.IsZero() {
		t.Fatalf("invalidation must not break the success invariant: %+v", e)
	}

	if n := c.Invalidate(domain.Key("A", 2)); n != 1 {
		t.Fatalf("expected exact key invalidation, got %d", n)
	}

	mustFetch(t, c, domain.Key("A", 1), "a1'")
	if _, stale := c.Read(domain.Key("A", 1)); stale {
		t.Fatal("refetch must clear invalidation")
	}
}

func TestSubscribeFiresOnEveryWrite(t *testing.T) {
	c, _ := newTestCache(t)
	key := domain.Key("A")

	var statuses []domain.Status
	unsub := c.Subscribe(key, func(e domain.CacheEntry) {
		statuses = append(statuses, e.Status)
		// Callbacks may read back into the cache.
		c.Read(key)
	})
	other := 0
	c.Subscribe(domain.Key("B"), func(domain.CacheEntry) { other++ })

	mustFetch(t, c, key, "v")
	c.Invalidate(key)

	want := []domain.Status{domain.StatusFetching, domain.StatusSuccess, domain.StatusSuccess}
	if len(statuses) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("notification %d: got %v, want %v", i, statuses[i], want[i])
		}
	}
	if other != 0 {
		t.Fatal("subscriber of another key was notified")
	}

	unsub()
	unsub()
	mustFetch(t, c, key, "v2")
	if len(statuses) != len(want) {
		t.Fatal("notification after unsubscribe")
	}
}

func TestSubscribedKeys(t *testing.T) {
	c, _ := newTestCache(t)
	u1 := c.Subscribe(domain.Key("A"), func(domain.CacheEntry) {})
	c.Subscribe(domain.Key("B"), func(domain.CacheEntry) {}, WithRefetchOnFocus())

	if got := c.SubscribedKeys(false); len(got) != 2 {
		t.Fatalf("expected 2 subscribed keys, got %v", got)
	}
	focus := c.SubscribedKeys(true)
	if len(focus) != 1 || focus[0].Root() != "B" {
		t.Fatalf("expected only B to opt into focus, got %v", focus)
	}
	u1()
	if got := c.SubscribedKeys(false); len(got) != 1 {
		t.Fatalf("expected 1 subscribed key after unsubscribe, got %v", got)
	}
}

func TestWatchSeesWritesButNotHydration(t *testing.T) {
	c, clock := newTestCache(t)
	var seen []string
	stop := c.Watch(func(e domain.CacheEntry) { seen = append(seen, e.Key.String()) })

	c.Hydrate([]domain.CacheEntry{{Key: domain.Key("A"), Data: []byte("h"), FetchedAt: clock.Now(), Status: domain.StatusSuccess}})
	if len(seen) != 0 {
		t.Fatalf("hydration reached watcher: %v", seen)
	}
	mustFetch(t, c, domain.Key("posts"), "p")
	if len(seen) != 2 {
		t.Fatalf("expected begin and complete to reach watcher, got %v", seen)
	}
	stop()
	mustFetch(t, c, domain.Key("posts"), "p")
	if len(seen) != 2 {
		t.Fatal("watcher fired after stop")
	}
}

func TestHydrateDoesNotOverwrite(t *testing.T) {
	c, clock := newTestCache(t)
	mustFetch(t, c, domain.Key("A"), "live")

	n := c.Hydrate([]domain.CacheEntry{
		{Key: domain.Key("A"), Data: []byte("old"), FetchedAt: clock.Now().Add(-time.Hour), Status: domain.StatusSuccess},
		{Key: domain.Key("posts"), Data: []byte("restored"), FetchedAt: clock.Now().Add(-30 * time.Second), Status: domain.StatusSuccess},
		{Key: domain.Key("empty")},
	})
	if n != 1 {
		t.Fatalf("expected 1 hydrated entry, got %d", n)
	}
	data, _ := c.Read(domain.Key("A"))
	if string(data) != "live" {
		t.Fatalf("hydration overwrote live data: %q", data)
	}
	data, stale := c.Read(domain.Key("posts"))
	if string(data) != "restored" || stale {
		t.Fatalf("expected fresh restored data, got %q stale=%v", data, stale)
	}
	clock.Advance(31 * time.Second)
	if _, stale := c.Read(domain.Key("posts")); !stale {
		t.Fatal("restored entry keeps its original fetch time")
	}
}

func TestReadReturnsCopy(t *testing.T) {
	c, _ := newTestCache(t)
	key := domain.Key("A")
	payload := []byte("original")
	tok, _ := c.BeginFetch(key)
	c.CompleteFetch(key, tok, FetchResult{Data: payload})

	payload[0] = 'X'
	data, _ := c.Read(key)
	if string(data) != "original" {
		t.Fatal("cache must store a copy of the payload")
	}
	data[0] = 'Z'
	data, _ = c.Read(key)
	if string(data) != "original" {
		t.Fatal("cache must return a copy of the payload")
	}
}

func TestEntriesFilterAndOrder(t *testing.T) {
	c, _ := newTestCache(t)
	mustFetch(t, c, domain.Key("posts", 2), "p2")
	mustFetch(t, c, domain.Key("A"), "a")
	mustFetch(t, c, domain.Key("posts", 1), "p1")

	got := c.Entries(func(k domain.QueryKey) bool { return k.Root() == "posts" })
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Key.String() > got[1].Key.String() {
		t.Fatal("entries must be ordered by canonical key")
	}
	if len(c.Entries(nil)) != 3 {
		t.Fatal("nil filter returns everything")
	}
}

func TestCloseRejectsLateCompletions(t *testing.T) {
	c, _ := newTestCache(t)
	key := domain.Key("A")
	tok, _ := c.BeginFetch(key)
	c.Close()

	if _, err := c.CompleteFetch(key, tok, FetchResult{Data: []byte("late")}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("closed cache must be empty")
	}
	if _, ok := c.BeginFetch(key); ok {
		t.Fatal("closed cache must refuse new fetches")
	}
}

func TestRemove(t *testing.T) {
	c, _ := newTestCache(t)
	mustFetch(t, c, domain.Key("A"), "a")
	if !c.Remove(domain.Key("A")) {
		t.Fatal("expected Remove to report the entry")
	}
	if c.Remove(domain.Key("A")) {
		t.Fatal("second Remove must report false")
	}
}

func TestSubscriberNeverSeesOlderWriteAfterNewer(t *testing.T) {
	c, _ := newTestCache(t)
	key := domain.Key("A")

	var got []domain.CacheEntry
	unsubscribe := c.Subscribe(key, func(e domain.CacheEntry) { got = append(got, e) })
	defer unsubscribe()

	// Capture two writes the way racing writers would, then deliver them
	// in reverse order.
	c.mu.Lock()
	rec := c.recordLocked(key)
	tok := c.startFetchLocked(rec)
	older := c.collectLocked(rec)
	rec.token = 0
	rec.entry.Status = domain.StatusSuccess
	rec.entry.Data = []byte("done")
	newer := c.collectLocked(rec)
	c.mu.Unlock()
	if tok == 0 {
		t.Fatal("expected a fetch token")
	}

	newer.fire()
	older.fire()

	if len(got) != 1 {
		t.Fatalf("expected only the newer write to be delivered, got %d", len(got))
	}
	if got[0].Status != domain.StatusSuccess {
		t.Fatalf("delivered status = %v, want success", got[0].Status)
	}
}

func TestEntryVersionIncreasesAcrossRemove(t *testing.T) {
	c, _ := newTestCache(t)
	key := domain.Key("A")

	var versions []uint64
	unsubscribe := c.Subscribe(key, func(e domain.CacheEntry) { versions = append(versions, e.Version) })
	defer unsubscribe()

	mustFetch(t, c, key, "one")
	c.Remove(key)
	mustFetch(t, c, key, "two")

	if len(versions) != 4 {
		t.Fatalf("expected 4 deliveries, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("versions must increase, got %v", versions)
		}
	}
}
