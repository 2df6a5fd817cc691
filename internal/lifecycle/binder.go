// Package lifecycle binds application lifecycle events to the query cache:
// one cache and persistence pair per identity, refresh passes on foreground
// and focus, and read-through query and mutation helpers that respect the
// connectivity verdict and the retry policy.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/halo/internal/cache"
	"github.com/oriys/halo/internal/domain"
	"github.com/oriys/halo/internal/freshness"
	"github.com/oriys/halo/internal/logging"
	"github.com/oriys/halo/internal/metrics"
	"github.com/oriys/halo/internal/observability"
	"github.com/oriys/halo/internal/persist"
	"github.com/oriys/halo/internal/storage"
)

var (
	// ErrOffline is returned when an operation needs the network while the
	// connectivity verdict is offline.
	ErrOffline = errors.New("lifecycle: offline")

	// ErrClosed is returned once the binder has been closed.
	ErrClosed = errors.New("lifecycle: binder closed")

	errInFlight = errors.New("lifecycle: fetch already in flight")
)

// Fetcher is the remote transport used to fetch query results.
type Fetcher interface {
	Fetch(ctx context.Context, key domain.QueryKey) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key domain.QueryKey) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key domain.QueryKey) ([]byte, error) {
	return f(ctx, key)
}

// Connectivity is the online verdict source. *connectivity.Reconciler
// satisfies it.
type Connectivity interface {
	Online() bool
	Subscribe(ctx context.Context) <-chan bool
	SetActive(active bool)
}

// Options configures a Binder.
type Options struct {
	Policy             *freshness.Policy
	Store              storage.Store
	Connectivity       Connectivity // nil means always online
	Fetcher            Fetcher
	AllowedRoots       []string
	Debounce           time.Duration
	MaxAge             time.Duration
	RefreshConcurrency int // default 4
	Now                func() time.Time
}

// RefreshReport summarizes one refresh pass.
type RefreshReport struct {
	Trigger  string `json:"trigger"`
	Fetched  int    `json:"fetched"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped"`
	Deferred bool   `json:"deferred,omitempty"`
}

// Mutation is a remote write. Do runs the write; on success every key
// under an Invalidates prefix is invalidated and, if subscribed, refreshed.
type Mutation struct {
	Do          func(ctx context.Context) ([]byte, error)
	Invalidates []domain.QueryKey
}

// Binder owns the active session and routes lifecycle events to it.
type Binder struct {
	opts    Options
	allowed persist.AllowList

	switchMu sync.Mutex // serializes identity changes
	mu       sync.Mutex
	session  *Session
	closed   bool
	ownStore bool // Store was created here and is closed with the binder
}

// NewBinder creates a binder with an anonymous session.
func NewBinder(ctx context.Context, opts Options) (*Binder, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("lifecycle: fetcher is required")
	}
	if opts.Policy == nil {
		opts.Policy = freshness.MustNew(freshness.Config{})
	}
	ownStore := false
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
		ownStore = true
	}
	if opts.RefreshConcurrency < 1 {
		opts.RefreshConcurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Binder{
		opts:     opts,
		allowed:  persist.NewAllowList(opts.AllowedRoots...),
		ownStore: ownStore,
	}
	if _, err := b.SetIdentity(ctx, ""); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Binder) online() bool {
	if b.opts.Connectivity == nil {
		return true
	}
	return b.opts.Connectivity.Online()
}

// Online reports the current connectivity verdict.
func (b *Binder) Online() bool { return b.online() }

// Session returns the active session.
func (b *Binder) Session() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// SetIdentity makes id the active identity. The same id is a no-op.
// Otherwise a fresh cache is built and restored for id, becomes active, and
// the previous session is closed after flushing its pending snapshot under
// its own identity. Restore failures are logged and the new session starts
// empty.
func (b *Binder) SetIdentity(ctx context.Context, id string) (*Session, error) {
	b.switchMu.Lock()
	defer b.switchMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	old := b.session
	b.mu.Unlock()
	if old != nil && old.Identity == id {
		return old, nil
	}

	next, err := newSession(id, b)
	if err != nil {
		return nil, fmt.Errorf("build session: %w", err)
	}
	restored, rerr := next.Persist.RestoreInto(ctx)
	if rerr != nil {
		logging.Op().Warn("restore failed, session starts empty",
			"identity_hash", next.IdentityHash(), "session", next.ID, "error", rerr)
	}

	b.mu.Lock()
	b.session = next
	b.mu.Unlock()

	if old != nil {
		metrics.RecordSessionSwitch()
		if err := old.close(ctx); err != nil {
			logging.Op().Warn("closing previous session failed",
				"identity_hash", old.IdentityHash(), "session", old.ID, "error", err)
		}
	}
	logging.Op().Info("session started",
		"identity_hash", next.IdentityHash(), "session", next.ID, "restored", restored)
	return next, nil
}

// SignOut switches to the anonymous identity. With purge, the previous
// identity's durable snapshot is deleted too.
func (b *Binder) SignOut(ctx context.Context, purge bool) error {
	old := b.Session()
	if _, err := b.SetIdentity(ctx, ""); err != nil {
		return err
	}
	if purge && old != nil && old.Identity != "" {
		if err := old.Persist.Purge(ctx); err != nil {
			return fmt.Errorf("purge snapshot: %w", err)
		}
	}
	return nil
}

// Foreground resumes the probe timer and, when online, refreshes every
// subscribed stale query. Offline, the pass is deferred until the next
// online verdict.
func (b *Binder) Foreground(ctx context.Context) (RefreshReport, error) {
	if c := b.opts.Connectivity; c != nil {
		c.SetActive(true)
	}
	s := b.Session()
	if s == nil {
		return RefreshReport{}, ErrClosed
	}
	if !b.online() {
		b.deferRefresh(s, func(s *Session) { s.pendingAll = true })
		return RefreshReport{Trigger: "foreground", Deferred: true}, nil
	}
	return b.refreshStale(ctx, s, "foreground", s.Cache.SubscribedKeys(false)), nil
}

// Focus refreshes stale queries whose subscriptions opted into focus
// refresh.
func (b *Binder) Focus(ctx context.Context) (RefreshReport, error) {
	s := b.Session()
	if s == nil {
		return RefreshReport{}, ErrClosed
	}
	if !b.online() {
		b.deferRefresh(s, func(s *Session) { s.pendingFocus = true })
		return RefreshReport{Trigger: "focus", Deferred: true}, nil
	}
	return b.refreshStale(ctx, s, "focus", s.Cache.SubscribedKeys(true)), nil
}

// Background pauses the probe timer and flushes persistence.
func (b *Binder) Background(ctx context.Context) error {
	if c := b.opts.Connectivity; c != nil {
		c.SetActive(false)
	}
	s := b.Session()
	if s == nil {
		return ErrClosed
	}
	return s.Persist.Flush(ctx)
}

// Refresh fetches keys now, regardless of staleness. Offline, the keys are
// deferred until the next online verdict.
func (b *Binder) Refresh(ctx context.Context, keys []domain.QueryKey) (RefreshReport, error) {
	s := b.Session()
	if s == nil {
		return RefreshReport{}, ErrClosed
	}
	if !b.online() {
		b.deferRefresh(s, func(s *Session) {
			for _, k := range keys {
				s.pendingKeys[k.String()] = k.Clone()
			}
		})
		return RefreshReport{Trigger: "manual", Deferred: true}, nil
	}
	return b.refresh(ctx, s, "manual", keys, 0), nil
}

func (b *Binder) deferRefresh(s *Session, record func(*Session)) {
	b.mu.Lock()
	record(s)
	b.mu.Unlock()
	logging.Op().Debug("refresh deferred until online", "session", s.ID)
}

func (b *Binder) refreshStale(ctx context.Context, s *Session, trigger string, keys []domain.QueryKey) RefreshReport {
	stale := keys[:0:0]
	for _, k := range keys {
		if s.Cache.Stale(k) {
			stale = append(stale, k)
		}
	}
	return b.refresh(ctx, s, trigger, stale, len(keys)-len(stale))
}

// refresh fetches keys concurrently, bounded by RefreshConcurrency.
func (b *Binder) refresh(ctx context.Context, s *Session, trigger string, keys []domain.QueryKey, skipped int) RefreshReport {
	ctx, span := observability.StartSpan(ctx, "lifecycle.refresh",
		observability.AttrTrigger.String(trigger),
		observability.AttrKeyCount.Int(len(keys)),
		observability.AttrSessionID.String(s.ID))

	var fetched, failed, inFlight atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.RefreshConcurrency)
	for _, k := range keys {
		g.Go(func() error {
			_, err := b.fetch(gctx, s, k)
			switch {
			case err == nil:
				fetched.Add(1)
			case errors.Is(err, errInFlight), errors.Is(err, cache.ErrSuperseded):
				inFlight.Add(1)
			default:
				failed.Add(1)
				logging.Op().Debug("refresh fetch failed", "key", k.String(), "trigger", trigger, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := RefreshReport{
		Trigger: trigger,
		Fetched: int(fetched.Load()),
		Failed:  int(failed.Load()),
		Skipped: skipped + int(inFlight.Load()),
	}
	metrics.RecordRefresh(trigger, report.Fetched, report.Failed, report.Skipped)
	observability.EndSpan(span, nil)
	if len(keys) > 0 {
		logging.Op().Info("refresh pass complete", "trigger", trigger, "session", s.ID,
			"fetched", report.Fetched, "failed", report.Failed, "skipped", report.Skipped)
	}
	return report
}

// fetch runs one key through BeginFetch and CompleteFetch, retrying
// transient failures inline while online. Each call gets the full retry
// budget regardless of earlier failures on the key.
func (b *Binder) fetch(ctx context.Context, s *Session, key domain.QueryKey) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		tok, ok := s.Cache.BeginFetch(key)
		if !ok {
			return nil, errInFlight
		}
		metrics.IncActiveFetches()
		data, err := b.opts.Fetcher.Fetch(ctx, key)
		metrics.DecActiveFetches()

		if err != nil && ctx.Err() != nil {
			s.Cache.CancelFetch(key, tok)
			return nil, ctx.Err()
		}
		decision, cerr := s.Cache.CompleteFetch(key, tok, cache.FetchResult{Data: data, Err: err, Attempt: attempt})
		if cerr != nil {
			return nil, cerr
		}
		if err == nil {
			return data, nil
		}
		if !decision.Retry() || !b.online() {
			return nil, err
		}
		logging.Op().Debug("retrying fetch", "key", key.String(),
			"attempt", decision.Attempt, "delay", decision.Delay, "error", err)
		if werr := sleep(ctx, decision.Delay); werr != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query is a read-through helper. Fresh data, or any cached data while
// offline, is returned as is. Stale data is refetched; if the fetch fails
// the stale data is returned alongside the error. Offline with nothing
// cached, the fetch is deferred and ErrOffline returned.
func (b *Binder) Query(ctx context.Context, key domain.QueryKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s := b.Session()
	if s == nil {
		return nil, ErrClosed
	}
	ctx, span := observability.StartSpan(ctx, "lifecycle.query",
		observability.AttrQueryRoot.String(key.Root()))

	data, stale := s.Cache.Read(key)
	if !b.online() {
		var err error
		if data == nil {
			b.deferRefresh(s, func(s *Session) { s.pendingKeys[key.String()] = key.Clone() })
			err = ErrOffline
		}
		observability.EndSpan(span, nil)
		return data, err
	}
	if !stale {
		observability.EndSpan(span, nil)
		return data, nil
	}

	fresh, err := b.fetch(ctx, s, key)
	if errors.Is(err, errInFlight) {
		fresh, err = b.await(ctx, s, key)
	}
	observability.EndSpan(span, err)
	if err != nil {
		return data, err
	}
	return fresh, nil
}

// await waits for the in-flight fetch of key to settle.
func (b *Binder) await(ctx context.Context, s *Session, key domain.QueryKey) ([]byte, error) {
	settled := make(chan domain.CacheEntry, 1)
	unsubscribe := s.Cache.Subscribe(key, func(e domain.CacheEntry) {
		if e.Status == domain.StatusFetching {
			return
		}
		select {
		case settled <- e:
		default:
		}
	})
	defer unsubscribe()

	if e, ok := s.Cache.Entry(key); ok && e.Status != domain.StatusFetching {
		return e.Data, e.Err
	}
	select {
	case e := <-settled:
		return e.Data, e.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Mutate runs a mutation with the same retry classification as fetches.
// Mutations are never cached or persisted. Offline, it fails with
// ErrOffline without attempting the write.
func (b *Binder) Mutate(ctx context.Context, m Mutation) ([]byte, error) {
	s := b.Session()
	if s == nil {
		return nil, ErrClosed
	}
	if m.Do == nil {
		return nil, errors.New("lifecycle: mutation has no Do")
	}
	ctx, span := observability.StartSpan(ctx, "lifecycle.mutate")

	var out []byte
	var err error
	for attempt := 1; ; attempt++ {
		if !b.online() {
			err = ErrOffline
			break
		}
		out, err = m.Do(ctx)
		if err == nil {
			break
		}
		kind := domain.Classify(err)
		decision := b.opts.Policy.RetryDecision(kind, attempt)
		metrics.RecordRetryDecision(kind.String(), decision.Action.String())
		if !decision.Retry() {
			break
		}
		if werr := sleep(ctx, decision.Delay); werr != nil {
			break
		}
	}
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	var keys []domain.QueryKey
	for _, prefix := range m.Invalidates {
		s.Cache.Invalidate(prefix)
		for _, k := range s.Cache.SubscribedKeys(false) {
			if k.HasPrefix(prefix) {
				keys = append(keys, k)
			}
		}
	}
	if len(keys) > 0 {
		b.refresh(ctx, s, "mutation", dedupe(keys), 0)
	}
	return out, nil
}

func dedupe(keys []domain.QueryKey) []domain.QueryKey {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if _, ok := seen[k.String()]; ok {
			continue
		}
		seen[k.String()] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Invalidate marks every entry under prefix in the active session stale.
func (b *Binder) Invalidate(prefix domain.QueryKey) int {
	s := b.Session()
	if s == nil {
		return 0
	}
	return s.Cache.Invalidate(prefix)
}

// Run forwards connectivity verdicts to the active cache and replays
// refresh work deferred while offline. It blocks until ctx is done.
func (b *Binder) Run(ctx context.Context) {
	if b.opts.Connectivity == nil {
		<-ctx.Done()
		return
	}
	feed := b.opts.Connectivity.Subscribe(ctx)
	if s := b.Session(); s != nil {
		s.Cache.SetOnline(b.online())
	}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-feed:
			if !ok {
				return
			}
			s := b.Session()
			if s == nil {
				return
			}
			s.Cache.SetOnline(online)
			logging.Op().Info("connectivity verdict applied", "online", online, "session", s.ID)
			if online {
				wg.Add(1)
				go func() {
					defer wg.Done()
					b.replayDeferred(ctx, s)
				}()
			}
		}
	}
}

// replayDeferred runs refresh work recorded while offline.
func (b *Binder) replayDeferred(ctx context.Context, s *Session) {
	b.mu.Lock()
	all, focus := s.pendingAll, s.pendingFocus
	keys := make([]domain.QueryKey, 0, len(s.pendingKeys))
	for _, k := range s.pendingKeys {
		keys = append(keys, k)
	}
	s.pendingAll, s.pendingFocus = false, false
	s.pendingKeys = make(map[string]domain.QueryKey)
	b.mu.Unlock()

	if all {
		b.refreshStale(ctx, s, "foreground", s.Cache.SubscribedKeys(false))
	} else if focus {
		b.refreshStale(ctx, s, "focus", s.Cache.SubscribedKeys(true))
	}
	if len(keys) > 0 {
		b.refresh(ctx, s, "deferred", keys, 0)
	}
}

// Close closes the active session. Pending snapshot work is flushed first.
func (b *Binder) Close(ctx context.Context) error {
	b.switchMu.Lock()
	defer b.switchMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	s := b.session
	b.session = nil
	b.mu.Unlock()

	var result *multierror.Error
	if s != nil {
		if err := s.close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("close session %s: %w", s.ID, err))
		}
	}
	if b.ownStore {
		if err := b.opts.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}
