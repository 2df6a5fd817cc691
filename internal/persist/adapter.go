package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/halo/internal/domain"
	"github.com/oriys/halo/internal/logging"
	"github.com/oriys/halo/internal/metrics"
	"github.com/oriys/halo/internal/observability"
	"github.com/oriys/halo/internal/storage"
)

// DefaultDebounce is the shortest interval between two snapshot writes.
const DefaultDebounce = time.Second

// DefaultMaxAge is how long a snapshot stays restorable.
const DefaultMaxAge = 24 * time.Hour

// Target is the cache an adapter persists and hydrates.
type Target interface {
	Source
	Watch(fn func(domain.CacheEntry)) func()
	Hydrate(entries []domain.CacheEntry) int
}

// Options configures an Adapter.
type Options struct {
	Store    storage.Store
	Identity string
	Allowed  AllowList
	Debounce time.Duration
	MaxAge   time.Duration
	Now      func() time.Time
}

type flushRequest struct {
	ctx  context.Context
	done chan error
}

// Adapter persists one identity's cache. Writes are debounced and performed
// by a single writer goroutine, so two writes for the identity never overlap
// and cache operations never wait on storage.
//
// An adapter for the anonymous (empty) identity is inert: it never writes
// and never restores.
type Adapter struct {
	target   Target
	store    storage.Store
	identity string
	key      string
	allowed  AllowList
	debounce time.Duration
	maxAge   time.Duration
	now      func() time.Time
	codec    *Codec

	dirty   atomic.Bool
	kick    chan struct{}
	flushCh chan flushRequest
	stop    chan struct{}
	done    chan struct{}
	unwatch func()

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewAdapter attaches an adapter to target and starts its writer.
func NewAdapter(target Target, opts Options) (*Adapter, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		target:   target,
		store:    opts.Store,
		identity: opts.Identity,
		key:      StorageKey(opts.Identity),
		allowed:  opts.Allowed,
		debounce: opts.Debounce,
		maxAge:   opts.MaxAge,
		now:      opts.Now,
		codec:    codec,
		kick:     make(chan struct{}, 1),
		flushCh:  make(chan flushRequest),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if !a.enabled() {
		close(a.done)
		a.unwatch = func() {}
		return a, nil
	}
	a.unwatch = target.Watch(a.onWrite)
	go a.loop()
	return a, nil
}

func (a *Adapter) enabled() bool {
	return a.identity != "" && a.store != nil && !a.allowed.Empty()
}

// onWrite runs in the cache writer's goroutine; it must not block.
func (a *Adapter) onWrite(e domain.CacheEntry) {
	if !a.allowed.Allows(e.Key) {
		return
	}
	a.dirty.Store(true)
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Adapter) loop() {
	defer close(a.done)

	var timer *time.Timer
	var timerC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
	}

	for {
		select {
		case <-a.kick:
			// The first change opens the window; later ones ride along
			if timerC == nil {
				timer = time.NewTimer(a.debounce)
				timerC = timer.C
			}
		case <-timerC:
			timerC = nil
			a.write(context.Background())
		case req := <-a.flushCh:
			stopTimer()
			req.done <- a.write(req.ctx)
		case <-a.stop:
			stopTimer()
			return
		}
	}
}

// write persists the current snapshot if anything changed since the last
// write. Failures are logged and leave the adapter dirty for the next try.
func (a *Adapter) write(ctx context.Context) error {
	if !a.dirty.Swap(false) {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "persist.write",
		observability.AttrIdentityHash.String(logging.IdentityHash(a.identity)))

	snap := BuildSnapshot(a.target, a.allowed, a.identity, a.now())
	blob, err := a.codec.Encode(&snap)
	if err == nil {
		span.SetAttributes(observability.AttrSnapshotBytes.Int(len(blob)))
		err = a.store.Write(ctx, a.key, blob, a.maxAge)
	}
	observability.EndSpan(span, err)

	if err != nil {
		a.dirty.Store(true)
		metrics.RecordSnapshotWrite("error", 0)
		logging.Op().Warn("snapshot write failed",
			"identity_hash", logging.IdentityHash(a.identity), "error", err)
		return err
	}
	metrics.RecordSnapshotWrite("ok", len(blob))
	logging.Op().Debug("snapshot written",
		"identity_hash", logging.IdentityHash(a.identity), "entries", len(snap.Entries), "bytes", len(blob))
	return nil
}

// Flush writes pending changes now instead of waiting for the debounce.
func (a *Adapter) Flush(ctx context.Context) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed || !a.enabled() {
		return nil
	}

	req := flushRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case a.flushCh <- req:
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches from the cache, flushes pending work and stops the writer.
func (a *Adapter) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.unwatch()
		err = a.Flush(ctx)

		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		if a.enabled() {
			close(a.stop)
			<-a.done
		}
	})
	return err
}

// Restore loads this identity's snapshot. Absent, foreign, outdated or
// undecodable records yield nil and are deleted best-effort; only storage
// failures return an error, and callers should proceed with an empty cache.
func (a *Adapter) Restore(ctx context.Context) (*PersistedSnapshot, error) {
	if !a.enabled() {
		return nil, nil
	}
	ctx, span := observability.StartSpan(ctx, "persist.restore",
		observability.AttrIdentityHash.String(logging.IdentityHash(a.identity)))

	snap, result, err := a.restore(ctx)
	observability.EndSpan(span, err)
	metrics.RecordSnapshotRestore(result)

	log := logging.Op().With("identity_hash", logging.IdentityHash(a.identity), "result", result)
	switch {
	case err != nil:
		log.Warn("snapshot restore failed, starting empty", "error", err)
	case snap == nil:
		log.Debug("no snapshot restored")
	default:
		log.Info("snapshot restored", "entries", len(snap.Entries))
	}
	return snap, err
}

func (a *Adapter) restore(ctx context.Context) (*PersistedSnapshot, string, error) {
	snap, result, err := a.inspect(ctx)
	if err != nil || result != ResultUsable {
		if err == nil && result != ResultAbsent {
			if derr := a.store.Delete(ctx, a.key); derr != nil {
				logging.Op().Debug("discarding snapshot failed", "error", derr)
			}
		}
		return nil, result, err
	}
	snap.filter(a.allowed)
	return snap, "restored", nil
}

// Inspection results. Anything other than ResultUsable is discarded by
// Restore.
const (
	ResultAbsent          = "absent"
	ResultUsable          = "usable"
	ResultVersionMismatch = "version_mismatch"
	ResultCorrupt         = "corrupt"
	ResultOwnerMismatch   = "owner_mismatch"
	ResultExpired         = "expired"
)

// Inspect decodes this identity's record without filtering, discarding or
// hydrating anything. The snapshot is nil when the record is absent or
// cannot be decoded; foreign and expired snapshots are returned with their
// result so callers can show why Restore would drop them.
func (a *Adapter) Inspect(ctx context.Context) (*PersistedSnapshot, string, error) {
	if a.identity == "" || a.store == nil {
		return nil, ResultAbsent, nil
	}
	return a.inspect(ctx)
}

func (a *Adapter) inspect(ctx context.Context) (*PersistedSnapshot, string, error) {
	blob, err := a.store.Read(ctx, a.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ResultAbsent, nil
	}
	if err != nil {
		return nil, "error", err
	}

	snap, err := a.codec.Decode(blob)
	switch {
	case errors.Is(err, errVersionMismatch):
		return nil, ResultVersionMismatch, nil
	case err != nil:
		return nil, ResultCorrupt, nil
	case snap.Owner != a.identity:
		return snap, ResultOwnerMismatch, nil
	case a.now().Sub(snap.SavedAt) > a.maxAge:
		return snap, ResultExpired, nil
	}
	return snap, ResultUsable, nil
}

// RestoreInto restores the snapshot and hydrates the cache with it. It
// returns the number of entries installed.
func (a *Adapter) RestoreInto(ctx context.Context) (int, error) {
	snap, err := a.Restore(ctx)
	if err != nil || snap == nil {
		return 0, err
	}
	return a.target.Hydrate(snap.CacheEntries(a.allowed)), nil
}

// Purge deletes this identity's durable record.
func (a *Adapter) Purge(ctx context.Context) error {
	if a.identity == "" || a.store == nil {
		return nil
	}
	a.dirty.Store(false)
	return a.store.Delete(ctx, a.key)
}

// Identity returns the owner identity.
func (a *Adapter) Identity() string { return a.identity }
