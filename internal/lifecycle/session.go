package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/oriys/halo/internal/cache"
	"github.com/oriys/halo/internal/domain"
	"github.com/oriys/halo/internal/logging"
	"github.com/oriys/halo/internal/persist"
)

// Session is the cache and persistence pair bound to one identity. A
// session is never reused for another identity.
type Session struct {
	ID        string
	Identity  string
	StartedAt time.Time
	Cache     *cache.QueryCache
	Persist   *persist.Adapter

	// deferred refresh work recorded while offline
	pendingAll   bool
	pendingFocus bool
	pendingKeys  map[string]domain.QueryKey
}

func newSession(identity string, b *Binder) (*Session, error) {
	c := cache.New(cache.Options{Policy: b.opts.Policy, Now: b.opts.Now})
	c.SetOnline(b.online())

	adapter, err := persist.NewAdapter(c, persist.Options{
		Store:    b.opts.Store,
		Identity: identity,
		Allowed:  b.allowed,
		Debounce: b.opts.Debounce,
		MaxAge:   b.opts.MaxAge,
		Now:      b.opts.Now,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return &Session{
		ID:          uuid.NewString(),
		Identity:    identity,
		StartedAt:   b.opts.Now(),
		Cache:       c,
		Persist:     adapter,
		pendingKeys: make(map[string]domain.QueryKey),
	}, nil
}

// IdentityHash is the loggable form of the session identity.
func (s *Session) IdentityHash() string {
	return logging.IdentityHash(s.Identity)
}

// close flushes pending persistence under this session's identity, then
// drops every entry and subscription.
func (s *Session) close(ctx context.Context) error {
	var result *multierror.Error
	if err := s.Persist.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	s.Cache.Close()
	return result.ErrorOrNil()
}
