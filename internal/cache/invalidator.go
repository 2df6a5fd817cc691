package cache

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/halo/internal/domain"
	"github.com/oriys/halo/internal/logging"
)

// InvalidationChannel is the Redis Pub/Sub channel carrying remote
// invalidation hints. Each message is a serialized key prefix; every
// subscribed client marks the matching entries stale so the next read
// refetches without waiting for the freshness budget to run out.
const InvalidationChannel = "halo:cache:invalidate"

// Invalidatable is anything that can invalidate by key prefix. Both
// *QueryCache and the lifecycle binder (which routes to the active
// session) satisfy it.
type Invalidatable interface {
	Invalidate(prefix domain.QueryKey) int
}

// Invalidator listens for invalidation hints over Redis Pub/Sub and applies
// them to a target.
type Invalidator struct {
	target  Invalidatable
	client  *redis.Client
	channel string
	mu      sync.Mutex
	cancel  context.CancelFunc
	closed  bool
}

// NewInvalidator creates an invalidator. An empty channel selects
// InvalidationChannel.
func NewInvalidator(target Invalidatable, client *redis.Client, channel string) *Invalidator {
	if channel == "" {
		channel = InvalidationChannel
	}
	return &Invalidator{
		target:  target,
		client:  client,
		channel: channel,
	}
}

// Start listens for hints. It blocks until the context is cancelled or
// Close is called.
func (iv *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	iv.mu.Lock()
	if iv.closed {
		iv.mu.Unlock()
		cancel()
		return
	}
	iv.cancel = cancel
	iv.mu.Unlock()

	pubsub := iv.client.Subscribe(subCtx, iv.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			iv.apply(msg.Payload)
		}
	}
}

func (iv *Invalidator) apply(payload string) {
	prefix, err := domain.ParseQueryKey(payload)
	if err != nil {
		logging.Op().Warn("ignoring malformed invalidation hint", "payload", payload, "error", err)
		return
	}
	n := iv.target.Invalidate(prefix)
	logging.Op().Debug("remote invalidation applied", "prefix", prefix.String(), "entries", n)
}

// PublishInvalidation broadcasts an invalidation hint for prefix.
func (iv *Invalidator) PublishInvalidation(ctx context.Context, prefix domain.QueryKey) error {
	return iv.client.Publish(ctx, iv.channel, prefix.String()).Err()
}

// Close stops the listener.
func (iv *Invalidator) Close() error {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.closed {
		return nil
	}
	iv.closed = true
	if iv.cancel != nil {
		iv.cancel()
	}
	return nil
}
