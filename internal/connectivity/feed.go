package connectivity

import (
	"context"
	"sync"
)

// Feed fans published online values out to subscribers. Each subscriber
// channel holds at most one value; a slow reader only ever sees the latest.
type Feed struct {
	mu     sync.Mutex
	subs   map[chan bool]struct{}
	closed bool
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[chan bool]struct{})}
}

// Subscribe returns a channel that receives every published value, latest
// wins. The channel is closed when ctx is cancelled or the feed is closed.
func (f *Feed) Subscribe(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	// Close the channel when context is done
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}()

	return ch
}

// Publish delivers v to every subscriber without blocking.
func (f *Feed) Publish(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- v:
		default:
			// Drop the unread value so the newest one wins
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}

// Close closes every subscriber channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
}
