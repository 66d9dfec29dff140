// Package broadcast fans run progress events out to live observers. It sits
// between the engine, which publishes, and the SSE/WebSocket handlers, which
// subscribe.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/visionforge/visionforge/pkg/types"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 100

// Broadcaster delivers each published event to every current subscriber in
// publication order. Each subscriber gets its own buffered channel; a
// subscriber that stops draining loses events rather than stalling the
// publisher or its peers.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]map[chan *types.Event]struct{} // runID -> subscribers
	bufSize int
	closed  bool
}

// New creates a broadcaster. bufSize <= 0 selects DefaultBufferSize.
func New(bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Broadcaster{
		subs:    make(map[string]map[chan *types.Event]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers an observer for a run's events. The returned cancel
// function removes the subscription and closes the channel; it is safe to
// call more than once.
func (b *Broadcaster) Subscribe(runID string) (<-chan *types.Event, func()) {
	ch := make(chan *types.Event, b.bufSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	set, ok := b.subs[runID]
	if !ok {
		set = make(map[chan *types.Event]struct{})
		b.subs[runID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[runID]; ok {
				if _, present := set[ch]; present {
					delete(set, ch)
					if len(set) == 0 {
						delete(b.subs, runID)
					}
					close(ch)
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its run. Delivery is
// non-blocking: a full subscriber buffer drops the event for that subscriber
// only.
func (b *Broadcaster) Publish(ev *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for ch := range b.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping event for slow subscriber",
				slog.String("run_id", ev.RunID),
				slog.String("event_type", string(ev.Type)))
		}
	}
}

// SubscriberCount reports how many observers a run currently has.
func (b *Broadcaster) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

// CloseRun closes every subscription for a finished run. Observers see their
// channel close after draining buffered events.
func (b *Broadcaster) CloseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[runID] {
		close(ch)
	}
	delete(b.subs, runID)
}

// Close shuts the broadcaster down, closing all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for runID, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, runID)
	}
}
