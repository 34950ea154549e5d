package ledger

import (
	"sync"

	"github.com/copy-trader/internal/logging"
)

// Fanout broadcasts ledger snapshots to any number of subscribers
// without ever blocking the publisher. Each subscriber owns a buffer of
// depth one: when a subscriber falls behind, intermediate snapshots are
// dropped and only the newest is kept. Because snapshots are complete
// views rather than deltas, a subscriber that misses updates still
// converges on the next delivery.
type Fanout struct {
	logger *logging.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is one subscriber's handle on the update stream.
type Subscription struct {
	fanout *Fanout
	ch     chan *Snapshot
	once   sync.Once
}

// NewFanout creates an empty fan-out manager.
func NewFanout(logger *logging.Logger) *Fanout {
	return &Fanout{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber. The caller must Close the
// subscription when done or its buffer leaks.
func (f *Fanout) Subscribe() *Subscription {
	sub := &Subscription{
		fanout: f,
		ch:     make(chan *Snapshot, 1),
	}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	return sub
}

// SubscriberCount returns the number of live subscriptions.
func (f *Fanout) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Publish delivers a snapshot to every subscriber. Publishes are
// serialized, so each subscriber sees snapshots in commit order,
// possibly with gaps.
func (f *Fanout) Publish(snap *Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs {
		select {
		case sub.ch <- snap:
			continue
		default:
		}

		// Buffer full: evict the stale snapshot so the newest wins. The
		// receiver may race the eviction, which only means it consumed
		// the stale value and freed the slot either way.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}

// Updates returns the subscriber's delivery channel. The channel is
// closed by Close.
func (s *Subscription) Updates() <-chan *Snapshot {
	return s.ch
}

// Close deregisters the subscription and closes its channel. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.fanout.mu.Lock()
		delete(s.fanout.subs, s)
		s.fanout.mu.Unlock()
		close(s.ch)
	})
}
