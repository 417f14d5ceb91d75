package monitor

import (
	"sync"

	"github.com/brainyard/brainrun/brain/api"
)

// Subscriber receives running-set snapshots from WatchRunning. HTTP SSE
// handlers implement this by writing `data: ...\n\n` frames to the
// response.
type Subscriber interface {
	HandleSnapshot(snapshot api.RunningBrainsSnapshot) error
}

// Subscription is returned by WatchRunning; Close unregisters the
// subscriber and is safe to call more than once.
type Subscription interface {
	Close()
}

// broadcaster fans a snapshot out to every registered subscriber,
// synchronously and fail-fast: a subscriber that errors (e.g. a closed SSE
// connection) is dropped from the set on its next publish.
type broadcaster struct {
	mu   sync.RWMutex
	subs map[*subscription]Subscriber
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[*subscription]Subscriber)}
}

func (b *broadcaster) register(sub Subscriber) Subscription {
	s := &subscription{broadcaster: b}
	b.mu.Lock()
	b.subs[s] = sub
	b.mu.Unlock()
	return s
}

// publish snapshots the subscriber set under a read lock, then invokes each
// one outside the lock so a slow subscriber cannot block registration.
// Subscribers that return an error are unregistered.
func (b *broadcaster) publish(snapshot api.RunningBrainsSnapshot) {
	b.mu.RLock()
	targets := make(map[*subscription]Subscriber, len(b.subs))
	for k, v := range b.subs {
		targets[k] = v
	}
	b.mu.RUnlock()

	for sub, handler := range targets {
		if err := handler.HandleSnapshot(snapshot); err != nil {
			sub.Close()
		}
	}
}

func (b *broadcaster) unregister(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type subscription struct {
	broadcaster *broadcaster
	once        sync.Once
}

func (s *subscription) Close() {
	s.once.Do(func() { s.broadcaster.unregister(s) })
}
