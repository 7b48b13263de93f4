package services

import (
	"sync"
	"time"

	"mediagrabber/types"
)

// Listener receives every published progress state. It is called on the
// publisher's goroutine, so slow listeners delay the publisher.
type Listener interface {
	OnProgress(state types.ProgressState)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(state types.ProgressState)

func (f ListenerFunc) OnProgress(state types.ProgressState) { f(state) }

// Clock returns the current time; tests inject a fake one
type Clock func() time.Time

// Subscription is the handle returned by Subscribe
type Subscription struct {
	id  uint64
	bus *ProgressBus
	ch  *chanListener
}

// Unsubscribe stops delivery; calling it again is a no-op
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s)
}

type busEntry struct {
	state     types.ProgressState
	updatedAt time.Time
}

type subscriber struct {
	id       uint64
	listener Listener
}

// ProgressBus fans out progress states to subscribers and caches the latest
// state per job for pollers. Cached entries expire after the TTL and are
// swept lazily on publish, latest and snapshot.
type ProgressBus struct {
	ttl   time.Duration
	clock Clock

	mu          sync.Mutex
	nextID      uint64
	subscribers []subscriber
	store       map[string]busEntry
}

// BusOption configures a ProgressBus
type BusOption func(*ProgressBus)

// WithBusClock replaces time.Now
func WithBusClock(clock Clock) BusOption {
	return func(b *ProgressBus) {
		b.clock = clock
	}
}

// NewProgressBus creates a bus whose cached states live for ttl
func NewProgressBus(ttl time.Duration, opts ...BusOption) *ProgressBus {
	b := &ProgressBus{
		ttl:   ttl,
		clock: time.Now,
		store: make(map[string]busEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish clamps state, caches it as the job's latest and delivers it to
// every current subscriber outside the lock.
func (b *ProgressBus) Publish(state types.ProgressState) {
	state.ClampPercent()

	b.mu.Lock()
	now := b.clock()
	b.store[state.JobID] = busEntry{state: state, updatedAt: now}
	b.evictExpiredLocked(now)
	listeners := make([]Listener, len(b.subscribers))
	for i, s := range b.subscribers {
		listeners[i] = s.listener
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l.OnProgress(state)
	}
}

// Subscribe registers l for all future publishes
func (b *ProgressBus) Subscribe(l Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subscribers = append(b.subscribers, subscriber{id: b.nextID, listener: l})
	return &Subscription{id: b.nextID, bus: b}
}

// SubscribeChan delivers states on a buffered channel. Publishing never
// blocks on it: states that do not fit in the buffer are dropped. The
// channel is closed on Unsubscribe.
func (b *ProgressBus) SubscribeChan(buffer int) (<-chan types.ProgressState, *Subscription) {
	cl := &chanListener{ch: make(chan types.ProgressState, buffer)}
	sub := b.Subscribe(cl)
	sub.ch = cl
	return cl.ch, sub
}

// Unsubscribe removes the subscription
func (b *ProgressBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	kept := b.subscribers[:0:0]
	for _, s := range b.subscribers {
		if s.id != sub.id {
			kept = append(kept, s)
		}
	}
	b.subscribers = kept
	b.mu.Unlock()

	if sub.ch != nil {
		sub.ch.close()
	}
}

// Latest returns the cached state for jobID unless it is missing or older
// than the TTL. Expired entries are removed.
func (b *ProgressBus) Latest(jobID string) (types.ProgressState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.store[jobID]
	if !ok {
		return types.ProgressState{}, false
	}
	if b.clock().Sub(entry.updatedAt) > b.ttl {
		delete(b.store, jobID)
		return types.ProgressState{}, false
	}
	return entry.state, true
}

// Snapshot returns the latest live state of every job
func (b *ProgressBus) Snapshot() map[string]types.ProgressState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictExpiredLocked(b.clock())
	out := make(map[string]types.ProgressState, len(b.store))
	for jobID, entry := range b.store {
		out[jobID] = entry.state
	}
	return out
}

// SubscriberCount reports the number of registered subscribers
func (b *ProgressBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *ProgressBus) evictExpiredLocked(now time.Time) {
	for jobID, entry := range b.store {
		if now.Sub(entry.updatedAt) > b.ttl {
			delete(b.store, jobID)
		}
	}
}

type chanListener struct {
	mu     sync.Mutex
	closed bool
	ch     chan types.ProgressState
}

func (c *chanListener) OnProgress(state types.ProgressState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- state:
	default:
	}
}

func (c *chanListener) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
