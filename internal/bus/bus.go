package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultQueueDepth is the per-subscriber buffer used by Subscribe.
const DefaultQueueDepth = 100

// Event is one message fanned out to subscribers.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the receive side of the subscription queue. It is closed by
// Unsubscribe or Bus.Close.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Prefix returns the topic prefix the subscription matches.
func (s *Subscription) Prefix() string { return s.prefix }

// Dropped reports how many events were discarded because the queue was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Counters is a snapshot of bus activity.
type Counters struct {
	Published   int64
	Delivered   int64
	Dropped     int64
	Subscribers int
}

// Bus is the in-process fan-out used for task lifecycle and fleet events.
// Publishing never blocks: a subscriber that falls behind loses events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for topics starting with prefix. An empty
// prefix receives everything.
func (b *Bus) Subscribe(prefix string) *Subscription {
	return b.SubscribeDepth(prefix, DefaultQueueDepth)
}

// SubscribeDepth is Subscribe with an explicit queue depth. On a closed bus
// the returned subscription's channel is already closed.
func (b *Bus) SubscribeDepth(prefix string, depth int) *Subscription {
	if depth < 1 {
		depth = 1
	}
	sub := &Subscription{prefix: prefix, ch: make(chan Event, depth)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches sub and closes its channel. Calling it twice is safe.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber and returns how many
// received it.
func (b *Bus) Publish(topic string, payload any) int {
	ev := Event{Topic: topic, Payload: payload}
	delivered := 0

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	b.published.Add(1)
	for sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	b.delivered.Add(int64(delivered))
	return delivered
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Counters returns a snapshot of the bus counters.
func (b *Bus) Counters() Counters {
	return Counters{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: b.SubscriberCount(),
	}
}

// Close detaches all subscribers and makes further publishes no-ops. Open
// event streams see their channel close and finish.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	clear(b.subs)
}
