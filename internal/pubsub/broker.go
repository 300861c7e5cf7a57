// Package pubsub is an in-memory, topic-keyed publish/subscribe broker. The
// last event of each topic is retained for a grace period and replayed to
// late subscribers, so a client reconnecting after a document finished
// processing still sees its terminal state.
package pubsub

import (
	"context"
	"sync"
	"time"
)

const bufferSize = 64

// Broker is safe for concurrent use. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Broker[T any] struct {
	mu        sync.Mutex
	subs      map[string]map[chan Event[T]]struct{}
	last      map[string]Event[T]
	done      chan struct{}
	grace     time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewBroker creates a broker retaining each topic's last event for grace.
func NewBroker[T any](grace time.Duration) *Broker[T] {
	return &Broker[T]{
		subs:  make(map[string]map[chan Event[T]]struct{}),
		last:  make(map[string]Event[T]),
		done:  make(chan struct{}),
		grace: grace,
		now:   time.Now,
	}
}

// Shutdown closes every subscription. Later calls are no-ops.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}
	for topic, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, topic)
	}
}

// Subscribe registers for topic. If a retained event younger than the grace
// period exists, it is the first event delivered.
func (b *Broker[T]) Subscribe(ctx context.Context, topic string) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], bufferSize)
	if ev, ok := b.last[topic]; ok && b.now().Sub(ev.At) <= b.grace {
		sub <- ev
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Event[T]]struct{})
	}
	b.subs[topic][sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		set, ok := b.subs[topic]
		if !ok {
			return
		}
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub)
		}
		if len(set) == 0 {
			delete(b.subs, topic)
		}
	}()

	return sub
}

// Publish records the event as the topic's last and fans it out.
// Holding the lock across the non-blocking sends keeps replay and live
// delivery ordered for a subscriber that joins concurrently.
func (b *Broker[T]) Publish(topic string, t EventType, payload T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	now := b.now()
	event := Event[T]{Type: t, Payload: payload, At: now}
	b.last[topic] = event
	b.sweep(now)

	for sub := range b.subs[topic] {
		select {
		case sub <- event:
		default:
		}
	}
}

// Last returns the retained event for topic if it is still within the grace period.
func (b *Broker[T]) Last(topic string) (Event[T], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.last[topic]
	if !ok || b.now().Sub(ev.At) > b.grace {
		return Event[T]{}, false
	}
	return ev, true
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Broker[T]) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// sweep drops retained events past the grace period, at most once per period.
func (b *Broker[T]) sweep(now time.Time) {
	if now.Sub(b.lastSweep) < b.grace {
		return
	}
	b.lastSweep = now
	for topic, ev := range b.last {
		if now.Sub(ev.At) > b.grace {
			delete(b.last, topic)
		}
	}
}
