package events

import (
	"sync"
)

// Bus fans messages out to subscribers. Delivery for a given message is in
// subscription order; callbacks run on the publisher's goroutine, so they
// must not block.
type Bus struct {
	mu   sync.Mutex
	next int
	subs []subscriber
}

type subscriber struct {
	id int
	fn func(Msg)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a callback and returns a token for Unsubscribe.
func (b *Bus) Subscribe(fn func(Msg)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs = append(b.subs, subscriber{id: b.next, fn: fn})
	return b.next
}

// Unsubscribe removes a previously registered callback. Unknown tokens are
// ignored.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the message to every subscriber. The subscriber list is
// snapshotted first so callbacks run outside the lock.
func (b *Bus) Publish(msg Msg) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(msg)
	}
}
