// Package broadcast is a small in-process publish/subscribe hub.
//
// Delivery is at-least-once for subscribers that stay subscribed: Publish
// waits for room in every subscriber's buffer instead of dropping, until
// the subscriber leaves or the publisher's context ends.
package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const DefaultBufferSize = 64

// Subscription receives events on C until Done is closed.
type Subscription[T any] struct {
	ID string
	C  <-chan T

	ch   chan T
	done chan struct{}
}

// Done is closed once the subscription is removed.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription[T]
	bufferSize  int
	closed      bool
}

func New[T any](bufferSize int) *Broadcaster[T] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]*Subscription[T]),
		bufferSize:  bufferSize,
	}
}

func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.bufferSize)
	sub := &Subscription[T]{ID: uuid.NewString(), C: ch, ch: ch, done: make(chan struct{})}
	if b.closed {
		close(sub.done)
		return sub
	}
	b.subscribers[sub.ID] = sub
	return sub
}

func (b *Broadcaster[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.done)
		delete(b.subscribers, id)
	}
}

// Publish hands ev to every current subscriber. It returns ctx.Err() if the
// context ends before all subscribers accepted the event.
func (b *Broadcaster[T]) Publish(ctx context.Context, ev T) error {
	b.mu.RLock()
	subs := make([]*Subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close removes every subscriber. Later subscriptions start out done.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.done)
		delete(b.subscribers, id)
	}
	b.closed = true
}
