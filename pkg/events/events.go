// Package events provides the generic publish/subscribe broker used
// for diagnostic event streams (plugin registry registered /
// unregistered / error) across the core: a single internal channel
// fanned out to per-subscriber buffered channels, dropping on a full
// buffer, generic over the payload type.
//
// The Subscription Service (pkg/subscription) does NOT use this
// broker: change delivery gives each subscriber its own unbounded,
// backpressure-isolated FIFO queue, built on
// github.com/docker/go-events instead (see pkg/subscription).
package events

import "sync"

// Subscriber is a channel that receives events of type T.
type Subscriber[T any] chan T

// Broker manages event subscriptions and best-effort distribution: a
// full subscriber buffer causes that event to be dropped for that
// subscriber only.
type Broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[Subscriber[T]]bool
	eventCh     chan T
	stopCh      chan struct{}
	started     bool
}

// NewBroker creates a new, unstarted Broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[Subscriber[T]]bool),
		eventCh:     make(chan T, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop. Safe to call once;
// subsequent calls are no-ops.
func (b *Broker[T]) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.run()
}

// Stop stops the distribution loop.
func (b *Broker[T]) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription.
func (b *Broker[T]) Subscribe() Subscriber[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber[T], 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription. Idempotent: calling
// it twice for the same subscriber is a no-op the second time.
func (b *Broker[T]) Unsubscribe(sub Subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subscribers[sub] {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues an event for broadcast to all current subscribers.
func (b *Broker[T]) Publish(event T) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker[T]) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker[T]) broadcast(event T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
