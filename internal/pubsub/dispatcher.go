// Package pubsub fans values out to in-process subscribers without ever
// blocking the publisher.
package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 64

// Dispatcher delivers published values to every live subscription.
type Dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]*Subscription[T]
	nextID      int64
	bufferSize  int
	closed      bool
}

// Subscription is one consumer's buffered stream.
type Subscription[T any] struct {
	id         int64
	stream     chan T
	done       chan struct{}
	dropped    atomic.Bool
	closeOnce  sync.Once
	unregister func()
}

// NewDispatcher constructs a dispatcher whose subscriptions buffer up to
// bufferSize values.
func NewDispatcher[T any](bufferSize int) *Dispatcher[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher[T]{
		subscribers: make(map[int64]*Subscription[T]),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscription which is closed when ctx ends, when
// Close is called or when the dispatcher shuts down.
func (d *Dispatcher[T]) Subscribe(ctx context.Context) *Subscription[T] {
	subscription := &Subscription[T]{stream: make(chan T, d.bufferSize), done: make(chan struct{})}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		subscription.unregister = func() {}
		subscription.Close()
		return subscription
	}
	d.nextID++
	subscription.id = d.nextID
	d.subscribers[subscription.id] = subscription
	d.mu.Unlock()

	subscription.unregister = func() {
		d.mu.Lock()
		delete(d.subscribers, subscription.id)
		d.mu.Unlock()
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				subscription.Close()
			case <-subscription.done:
			}
		}()
	}
	return subscription
}

// Publish offers value to every subscription. A full subscription skips the
// value and records the drop.
func (d *Dispatcher[T]) Publish(value T) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers {
		select {
		case subscriber.stream <- value:
		default:
			subscriber.dropped.Store(true)
		}
	}
}

// Len reports the number of live subscriptions.
func (d *Dispatcher[T]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// Close closes every subscription and rejects new ones.
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	d.closed = true
	subscribers := make([]*Subscription[T], 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	d.mu.Unlock()
	for _, subscriber := range subscribers {
		subscriber.Close()
	}
}

// C returns the receive side of the subscription.
func (s *Subscription[T]) C() <-chan T {
	return s.stream
}

// TakeDropped reports and resets whether values were skipped since the last call.
func (s *Subscription[T]) TakeDropped() bool {
	return s.dropped.Swap(false)
}

// Close unregisters the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.unregister()
		close(s.done)
		close(s.stream)
	})
}
