package chat

import (
	"sync"
)

// Observable is a push-based value: Set stores the new value and
// notifies subscribers. Each subscriber has a one-slot buffer with
// latest-wins coalescing, so a slow consumer sees the newest value
// rather than blocking the engine.
type Observable[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[int]chan T
	next  int
}

func NewObservable[T any](initial T) *Observable[T] {
	return &Observable[T]{
		value: initial,
		subs:  make(map[int]chan T),
	}
}

func (o *Observable[T]) Value() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

func (o *Observable[T]) Set(value T) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.value = value
	for _, ch := range o.subs {
		select {
		case ch <- value:
		default:
			// replace the stale buffered value
			select {
			case <-ch:
			default:
			}
			ch <- value
		}
	}
}

// Subscribe registers a listener. The returned cancel func must be
// called to release the subscription. The current value is delivered
// immediately.
func (o *Observable[T]) Subscribe() (<-chan T, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.next
	o.next++

	ch := make(chan T, 1)
	ch <- o.value
	o.subs[id] = ch

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}

	return ch, cancel
}
