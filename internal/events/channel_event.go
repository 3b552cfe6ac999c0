package events

import "sync/atomic"

// ChannelEvent fans values out to listener channels without blocking the
// publisher. A full listener channel misses the value; misses are counted.
type ChannelEvent[T any] struct {
	reg     registry[chan<- T, T]
	dropped atomic.Uint64
}

// NewChannelEvent creates a new ChannelEvent.
// sendLastEventOnListen: replay the most recent value to listeners that
// register after it was published.
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{reg: newRegistry[chan<- T, T](sendLastEventOnListen)}
}

// Listen registers ch and returns a deregistration function.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	id, last := e.reg.add(ch)
	if last != nil {
		e.send(ch, *last)
	}
	return func() { e.reg.remove(id) }
}

// Notify delivers value to every listener. It is a no-op after Close.
func (e *ChannelEvent[T]) Notify(value T) {
	listeners, ok := e.reg.snapshot(value)
	if !ok {
		e.dropped.Add(1)
		return
	}
	for _, ch := range listeners {
		e.send(ch, value)
	}
}

func (e *ChannelEvent[T]) send(ch chan<- T, value T) {
	select {
	case ch <- value:
	default:
		e.dropped.Add(1)
	}
}

// Close ends the stream. Listener channels are owned by their listeners and are
// not closed; use Done to observe the end of the stream.
func (e *ChannelEvent[T]) Close() bool {
	return e.reg.close()
}

// Done is closed once Close has been called.
func (e *ChannelEvent[T]) Done() <-chan struct{} {
	return e.reg.done
}

func (e *ChannelEvent[T]) Closed() bool {
	return e.reg.isClosed()
}

// Dropped counts values that could not be delivered to some listener.
func (e *ChannelEvent[T]) Dropped() uint64 {
	return e.dropped.Load()
}

// ListenerCount returns the current number of registered listeners
func (e *ChannelEvent[T]) ListenerCount() int {
	return e.reg.count()
}
