// Package events provides the outbound event streams of the fleet controller.
// Each stream is independently subscribable and may be closed to signal that
// no further values will follow (for example when a history transfer ends).
package events

import "sync"

// registry holds the listener bookkeeping shared by ChannelEvent and CallbackEvent.
// L is the listener type, T the event value type.
type registry[L any, T any] struct {
	mu                    sync.RWMutex
	listeners             map[uint64]L
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             *T
	closed                bool
	done                  chan struct{}
}

func newRegistry[L any, T any](sendLastEventOnListen bool) registry[L, T] {
	return registry[L, T]{
		listeners:             make(map[uint64]L),
		sendLastEventOnListen: sendLastEventOnListen,
		done:                  make(chan struct{}),
	}
}

// add registers l and returns its id plus a copy of the last event when it
// should be replayed to the new listener.
func (r *registry[L, T]) add(l L) (uint64, *T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	if !r.sendLastEventOnListen || r.lastEvent == nil {
		return id, nil
	}
	last := *r.lastEvent
	return id, &last
}

func (r *registry[L, T]) remove(id uint64) {
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
}

// snapshot records value as the last event and returns the listeners to deliver
// it to. ok is false once the stream is closed.
func (r *registry[L, T]) snapshot(value T) (listeners []L, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	if r.sendLastEventOnListen {
		v := value
		r.lastEvent = &v
	}
	listeners = make([]L, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	return listeners, true
}

func (r *registry[L, T]) close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	close(r.done)
	return true
}

func (r *registry[L, T]) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *registry[L, T]) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
