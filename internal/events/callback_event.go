package events

// CallbackEvent invokes listener callbacks synchronously on the publishing
// goroutine. Callbacks must not block for long.
type CallbackEvent[T any] struct {
	reg registry[func(T), T]
}

func NewCallbackEvent[T any](sendLastEventOnListen bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{reg: newRegistry[func(T), T](sendLastEventOnListen)}
}

// Listen registers callback and returns a deregistration function.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}
	id, last := e.reg.add(callback)
	if last != nil {
		callback(*last)
	}
	return func() { e.reg.remove(id) }
}

// Notify calls every listener with value, outside the registry lock so a
// callback may itself register or deregister listeners.
func (e *CallbackEvent[T]) Notify(value T) {
	listeners, ok := e.reg.snapshot(value)
	if !ok {
		return
	}
	for _, callback := range listeners {
		callback(value)
	}
}

func (e *CallbackEvent[T]) Close() bool {
	return e.reg.close()
}

func (e *CallbackEvent[T]) Done() <-chan struct{} {
	return e.reg.done
}

func (e *CallbackEvent[T]) ListenerCount() int {
	return e.reg.count()
}
