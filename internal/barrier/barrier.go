// Package barrier implements a resettable countdown that fires a completion
// callback exactly once per batch.
package barrier

import "sync"

// Barrier counts arrivals for the current batch. The zero value is inert:
// arrivals are ignored until NewBatch arms it.
type Barrier struct {
	mu         sync.Mutex
	batch      uint64
	remaining  int
	armed      bool
	onComplete func(batch uint64)
	arrived    map[string]struct{}
	done       chan struct{}
	// done channels of batches replaced before they completed
	superseded []chan struct{}
}

func New() *Barrier {
	done := make(chan struct{})
	close(done)
	return &Barrier{done: done}
}

// NewBatch resets the counter to n and arms onComplete, which receives the
// number of the batch it completes. A batch of zero fires
// immediately. A previous unfinished batch is replaced without running its
// callback; its Done channel closes together with the new batch.
// It returns the batch number.
func (b *Barrier) NewBatch(n int, onComplete func(batch uint64)) uint64 {
	b.mu.Lock()
	if b.armed {
		b.superseded = append(b.superseded, b.done)
	}
	b.batch++
	batch := b.batch
	b.remaining = max(n, 0)
	b.armed = true
	b.onComplete = onComplete
	b.arrived = make(map[string]struct{})
	b.done = make(chan struct{})
	fire := b.completeLocked()
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return batch
}

// Arrive decrements the counter. The arrival that reaches zero fires the
// completion; arrivals past zero are no-ops. It reports whether this call
// completed the batch.
func (b *Barrier) Arrive() bool {
	b.mu.Lock()
	if !b.armed {
		b.mu.Unlock()
		return false
	}
	b.remaining--
	fire := b.completeLocked()
	b.mu.Unlock()

	if fire != nil {
		fire()
		return true
	}
	return false
}

// ArriveOnce is Arrive counted at most once per key within the current batch.
// It returns false for a repeated key.
func (b *Barrier) ArriveOnce(key string) bool {
	b.mu.Lock()
	if !b.armed {
		b.mu.Unlock()
		return false
	}
	if _, ok := b.arrived[key]; ok {
		b.mu.Unlock()
		return false
	}
	b.arrived[key] = struct{}{}
	b.remaining--
	fire := b.completeLocked()
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return true
}

// HasArrived reports whether key already arrived in the current batch.
func (b *Barrier) HasArrived(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.arrived[key]
	return ok
}

// completeLocked disarms the barrier when the count reached zero and returns
// the callback to run outside the lock.
func (b *Barrier) completeLocked() func() {
	if !b.armed || b.remaining > 0 {
		return nil
	}
	b.remaining = 0
	b.armed = false
	cb, batch := b.onComplete, b.batch
	b.onComplete = nil
	b.releaseLocked()
	if cb == nil {
		return func() {}
	}
	return func() { cb(batch) }
}

func (b *Barrier) releaseLocked() {
	close(b.done)
	for _, ch := range b.superseded {
		close(ch)
	}
	b.superseded = nil
}

// Abandon disarms the current batch without running its callback and releases
// everyone waiting on Done. It reports whether a batch was pending.
func (b *Barrier) Abandon() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed {
		return false
	}
	b.armed = false
	b.remaining = 0
	b.onComplete = nil
	b.releaseLocked()
	return true
}

func (b *Barrier) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// Armed reports whether a batch is pending completion.
func (b *Barrier) Armed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.armed
}

// Batch returns the number of the current batch, zero before the first.
func (b *Barrier) Batch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batch
}

// Done returns a channel closed when the current batch completes or is
// abandoned.
func (b *Barrier) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}
