package executor

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of operations. Push never blocks and is safe from
// any goroutine; Pop blocks until an operation is available.
type Queue struct {
	mu     sync.Mutex
	items  []Operation
	signal chan struct{}
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) Push(op Operation) {
	q.mu.Lock()
	q.items = append(q.items, op)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest operation, waiting for one if the queue
// is empty.
func (q *Queue) Pop(ctx context.Context) (Operation, error) {
	for {
		if op, ok := q.TryPop(); ok {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return Operation{}, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *Queue) TryPop() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Operation{}, false
	}
	op := q.items[0]
	q.items[0] = Operation{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// drop the backing array once drained so it does not grow forever
		q.items = nil
	}
	return op, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
