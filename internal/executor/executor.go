// Package executor serializes GATT operations for one adapter. The platform
// silently drops a request issued while another is outstanding, so at most one
// operation is in flight at any time and dispatch order equals submission order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/lowaak/applicator-hub/internal/events"
	"github.com/lowaak/applicator-hub/internal/gatt"
	"github.com/lowaak/applicator-hub/internal/go_func_utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Config struct {
	// Spacing is the minimum delay between two dispatches.
	Spacing time.Duration
	// RetryInterval is the delay before resubmitting a call rejected as busy.
	RetryInterval time.Duration
	// MaxAttempts caps submissions per operation (default for Operation.MaxAttempts).
	MaxAttempts int
	// OperationTimeout releases an operation whose completion never arrives.
	OperationTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Spacing:          350 * time.Millisecond,
		RetryInterval:    200 * time.Millisecond,
		MaxAttempts:      10,
		OperationTimeout: 30 * time.Second,
	}
}

type inFlight struct {
	op           Operation
	seq          uint64
	dispatchedAt time.Time
	released     chan struct{}
}

type Executor struct {
	logger   *logrus.Logger
	platform gatt.Platform
	cfg      Config
	queue    *Queue
	limiter  *rate.Limiter
	failures *events.CallbackEvent[Failure]

	mu      sync.Mutex
	current *inFlight
	seq     uint64
	running bool
	stopped bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(platform gatt.Platform, cfg Config, logger *logrus.Logger) *Executor {
	if logger == nil {
		panic("Executor: logger cannot be nil")
	}
	if platform == nil {
		panic("Executor: platform cannot be nil")
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.RetryInterval < 0 {
		cfg.RetryInterval = 0
	}
	limit := rate.Inf
	if cfg.Spacing > 0 {
		limit = rate.Every(cfg.Spacing)
	}
	return &Executor{
		logger:   logger,
		platform: platform,
		cfg:      cfg,
		queue:    NewQueue(),
		limiter:  rate.NewLimiter(limit, 1),
		failures: events.NewCallbackEvent[Failure](false),
	}
}

// Failures is published whenever an operation is dropped without completing:
// submission cap exhausted, hard submission error or completion timeout.
// Listeners run on executor goroutines and must not block.
func (e *Executor) Failures() *events.CallbackEvent[Failure] {
	return e.failures
}

// Start launches the dispatch loop. It returns immediately; Stop or cancelling
// ctx terminates the loop.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.running = true
	e.mu.Unlock()

	go_func_utils.SafeGo(e.logger, "executor-dispatch", func() {
		e.dispatchLoop(ctx)
	})
}

// Stop terminates the dispatch loop and waits for it and its workers to exit.
// Queued operations are discarded.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	running := e.running
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if !running {
		return
	}
	cancel()
	<-done
	if n := e.queue.Len(); n > 0 {
		e.logger.Warnf("Executor: stopped with %d queued operation(s) discarded", n)
	}
}

// Submit appends op to the queue. Safe from any goroutine, including platform
// callbacks.
func (e *Executor) Submit(op Operation) error {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return fmt.Errorf("submit %s: %w", op, ErrStopped)
	}
	e.queue.Push(op)
	e.logger.WithFields(op.fields()).Debug("Executor: queued")
	return nil
}

// Pending returns the number of queued operations not yet dispatched.
func (e *Executor) Pending() int {
	return e.queue.Len()
}

// InFlight returns the operation currently awaiting completion, if any.
func (e *Executor) InFlight() (Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Operation{}, false
	}
	return e.current.op, true
}

// Complete releases the in-flight operation if it targets address and its kind
// is one of kinds (any kind when none are given). It reports whether an
// operation was released.
func (e *Executor) Complete(address string, kinds ...Kind) bool {
	e.mu.Lock()
	cur := e.current
	if cur == nil || cur.op.Address != address || (len(kinds) > 0 && !slices.Contains(kinds, cur.op.Kind)) {
		e.mu.Unlock()
		e.logger.WithFields(logrus.Fields{"address": address, "kinds": kinds}).Debug("Executor: completion matched no in-flight operation")
		return false
	}
	e.releaseLocked(cur.seq)
	e.mu.Unlock()
	e.logger.WithFields(cur.op.fields()).WithField("elapsed", time.Since(cur.dispatchedAt)).Debug("Executor: completed")
	return true
}

func (e *Executor) releaseLocked(seq uint64) bool {
	if e.current == nil || e.current.seq != seq {
		return false
	}
	close(e.current.released)
	e.current = nil
	return true
}

func (e *Executor) release(seq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked(seq)
}

func (e *Executor) dispatchLoop(ctx context.Context) {
	defer close(e.done)

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	defer func() {
		if err := g.Wait(); err != nil {
			e.logger.WithError(err).Error("Executor: worker failed")
		}
	}()

	for {
		op, err := e.queue.Pop(ctx)
		if err != nil {
			return
		}
		if err := e.awaitRelease(ctx); err != nil {
			return
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}

		e.mu.Lock()
		e.seq++
		cur := &inFlight{op: op, seq: e.seq, dispatchedAt: time.Now(), released: make(chan struct{})}
		e.current = cur
		e.mu.Unlock()

		g.Go(func() error {
			e.submit(ctx, cur)
			return nil
		})
	}
}

// awaitRelease blocks until no operation is in flight. An operation still in
// flight when its timeout elapses is force-released and reported.
func (e *Executor) awaitRelease(ctx context.Context) error {
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()
	if cur == nil {
		return nil
	}

	timer := time.NewTimer(time.Until(cur.dispatchedAt.Add(e.cfg.OperationTimeout)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cur.released:
		return nil
	case <-timer.C:
		if e.release(cur.seq) {
			e.logger.WithFields(cur.op.fields()).Warnf("Executor: no completion after %s, releasing", e.cfg.OperationTimeout)
			e.failures.Notify(Failure{Op: cur.op, Attempts: 1, Err: ErrCompletionTimeout})
		}
		return nil
	}
}

// submit hands the call to the platform, resubmitting while it reports busy.
func (e *Executor) submit(ctx context.Context, cur *inFlight) {
	op := cur.op
	maxAttempts := op.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}
	log := e.logger.WithFields(op.fields())

	for attempt := 1; ; attempt++ {
		err := e.call(op)
		if err == nil {
			log.WithField("attempt", attempt).Debug("Executor: submitted")
			return
		}
		if !errors.Is(err, gatt.ErrBusy) {
			log.WithError(err).Warn("Executor: submission failed")
			e.fail(cur, attempt, err)
			return
		}
		if attempt >= maxAttempts {
			log.WithField("attempts", attempt).Warn("Executor: platform busy, giving up")
			e.fail(cur, attempt, fmt.Errorf("%w: %w", ErrSubmissionRejected, err))
			return
		}
		log.WithField("attempt", attempt).Debug("Executor: platform busy, retrying")

		select {
		case <-ctx.Done():
			e.release(cur.seq)
			return
		case <-time.After(e.cfg.RetryInterval):
		}
	}
}

func (e *Executor) fail(cur *inFlight, attempts int, err error) {
	if !e.release(cur.seq) {
		return
	}
	e.failures.Notify(Failure{Op: cur.op, Attempts: attempts, Err: err})
}

func (e *Executor) call(op Operation) error {
	switch op.Kind {
	case Connect:
		return e.platform.Connect(op.Address)
	case Disconnect:
		return e.platform.Disconnect(op.Address)
	case DiscoverServices:
		return e.platform.DiscoverServices(op.Address)
	case ReadCharacteristic:
		return e.platform.ReadCharacteristic(op.Address, op.Characteristic)
	case WriteCharacteristic:
		return e.platform.WriteCharacteristic(op.Address, op.Characteristic, op.Payload)
	case WriteDescriptor:
		value := op.Payload
		if value == nil {
			value = gatt.EnableNotificationValue
		}
		return e.platform.WriteDescriptor(op.Address, op.Characteristic, value)
	default:
		return fmt.Errorf("unknown operation kind %d", int(op.Kind))
	}
}
