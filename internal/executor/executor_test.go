package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lowaak/applicator-hub/internal/gatt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fastConfig() Config {
	return Config{
		Spacing:          time.Millisecond,
		RetryInterval:    time.Millisecond,
		MaxAttempts:      3,
		OperationTimeout: time.Second,
	}
}

// fakePlatform records submissions and optionally completes them itself.
type fakePlatform struct {
	mu       sync.Mutex
	calls    []string
	busy     map[string]int
	errs     map[string]error
	onSubmit func(kind Kind, address string)
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{busy: map[string]int{}, errs: map[string]error{}}
}

func (p *fakePlatform) record(kind Kind, address string) error {
	p.mu.Lock()
	key := kind.String() + " " + address
	p.calls = append(p.calls, key)
	if p.busy[key] > 0 {
		p.busy[key]--
		p.mu.Unlock()
		return gatt.ErrBusy
	}
	err := p.errs[key]
	onSubmit := p.onSubmit
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if onSubmit != nil {
		onSubmit(kind, address)
	}
	return nil
}

func (p *fakePlatform) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePlatform) SetCallbacks(gatt.Callbacks) {}

func (p *fakePlatform) Connect(a string) error          { return p.record(Connect, a) }
func (p *fakePlatform) Disconnect(a string) error       { return p.record(Disconnect, a) }
func (p *fakePlatform) DiscoverServices(a string) error { return p.record(DiscoverServices, a) }
func (p *fakePlatform) ReadCharacteristic(a, _ string) error {
	return p.record(ReadCharacteristic, a)
}
func (p *fakePlatform) WriteCharacteristic(a, _ string, _ []byte) error {
	return p.record(WriteCharacteristic, a)
}
func (p *fakePlatform) WriteDescriptor(a, _ string, _ []byte) error {
	return p.record(WriteDescriptor, a)
}

func startExecutor(t *testing.T, p gatt.Platform, cfg Config) *Executor {
	t.Helper()
	e := New(p, cfg, testLogger())
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func TestExecutor_DispatchOrderMatchesSubmissionOrder(t *testing.T) {
	p := newFakePlatform()
	var e *Executor
	var inFlight, maxInFlight atomic.Int32
	p.onSubmit = func(kind Kind, address string) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		go func() {
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			e.Complete(address, kind)
		}()
	}
	e = startExecutor(t, p, fastConfig())

	var want []string
	for i := 0; i < 20; i++ {
		addr := fmt.Sprintf("AA:%02d", i)
		require.NoError(t, e.Submit(Operation{Address: addr, Kind: ReadCharacteristic}))
		want = append(want, "read_characteristic "+addr)
	}

	require.Eventually(t, func() bool { return len(p.Calls()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, p.Calls())
	assert.Equal(t, int32(1), maxInFlight.Load(), "never two operations in flight")
}

func TestExecutor_WaitsForCompletionBeforeNextDispatch(t *testing.T) {
	p := newFakePlatform()
	e := startExecutor(t, p, fastConfig())

	require.NoError(t, e.Submit(Operation{Address: "A", Kind: Connect}))
	require.NoError(t, e.Submit(Operation{Address: "B", Kind: Connect}))

	require.Eventually(t, func() bool { return len(p.Calls()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, p.Calls(), 1, "second operation must wait for the first completion")

	op, ok := e.InFlight()
	require.True(t, ok)
	assert.Equal(t, "A", op.Address)

	assert.False(t, e.Complete("B"), "completion for another device is ignored")
	assert.False(t, e.Complete("A", Disconnect), "completion of another kind is ignored")
	assert.True(t, e.Complete("A", Connect))

	require.Eventually(t, func() bool { return len(p.Calls()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"connect A", "connect B"}, p.Calls())
}

func TestExecutor_RetriesBusySubmission(t *testing.T) {
	p := newFakePlatform()
	p.busy["write_descriptor A"] = 2
	e := startExecutor(t, p, fastConfig())

	var failures atomic.Int32
	e.Failures().Listen(func(Failure) { failures.Add(1) })

	require.NoError(t, e.Submit(Operation{Address: "A", Kind: WriteDescriptor}))

	require.Eventually(t, func() bool { return len(p.Calls()) == 3 }, time.Second, time.Millisecond)
	_, ok := e.InFlight()
	assert.True(t, ok, "third attempt was accepted and awaits completion")
	assert.Zero(t, failures.Load())
}

func TestExecutor_BusyCapReportsFailureAndMovesOn(t *testing.T) {
	p := newFakePlatform()
	p.busy["connect A"] = 100
	e := startExecutor(t, p, fastConfig())

	failed := make(chan Failure, 1)
	e.Failures().Listen(func(f Failure) { failed <- f })

	require.NoError(t, e.Submit(Operation{Address: "A", Kind: Connect}))
	require.NoError(t, e.Submit(Operation{Address: "B", Kind: Connect}))

	select {
	case f := <-failed:
		assert.Equal(t, "A", f.Op.Address)
		assert.Equal(t, 3, f.Attempts)
		assert.ErrorIs(t, f, ErrSubmissionRejected)
		assert.ErrorIs(t, f, gatt.ErrBusy)
	case <-time.After(time.Second):
		t.Fatal("expected a failure event")
	}

	require.Eventually(t, func() bool {
		calls := p.Calls()
		return len(calls) == 4 && calls[3] == "connect B"
	}, time.Second, time.Millisecond)
}

func TestExecutor_PerOperationAttemptCap(t *testing.T) {
	p := newFakePlatform()
	p.busy["read_characteristic A"] = 100
	e := startExecutor(t, p, fastConfig())

	failed := make(chan Failure, 1)
	e.Failures().Listen(func(f Failure) { failed <- f })

	require.NoError(t, e.Submit(Operation{Address: "A", Kind: ReadCharacteristic, MaxAttempts: 1}))

	select {
	case f := <-failed:
		assert.Equal(t, 1, f.Attempts)
	case <-time.After(time.Second):
		t.Fatal("expected a failure event")
	}
	assert.Len(t, p.Calls(), 1)
}

func TestExecutor_HardSubmissionErrorIsNotRetried(t *testing.T) {
	p := newFakePlatform()
	p.errs["connect A"] = gatt.ErrUnknownDevice
	e := startExecutor(t, p, fastConfig())

	failed := make(chan Failure, 1)
	e.Failures().Listen(func(f Failure) { failed <- f })

	require.NoError(t, e.Submit(Operation{Address: "A", Kind: Connect}))

	select {
	case f := <-failed:
		assert.True(t, errors.Is(f, gatt.ErrUnknownDevice))
		assert.Equal(t, 1, f.Attempts)
	case <-time.After(time.Second):
		t.Fatal("expected a failure event")
	}
	_, ok := e.InFlight()
	assert.False(t, ok)
}

func TestExecutor_CompletionTimeoutReleases(t *testing.T) {
	p := newFakePlatform()
	cfg := fastConfig()
	cfg.OperationTimeout = 30 * time.Millisecond
	e := startExecutor(t, p, cfg)

	failed := make(chan Failure, 1)
	e.Failures().Listen(func(f Failure) { failed <- f })

	require.NoError(t, e.Submit(Operation{Address: "A", Kind: DiscoverServices}))
	require.NoError(t, e.Submit(Operation{Address: "B", Kind: DiscoverServices}))

	select {
	case f := <-failed:
		assert.Equal(t, "A", f.Op.Address)
		assert.ErrorIs(t, f, ErrCompletionTimeout)
	case <-time.After(time.Second):
		t.Fatal("expected a completion timeout")
	}
	require.Eventually(t, func() bool { return len(p.Calls()) == 2 }, time.Second, time.Millisecond)
}

func TestExecutor_LateCompletionIsIgnored(t *testing.T) {
	p := newFakePlatform()
	e := startExecutor(t, p, fastConfig())

	assert.False(t, e.Complete("A"))
	require.NoError(t, e.Submit(Operation{Address: "A", Kind: Connect}))
	require.Eventually(t, func() bool { _, ok := e.InFlight(); return ok }, time.Second, time.Millisecond)
	assert.True(t, e.Complete("A"))
	assert.False(t, e.Complete("A"), "second completion for the same operation")
}

func TestExecutor_MinimumSpacing(t *testing.T) {
	p := newFakePlatform()
	var e *Executor
	var mu sync.Mutex
	var stamps []time.Time
	p.onSubmit = func(kind Kind, address string) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		go e.Complete(address)
	}
	cfg := fastConfig()
	cfg.Spacing = 20 * time.Millisecond
	e = startExecutor(t, p, cfg)

	for i := 0; i < 4; i++ {
		require.NoError(t, e.Submit(Operation{Address: "A", Kind: ReadCharacteristic}))
	}
	require.Eventually(t, func() bool { return len(p.Calls()) == 4 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(stamps); i++ {
		// allow a little slack for timer granularity
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 15*time.Millisecond)
	}
}

func TestExecutor_SubmitAfterStop(t *testing.T) {
	e := New(newFakePlatform(), fastConfig(), testLogger())
	e.Start(context.Background())
	e.Stop()
	e.Stop()

	err := e.Submit(Operation{Address: "A", Kind: Connect})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestExecutor_NilLoggerPanics(t *testing.T) {
	assert.Panics(t, func() { New(newFakePlatform(), fastConfig(), nil) })
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Push(Operation{Label: fmt.Sprint(i)})
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		op, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), op.Label)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	got := make(chan Operation, 1)
	go func() {
		op, err := q.Pop(context.Background())
		if err == nil {
			got <- op
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(Operation{Address: "X"})

	select {
	case op := <-got:
		assert.Equal(t, "X", op.Address)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestQueue_PopHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
