package fleet

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/applicator-hub/internal/executor"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// recordingSubmitter captures queued operations without executing them.
type recordingSubmitter struct {
	mu   sync.Mutex
	ops  []executor.Operation
	fail map[string]error
}

func newRecordingSubmitter() *recordingSubmitter {
	return &recordingSubmitter{fail: map[string]error{}}
}

func (r *recordingSubmitter) Submit(op executor.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[op.Address]; err != nil {
		return err
	}
	r.ops = append(r.ops, op)
	return nil
}

func (r *recordingSubmitter) Ops() []executor.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]executor.Operation(nil), r.ops...)
}

// Summary renders the queued operations as "kind address" strings.
func (r *recordingSubmitter) Summary() []string {
	var out []string
	for _, op := range r.Ops() {
		out = append(out, op.Kind.String()+" "+op.Address)
	}
	return out
}

func (r *recordingSubmitter) Reset() {
	r.mu.Lock()
	r.ops = nil
	r.mu.Unlock()
}

// collect subscribes a buffered channel to a stream-like Listen function.
func collect[T any](listen func(chan<- T) func()) chan T {
	ch := make(chan T, 64)
	listen(ch)
	return ch
}

func drain[T any](ch chan T) []T {
	var out []T
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for event")
	}
	var zero T
	return zero
}
