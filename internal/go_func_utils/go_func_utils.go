package go_func_utils

import (
	"context"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

// SafeGo runs fn on a new goroutine labelled with name for profiles.
// A panic is logged with its stack before being re-raised, so it is not lost
// when stderr is redirected.
func SafeGo(logger *logrus.Logger, name string, fn func()) {
	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(context.Background(), labels, func(context.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("goroutine", name).Errorf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	})
}
