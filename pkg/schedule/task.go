// Package schedule runs the independent polling loops of the observers.
package schedule

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/logging"
)

// Task is a periodic job. A panic inside Run is recovered and logged; the loop keeps going.
type Task struct {
	Name     string
	Interval time.Duration
	// Run once before the first wait
	Immediate bool
	Pacer     *Pacer
	// Optional early wakeup, e.g. a file change notification
	Wake   <-chan struct{}
	Logger logging.Logger
	Run    func(ctx context.Context)

	panics atomic.Int64
}

// Panics returns how many iterations panicked
func (t *Task) Panics() int64 {
	return t.panics.Load()
}

// Loop runs the task until ctx is cancelled. The current iteration always finishes.
func (t *Task) Loop(ctx context.Context) error {
	logger := t.Logger
	if logger == nil {
		logger = logging.NewNullLogger()
	}

	logger.Debugf("Task started, name: %s, interval: %v", t.Name, t.Interval)
	defer logger.Debugf("Task stopped, name: %s", t.Name)

	if t.Immediate {
		t.iterate(ctx, logger)
	}

	timer := time.NewTimer(t.Pacer.Scale(t.Interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Wake:
			timer.Stop()
		case <-timer.C:
		}

		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		t.iterate(ctx, logger)

		// Fixed rate: the next wait excludes the time spent in this iteration
		next := t.Pacer.Scale(t.Interval) - time.Since(started)
		if next < 0 {
			next = 0
		}
		timer.Reset(next)
	}
}

func (t *Task) iterate(ctx context.Context, logger logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			t.panics.Add(1)
			logger.Errorf("Task iteration panicked, name: %s, panic: %v\n%s", t.Name, r, debug.Stack())
		}
	}()
	t.Run(ctx)
}
