package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacer_WidenAndReset(t *testing.T) {
	p := NewPacer()
	assert.Equal(t, 1.0, p.Multiplier())
	assert.False(t, p.Reset())

	assert.Equal(t, 2.0, p.Widen())
	assert.Equal(t, 4.0, p.Widen())
	assert.Equal(t, 4.0, p.Widen(), "multiplier is capped")
	assert.Equal(t, 40*time.Second, p.Scale(10*time.Second))

	assert.True(t, p.Reset())
	assert.Equal(t, 10*time.Second, p.Scale(10*time.Second))
}

func TestPacer_NilIsIdentity(t *testing.T) {
	var p *Pacer
	assert.Equal(t, time.Second, p.Scale(time.Second))
}

func TestTask_RunsUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	task := &Task{
		Name:      "counter",
		Interval:  10 * time.Millisecond,
		Immediate: true,
		Run:       func(ctx context.Context) { runs.Add(1) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Loop(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestTask_RecoversPanics(t *testing.T) {
	var runs atomic.Int32
	task := &Task{
		Name:     "panicky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) {
			if runs.Add(1) == 1 {
				panic("boom")
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = task.Loop(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), task.Panics())
}

func TestTask_WakeTriggersEarlyIteration(t *testing.T) {
	var runs atomic.Int32
	wake := make(chan struct{}, 1)
	task := &Task{
		Name:     "woken",
		Interval: time.Hour,
		Wake:     wake,
		Run:      func(ctx context.Context) { runs.Add(1) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = task.Loop(ctx) }()

	wake <- struct{}{}
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTask_FixedRateExcludesRunTime(t *testing.T) {
	const interval = 60 * time.Millisecond
	starts := make(chan time.Time, 16)
	task := &Task{
		Name:     "busy",
		Interval: interval,
		Run: func(ctx context.Context) {
			starts <- time.Now()
			time.Sleep(30 * time.Millisecond)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = task.Loop(ctx) }()

	var seen []time.Time
	for len(seen) < 5 {
		select {
		case ts := <-starts:
			seen = append(seen, ts)
		case <-time.After(2 * time.Second):
			t.Fatal("task stopped iterating")
		}
	}

	// A fixed delay would put iterations 90ms apart
	avg := seen[len(seen)-1].Sub(seen[0]) / time.Duration(len(seen)-1)
	assert.GreaterOrEqual(t, avg, 50*time.Millisecond)
	assert.Less(t, avg, 80*time.Millisecond)
}
