// Package hangdetector probes the target's main window and reports sustained unresponsiveness.
package hangdetector

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/logging"
	"github.com/core-tools/hsu-appwatch/pkg/platform"
	"github.com/core-tools/hsu-appwatch/pkg/processtracker"
	"github.com/core-tools/hsu-appwatch/pkg/records"
)

type Options struct {
	View         processtracker.View
	Prober       platform.WindowProber
	Sink         records.Sink
	Logger       logging.Logger
	ProbeTimeout time.Duration
	// Consecutive failed probes that make a hang
	RetryCount int
	Now        func() time.Time
}

// Detector is driven by a single task goroutine
type Detector struct {
	opts    Options
	machine *HangStateMachine

	generation       uint64
	failures         int
	firstFailureAt   time.Time
	hungAt           time.Time
	noWindowReported bool
	lastTitle        string
}

func New(opts Options) *Detector {
	if opts.Logger == nil {
		opts.Logger = logging.NewNullLogger()
	}
	if opts.RetryCount < 1 {
		opts.RetryCount = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Detector{
		opts:    opts,
		machine: NewHangStateMachine(opts.Logger),
	}
}

func (d *Detector) State() HangState {
	return d.machine.State()
}

func (d *Detector) History() []HangStateTransition {
	return d.machine.History()
}

// Check performs one probe and advances the state machine
func (d *Detector) Check(ctx context.Context) {
	snap := d.opts.View.Current()
	if !snap.Resolved() {
		// The exit record takes precedence over an open hang
		d.reset("process not resolved")
		return
	}
	if snap.Generation != d.generation {
		d.reset("new process instance")
		d.generation = snap.Generation
		d.noWindowReported = false
	}

	result, err := d.opts.Prober.Probe(ctx, snap.Info.PID, d.opts.ProbeTimeout)
	if err != nil {
		switch {
		case stderrors.Is(err, platform.ErrNoWindow):
			if !d.noWindowReported {
				d.opts.Logger.Infof("No main window to probe, pid: %d; hang detection idle", snap.Info.PID)
				d.noWindowReported = true
			}
		case ctx.Err() != nil:
		default:
			// Not a verdict on the window: the failure count is neither advanced nor cleared
			d.opts.Logger.Debugf("Window probe error, pid: %d, error: %v", snap.Info.PID, err)
		}
		return
	}

	if d.noWindowReported {
		d.opts.Logger.Infof("Main window found, pid: %d, title: %q", snap.Info.PID, result.WindowTitle)
		d.noWindowReported = false
	}
	if result.WindowTitle != "" {
		d.lastTitle = result.WindowTitle
	}

	if result.Responsive {
		d.onResponsive(snap, result)
	} else {
		d.onUnresponsive(ctx, snap, result)
	}
}

func (d *Detector) onResponsive(snap *processtracker.Snapshot, result platform.ProbeResult) {
	now := d.opts.Now()
	failures := d.failures
	d.failures = 0

	switch d.machine.State() {
	case HangStateSuspected:
		_ = d.machine.Transition(HangStateResponsive, "probe succeeded", now)
	case HangStateHung:
		_ = d.machine.Transition(HangStateRecovered, "probe succeeded", now)
		duration := now.Sub(d.hungAt)
		if !d.firstFailureAt.IsZero() {
			duration = now.Sub(d.firstFailureAt)
		}
		d.opts.Logger.Infof("Window responsive again, pid: %d, hang duration: %v", snap.Info.PID, duration.Round(time.Millisecond))
		d.opts.Sink.Publish(records.NewHang(now, snap.Identity(), records.Hang{
			WindowTitle:         d.title(result),
			ProbeDurationMs:     result.Duration.Milliseconds(),
			Recovered:           true,
			ConsecutiveFailures: failures,
			HangDurationSeconds: duration.Seconds(),
		}))
		_ = d.machine.Transition(HangStateResponsive, "recovery reported", now)
	}
	d.firstFailureAt = time.Time{}
}

func (d *Detector) onUnresponsive(ctx context.Context, snap *processtracker.Snapshot, result platform.ProbeResult) {
	now := d.opts.Now()
	d.failures++

	switch d.machine.State() {
	case HangStateResponsive, HangStateRecovered:
		d.firstFailureAt = now.Add(-result.Duration)
		_ = d.machine.Transition(HangStateSuspected, "probe timed out", now)
		d.opts.Logger.Debugf("Window probe timed out, pid: %d, failures: %d/%d", snap.Info.PID, d.failures, d.opts.RetryCount)
	case HangStateHung:
		// Already reported
		return
	}

	if d.failures < d.opts.RetryCount {
		return
	}

	// A hang observed while the process is dying is superseded by the exit record
	if alive, err := snap.Handle.Alive(ctx); err == nil && !alive {
		d.reset("process exited while unresponsive")
		return
	}

	_ = d.machine.Transition(HangStateHung, "retry count reached", now)
	d.hungAt = now
	d.opts.Logger.Warnf("Window is not responding, pid: %d, consecutive failures: %d", snap.Info.PID, d.failures)
	d.opts.Sink.Publish(records.NewHang(now, snap.Identity(), records.Hang{
		WindowTitle:         d.title(result),
		ProbeDurationMs:     result.Duration.Milliseconds(),
		Recovered:           false,
		ConsecutiveFailures: d.failures,
		HangDurationSeconds: now.Sub(d.firstFailureAt).Seconds(),
	}))
}

func (d *Detector) title(result platform.ProbeResult) string {
	if result.WindowTitle != "" {
		return result.WindowTitle
	}
	return d.lastTitle
}

func (d *Detector) reset(reason string) {
	d.machine.Reset(reason, d.opts.Now())
	d.failures = 0
	d.firstFailureAt = time.Time{}
	d.hungAt = time.Time{}
}
