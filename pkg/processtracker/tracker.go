// Package processtracker resolves the target process and publishes a
// read-only snapshot of it for the other observers.
package processtracker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/errors"
	"github.com/core-tools/hsu-appwatch/pkg/logging"
	"github.com/core-tools/hsu-appwatch/pkg/platform"
	"github.com/core-tools/hsu-appwatch/pkg/records"
)

// Snapshot is an immutable view of the monitored process. Generation
// increases with every process_started, so readers can tell instances apart.
type Snapshot struct {
	Name       string
	Handle     platform.ProcessHandle
	Info       platform.ProcessInfo
	Generation uint64
	ResolvedAt time.Time
}

// Resolved reports whether a process instance is currently tracked
func (s *Snapshot) Resolved() bool {
	return s != nil && s.Handle != nil
}

// Identity returns the record identity; the PID is null when unresolved
func (s *Snapshot) Identity() records.Identity {
	if !s.Resolved() {
		name := ""
		if s != nil {
			name = s.Name
		}
		return records.Identity{ProcessName: name}
	}
	return records.NewIdentity(s.Name, s.Info.PID)
}

// View exposes the current snapshot to readers
type View interface {
	Current() *Snapshot
}

// TerminationNotice is handed over when a tracked instance disappears
type TerminationNotice struct {
	Snapshot   *Snapshot
	DetectedAt time.Time
}

// TerminationHandler receives exactly one notice per lost instance and must not block
type TerminationHandler interface {
	HandleTermination(notice TerminationNotice)
}

type Options struct {
	ProcessName  string
	Inspector    platform.ProcessInspector
	Sink         records.Sink
	OnTerminated TerminationHandler
	Logger       logging.Logger
	Now          func() time.Time
}

// Tracker is the single writer of the snapshot
type Tracker struct {
	opts    Options
	current atomic.Pointer[Snapshot]

	generation     uint64
	waitingLogged  bool
	findErrorCount int
}

func New(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = logging.NewNullLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	t := &Tracker{opts: opts}
	t.current.Store(&Snapshot{Name: opts.ProcessName})
	return t
}

func (t *Tracker) Current() *Snapshot {
	return t.current.Load()
}

// Check runs one tracking cycle. Only the goroutine running the tracker task may call it.
func (t *Tracker) Check(ctx context.Context) {
	snap := t.current.Load()
	if snap.Resolved() {
		t.checkAlive(ctx, snap)
		return
	}
	t.resolve(ctx)
}

func (t *Tracker) checkAlive(ctx context.Context, snap *Snapshot) {
	alive, err := snap.Handle.Alive(ctx)
	if err != nil {
		// Transient; the next cycle decides
		t.opts.Logger.Debugf("Liveness check failed, pid: %d, error: %v", snap.Info.PID, err)
		return
	}
	if alive {
		return
	}

	detectedAt := t.opts.Now()
	t.current.Store(&Snapshot{Name: t.opts.ProcessName, Generation: snap.Generation})
	t.waitingLogged = false

	t.opts.Logger.Infof("Monitored process is gone, name: %s, pid: %d, uptime: %v",
		t.opts.ProcessName, snap.Info.PID, detectedAt.Sub(snap.Info.StartTime).Round(time.Second))

	if t.opts.OnTerminated != nil {
		t.opts.OnTerminated.HandleTermination(TerminationNotice{Snapshot: snap, DetectedAt: detectedAt})
	} else {
		_ = snap.Handle.Close()
	}
}

func (t *Tracker) resolve(ctx context.Context) {
	handle, err := t.opts.Inspector.Find(ctx, t.opts.ProcessName)
	if err != nil {
		if errors.IsNotFoundError(err) {
			t.findErrorCount = 0
			if !t.waitingLogged {
				t.opts.Logger.Infof("Waiting for process, name: %s", t.opts.ProcessName)
				t.waitingLogged = true
			}
			return
		}
		t.findErrorCount++
		if t.findErrorCount == 1 {
			t.opts.Logger.Warnf("Failed to resolve process, name: %s, error: %v", t.opts.ProcessName, err)
		} else {
			t.opts.Logger.Debugf("Failed to resolve process, name: %s, attempts: %d, error: %v",
				t.opts.ProcessName, t.findErrorCount, err)
		}
		return
	}

	t.findErrorCount = 0
	t.waitingLogged = false
	t.generation++

	info := handle.Info()
	now := t.opts.Now()
	snap := &Snapshot{
		Name:       t.opts.ProcessName,
		Handle:     handle,
		Info:       info,
		Generation: t.generation,
		ResolvedAt: now,
	}
	t.current.Store(snap)

	t.opts.Logger.Infof("Monitored process found, name: %s, pid: %d, started: %s",
		t.opts.ProcessName, info.PID, info.StartTime.Format(time.RFC3339))

	if t.opts.Sink != nil {
		t.opts.Sink.Publish(records.NewProcessStarted(now, snap.Identity(), records.ProcessStarted{
			ProcessStartTime: info.StartTime,
			Executable:       info.Executable,
		}))
	}
}

// Close releases the handle of a still tracked instance
func (t *Tracker) Close() error {
	snap := t.current.Swap(&Snapshot{Name: t.opts.ProcessName})
	if snap.Resolved() {
		return snap.Handle.Close()
	}
	return nil
}
