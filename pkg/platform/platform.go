// Package platform wraps the operating system behind small capability
// interfaces so the observers can be driven by test doubles.
package platform

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/records"
)

var (
	// ErrNoWindow means the process has no probeable top-level window
	ErrNoWindow = stderrors.New("no main window")
	// ErrExitStatusUnavailable means the exit code of a non-child process cannot be read on this platform
	ErrExitStatusUnavailable = stderrors.New("exit status unavailable")
)

// ProcessInfo is the immutable identity of one process instance
type ProcessInfo struct {
	PID        int32
	Name       string
	Executable string
	StartTime  time.Time
}

// ExitStatus of a terminated process
type ExitStatus struct {
	Code int64
}

// ProcessHandle refers to one process instance. A reused PID with a different
// start time is a different instance and reports not alive.
type ProcessHandle interface {
	Info() ProcessInfo
	Alive(ctx context.Context) (bool, error)
	Sample(ctx context.Context) (records.MetricSample, error)
	// ExitStatus is meaningful only after Alive returned false
	ExitStatus(ctx context.Context) (ExitStatus, error)
	Close() error
}

// ProcessInspector resolves the target by executable name.
// A missing process is reported as a NotFound domain error.
type ProcessInspector interface {
	Find(ctx context.Context, name string) (ProcessHandle, error)
}

// ProbeResult is the outcome of one UI responsiveness probe
type ProbeResult struct {
	WindowTitle string
	Duration    time.Duration
	Responsive  bool
}

// WindowProber sends a bounded-timeout liveness message to the main window of pid.
// It returns ErrNoWindow when nothing can be probed.
type WindowProber interface {
	Probe(ctx context.Context, pid int32, timeout time.Duration) (ProbeResult, error)
}

// Normalized log levels
const (
	LevelCritical = "critical"
	LevelError    = "error"
	LevelWarning  = "warning"
	LevelInfo     = "info"
)

// LogEntry is one entry read from a system log
type LogEntry struct {
	Source      string
	Provider    string
	EventID     uint32
	RecordID    string
	Level       string
	Message     string
	Time        time.Time
	PID         int32
	ProcessName string
}

// SystemLogSource reads a platform error log incrementally.
// Read with an empty cursor establishes a cursor at the current end and returns no entries.
type SystemLogSource interface {
	Name() string
	Read(ctx context.Context, cursor string) ([]LogEntry, string, error)
	// Notify signals new data; nil when the source only supports polling
	Notify() <-chan struct{}
	Close() error
}
