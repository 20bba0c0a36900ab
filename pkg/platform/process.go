package platform

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/errors"
	"github.com/core-tools/hsu-appwatch/pkg/records"

	"github.com/shirou/gopsutil/v3/process"
)

const bytesPerMB = 1024 * 1024

type processInspector struct{}

// NewProcessInspector returns the gopsutil backed inspector
func NewProcessInspector() ProcessInspector {
	return &processInspector{}
}

// MatchName compares a process name with the configured target, ignoring case
// and an optional .exe suffix on either side
func MatchName(actual, target string) bool {
	normalize := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(filepath.Base(s)))
		return strings.TrimSuffix(s, ".exe")
	}
	return actual != "" && normalize(actual) == normalize(target)
}

func (i *processInspector) Find(ctx context.Context, name string) (ProcessHandle, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.NewProcessError("failed to enumerate processes", err)
	}

	var best *process.Process
	var bestCreated int64
	for _, p := range procs {
		procName, err := p.NameWithContext(ctx)
		if err != nil || !MatchName(procName, name) {
			continue
		}
		created, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}
		// Oldest instance wins so a short-lived helper never displaces the main process
		if best == nil || created < bestCreated {
			best, bestCreated = p, created
		}
	}

	if best == nil {
		return nil, errors.NewNotFoundError("process not found", nil).WithContext("process_name", name)
	}
	return newProcessHandle(ctx, best, bestCreated)
}

type processHandle struct {
	proc *process.Process
	info ProcessInfo
	exit exitWatcher

	// Percent keeps state inside proc
	mutex sync.Mutex
}

func newProcessHandle(ctx context.Context, p *process.Process, createdMs int64) (*processHandle, error) {
	name, _ := p.NameWithContext(ctx)
	exe, _ := p.ExeWithContext(ctx)

	h := &processHandle{
		proc: p,
		info: ProcessInfo{
			PID:        p.Pid,
			Name:       name,
			Executable: exe,
			StartTime:  time.UnixMilli(createdMs),
		},
		exit: newExitWatcher(p.Pid),
	}

	// Prime the CPU counter so the first sample reflects a real interval
	_, _ = p.PercentWithContext(ctx, 0)
	return h, nil
}

func (h *processHandle) Info() ProcessInfo {
	return h.info
}

func (h *processHandle) Alive(ctx context.Context) (bool, error) {
	if h.exit.exited() {
		return false, nil
	}
	running, err := h.proc.IsRunningWithContext(ctx)
	if err != nil {
		return false, errors.NewProcessError("failed to check process liveness", err).WithContext("pid", h.info.PID)
	}
	return running, nil
}

func (h *processHandle) Sample(ctx context.Context) (records.MetricSample, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	sample := records.MetricSample{Timestamp: time.Now()}

	mem, err := h.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return sample, errors.NewProcessError("failed to read memory counters", err).WithContext("pid", h.info.PID)
	}
	sample.MemoryRSSMB = float64(mem.RSS) / bytesPerMB
	sample.MemoryVMSMB = float64(mem.VMS) / bytesPerMB

	cpu, err := h.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return sample, errors.NewProcessError("failed to read cpu counters", err).WithContext("pid", h.info.PID)
	}
	sample.CPUPercent = cpu

	// Secondary counters degrade to zero rather than failing the sample
	if pct, err := h.proc.MemoryPercentWithContext(ctx); err == nil {
		sample.MemoryPercent = float64(pct)
	}
	if threads, err := h.proc.NumThreadsWithContext(ctx); err == nil {
		sample.ThreadCount = threads
	}
	if handles, err := handleCount(ctx, h.proc); err == nil {
		sample.HandleCount = handles
	}
	return sample, nil
}

func (h *processHandle) ExitStatus(ctx context.Context) (ExitStatus, error) {
	code, err := h.exit.status()
	if err != nil {
		return ExitStatus{}, err
	}
	return ExitStatus{Code: code}, nil
}

func (h *processHandle) Close() error {
	return h.exit.close()
}

func (h *processHandle) String() string {
	return fmt.Sprintf("%s(pid=%d)", h.info.Name, h.info.PID)
}

// exitWatcher retains whatever the platform needs to read an exit code after the process is gone
type exitWatcher interface {
	exited() bool
	status() (int64, error)
	close() error
}
