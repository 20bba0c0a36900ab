//go:build !windows

package platform

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"
)

// Exit status of a process that is not our child cannot be read on Unix
type unavailableExitWatcher struct{}

func newExitWatcher(pid int32) exitWatcher {
	return unavailableExitWatcher{}
}

func (unavailableExitWatcher) exited() bool           { return false }
func (unavailableExitWatcher) status() (int64, error) { return 0, ErrExitStatusUnavailable }
func (unavailableExitWatcher) close() error           { return nil }

func handleCount(ctx context.Context, p *process.Process) (int32, error) {
	return p.NumFDsWithContext(ctx)
}
