//go:build windows

package platform

import (
	"context"
	"unsafe"

	"github.com/core-tools/hsu-appwatch/pkg/errors"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/windows"
)

const stillActive = 259

var procGetProcessHandleCount = windows.NewLazySystemDLL("kernel32.dll").NewProc("GetProcessHandleCount")

type windowsExitWatcher struct {
	handle windows.Handle
}

// newExitWatcher keeps a process handle open; Windows preserves the exit code for as long as one exists
func newExitWatcher(pid int32) exitWatcher {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION|windows.SYNCHRONIZE, false, uint32(pid))
	if err != nil {
		return unavailableExitWatcher{}
	}
	return &windowsExitWatcher{handle: h}
}

func (w *windowsExitWatcher) exited() bool {
	event, err := windows.WaitForSingleObject(w.handle, 0)
	return err == nil && event == windows.WAIT_OBJECT_0
}

func (w *windowsExitWatcher) status() (int64, error) {
	var code uint32
	if err := windows.GetExitCodeProcess(w.handle, &code); err != nil {
		return 0, errors.NewProcessError("failed to read exit code", err)
	}
	if code == stillActive && !w.exited() {
		return 0, errors.NewProcessError("process is still running", nil)
	}
	return int64(code), nil
}

func (w *windowsExitWatcher) close() error {
	if w.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(w.handle)
	w.handle = 0
	return err
}

type unavailableExitWatcher struct{}

func (unavailableExitWatcher) exited() bool           { return false }
func (unavailableExitWatcher) status() (int64, error) { return 0, ErrExitStatusUnavailable }
func (unavailableExitWatcher) close() error           { return nil }

func handleCount(ctx context.Context, p *process.Process) (int32, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(p.Pid))
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(h)

	var count uint32
	r1, _, callErr := procGetProcessHandleCount.Call(uintptr(h), uintptr(unsafe.Pointer(&count)))
	if r1 == 0 {
		return 0, callErr
	}
	return int32(count), nil
}
