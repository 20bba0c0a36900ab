//go:build windows

package platform

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	wmNull          = 0x0000
	smtoAbortIfHung = 0x0002
	gwOwner         = 4
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procGetWindow           = user32.NewProc("GetWindow")
	procGetWindowTextW      = user32.NewProc("GetWindowTextW")
	procSendMessageTimeoutW = user32.NewProc("SendMessageTimeoutW")

	// One callback for the process lifetime; callbacks created by NewCallback are never released
	enumMutex    sync.Mutex
	enumPID      uint32
	enumFound    []windows.HWND
	enumCallback = windows.NewCallback(func(hwnd windows.HWND, _ uintptr) uintptr {
		var pid uint32
		if _, err := windows.GetWindowThreadProcessId(hwnd, &pid); err != nil || pid != enumPID {
			return 1
		}
		if !windows.IsWindowVisible(hwnd) {
			return 1
		}
		if owner, _, _ := procGetWindow.Call(uintptr(hwnd), gwOwner); owner != 0 {
			return 1
		}
		enumFound = append(enumFound, hwnd)
		return 1
	})
)

type windowProber struct{}

// NewWindowProber returns the Win32 prober (EnumWindows plus SendMessageTimeout WM_NULL)
func NewWindowProber() WindowProber {
	return &windowProber{}
}

func windowTitle(hwnd windows.HWND) string {
	buf := make([]uint16, 512)
	n, _, _ := procGetWindowTextW.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if n == 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:n])
}

func mainWindow(pid int32) (windows.HWND, string, bool) {
	enumMutex.Lock()
	defer enumMutex.Unlock()

	enumPID = uint32(pid)
	enumFound = enumFound[:0]
	_ = windows.EnumWindows(enumCallback, unsafe.Pointer(nil))

	// Prefer a titled window, the first visible unowned one otherwise
	for _, hwnd := range enumFound {
		if title := windowTitle(hwnd); title != "" {
			return hwnd, title, true
		}
	}
	if len(enumFound) > 0 {
		return enumFound[0], "", true
	}
	return 0, "", false
}

func (p *windowProber) Probe(ctx context.Context, pid int32, timeout time.Duration) (ProbeResult, error) {
	hwnd, title, ok := mainWindow(pid)
	if !ok {
		return ProbeResult{}, ErrNoWindow
	}

	type outcome struct {
		responsive bool
		elapsed    time.Duration
	}
	done := make(chan outcome, 1)
	started := time.Now()

	go func() {
		var result uintptr
		r1, _, _ := procSendMessageTimeoutW.Call(
			uintptr(hwnd), wmNull, 0, 0,
			smtoAbortIfHung, uintptr(timeout.Milliseconds()),
			uintptr(unsafe.Pointer(&result)),
		)
		done <- outcome{responsive: r1 != 0, elapsed: time.Since(started)}
	}()

	grace := time.NewTimer(timeout + time.Second)
	defer grace.Stop()

	select {
	case o := <-done:
		return ProbeResult{WindowTitle: title, Duration: o.elapsed, Responsive: o.responsive}, nil
	case <-grace.C:
		return ProbeResult{WindowTitle: title, Duration: time.Since(started)}, nil
	case <-ctx.Done():
		return ProbeResult{}, ctx.Err()
	}
}
