//go:build !windows

package platform

import (
	"context"
	"time"
)

type windowProber struct{}

// NewWindowProber returns a prober that never finds a window; UI
// responsiveness probing is only implemented for Win32
func NewWindowProber() WindowProber {
	return &windowProber{}
}

func (p *windowProber) Probe(ctx context.Context, pid int32, timeout time.Duration) (ProbeResult, error) {
	return ProbeResult{}, ErrNoWindow
}
