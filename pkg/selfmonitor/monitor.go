// Package selfmonitor bounds the engine's own resource use. Under pressure it
// trims memory and widens the observer intervals instead of stopping them.
package selfmonitor

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/logging"
	"github.com/core-tools/hsu-appwatch/pkg/records"
	"github.com/core-tools/hsu-appwatch/pkg/schedule"
)

const (
	MitigationFreeMemory       = "free_os_memory"
	MitigationWidenIntervals   = "widen_intervals"
	MitigationRestoreIntervals = "restore_intervals"
)

type Options struct {
	MaxMemoryMB             float64
	MaxCPUPercent           float64
	WarningThresholdPercent float64
	// A health record is emitted at least this often, and on every status change
	EmitInterval time.Duration

	Reader   UsageReader
	Pacer    *schedule.Pacer
	Sink     records.Sink
	Identity func() records.Identity
	// Dropped returns the queue overflow counter
	Dropped    func() uint64
	FreeMemory func()
	Logger     logging.Logger
	Now        func() time.Time
}

type Monitor struct {
	opts Options

	mutex      sync.Mutex
	lastStatus records.HealthStatus
	lastEmit   time.Time
	last       Usage
}

func New(opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = logging.NewNullLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FreeMemory == nil {
		opts.FreeMemory = debug.FreeOSMemory
	}
	if opts.Identity == nil {
		opts.Identity = func() records.Identity { return records.Identity{} }
	}
	if opts.Dropped == nil {
		opts.Dropped = func() uint64 { return 0 }
	}
	return &Monitor{opts: opts}
}

// Evaluate classifies usage against the configured limits
func (m *Monitor) Evaluate(u Usage) records.HealthStatus {
	memPct := percentOf(u.MemoryMB, m.opts.MaxMemoryMB)
	cpuPct := percentOf(u.CPUPercent, m.opts.MaxCPUPercent)

	switch {
	case memPct >= 100 || cpuPct >= 100:
		return records.HealthCritical
	case memPct >= m.opts.WarningThresholdPercent || cpuPct >= m.opts.WarningThresholdPercent:
		return records.HealthWarning
	default:
		return records.HealthOK
	}
}

func percentOf(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return value / limit * 100
}

// Check samples usage once, mitigates if needed and emits a health record
// when the status changed or the emit interval elapsed
func (m *Monitor) Check(ctx context.Context) {
	usage, err := m.opts.Reader.Usage(ctx)
	if err != nil {
		m.opts.Logger.Debugf("Failed to read own usage, error: %v", err)
		return
	}

	status := m.Evaluate(usage)
	mitigation := m.mitigate(status)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.last = usage

	now := m.opts.Now()
	changed := status != m.lastStatus
	due := m.lastEmit.IsZero() || now.Sub(m.lastEmit) >= m.opts.EmitInterval
	if !changed && !due && mitigation == "" {
		return
	}

	if changed && status != records.HealthOK {
		m.opts.Logger.Warnf("Monitor resource usage %s, memory_mb: %.1f, cpu_percent: %.1f, mitigation: %s",
			status, usage.MemoryMB, usage.CPUPercent, mitigation)
	} else if changed && m.lastStatus != "" {
		m.opts.Logger.Infof("Monitor resource usage back to normal, memory_mb: %.1f, cpu_percent: %.1f",
			usage.MemoryMB, usage.CPUPercent)
	}

	m.lastStatus = status
	m.lastEmit = now
	m.opts.Sink.Publish(m.record(now, status, usage, mitigation))
}

func (m *Monitor) mitigate(status records.HealthStatus) string {
	switch status {
	case records.HealthCritical:
		m.opts.FreeMemory()
		actions := []string{MitigationFreeMemory}
		if m.opts.Pacer != nil {
			before := m.opts.Pacer.Multiplier()
			if m.opts.Pacer.Widen() != before {
				actions = append(actions, MitigationWidenIntervals)
			}
		}
		return strings.Join(actions, ",")
	case records.HealthOK:
		if m.opts.Pacer != nil && m.opts.Pacer.Reset() {
			return MitigationRestoreIntervals
		}
	}
	return ""
}

func (m *Monitor) record(now time.Time, status records.HealthStatus, usage Usage, mitigation string) records.Record {
	return records.NewHealth(now, m.opts.Identity(), records.Health{
		Status:             status,
		MemoryMB:           usage.MemoryMB,
		CPUPercent:         usage.CPUPercent,
		MaxMemoryMB:        m.opts.MaxMemoryMB,
		MaxCPUPercent:      m.opts.MaxCPUPercent,
		Goroutines:         usage.Goroutines,
		DroppedRecords:     m.opts.Dropped(),
		Mitigation:         mitigation,
		IntervalMultiplier: m.opts.Pacer.Multiplier(),
	})
}

// Final emits the stopping record carrying the last usage and the dropped counter
func (m *Monitor) Final(ctx context.Context) {
	usage, err := m.opts.Reader.Usage(ctx)
	m.mutex.Lock()
	if err != nil {
		usage = m.last
	}
	m.mutex.Unlock()
	m.opts.Sink.Publish(m.record(m.opts.Now(), records.HealthStopping, usage, ""))
}

// Status returns the last evaluated status
func (m *Monitor) Status() records.HealthStatus {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastStatus
}
