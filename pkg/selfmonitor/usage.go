package selfmonitor

import (
	"context"
	"os"
	"runtime"
	"sync"

	"github.com/core-tools/hsu-appwatch/pkg/errors"

	"github.com/shirou/gopsutil/v3/process"
)

const bytesPerMB = 1024 * 1024

// Usage is one reading of the engine's own consumption
type Usage struct {
	MemoryMB   float64
	CPUPercent float64
	Goroutines int
}

type UsageReader interface {
	Usage(ctx context.Context) (Usage, error)
}

type processUsageReader struct {
	mutex sync.Mutex
	proc  *process.Process
}

// NewProcessUsageReader reads the current process through gopsutil
func NewProcessUsageReader() (UsageReader, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.NewProcessError("failed to open own process", err)
	}
	// Prime the CPU counter so the first reading covers a real interval
	_, _ = proc.Percent(0)
	return &processUsageReader{proc: proc}, nil
}

func (r *processUsageReader) Usage(ctx context.Context) (Usage, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	mem, err := r.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, errors.NewProcessError("failed to read own memory usage", err)
	}
	cpu, err := r.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return Usage{}, errors.NewProcessError("failed to read own cpu usage", err)
	}
	return Usage{
		MemoryMB:   float64(mem.RSS) / bytesPerMB,
		CPUPercent: cpu,
		Goroutines: runtime.NumGoroutine(),
	}, nil
}
