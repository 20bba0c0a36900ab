package selfmonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/records"
	"github.com/core-tools/hsu-appwatch/pkg/schedule"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedReader struct {
	mutex sync.Mutex
	usage Usage
}

func (r *scriptedReader) set(u Usage) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.usage = u
}

func (r *scriptedReader) Usage(ctx context.Context) (Usage, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.usage, nil
}

type collector struct {
	records []records.Record
}

func (c *collector) Publish(r records.Record) {
	c.records = append(c.records, r)
}

type testMonitor struct {
	monitor *Monitor
	reader  *scriptedReader
	sink    *collector
	pacer   *schedule.Pacer
	now     time.Time
	frees   int
}

func createTestMonitor() *testMonitor {
	tm := &testMonitor{
		reader: &scriptedReader{},
		sink:   &collector{},
		pacer:  schedule.NewPacer(),
		now:    time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	tm.monitor = New(Options{
		MaxMemoryMB:             50,
		MaxCPUPercent:           5,
		WarningThresholdPercent: 80,
		EmitInterval:            5 * time.Minute,
		Reader:                  tm.reader,
		Pacer:                   tm.pacer,
		Sink:                    tm.sink,
		Dropped:                 func() uint64 { return 7 },
		FreeMemory:              func() { tm.frees++ },
		Now:                     func() time.Time { return tm.now },
	})
	return tm
}

func TestEvaluate(t *testing.T) {
	m := createTestMonitor().monitor

	tests := []struct {
		name   string
		usage  Usage
		status records.HealthStatus
	}{
		{"idle", Usage{MemoryMB: 20, CPUPercent: 1}, records.HealthOK},
		{"memory warning", Usage{MemoryMB: 40, CPUPercent: 1}, records.HealthWarning},
		{"cpu warning", Usage{MemoryMB: 10, CPUPercent: 4.2}, records.HealthWarning},
		{"memory at limit", Usage{MemoryMB: 50, CPUPercent: 1}, records.HealthCritical},
		{"cpu beyond limit", Usage{MemoryMB: 10, CPUPercent: 9}, records.HealthCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, m.Evaluate(tt.usage))
		})
	}
}

func TestCheck_EmitsOnIntervalAndOnChange(t *testing.T) {
	tm := createTestMonitor()
	ctx := context.Background()

	tm.reader.set(Usage{MemoryMB: 20, CPUPercent: 1, Goroutines: 12})
	tm.monitor.Check(ctx)
	require.Len(t, tm.sink.records, 1)
	first := tm.sink.records[0]
	assert.Equal(t, records.TypeMonitorHealth, first.Type)
	assert.Equal(t, records.HealthOK, first.Health.Status)
	assert.Equal(t, uint64(7), first.Health.DroppedRecords)
	assert.Equal(t, 12, first.Health.Goroutines)

	// Same status inside the interval stays quiet
	tm.now = tm.now.Add(time.Minute)
	tm.monitor.Check(ctx)
	assert.Len(t, tm.sink.records, 1)

	tm.reader.set(Usage{MemoryMB: 42, CPUPercent: 1})
	tm.monitor.Check(ctx)
	require.Len(t, tm.sink.records, 2)
	assert.Equal(t, records.HealthWarning, tm.sink.records[1].Health.Status)
	assert.Empty(t, tm.sink.records[1].Health.Mitigation)

	tm.now = tm.now.Add(5 * time.Minute)
	tm.monitor.Check(ctx)
	assert.Len(t, tm.sink.records, 3)
}

func TestCheck_CriticalMitigatesAndRestores(t *testing.T) {
	tm := createTestMonitor()
	ctx := context.Background()

	tm.reader.set(Usage{MemoryMB: 75, CPUPercent: 1})
	tm.monitor.Check(ctx)
	require.Len(t, tm.sink.records, 1)
	r := tm.sink.records[0].Health
	assert.Equal(t, records.HealthCritical, r.Status)
	assert.Equal(t, "free_os_memory,widen_intervals", r.Mitigation)
	assert.Equal(t, 2.0, r.IntervalMultiplier)
	assert.Equal(t, 1, tm.frees)

	// Still critical: keep widening up to the cap, never stop
	for i := 0; i < 3; i++ {
		tm.monitor.Check(ctx)
	}
	assert.Equal(t, schedule.MaxMultiplier, tm.pacer.Multiplier())
	assert.Equal(t, 4, tm.frees)

	tm.reader.set(Usage{MemoryMB: 10, CPUPercent: 1})
	tm.monitor.Check(ctx)
	last := tm.sink.records[len(tm.sink.records)-1].Health
	assert.Equal(t, records.HealthOK, last.Status)
	assert.Equal(t, MitigationRestoreIntervals, last.Mitigation)
	assert.Equal(t, 1.0, tm.pacer.Multiplier())
}

func TestFinal_EmitsStopping(t *testing.T) {
	tm := createTestMonitor()
	tm.reader.set(Usage{MemoryMB: 15, CPUPercent: 0.5})
	tm.monitor.Final(context.Background())

	require.Len(t, tm.sink.records, 1)
	assert.Equal(t, records.HealthStopping, tm.sink.records[0].Health.Status)
	assert.Equal(t, uint64(7), tm.sink.records[0].Health.DroppedRecords)
}
