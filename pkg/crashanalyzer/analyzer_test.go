package crashanalyzer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/platform/platformtest"
	"github.com/core-tools/hsu-appwatch/pkg/processtracker"
	"github.com/core-tools/hsu-appwatch/pkg/records"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mutex   sync.Mutex
	records []records.Record
}

func (c *collector) Publish(r records.Record) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.records = append(c.records, r)
}

func (c *collector) all() []records.Record {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]records.Record(nil), c.records...)
}

type staticMetrics map[uint64][]records.MetricSample

func (m staticMetrics) Recent(generation uint64) []records.MetricSample {
	return m[generation]
}

func notice(h *platformtest.Handle, generation uint64, detectedAt time.Time) processtracker.TerminationNotice {
	return processtracker.TerminationNotice{
		Snapshot: &processtracker.Snapshot{
			Name:       "InventoryApp.exe",
			Handle:     h,
			Info:       h.Info(),
			Generation: generation,
		},
		DetectedAt: detectedAt,
	}
}

func TestAnalyze_CrashRecord(t *testing.T) {
	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	handle := platformtest.NewHandle(4242, "InventoryApp.exe", started)
	handle.Exit(0xC0000005)

	sink := &collector{}
	metrics := staticMetrics{
		7: {
			{CPUPercent: 10, MemoryRSSMB: 300},
			{CPUPercent: 20, MemoryRSSMB: 900},
			{CPUPercent: 15, MemoryRSSMB: 650},
		},
	}
	analyzer := New(Options{Sink: sink, Metrics: metrics, OOMExitCodes: []int64{3}})

	outcome := analyzer.Analyze(context.Background(), notice(handle, 7, started.Add(90*time.Second)))
	assert.True(t, outcome.Crash)

	got := sink.all()
	require.Len(t, got, 1)
	r := got[0]
	assert.Equal(t, records.TypeCrash, r.Type)
	require.NotNil(t, r.PID)
	assert.Equal(t, int32(4242), *r.PID)
	require.NotNil(t, r.Exit)
	require.NotNil(t, r.Exit.ExitCode)
	assert.Equal(t, int64(0xC0000005), *r.Exit.ExitCode)
	assert.Equal(t, records.CauseSignal, r.Exit.Cause)
	assert.Equal(t, "STATUS_ACCESS_VIOLATION", r.Exit.CauseDetail)
	assert.InDelta(t, 90.0, r.Exit.UptimeSeconds, 0.001)
	require.NotNil(t, r.Exit.LastMetrics)
	assert.Equal(t, 650.0, r.Exit.LastMetrics.MemoryRSSMB)
	assert.Equal(t, 900.0, r.Exit.PeakMemoryRSSMB)

	assert.True(t, handle.Closed())
	assert.Equal(t, uint64(1), analyzer.Crashes())
}

func TestAnalyze_CleanExitIsTerminated(t *testing.T) {
	handle := platformtest.NewHandle(10, "InventoryApp.exe", time.Now().Add(-time.Minute))
	handle.Exit(0)

	sink := &collector{}
	analyzer := New(Options{Sink: sink})
	analyzer.Analyze(context.Background(), notice(handle, 1, time.Now()))

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, records.TypeProcessTerminated, got[0].Type)
	assert.Equal(t, records.CauseNormal, got[0].Exit.Cause)
	assert.Nil(t, got[0].Exit.LastMetrics)
	assert.Equal(t, uint64(1), analyzer.Terminations())
}

func TestAnalyze_UnobservableExitIsTerminated(t *testing.T) {
	handle := platformtest.NewHandle(11, "InventoryApp.exe", time.Now().Add(-time.Minute))
	handle.Vanish()

	sink := &collector{}
	analyzer := New(Options{Sink: sink})
	analyzer.Analyze(context.Background(), notice(handle, 1, time.Now()))

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, records.TypeProcessTerminated, got[0].Type)
	assert.Nil(t, got[0].Exit.ExitCode)
	assert.Equal(t, records.CauseUnknown, got[0].Exit.Cause)

	line, err := got[0].MarshalLine()
	require.NoError(t, err)
	assert.Contains(t, string(line), `"exit_code":null`)
}

func TestRun_OneRecordPerNotice(t *testing.T) {
	sink := &collector{}
	analyzer := New(Options{Sink: sink})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = analyzer.Run(ctx)
	}()

	for i := 0; i < 5; i++ {
		h := platformtest.NewHandle(int32(100+i), "InventoryApp.exe", time.Now())
		h.Exit(1)
		analyzer.HandleTermination(notice(h, uint64(i+1), time.Now()))
	}

	assert.Eventually(t, func() bool { return len(sink.all()) == 5 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	pids := map[int32]bool{}
	for _, r := range sink.all() {
		assert.Equal(t, records.TypeCrash, r.Type)
		pids[*r.PID] = true
	}
	assert.Len(t, pids, 5)
}

func TestRun_DrainsPendingOnStop(t *testing.T) {
	sink := &collector{}
	analyzer := New(Options{Sink: sink})

	h := platformtest.NewHandle(77, "InventoryApp.exe", time.Now())
	h.Exit(0)
	analyzer.HandleTermination(notice(h, 1, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, analyzer.Run(ctx))

	assert.Len(t, sink.all(), 1)
}
