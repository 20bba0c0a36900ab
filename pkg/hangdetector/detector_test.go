package hangdetector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/platform/platformtest"
	"github.com/core-tools/hsu-appwatch/pkg/processtracker"
	"github.com/core-tools/hsu-appwatch/pkg/records"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(level, format, args)
}
func (m *MockLogger) Debugf(format string, args ...interface{}) { m.Called(format, args) }
func (m *MockLogger) Infof(format string, args ...interface{})  { m.Called(format, args) }
func (m *MockLogger) Warnf(format string, args ...interface{})  { m.Called(format, args) }
func (m *MockLogger) Errorf(format string, args ...interface{}) { m.Called(format, args) }

func newMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	return logger
}

type view struct {
	snap atomic.Pointer[processtracker.Snapshot]
}

func (v *view) Current() *processtracker.Snapshot { return v.snap.Load() }

func (v *view) resolve(h *platformtest.Handle, generation uint64) {
	v.snap.Store(&processtracker.Snapshot{Name: "app.exe", Handle: h, Info: h.Info(), Generation: generation})
}

type collector struct {
	mutex   sync.Mutex
	records []records.Record
}

func (c *collector) Publish(r records.Record) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.records = append(c.records, r)
}

type fixture struct {
	detector *Detector
	prober   *platformtest.Prober
	handle   *platformtest.Handle
	view     *view
	sink     *collector
	logger   *MockLogger
}

func createTestDetector(retryCount int) *fixture {
	f := &fixture{
		prober: platformtest.NewProber(platformtest.Responsive()),
		handle: platformtest.NewHandle(321, "app.exe", time.Now()),
		view:   &view{},
		sink:   &collector{},
		logger: newMockLogger(),
	}
	f.view.resolve(f.handle, 1)
	f.detector = New(Options{
		View:         f.view,
		Prober:       f.prober,
		Sink:         f.sink,
		Logger:       f.logger,
		ProbeTimeout: 5 * time.Second,
		RetryCount:   retryCount,
	})
	return f
}

func (f *fixture) check(n int) {
	for i := 0; i < n; i++ {
		f.detector.Check(context.Background())
	}
}

func TestDetector_HangThenRecoveryReportedOnce(t *testing.T) {
	f := createTestDetector(3)
	timeout := platformtest.Unresponsive(5 * time.Second)
	f.prober.Script(timeout, timeout, timeout, platformtest.Responsive())

	f.check(2)
	assert.Equal(t, HangStateSuspected, f.detector.State())
	assert.Empty(t, f.sink.records)

	f.check(1)
	assert.Equal(t, HangStateHung, f.detector.State())

	f.check(1)
	assert.Equal(t, HangStateResponsive, f.detector.State())

	require.Len(t, f.sink.records, 2)
	hang, recovery := f.sink.records[0], f.sink.records[1]
	assert.Equal(t, records.TypeHang, hang.Type)
	assert.False(t, hang.Recovered)
	assert.Equal(t, 3, hang.ConsecutiveFailures)
	assert.Equal(t, int64(5000), hang.ProbeDurationMs)
	assert.Equal(t, "Main Window", hang.WindowTitle)
	assert.True(t, recovery.Recovered)
	assert.Greater(t, recovery.HangDurationSeconds, 0.0)
	assert.Equal(t, int32(321), *recovery.PID)
}

func TestDetector_PersistentHangIsNotRepeated(t *testing.T) {
	f := createTestDetector(2)
	f.prober.SetFallback(platformtest.Unresponsive(time.Second))

	f.check(10)

	require.Len(t, f.sink.records, 1)
	assert.False(t, f.sink.records[0].Recovered)
	assert.Equal(t, HangStateHung, f.detector.State())
}

func TestDetector_RetryCountOneHangsOnFirstFailure(t *testing.T) {
	f := createTestDetector(1)
	f.prober.Script(platformtest.Unresponsive(time.Second))

	f.check(1)

	assert.Equal(t, HangStateHung, f.detector.State())
	require.Len(t, f.sink.records, 1)
}

func TestDetector_SuspicionClearedWithoutRecords(t *testing.T) {
	f := createTestDetector(3)
	f.prober.Script(platformtest.Unresponsive(time.Second), platformtest.Unresponsive(time.Second))

	f.check(3)

	assert.Equal(t, HangStateResponsive, f.detector.State())
	assert.Empty(t, f.sink.records)
}

func TestDetector_NoWindowIdlesAndReportsOnce(t *testing.T) {
	f := createTestDetector(1)
	f.prober.SetFallback(platformtest.NoWindow())

	f.check(3)

	assert.Equal(t, HangStateResponsive, f.detector.State())
	assert.Empty(t, f.sink.records)
	f.logger.AssertNumberOfCalls(t, "Infof", 1)
	assert.Equal(t, 3, f.prober.Calls())
}

func TestDetector_ProbeErrorIsTransient(t *testing.T) {
	f := createTestDetector(1)
	f.prober.Script(platformtest.ProbeOutcome{Err: fmt.Errorf("access denied")})

	f.check(1)

	assert.Equal(t, HangStateResponsive, f.detector.State())
	assert.Empty(t, f.sink.records)
}

func TestDetector_ProbeErrorKeepsFailureCount(t *testing.T) {
	f := createTestDetector(2)
	f.prober.Script(
		platformtest.Unresponsive(time.Second),
		platformtest.ProbeOutcome{Err: fmt.Errorf("access denied")},
		platformtest.Unresponsive(time.Second),
	)

	f.check(2)
	assert.Equal(t, HangStateSuspected, f.detector.State())
	assert.Empty(t, f.sink.records)

	f.check(1)
	require.Len(t, f.sink.records, 1)
	assert.False(t, f.sink.records[0].Hang.Recovered)
	assert.Equal(t, 2, f.sink.records[0].Hang.ConsecutiveFailures)
}

func TestDetector_ExitDuringHangIsDiscarded(t *testing.T) {
	f := createTestDetector(2)
	f.prober.SetFallback(platformtest.Unresponsive(time.Second))

	f.check(1)
	assert.Equal(t, HangStateSuspected, f.detector.State())

	f.handle.Exit(3221225477)
	f.check(1)

	assert.Empty(t, f.sink.records, "the crash record takes precedence")
	assert.Equal(t, HangStateResponsive, f.detector.State())
}

func TestDetector_OpenHangDroppedWhenProcessLost(t *testing.T) {
	f := createTestDetector(1)
	f.prober.SetFallback(platformtest.Unresponsive(time.Second))
	f.check(1)
	require.Len(t, f.sink.records, 1)

	f.view.snap.Store(&processtracker.Snapshot{Name: "app.exe", Generation: 1})
	f.check(1)
	assert.Equal(t, HangStateResponsive, f.detector.State())

	// A new instance starts clean; its first failure is a new hang
	next := platformtest.NewHandle(999, "app.exe", time.Now())
	f.view.resolve(next, 2)
	f.check(1)

	require.Len(t, f.sink.records, 2)
	assert.False(t, f.sink.records[1].Recovered)
	assert.Equal(t, int32(999), *f.sink.records[1].PID)
}

func TestDetector_HistoryTracksTransitions(t *testing.T) {
	f := createTestDetector(1)
	f.prober.Script(platformtest.Unresponsive(time.Second), platformtest.Responsive())
	f.check(2)

	var path []HangState
	for _, tr := range f.detector.History() {
		path = append(path, tr.To)
	}
	assert.Equal(t, []HangState{HangStateSuspected, HangStateHung, HangStateRecovered, HangStateResponsive}, path)
}

func TestHangStateMachine_RejectsInvalidTransition(t *testing.T) {
	sm := NewHangStateMachine(newMockLogger())

	err := sm.Transition(HangStateHung, "skip suspicion", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid hang state transition")
	assert.Equal(t, HangStateResponsive, sm.State())
	assert.False(t, sm.CanTransition(HangStateRecovered))
}
