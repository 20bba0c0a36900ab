package processtracker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/core-tools/hsu-appwatch/pkg/platform/platformtest"
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

type collector struct {
	mutex   sync.Mutex
	records []records.Record
}

func (c *collector) Publish(r records.Record) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.records = append(c.records, r)
}

func (c *collector) ofType(t records.Type) []records.Record {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var out []records.Record
	for _, r := range c.records {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

type terminations struct {
	notices []TerminationNotice
}

func (t *terminations) HandleTermination(n TerminationNotice) {
	t.notices = append(t.notices, n)
}

func createTestTracker(inspector *platformtest.Inspector) (*Tracker, *collector, *terminations) {
	sink := &collector{}
	term := &terminations{}
	tracker := New(Options{
		ProcessName:  "InventoryApp.exe",
		Inspector:    inspector,
		Sink:         sink,
		OnTerminated: term,
		Logger:       newMockLogger(),
	})
	return tracker, sink, term
}

func TestTracker_AbsentAtStartupIsNotAnError(t *testing.T) {
	inspector := platformtest.NewInspector()
	tracker, sink, _ := createTestTracker(inspector)
	ctx := context.Background()

	tracker.Check(ctx)
	tracker.Check(ctx)

	assert.False(t, tracker.Current().Resolved())
	assert.Nil(t, tracker.Current().Identity().PID)
	assert.Equal(t, "InventoryApp.exe", tracker.Current().Identity().ProcessName)
	assert.Empty(t, sink.records)
	assert.Equal(t, 2, inspector.Finds())
}

func TestTracker_StartedOnceThenTerminationHandedOver(t *testing.T) {
	inspector := platformtest.NewInspector()
	tracker, sink, term := createTestTracker(inspector)
	ctx := context.Background()

	tracker.Check(ctx)
	handle := inspector.Start(4242, "InventoryApp.exe")
	tracker.Check(ctx)
	tracker.Check(ctx)

	started := sink.ofType(records.TypeProcessStarted)
	require.Len(t, started, 1)
	require.NotNil(t, started[0].PID)
	assert.Equal(t, int32(4242), *started[0].PID)
	assert.Equal(t, "/opt/app/InventoryApp.exe", started[0].Executable)

	snap := tracker.Current()
	require.True(t, snap.Resolved())
	assert.Equal(t, uint64(1), snap.Generation)

	handle.Exit(0)
	tracker.Check(ctx)
	tracker.Check(ctx)

	require.Len(t, term.notices, 1, "exactly one termination per instance")
	assert.Same(t, snap, term.notices[0].Snapshot)
	assert.False(t, tracker.Current().Resolved())
	assert.Empty(t, sink.ofType(records.TypeProcessTerminated), "the crash analyzer owns the exit record")
}

func TestTracker_RestartBumpsGeneration(t *testing.T) {
	inspector := platformtest.NewInspector()
	tracker, sink, term := createTestTracker(inspector)
	ctx := context.Background()

	first := inspector.Start(100, "InventoryApp.exe")
	tracker.Check(ctx)
	first.Vanish()
	tracker.Check(ctx)
	inspector.Start(200, "InventoryApp.exe")
	tracker.Check(ctx)

	assert.Len(t, sink.ofType(records.TypeProcessStarted), 2)
	assert.Len(t, term.notices, 1)
	assert.Equal(t, uint64(2), tracker.Current().Generation)
	assert.Equal(t, int32(200), tracker.Current().Info.PID)
}

func TestTracker_FindErrorsAreTransient(t *testing.T) {
	inspector := platformtest.NewInspector()
	tracker, sink, _ := createTestTracker(inspector)

	inspector.FailFind(fmt.Errorf("access denied"))
	tracker.Check(context.Background())
	tracker.Check(context.Background())

	assert.False(t, tracker.Current().Resolved())
	assert.Empty(t, sink.records)
}

func TestTracker_CloseReleasesHandle(t *testing.T) {
	inspector := platformtest.NewInspector()
	tracker, _, _ := createTestTracker(inspector)

	handle := inspector.Start(1, "InventoryApp.exe")
	tracker.Check(context.Background())
	require.NoError(t, tracker.Close())

	assert.True(t, handle.Closed())
	assert.False(t, tracker.Current().Resolved())
}
