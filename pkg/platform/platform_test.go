package platform

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/errors"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchName(t *testing.T) {
	tests := []struct {
		actual, target string
		want           bool
	}{
		{"InventoryApp.exe", "inventoryapp.exe", true},
		{"InventoryApp.exe", "InventoryApp", true},
		{"java", "java.exe", true},
		{"javaw.exe", "java.exe", false},
		{"", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchName(tt.actual, tt.target), "%q vs %q", tt.actual, tt.target)
	}
}

func TestClassifyText(t *testing.T) {
	assert.Equal(t, LevelCritical, ClassifyText("Exception in thread main java.lang.OutOfMemoryError: Java heap space"))
	assert.Equal(t, LevelError, ClassifyText("app[12]: segfault at 0 ip 00007f"))
	assert.Equal(t, LevelWarning, ClassifyText("WARNING: low disk"))
	assert.Equal(t, LevelInfo, ClassifyText("started session 4"))
}

func TestProcessInspector_FindSelf(t *testing.T) {
	ctx := context.Background()
	self, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	require.NoError(t, err)
	name, err := self.NameWithContext(ctx)
	require.NoError(t, err)

	inspector := NewProcessInspector()
	handle, err := inspector.Find(ctx, name)
	require.NoError(t, err)
	defer handle.Close()

	assert.True(t, MatchName(handle.Info().Name, name))
	assert.False(t, handle.Info().StartTime.IsZero())

	alive, err := handle.Alive(ctx)
	require.NoError(t, err)
	assert.True(t, alive)

	sample, err := handle.Sample(ctx)
	require.NoError(t, err)
	assert.Greater(t, sample.MemoryRSSMB, 0.0)
	assert.False(t, sample.Timestamp.IsZero())
}

func TestProcessInspector_NotFound(t *testing.T) {
	_, err := NewProcessInspector().Find(context.Background(), "no-such-process-appwatch-test")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestOpenLogSource_UnavailableFile(t *testing.T) {
	_, err := OpenLogSource(filepath.Join(t.TempDir(), "missing.log"), LogSourceOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsUnavailableError(err))
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l)
		require.NoError(t, err)
	}
}

func TestFileLogSource_TailsFromEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syslog")
	appendLines(t, path, "2024-05-01T10:00:00Z host app[10]: error before start\n")

	source, err := OpenLogSource(path, LogSourceOptions{Levels: []string{LevelCritical, LevelError}})
	require.NoError(t, err)
	defer source.Close()

	ctx := context.Background()
	entries, cursor, err := source.Read(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries, "history is not replayed")

	appendLines(t, path,
		"2024-05-01T10:00:01Z host app[4242]: java.lang.OutOfMemoryError: Java heap space\n",
		"2024-05-01T10:00:02Z host cron[7]: session opened\n",
		"2024-05-01T10:00:03Z host app[4242]: partial line without newline")

	entries, cursor, err = source.Read(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int32(4242), entries[0].PID)
	assert.Equal(t, "app", entries[0].ProcessName)
	assert.Equal(t, LevelCritical, entries[0].Level)
	assert.Equal(t, "java.lang.OutOfMemoryError: Java heap space", entries[0].Message)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC), entries[0].Time.UTC())

	appendLines(t, path, " completed with error\n")
	entries, _, err = source.Read(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "partial line without newline completed with error")
}

func TestFileLogSource_TruncationRestartsFromBeginning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syslog")
	appendLines(t, path, "Jan  2 10:00:00 host app[1]: fatal error one\nJan  2 10:00:00 host app[1]: fatal error two\n")

	source, err := OpenLogSource("file:"+path, LogSourceOptions{})
	require.NoError(t, err)
	defer source.Close()

	_, cursor, err := source.Read(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("Jan  2 10:01:00 host app[1]: panic after rotate\n"), 0644))
	entries, _, err := source.Read(context.Background(), cursor)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "panic after rotate", entries[0].Message)
}

func TestFileLogSource_RecordIDsChangeAcrossTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syslog")
	appendLines(t, path, "")

	source, err := OpenLogSource(path, LogSourceOptions{})
	require.NoError(t, err)
	defer source.Close()

	ctx := context.Background()
	_, cursor, err := source.Read(ctx, "")
	require.NoError(t, err)

	appendLines(t, path, "Jan  2 10:00:00 host app[1]: fatal error one\n")
	before, cursor, err := source.Read(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, before, 1)

	require.NoError(t, os.Truncate(path, 0))
	entries, cursor, err := source.Read(ctx, cursor)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, "0", cursor)

	appendLines(t, path, "Jan  2 10:01:00 host app[1]: fatal error two\n")
	after, _, err := source.Read(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].RecordID, after[0].RecordID, "same offset in a new incarnation")
}

func TestFileLogSource_ReplacedFileIsReadFromStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog")
	appendLines(t, path, "")

	source, err := OpenLogSource(path, LogSourceOptions{})
	require.NoError(t, err)
	defer source.Close()

	ctx := context.Background()
	_, cursor, err := source.Read(ctx, "")
	require.NoError(t, err)
	appendLines(t, path, "Jan  2 10:00:00 host app[1]: fatal error one\n")
	_, cursor, err = source.Read(ctx, cursor)
	require.NoError(t, err)

	// Rotation by rename: the new file is already longer than the old cursor
	require.NoError(t, os.Rename(path, filepath.Join(dir, "syslog.1")))
	appendLines(t, path, "Jan  2 10:01:00 host app[1]: fatal error two\n", "Jan  2 10:01:01 host app[1]: fatal error three\n")
	entries, _, err := source.Read(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "fatal error two", entries[0].Message)
}

func TestFileLogSource_NotifyOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syslog")
	appendLines(t, path, "")

	source, err := OpenLogSource(path, LogSourceOptions{})
	require.NoError(t, err)
	defer source.Close()

	if source.Notify() == nil {
		t.Skip("file notifications not available")
	}
	appendLines(t, path, "Jan  2 10:00:00 host app[1]: error\n")

	select {
	case <-source.Notify():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification")
	}
}

const renderedEvents = `<Events>
<Event xmlns="http://schemas.microsoft.com/win/2004/08/events/event">
  <System>
    <Provider Name="Application Error"/>
    <EventID>1000</EventID>
    <Level>2</Level>
    <TimeCreated SystemTime="2024-05-01T10:00:00.1234567Z"/>
    <EventRecordID>771</EventRecordID>
    <Channel>Application</Channel>
    <Computer>WS-01</Computer>
  </System>
  <EventData>
    <Data Name="AppName">InventoryApp.exe</Data>
    <Data Name="ExceptionCode">c0000005</Data>
  </EventData>
  <RenderingInfo Culture="en-US">
    <Message>Faulting application name: InventoryApp.exe</Message>
  </RenderingInfo>
</Event>
<Event xmlns="http://schemas.microsoft.com/win/2004/08/events/event">
  <System>
    <Provider Name="Java"/>
    <EventID>1</EventID>
    <Level>1</Level>
    <TimeCreated SystemTime="2024-05-01T10:00:01Z"/>
    <EventRecordID>772</EventRecordID>
  </System>
  <EventData><Data>java.lang.OutOfMemoryError</Data></EventData>
</Event>
</Events>`

func TestParseEventsXML(t *testing.T) {
	entries, maxID, err := parseEventsXML("Application", []byte(renderedEvents))
	require.NoError(t, err)
	assert.Equal(t, uint64(772), maxID)
	require.Len(t, entries, 2)

	assert.Equal(t, "Application Error", entries[0].Provider)
	assert.Equal(t, uint32(1000), entries[0].EventID)
	assert.Equal(t, "771", entries[0].RecordID)
	assert.Equal(t, LevelError, entries[0].Level)
	assert.Equal(t, "InventoryApp.exe", entries[0].ProcessName)
	assert.Equal(t, "Faulting application name: InventoryApp.exe", entries[0].Message)

	assert.Equal(t, LevelCritical, entries[1].Level)
	assert.Equal(t, "java.lang.OutOfMemoryError", entries[1].Message)
}

func TestEventLogQuery(t *testing.T) {
	assert.Equal(t, "*[System[(Level=1 or Level=2) and EventRecordID>42]]",
		eventLogQuery([]string{LevelCritical, LevelError}, 42))
	assert.Equal(t, "*[System[EventRecordID>0]]", eventLogQuery(nil, 0))
}
