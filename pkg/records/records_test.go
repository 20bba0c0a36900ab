package records

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, r Record) map[string]interface{} {
	t.Helper()
	line, err := r.MarshalLine()
	require.NoError(t, err)
	require.Equal(t, byte('\n'), line[len(line)-1])

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &out))
	return out
}

func TestRecord_PayloadIsFlattened(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	r := NewHang(ts, NewIdentity("app.exe", 4242), Hang{
		WindowTitle:         "Main",
		ProbeDurationMs:     5000,
		ConsecutiveFailures: 3,
	})
	r.SessionID = "s-1"

	out := decodeLine(t, r)
	assert.Equal(t, "hang", out["type"])
	assert.Equal(t, "2024-03-01T09:00:00Z", out["timestamp"])
	assert.Equal(t, "app.exe", out["process_name"])
	assert.Equal(t, float64(4242), out["pid"])
	assert.Equal(t, "s-1", out["session_id"])
	assert.Equal(t, "Main", out["window_title"])
	assert.Equal(t, false, out["recovered"])
	assert.NotContains(t, out, "metrics")
	assert.NotContains(t, out, "exit_code")
}

func TestRecord_UnknownPIDAndExitCodeAreNull(t *testing.T) {
	r := NewExit(time.Now(), Identity{ProcessName: "app"}, false, Exit{Cause: CauseUnknown})

	out := decodeLine(t, r)
	assert.Equal(t, "process_terminated", out["type"])
	assert.Contains(t, out, "pid")
	assert.Nil(t, out["pid"])
	assert.Contains(t, out, "exit_code")
	assert.Nil(t, out["exit_code"])
	assert.Equal(t, "unknown", out["cause"])
}

func TestNewExit_CrashType(t *testing.T) {
	code := int64(-1073741819)
	sample := MetricSample{Timestamp: time.Now(), CPUPercent: 12.5, ThreadCount: 30}
	r := NewExit(time.Now(), NewIdentity("app", 1), true, Exit{
		ExitCode:      &code,
		Cause:         CauseSignal,
		CauseDetail:   "STATUS_ACCESS_VIOLATION",
		UptimeSeconds: 12,
		LastMetrics:   &sample,
	})

	out := decodeLine(t, r)
	assert.Equal(t, "crash", out["type"])
	assert.Equal(t, float64(code), out["exit_code"])
	last, ok := out["last_metrics"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 12.5, last["cpu_percent"])
}

func TestNewError(t *testing.T) {
	r := NewError(time.Now(), Identity{ProcessName: "app"}, "sampler", fmt.Errorf("access denied"), SeverityLow)

	out := decodeLine(t, r)
	assert.Equal(t, "error", out["type"])
	assert.Equal(t, "sampler", out["component"])
	assert.Equal(t, "access denied", out["error"])
	assert.Equal(t, "low", out["severity"])
}
