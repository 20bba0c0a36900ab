// Package records defines the log record union that flows through the event
// queue and is persisted as one JSON object per line.
package records

import (
	"encoding/json"
	"time"
)

// Type tags a Record variant
type Type string

const (
	TypePerformance       Type = "performance"
	TypeHang              Type = "hang"
	TypeCrash             Type = "crash"
	TypeEventLog          Type = "event_log"
	TypeProcessStarted    Type = "process_started"
	TypeProcessTerminated Type = "process_terminated"
	TypeMonitorHealth     Type = "monitor_health"
	TypeError             Type = "error"
)

// Identity is the target process identity carried by every record
type Identity struct {
	ProcessName string
	PID         *int32
}

// NewIdentity builds an identity for a resolved process
func NewIdentity(processName string, pid int32) Identity {
	return Identity{ProcessName: processName, PID: &pid}
}

// Record is the universal unit persisted to disk. Exactly one payload is set,
// matching Type; payload fields are flattened into the JSON object.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	Type        Type      `json:"type"`
	ProcessName string    `json:"process_name"`
	PID         *int32    `json:"pid"`
	SessionID   string    `json:"session_id,omitempty"`

	*Performance
	*ProcessStarted
	*Hang
	*Exit
	*EventLog
	*Health
	*ErrorInfo
}

// MetricSample is one reading of the target's counters
type MetricSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryRSSMB   float64   `json:"memory_rss_mb"`
	MemoryVMSMB   float64   `json:"memory_vms_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	ThreadCount   int32     `json:"thread_count"`
	HandleCount   int32     `json:"handle_count"`
}

type Performance struct {
	Metrics MetricSample `json:"metrics"`
}

type ProcessStarted struct {
	ProcessStartTime time.Time `json:"process_start_time"`
	Executable       string    `json:"executable,omitempty"`
}

type Hang struct {
	WindowTitle         string  `json:"window_title"`
	ProbeDurationMs     int64   `json:"probe_duration_ms"`
	Recovered           bool    `json:"recovered"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	HangDurationSeconds float64 `json:"hang_duration_seconds"`
}

// Cause is the interpreted reason a process exited
type Cause string

const (
	CauseNormal      Cause = "normal"
	CauseSignal      Cause = "signal"
	CauseOutOfMemory Cause = "out_of_memory"
	CauseUnknown     Cause = "unknown"
)

// Exit is shared by crash and process_terminated records
type Exit struct {
	ExitCode      *int64        `json:"exit_code"`
	Cause         Cause         `json:"cause"`
	CauseDetail   string        `json:"cause_detail,omitempty"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	LastMetrics   *MetricSample `json:"last_metrics"`
	// Highest resident memory among the retained samples of this instance
	PeakMemoryRSSMB float64 `json:"peak_memory_rss_mb,omitempty"`
}

// ErrorSignature is the structured detail parsed from a runtime error message
type ErrorSignature struct {
	ExceptionType    string   `json:"exception_type,omitempty"`
	ExceptionMessage string   `json:"exception_message,omitempty"`
	StackTrace       []string `json:"stack_trace,omitempty"`
	MemoryArea       string   `json:"memory_area,omitempty"`
	MatchedKeyword   string   `json:"matched_keyword,omitempty"`
}

type EventLog struct {
	Source        string          `json:"source"`
	Provider      string          `json:"provider,omitempty"`
	EventID       uint32          `json:"event_id"`
	RecordID      string          `json:"record_id"`
	Level         string          `json:"level"`
	Message       string          `json:"message"`
	TimeGenerated time.Time       `json:"time_generated"`
	Details       *ErrorSignature `json:"details,omitempty"`
}

// HealthStatus is the SelfMonitor verdict
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthStopping HealthStatus = "stopping"
)

type Health struct {
	Status             HealthStatus `json:"status"`
	MemoryMB           float64      `json:"memory_mb"`
	CPUPercent         float64      `json:"cpu_percent"`
	MaxMemoryMB        float64      `json:"max_memory_mb"`
	MaxCPUPercent      float64      `json:"max_cpu_percent"`
	Goroutines         int          `json:"goroutines"`
	DroppedRecords     uint64       `json:"dropped_records"`
	Mitigation         string       `json:"mitigation,omitempty"`
	IntervalMultiplier float64      `json:"interval_multiplier"`
}

// Severity of an error record
type Severity string

const (
	SeverityLow  Severity = "low"
	SeverityHigh Severity = "high"
)

type ErrorInfo struct {
	Component string   `json:"component"`
	Detail    string   `json:"error"`
	Severity  Severity `json:"severity"`
}

func newRecord(ts time.Time, t Type, id Identity) Record {
	return Record{
		Timestamp:   ts.UTC(),
		Type:        t,
		ProcessName: id.ProcessName,
		PID:         id.PID,
	}
}

func NewPerformance(id Identity, sample MetricSample) Record {
	r := newRecord(sample.Timestamp, TypePerformance, id)
	sample.Timestamp = sample.Timestamp.UTC()
	r.Performance = &Performance{Metrics: sample}
	return r
}

func NewProcessStarted(ts time.Time, id Identity, payload ProcessStarted) Record {
	r := newRecord(ts, TypeProcessStarted, id)
	payload.ProcessStartTime = payload.ProcessStartTime.UTC()
	r.ProcessStarted = &payload
	return r
}

func NewHang(ts time.Time, id Identity, payload Hang) Record {
	r := newRecord(ts, TypeHang, id)
	r.Hang = &payload
	return r
}

// NewExit builds a crash record for abnormal exits or a process_terminated record otherwise
func NewExit(ts time.Time, id Identity, crash bool, payload Exit) Record {
	t := TypeProcessTerminated
	if crash {
		t = TypeCrash
	}
	r := newRecord(ts, t, id)
	r.Exit = &payload
	return r
}

func NewEventLog(ts time.Time, id Identity, payload EventLog) Record {
	r := newRecord(ts, TypeEventLog, id)
	payload.TimeGenerated = payload.TimeGenerated.UTC()
	r.EventLog = &payload
	return r
}

func NewHealth(ts time.Time, id Identity, payload Health) Record {
	r := newRecord(ts, TypeMonitorHealth, id)
	r.Health = &payload
	return r
}

func NewError(ts time.Time, id Identity, component string, err error, severity Severity) Record {
	r := newRecord(ts, TypeError, id)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	r.ErrorInfo = &ErrorInfo{Component: component, Detail: detail, Severity: severity}
	return r
}

// MarshalLine encodes the record as a single JSON line including the trailing newline
func (r Record) MarshalLine() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Sink accepts records without blocking
type Sink interface {
	Publish(r Record)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(r Record)

func (f SinkFunc) Publish(r Record) { f(r) }
