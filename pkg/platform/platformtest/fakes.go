// Package platformtest provides deterministic doubles for the platform capabilities.
package platformtest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/errors"
	"github.com/core-tools/hsu-appwatch/pkg/platform"
	"github.com/core-tools/hsu-appwatch/pkg/records"
)

// Handle is a scriptable process instance
type Handle struct {
	mutex     sync.Mutex
	info      platform.ProcessInfo
	alive     bool
	sample    records.MetricSample
	sampleErr error
	exit      *platform.ExitStatus
	exitErr   error
	closed    bool
	samples   int
}

func NewHandle(pid int32, name string, started time.Time) *Handle {
	return &Handle{
		info:  platform.ProcessInfo{PID: pid, Name: name, Executable: "/opt/app/" + name, StartTime: started},
		alive: true,
		sample: records.MetricSample{
			CPUPercent:  3.5,
			MemoryRSSMB: 120,
			MemoryVMSMB: 480,
			ThreadCount: 24,
			HandleCount: 310,
		},
	}
}

func (h *Handle) Info() platform.ProcessInfo {
	return h.info
}

func (h *Handle) Alive(ctx context.Context) (bool, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.alive, nil
}

func (h *Handle) Sample(ctx context.Context) (records.MetricSample, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.sampleErr != nil {
		return records.MetricSample{}, h.sampleErr
	}
	h.samples++
	s := h.sample
	s.Timestamp = time.Now()
	return s, nil
}

func (h *Handle) ExitStatus(ctx context.Context) (platform.ExitStatus, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.exitErr != nil {
		return platform.ExitStatus{}, h.exitErr
	}
	if h.exit == nil {
		return platform.ExitStatus{}, errors.NewProcessError("process is still running", nil)
	}
	return *h.exit, nil
}

func (h *Handle) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closed = true
	return nil
}

// Exit terminates the process with a known exit code
func (h *Handle) Exit(code int64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.alive = false
	h.exit = &platform.ExitStatus{Code: code}
}

// Vanish terminates the process without an observable exit code
func (h *Handle) Vanish() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.alive = false
	h.exitErr = platform.ErrExitStatusUnavailable
}

func (h *Handle) SetSampleError(err error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.sampleErr = err
}

func (h *Handle) SetSample(s records.MetricSample) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.sample = s
}

func (h *Handle) Closed() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.closed
}

func (h *Handle) SampleCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.samples
}

// Inspector finds whatever Handle was last started and is still alive
type Inspector struct {
	mutex   sync.Mutex
	current *Handle
	findErr error
	finds   int
}

func NewInspector() *Inspector {
	return &Inspector{}
}

// Start makes a new process instance discoverable
func (i *Inspector) Start(pid int32, name string) *Handle {
	h := NewHandle(pid, name, time.Now())
	i.mutex.Lock()
	i.current = h
	i.mutex.Unlock()
	return h
}

// FailFind makes Find return err until cleared with nil
func (i *Inspector) FailFind(err error) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.findErr = err
}

func (i *Inspector) Finds() int {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.finds
}

func (i *Inspector) Find(ctx context.Context, name string) (platform.ProcessHandle, error) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.finds++

	if i.findErr != nil {
		return nil, i.findErr
	}
	if i.current == nil || !platform.MatchName(i.current.info.Name, name) {
		return nil, errors.NewNotFoundError("process not found", nil).WithContext("process_name", name)
	}
	if alive, _ := i.current.Alive(ctx); !alive {
		return nil, errors.NewNotFoundError("process not found", nil).WithContext("process_name", name)
	}
	return i.current, nil
}

// ProbeOutcome is one scripted probe answer
type ProbeOutcome struct {
	Result platform.ProbeResult
	Err    error
}

func Responsive() ProbeOutcome {
	return ProbeOutcome{Result: platform.ProbeResult{WindowTitle: "Main Window", Duration: time.Millisecond, Responsive: true}}
}

func Unresponsive(timeout time.Duration) ProbeOutcome {
	return ProbeOutcome{Result: platform.ProbeResult{WindowTitle: "Main Window", Duration: timeout}}
}

func NoWindow() ProbeOutcome {
	return ProbeOutcome{Err: platform.ErrNoWindow}
}

// Prober replays scripted outcomes, then repeats Fallback
type Prober struct {
	mutex    sync.Mutex
	script   []ProbeOutcome
	Fallback ProbeOutcome
	calls    int
}

func NewProber(fallback ProbeOutcome) *Prober {
	return &Prober{Fallback: fallback}
}

func (p *Prober) Script(outcomes ...ProbeOutcome) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.script = append(p.script, outcomes...)
}

func (p *Prober) SetFallback(o ProbeOutcome) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.Fallback = o
}

func (p *Prober) Calls() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.calls
}

func (p *Prober) Probe(ctx context.Context, pid int32, timeout time.Duration) (platform.ProbeResult, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.calls++

	o := p.Fallback
	if len(p.script) > 0 {
		o = p.script[0]
		p.script = p.script[1:]
	}
	return o.Result, o.Err
}

// LogSource is an in-memory log whose cursor is the count of entries consumed
type LogSource struct {
	mutex   sync.Mutex
	name    string
	entries []platform.LogEntry
	readErr error
	reads   int
	notify  chan struct{}
	closed  bool
}

func NewLogSource(name string) *LogSource {
	return &LogSource{name: name, notify: make(chan struct{}, 1)}
}

func (s *LogSource) Name() string {
	return s.name
}

// Append adds entries and signals Notify
func (s *LogSource) Append(entries ...platform.LogEntry) {
	s.mutex.Lock()
	for i := range entries {
		if entries[i].Source == "" {
			entries[i].Source = s.name
		}
		if entries[i].RecordID == "" {
			entries[i].RecordID = strconv.Itoa(len(s.entries) + i + 1)
		}
	}
	s.entries = append(s.entries, entries...)
	s.mutex.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Fail makes Read return err until cleared with nil
func (s *LogSource) Fail(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.readErr = err
}

func (s *LogSource) Reads() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.reads
}

func (s *LogSource) Closed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}

func (s *LogSource) Read(ctx context.Context, cursor string) ([]platform.LogEntry, string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.reads++

	if s.readErr != nil {
		return nil, cursor, s.readErr
	}
	if cursor == "" {
		return nil, strconv.Itoa(len(s.entries)), nil
	}

	pos, err := strconv.Atoi(cursor)
	if err != nil || pos > len(s.entries) {
		pos = 0
	}
	out := append([]platform.LogEntry(nil), s.entries[pos:]...)
	return out, strconv.Itoa(len(s.entries)), nil
}

func (s *LogSource) Notify() <-chan struct{} {
	return s.notify
}

func (s *LogSource) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}
