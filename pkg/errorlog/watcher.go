// Package errorlog watches the system error logs for entries about the
// monitored process and turns them into event_log records.
package errorlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/errors"
	"github.com/core-tools/hsu-appwatch/pkg/logging"
	"github.com/core-tools/hsu-appwatch/pkg/platform"
	"github.com/core-tools/hsu-appwatch/pkg/processtracker"
	"github.com/core-tools/hsu-appwatch/pkg/records"

	"golang.org/x/time/rate"
)

// OpenFunc opens a log source by configured name
type OpenFunc func(name string, opts platform.LogSourceOptions) (platform.SystemLogSource, error)

type Options struct {
	Sources     []string
	Open        OpenFunc
	Filter      Filter
	DedupWindow time.Duration
	Cursors     *CursorStore
	View        processtracker.View
	Sink        records.Sink
	Logger      logging.Logger
	// Minimum spacing between repeated warnings about one unavailable source
	WarnInterval time.Duration
	Now          func() time.Time
}

type sourceState struct {
	name   string
	source platform.SystemLogSource
	stop   chan struct{}

	unavailable bool
	warnLimiter *rate.Limiter
}

type Watcher struct {
	opts  Options
	dedup *Deduplicator

	mutex   sync.Mutex
	sources []*sourceState

	wake        chan struct{}
	wakeLimiter *rate.Limiter
	forwarders  sync.WaitGroup

	emitted  atomic.Uint64
	filtered atomic.Uint64
}

func New(opts Options) *Watcher {
	if opts.Logger == nil {
		opts.Logger = logging.NewNullLogger()
	}
	if opts.Open == nil {
		opts.Open = platform.OpenLogSource
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WarnInterval <= 0 {
		opts.WarnInterval = 15 * time.Minute
	}
	if opts.Cursors == nil {
		opts.Cursors, _ = LoadCursorStore("")
	}

	w := &Watcher{
		opts:  opts,
		dedup: NewDeduplicator(opts.DedupWindow),
		wake:  make(chan struct{}, 1),
		// A chatty log must not turn notifications into a busy loop
		wakeLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, name := range opts.Sources {
		w.sources = append(w.sources, &sourceState{
			name:        name,
			warnLimiter: rate.NewLimiter(rate.Every(opts.WarnInterval), 1),
		})
	}
	return w
}

// Wake signals that at least one source has new data
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

// Poll reads every source once
func (w *Watcher) Poll(ctx context.Context) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	for _, st := range w.sources {
		if ctx.Err() != nil {
			break
		}
		w.pollSource(ctx, st)
	}

	if err := w.opts.Cursors.Save(); err != nil {
		w.opts.Logger.Warnf("Failed to persist log cursors, error: %v", err)
	}
}

func (w *Watcher) pollSource(ctx context.Context, st *sourceState) {
	if st.source == nil {
		source, err := w.opts.Open(st.name, platform.LogSourceOptions{
			Levels: w.opts.Filter.Levels,
			Logger: w.opts.Logger,
		})
		if err != nil {
			w.markUnavailable(st, err)
			return
		}
		st.source = source
		w.forward(st)
		w.opts.Logger.Debugf("Log source opened, source: %s", st.name)
	}

	cursor := w.opts.Cursors.Get(st.name)
	entries, next, err := st.source.Read(ctx, cursor)
	if err != nil {
		if errors.IsUnavailableError(err) {
			w.closeSource(st)
		}
		w.markUnavailable(st, err)
		return
	}
	if st.unavailable {
		st.unavailable = false
		w.opts.Logger.Infof("Log source available again, source: %s", st.name)
	}
	if cursor == "" {
		w.opts.Logger.Debugf("Log source positioned at end, source: %s, cursor: %s", st.name, next)
	}
	w.opts.Cursors.Set(st.name, next)

	snap := w.opts.View.Current()
	now := w.opts.Now()
	for _, entry := range entries {
		ok, keyword := w.opts.Filter.Match(entry, snap)
		if !ok {
			w.filtered.Add(1)
			continue
		}
		if w.dedup.Seen(entry, now) {
			continue
		}
		w.publish(entry, keyword, snap)
	}
}

func (w *Watcher) publish(entry platform.LogEntry, keyword string, snap *processtracker.Snapshot) {
	details := ParseSignature(entry.Message)
	if keyword != "" {
		if details == nil {
			details = &records.ErrorSignature{}
		}
		details.MatchedKeyword = keyword
	}

	ts := entry.Time
	if ts.IsZero() {
		ts = w.opts.Now()
	}
	w.opts.Sink.Publish(records.NewEventLog(w.opts.Now(), snap.Identity(), records.EventLog{
		Source:        entry.Source,
		Provider:      entry.Provider,
		EventID:       entry.EventID,
		RecordID:      entry.RecordID,
		Level:         entry.Level,
		Message:       entry.Message,
		TimeGenerated: ts,
		Details:       details,
	}))
	w.emitted.Add(1)
}

// markUnavailable warns once per outage and then at most every WarnInterval
func (w *Watcher) markUnavailable(st *sourceState, err error) {
	if !st.unavailable {
		st.unavailable = true
		st.warnLimiter.Allow()
		w.opts.Logger.Warnf("Log source unavailable, source: %s, error: %v", st.name, err)
		return
	}
	if st.warnLimiter.Allow() {
		w.opts.Logger.Warnf("Log source still unavailable, source: %s, error: %v", st.name, err)
		return
	}
	w.opts.Logger.Debugf("Log source still unavailable, source: %s, error: %v", st.name, err)
}

func (w *Watcher) forward(st *sourceState) {
	notify := st.source.Notify()
	if notify == nil {
		return
	}
	st.stop = make(chan struct{})
	stop := st.stop

	w.forwarders.Add(1)
	go func() {
		defer w.forwarders.Done()
		for {
			select {
			case <-stop:
				return
			case <-notify:
			}
			if delay := w.wakeLimiter.Reserve().Delay(); delay > 0 {
				select {
				case <-stop:
					return
				case <-time.After(delay):
				}
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}()
}

func (w *Watcher) closeSource(st *sourceState) {
	if st.source == nil {
		return
	}
	if st.stop != nil {
		close(st.stop)
		st.stop = nil
	}
	if err := st.source.Close(); err != nil {
		w.opts.Logger.Debugf("Failed to close log source, source: %s, error: %v", st.name, err)
	}
	st.source = nil
}

// Close releases all sources and persists the cursors
func (w *Watcher) Close() error {
	w.mutex.Lock()
	for _, st := range w.sources {
		w.closeSource(st)
	}
	w.mutex.Unlock()
	w.forwarders.Wait()
	return w.opts.Cursors.Save()
}

func (w *Watcher) Emitted() uint64 {
	return w.emitted.Load()
}

// Filtered counts entries rejected by severity or relevance
func (w *Watcher) Filtered() uint64 {
	return w.filtered.Load()
}
