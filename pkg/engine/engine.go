// Package engine wires the observers, the event queue and the log writer
// together and owns their lifecycle.
package engine

import (
	"context"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/config"
	"github.com/core-tools/hsu-appwatch/pkg/crashanalyzer"
	"github.com/core-tools/hsu-appwatch/pkg/errorlog"
	"github.com/core-tools/hsu-appwatch/pkg/errors"
	"github.com/core-tools/hsu-appwatch/pkg/eventqueue"
	"github.com/core-tools/hsu-appwatch/pkg/hangdetector"
	"github.com/core-tools/hsu-appwatch/pkg/logging"
	"github.com/core-tools/hsu-appwatch/pkg/logwriter"
	"github.com/core-tools/hsu-appwatch/pkg/perfsampler"
	"github.com/core-tools/hsu-appwatch/pkg/platform"
	"github.com/core-tools/hsu-appwatch/pkg/processtracker"
	"github.com/core-tools/hsu-appwatch/pkg/records"
	"github.com/core-tools/hsu-appwatch/pkg/schedule"
	"github.com/core-tools/hsu-appwatch/pkg/selfmonitor"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Self usage is sampled at least this often (in seconds), independent of the health record interval
const maxSelfSampleSeconds = 30

// Dependencies are the platform capabilities; nil fields get the real implementations
type Dependencies struct {
	Inspector     platform.ProcessInspector
	Prober        platform.WindowProber
	OpenLogSource errorlog.OpenFunc
	UsageReader   selfmonitor.UsageReader
	Now           func() time.Time
	// Unit of every configured interval; time.Second unless a test compresses time
	BaseUnit time.Duration
}

// Stats summarizes one run
type Stats struct {
	Dropped         uint64
	Rejected        uint64
	SamplesSkipped  uint64
	EventLogRecords uint64
	Crashes         uint64
	Terminations    uint64
	TaskPanics      int64
	Writer          logwriter.Stats
}

type Engine struct {
	cfg       *config.Config
	logger    logging.Logger
	deps      Dependencies
	sessionID string

	queue *eventqueue.Queue
	sink  records.Sink
	pacer *schedule.Pacer

	tracker  *processtracker.Tracker
	sampler  *perfsampler.Sampler
	detector *hangdetector.Detector
	watcher  *errorlog.Watcher
	analyzer *crashanalyzer.Analyzer
	monitor  *selfmonitor.Monitor
	writer   *logwriter.Writer

	tasks []*schedule.Task
}

// sessionSink stamps every record with the run's session id
type sessionSink struct {
	next      records.Sink
	sessionID string
}

func (s sessionSink) Publish(r records.Record) {
	r.SessionID = s.sessionID
	s.next.Publish(r)
}

// New validates cfg and builds a ready to run engine. A configuration error
// is returned before anything is started.
func New(cfg *config.Config, logger logging.Logger, deps Dependencies) (*Engine, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("configuration is required", nil)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	if err := deps.setDefaults(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		deps:      deps,
		sessionID: uuid.NewString(),
		queue:     eventqueue.New(cfg.Advanced.QueueSize),
		pacer:     schedule.NewPacer(),
	}
	e.sink = sessionSink{next: e.queue, sessionID: e.sessionID}
	e.build()
	return e, nil
}

func (d *Dependencies) setDefaults() error {
	if d.Inspector == nil {
		d.Inspector = platform.NewProcessInspector()
	}
	if d.Prober == nil {
		d.Prober = platform.NewWindowProber()
	}
	if d.OpenLogSource == nil {
		d.OpenLogSource = platform.OpenLogSource
	}
	if d.UsageReader == nil {
		reader, err := selfmonitor.NewProcessUsageReader()
		if err != nil {
			return errors.NewInternalError("failed to create self usage reader", err)
		}
		d.UsageReader = reader
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.BaseUnit <= 0 {
		d.BaseUnit = time.Second
	}
	return nil
}

// seconds converts a configured number of seconds into a duration
func (e *Engine) seconds(n int) time.Duration {
	return time.Duration(n) * e.deps.BaseUnit
}

func (e *Engine) identity() records.Identity {
	return e.tracker.Current().Identity()
}

func (e *Engine) build() {
	cfg := e.cfg

	e.tracker = processtracker.New(processtracker.Options{
		ProcessName:  cfg.Monitor.ProcessName,
		Inspector:    e.deps.Inspector,
		Sink:         e.sink,
		OnTerminated: e,
		Logger:       logging.WithComponent(e.logger, "tracker"),
		Now:          e.deps.Now,
	})

	e.sampler = perfsampler.New(perfsampler.Options{
		View:         e.tracker,
		Sink:         e.sink,
		Logger:       logging.WithComponent(e.logger, "perf"),
		BufferSize:   cfg.Advanced.MetricBufferSize,
		IncludeDebug: cfg.Logging.IncludeDebug,
		Now:          e.deps.Now,
	})

	e.analyzer = crashanalyzer.New(crashanalyzer.Options{
		Sink:         e.sink,
		Metrics:      e.sampler,
		OOMExitCodes: cfg.Crash.OOMExitCodes,
		Logger:       logging.WithComponent(e.logger, "crash"),
		Now:          e.deps.Now,
	})

	e.monitor = selfmonitor.New(selfmonitor.Options{
		MaxMemoryMB:             cfg.ResourceLimits.MonitorMaxMemoryMB,
		MaxCPUPercent:           cfg.ResourceLimits.MonitorMaxCPUPercent,
		WarningThresholdPercent: cfg.ResourceLimits.WarningThresholdPercent,
		EmitInterval:            e.seconds(cfg.Monitor.HealthCheckInterval),
		Reader:                  e.deps.UsageReader,
		Pacer:                   e.pacer,
		Sink:                    e.sink,
		Identity:                e.identity,
		Dropped:                 e.queue.Dropped,
		Logger:                  logging.WithComponent(e.logger, "selfmon"),
		Now:                     e.deps.Now,
	})

	e.writer = logwriter.New(e.queue, logwriter.Options{
		Dir:                cfg.Logging.LogDir,
		Prefix:             cfg.Logging.FilePrefix,
		MaxFileSizeBytes:   cfg.MaxFileSizeBytes(),
		MaxFiles:           cfg.Logging.MaxFiles,
		RetentionDays:      cfg.Logging.RetentionDays,
		Compress:           cfg.CompressionEnabled(),
		CompressWorkers:    cfg.Advanced.ThreadPoolSize,
		BatchSize:          cfg.Logging.BatchSize,
		FlushInterval:      e.seconds(cfg.Logging.FlushIntervalSeconds),
		ShutdownTimeout:    e.seconds(cfg.Monitor.ShutdownTimeoutSeconds),
		RetryAttempts:      cfg.Logging.WriteRetryAttempts,
		FallbackBufferSize: cfg.Logging.FallbackBufferSize,
		Sink:               e.sink,
		Identity:           e.identity,
		Logger:             logging.WithComponent(e.logger, "writer"),
		Now:                e.deps.Now,
	})

	e.tasks = append(e.tasks,
		&schedule.Task{
			Name:     "process_tracker",
			Interval: e.seconds(cfg.Monitor.ProcessCheckInterval),
			Pacer:    e.pacer,
			Logger:   e.logger,
			Run:      e.tracker.Check,
		},
		&schedule.Task{
			Name:     "performance_sampler",
			Interval: e.seconds(cfg.Monitor.PerformanceInterval),
			Pacer:    e.pacer,
			Logger:   e.logger,
			Run:      e.sampler.Sample,
		},
	)

	if cfg.HangDetectionEnabled() {
		e.detector = hangdetector.New(hangdetector.Options{
			View:         e.tracker,
			Prober:       e.deps.Prober,
			Sink:         e.sink,
			Logger:       logging.WithComponent(e.logger, "hang"),
			ProbeTimeout: e.seconds(cfg.HangDetection.TimeoutSeconds),
			RetryCount:   cfg.HangDetection.RetryCount,
			Now:          e.deps.Now,
		})
		e.tasks = append(e.tasks, &schedule.Task{
			Name:     "hang_detector",
			Interval: e.seconds(cfg.HangDetection.CheckInterval),
			Pacer:    e.pacer,
			Logger:   e.logger,
			Run:      e.detector.Check,
		})
	}

	if cfg.EventLogEnabled() {
		cursors, err := errorlog.LoadCursorStore(cfg.EventLog.StateFile)
		if err != nil {
			e.logger.Warnf("Ignoring event log state, error: %v", err)
		}
		e.watcher = errorlog.New(errorlog.Options{
			Sources: cfg.EventLog.Sources,
			Open:    e.deps.OpenLogSource,
			Filter: errorlog.Filter{
				Levels:   cfg.EventLog.SeverityLevels,
				Enabled:  cfg.EventLogFilterEnabled(),
				Keywords: cfg.EventLog.Keywords,
			},
			DedupWindow: e.seconds(cfg.EventLog.DedupWindowSeconds),
			Cursors:     cursors,
			View:        e.tracker,
			Sink:        e.sink,
			Logger:      logging.WithComponent(e.logger, "eventlog"),
			Now:         e.deps.Now,
		})
		e.tasks = append(e.tasks, &schedule.Task{
			Name:      "error_log_watcher",
			Interval:  e.seconds(cfg.EventLog.PollInterval),
			Immediate: true,
			Pacer:     e.pacer,
			Wake:      e.watcher.Wake(),
			Logger:    e.logger,
			Run:       e.watcher.Poll,
		})
	}

	selfInterval := e.seconds(min(cfg.Monitor.HealthCheckInterval, maxSelfSampleSeconds))
	// Not paced: the monitor must keep its cadence to notice recovery
	e.tasks = append(e.tasks, &schedule.Task{
		Name:      "self_monitor",
		Interval:  selfInterval,
		Immediate: true,
		Logger:    e.logger,
		Run:       e.monitor.Check,
	})
}

// HandleTermination hands a lost process instance to the crash analyzer
func (e *Engine) HandleTermination(notice processtracker.TerminationNotice) {
	e.analyzer.HandleTermination(notice)
}

func (e *Engine) SessionID() string {
	return e.sessionID
}

// Run starts every worker and blocks until ctx is cancelled. Shutdown order:
// observers finish their iteration, pending terminations are analyzed, the
// stopping health record is queued, then the writer drains the queue.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Infof("Engine starting, session: %s, %s", e.sessionID, e.cfg)

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- e.writer.Run(context.Background())
	}()

	analyzerCtx, stopAnalyzer := context.WithCancel(context.Background())
	defer stopAnalyzer()
	analyzerDone := make(chan struct{})
	go func() {
		defer close(analyzerDone)
		_ = e.analyzer.Run(analyzerCtx)
	}()

	// The first resolution happens before the loops so no observer starts blind
	e.tracker.Check(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range e.tasks {
		g.Go(func() error {
			return task.Loop(gctx)
		})
	}
	e.logger.Infof("Engine running, observers: %d", len(e.tasks))

	groupErr := g.Wait()
	e.logger.Infof("Observers stopped, draining")

	stopAnalyzer()
	<-analyzerDone

	e.monitor.Final(context.Background())
	e.queue.Close()
	writerErr := <-writerDone

	if err := e.tracker.Close(); err != nil {
		e.logger.Debugf("Failed to release process handle, error: %v", err)
	}
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			e.logger.Warnf("Failed to close event log watcher, error: %v", err)
		}
	}

	stats := e.Stats()
	e.logger.Infof("Engine stopped, session: %s, dropped: %d, written: %d, crashes: %d, terminations: %d, panics: %d",
		e.sessionID, stats.Dropped, stats.Writer.Written, stats.Crashes, stats.Terminations, stats.TaskPanics)

	if groupErr != nil {
		return groupErr
	}
	return writerErr
}

func (e *Engine) Stats() Stats {
	stats := Stats{
		Dropped:        e.queue.Dropped(),
		Rejected:       e.queue.Rejected(),
		SamplesSkipped: e.sampler.Skipped(),
		Crashes:        e.analyzer.Crashes(),
		Terminations:   e.analyzer.Terminations(),
		Writer:         e.writer.Stats(),
	}
	if e.watcher != nil {
		stats.EventLogRecords = e.watcher.Emitted()
	}
	for _, task := range e.tasks {
		stats.TaskPanics += task.Panics()
	}
	return stats
}
