// Package crashanalyzer turns a lost process instance into exactly one crash
// or process_terminated record.
package crashanalyzer

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/logging"
	"github.com/core-tools/hsu-appwatch/pkg/perfsampler"
	"github.com/core-tools/hsu-appwatch/pkg/platform"
	"github.com/core-tools/hsu-appwatch/pkg/processtracker"
	"github.com/core-tools/hsu-appwatch/pkg/records"
)

// Window within which a Windows exit code becomes readable after the process is gone
const exitStatusSettle = 500 * time.Millisecond

type Options struct {
	Sink         records.Sink
	Metrics      perfsampler.MetricsSource
	Logger       logging.Logger
	OOMExitCodes []int64
	Now          func() time.Time
}

// Analyzer queues termination notices and processes them on its own worker,
// so the tracker never waits on exit status reads
type Analyzer struct {
	opts       Options
	classifier *Classifier

	mutex   sync.Mutex
	pending []processtracker.TerminationNotice
	signal  chan struct{}

	crashes     atomic.Uint64
	terminated  atomic.Uint64
	lastOutcome atomic.Pointer[Classification]
}

func New(opts Options) *Analyzer {
	if opts.Logger == nil {
		opts.Logger = logging.NewNullLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Analyzer{
		opts:       opts,
		classifier: NewClassifier(opts.OOMExitCodes),
		signal:     make(chan struct{}, 1),
	}
}

// HandleTermination enqueues a notice; it never blocks and never drops
func (a *Analyzer) HandleTermination(notice processtracker.TerminationNotice) {
	a.mutex.Lock()
	a.pending = append(a.pending, notice)
	a.mutex.Unlock()

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

// Run processes notices until ctx is cancelled, then drains what is left
func (a *Analyzer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.drain(context.Background())
			return nil
		case <-a.signal:
			a.drain(ctx)
		}
	}
}

func (a *Analyzer) drain(ctx context.Context) {
	for {
		a.mutex.Lock()
		batch := a.pending
		a.pending = nil
		a.mutex.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, notice := range batch {
			a.Analyze(ctx, notice)
		}
	}
}

// Analyze classifies one termination and emits its single record
func (a *Analyzer) Analyze(ctx context.Context, notice processtracker.TerminationNotice) Classification {
	snap := notice.Snapshot
	defer func() {
		if err := snap.Handle.Close(); err != nil {
			a.opts.Logger.Debugf("Failed to close process handle, pid: %d, error: %v", snap.Info.PID, err)
		}
	}()

	exitCode := a.readExitCode(ctx, snap)
	outcome := a.classifier.Classify(exitCode)

	payload := records.Exit{
		ExitCode:    exitCode,
		Cause:       outcome.Cause,
		CauseDetail: outcome.Detail,
	}
	if !snap.Info.StartTime.IsZero() {
		payload.UptimeSeconds = notice.DetectedAt.Sub(snap.Info.StartTime).Seconds()
	}
	if a.opts.Metrics != nil {
		samples := a.opts.Metrics.Recent(snap.Generation)
		if len(samples) > 0 {
			last := samples[len(samples)-1]
			payload.LastMetrics = &last
			for _, s := range samples {
				if s.MemoryRSSMB > payload.PeakMemoryRSSMB {
					payload.PeakMemoryRSSMB = s.MemoryRSSMB
				}
			}
		}
	}

	a.opts.Sink.Publish(records.NewExit(notice.DetectedAt, snap.Identity(), outcome.Crash, payload))
	a.lastOutcome.Store(&outcome)

	if outcome.Crash {
		a.crashes.Add(1)
		a.opts.Logger.Warnf("Process crashed, pid: %d, cause: %s, detail: %s", snap.Info.PID, outcome.Cause, outcome.Detail)
	} else {
		a.terminated.Add(1)
		a.opts.Logger.Infof("Process terminated, pid: %d, cause: %s", snap.Info.PID, outcome.Cause)
	}
	return outcome
}

func (a *Analyzer) readExitCode(ctx context.Context, snap *processtracker.Snapshot) *int64 {
	deadline := time.Now().Add(exitStatusSettle)
	for {
		status, err := snap.Handle.ExitStatus(ctx)
		if err == nil {
			code := status.Code
			return &code
		}
		if stderrors.Is(err, platform.ErrExitStatusUnavailable) || time.Now().After(deadline) || ctx.Err() != nil {
			a.opts.Logger.Debugf("Exit status not available, pid: %d, error: %v", snap.Info.PID, err)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (a *Analyzer) Crashes() uint64 {
	return a.crashes.Load()
}

func (a *Analyzer) Terminations() uint64 {
	return a.terminated.Load()
}
