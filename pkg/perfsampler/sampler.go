// Package perfsampler periodically reads the target's counters and emits performance records.
package perfsampler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/logging"
	"github.com/core-tools/hsu-appwatch/pkg/processtracker"
	"github.com/core-tools/hsu-appwatch/pkg/records"
)

// MetricsSource gives the crash analyzer the samples of one process instance
type MetricsSource interface {
	Recent(generation uint64) []records.MetricSample
}

type Options struct {
	View   processtracker.View
	Sink   records.Sink
	Logger logging.Logger
	// Ring size of retained samples
	BufferSize int
	// Emit low severity error records for skipped samples
	IncludeDebug bool
	Now          func() time.Time
}

type entry struct {
	generation uint64
	sample     records.MetricSample
}

type Sampler struct {
	opts Options

	mutex sync.Mutex
	ring  []entry
	next  int
	count int

	skipped atomic.Uint64
	emitted atomic.Uint64
}

func New(opts Options) *Sampler {
	if opts.Logger == nil {
		opts.Logger = logging.NewNullLogger()
	}
	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sampler{
		opts: opts,
		ring: make([]entry, opts.BufferSize),
	}
}

// Sample runs one sampling cycle; it never blocks on the target beyond the counter reads
func (s *Sampler) Sample(ctx context.Context) {
	snap := s.opts.View.Current()
	if !snap.Resolved() {
		return
	}

	sample, err := snap.Handle.Sample(ctx)
	if err != nil {
		s.skipped.Add(1)
		s.opts.Logger.Debugf("Skipping performance sample, pid: %d, error: %v", snap.Info.PID, err)
		if s.opts.IncludeDebug {
			s.opts.Sink.Publish(records.NewError(s.opts.Now(), snap.Identity(), "performance_sampler", err, records.SeverityLow))
		}
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.opts.Now()
	}

	s.store(snap.Generation, sample)
	s.emitted.Add(1)
	s.opts.Sink.Publish(records.NewPerformance(snap.Identity(), sample))
}

func (s *Sampler) store(generation uint64, sample records.MetricSample) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ring[s.next] = entry{generation: generation, sample: sample}
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
}

// Recent returns retained samples of one instance, oldest first
func (s *Sampler) Recent(generation uint64) []records.MetricSample {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]records.MetricSample, 0, s.count)
	start := (s.next - s.count + len(s.ring)) % len(s.ring)
	for i := 0; i < s.count; i++ {
		e := s.ring[(start+i)%len(s.ring)]
		if e.generation == generation {
			out = append(out, e.sample)
		}
	}
	return out
}

// Skipped returns how many samples were skipped because counters could not be read
func (s *Sampler) Skipped() uint64 {
	return s.skipped.Load()
}

func (s *Sampler) Emitted() uint64 {
	return s.emitted.Load()
}
