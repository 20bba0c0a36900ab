// Package logwriter is the single consumer of the event queue. It batches
// records into JSON lines and owns the log files: rotation, compression of
// rotated files, retention, and in-memory fallback when the disk fails.
package logwriter

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/errors"
	"github.com/core-tools/hsu-appwatch/pkg/logging"
	"github.com/core-tools/hsu-appwatch/pkg/records"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// Source is the queue side the writer drains
type Source interface {
	PopBatch(dst []records.Record, max int) []records.Record
	Notify() <-chan struct{}
	Done() <-chan struct{}
}

type Options struct {
	Dir              string
	Prefix           string
	MaxFileSizeBytes int64
	MaxFiles         int
	RetentionDays    int
	Compress         bool
	CompressWorkers  int
	BatchSize        int
	FlushInterval    time.Duration
	ShutdownTimeout  time.Duration

	RetryAttempts        int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	FallbackBufferSize   int
	// Minimum spacing of the recurring error record while degraded
	ErrorRecordInterval time.Duration

	// Receives error records about the writer itself; normally the queue it drains
	Sink     records.Sink
	Identity func() records.Identity
	Logger   logging.Logger
	Now      func() time.Time
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "appwatch"
	}
	if o.CompressWorkers < 1 {
		o.CompressWorkers = 1
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.RetryAttempts < 1 {
		o.RetryAttempts = 1
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 100 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 2 * time.Second
	}
	if o.FallbackBufferSize < 1 {
		o.FallbackBufferSize = 1
	}
	if o.ErrorRecordInterval <= 0 {
		o.ErrorRecordInterval = time.Minute
	}
	if o.Identity == nil {
		o.Identity = func() records.Identity { return records.Identity{} }
	}
	if o.Logger == nil {
		o.Logger = logging.NewNullLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats are writer counters; all but Buffered only increase
type Stats struct {
	Written         uint64
	Batches         uint64
	Rotations       uint64
	WriteErrors     uint64
	MarshalErrors   uint64
	// Records currently held in memory while degraded
	Buffered        int
	DegradedDropped uint64
	Archived        uint64
	Deleted         uint64
}

type Writer struct {
	opts     Options
	source   Source
	archiver *archiver

	file *os.File
	day  string
	size int64
	// Base name of the open file, read by the archiver
	active atomic.Pointer[string]

	batch    []records.Record
	fallback [][]byte
	degraded atomic.Bool
	errLimit *rate.Limiter

	written         atomic.Uint64
	batches         atomic.Uint64
	rotations       atomic.Uint64
	writeErrors     atomic.Uint64
	marshalErrors   atomic.Uint64
	buffered        atomic.Int64
	degradedDropped atomic.Uint64
}

func New(source Source, opts Options) *Writer {
	opts.setDefaults()
	w := &Writer{
		opts:     opts,
		source:   source,
		batch:    make([]records.Record, 0, opts.BatchSize),
		errLimit: rate.NewLimiter(rate.Every(opts.ErrorRecordInterval), 1),
	}
	w.archiver = &archiver{
		dir:           opts.Dir,
		prefix:        opts.Prefix,
		compress:      opts.Compress,
		workers:       opts.CompressWorkers,
		maxFiles:      opts.MaxFiles,
		retentionDays: opts.RetentionDays,
		now:           opts.Now,
		logger:        opts.Logger,
		active:        &w.active,
	}
	return w
}

// Run consumes the source until it is closed or ctx is cancelled, then drains
// what is left within the shutdown timeout and closes the file.
func (w *Writer) Run(ctx context.Context) error {
	w.archiver.start()
	w.recoverLeftovers()

	timer := time.NewTimer(w.opts.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		case <-w.source.Done():
			return w.shutdown()
		case <-w.source.Notify():
			if w.fill() {
				timer.Reset(w.opts.FlushInterval)
			}
		case <-timer.C:
			w.flush()
			timer.Reset(w.opts.FlushInterval)
		}
	}
}

// fill pulls queued records, flushing each time a full batch is reached.
// It reports whether a flush happened.
func (w *Writer) fill() bool {
	flushed := false
	for {
		w.batch = w.source.PopBatch(w.batch, w.opts.BatchSize-len(w.batch))
		if len(w.batch) < w.opts.BatchSize {
			return flushed
		}
		w.flush()
		flushed = true
	}
}

func (w *Writer) shutdown() error {
	deadline := time.Now().Add(w.opts.ShutdownTimeout)
	for time.Now().Before(deadline) {
		before := len(w.batch)
		w.batch = w.source.PopBatch(w.batch, w.opts.BatchSize-len(w.batch))
		if len(w.batch) == before {
			break
		}
		if len(w.batch) >= w.opts.BatchSize {
			w.flush()
		}
	}
	w.flush()

	if n := len(w.fallback); n > 0 {
		w.opts.Logger.Errorf("Log writer stopped with unwritten records, count: %d", n)
	}

	var closeErr error
	if w.file != nil {
		closeErr = w.file.Close()
		w.file = nil
	}
	w.archiver.shutdown()

	stats := w.Stats()
	w.opts.Logger.Infof("Log writer stopped, written: %d, batches: %d, rotations: %d, write_errors: %d, degraded_dropped: %d",
		stats.Written, stats.Batches, stats.Rotations, stats.WriteErrors, stats.DegradedDropped)

	if closeErr != nil {
		return errors.NewIOError("failed to close log file", closeErr)
	}
	return nil
}

// flush writes the pending batch, together with any fallback backlog
func (w *Writer) flush() {
	if len(w.batch) == 0 && len(w.fallback) == 0 {
		return
	}

	lines := make([][]byte, 0, len(w.fallback)+len(w.batch))
	lines = append(lines, w.fallback...)
	for _, r := range w.batch {
		line, err := r.MarshalLine()
		if err != nil {
			w.marshalErrors.Add(1)
			w.opts.Logger.Warnf("Failed to encode record, type: %s, error: %v", r.Type, err)
			continue
		}
		lines = append(lines, line)
	}
	clear(w.batch)
	w.batch = w.batch[:0]
	w.fallback = nil

	written, err := w.writeWithRetry(lines)
	if written > 0 {
		w.written.Add(uint64(written))
		w.batches.Add(1)
	}
	if err == nil {
		w.buffered.Store(0)
		if w.degraded.CompareAndSwap(true, false) {
			w.opts.Logger.Infof("Log writer recovered, flushed: %d", written)
		}
		return
	}

	w.enterDegraded(lines[written:], err)
}

// writeWithRetry retries a failing write with exponential backoff. While
// degraded a single attempt is made so the loop keeps draining the queue.
func (w *Writer) writeWithRetry(lines [][]byte) (int, error) {
	tries := uint(w.opts.RetryAttempts)
	if w.degraded.Load() {
		tries = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.opts.RetryInitialInterval
	policy.MaxInterval = w.opts.RetryMaxInterval

	total := 0
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		n, err := w.writeLines(lines[total:])
		total += n
		if err != nil {
			w.writeErrors.Add(1)
			w.opts.Logger.Debugf("Log write failed, remaining: %d, error: %v", len(lines)-total, err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(tries))
	return total, err
}

func (w *Writer) enterDegraded(lines [][]byte, err error) {
	if w.degraded.CompareAndSwap(false, true) {
		w.opts.Logger.Errorf("Log writer degraded to memory buffering, dir: %s, error: %v", w.opts.Dir, err)
	}

	w.fallback = append(w.fallback, lines...)
	if excess := len(w.fallback) - w.opts.FallbackBufferSize; excess > 0 {
		clear(w.fallback[:excess])
		w.fallback = w.fallback[excess:]
		w.degradedDropped.Add(uint64(excess))
	}
	w.buffered.Store(int64(len(w.fallback)))

	if w.opts.Sink != nil && w.errLimit.Allow() {
		w.opts.Sink.Publish(records.NewError(w.opts.Now(), w.opts.Identity(), "log_writer", err, records.SeverityHigh))
	}
}

// writeLines writes whole lines, rotating between lines when needed.
// It returns how many lines reached the file.
func (w *Writer) writeLines(lines [][]byte) (int, error) {
	written := 0
	for written < len(lines) {
		if err := w.prepare(int64(len(lines[written]))); err != nil {
			return written, err
		}

		// Pack as many lines as fit into the current file into one write
		var chunk []byte
		size := w.size
		n := 0
		for _, line := range lines[written:] {
			if n > 0 && w.opts.MaxFileSizeBytes > 0 && size+int64(len(line)) > w.opts.MaxFileSizeBytes {
				break
			}
			chunk = append(chunk, line...)
			size += int64(len(line))
			n++
		}

		if err := w.writeChunk(chunk); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (w *Writer) writeChunk(chunk []byte) error {
	n, err := w.file.Write(chunk)
	if err == nil {
		w.size += int64(n)
		return nil
	}
	if n > 0 {
		// A partial line must not stay in the file
		if terr := w.file.Truncate(w.size); terr != nil {
			w.opts.Logger.Warnf("Failed to truncate partial write, error: %v", terr)
			w.closeFile()
		}
	}
	return errors.NewIOError("failed to write log file", err).WithContext("dir", w.opts.Dir)
}

// today is the UTC calendar day, matching the record timestamps
func (w *Writer) today() string {
	return w.opts.Now().UTC().Format(dayLayout)
}

// prepare makes sure an open file can take a line of lineSize bytes
func (w *Writer) prepare(lineSize int64) error {
	today := w.today()

	if w.file != nil && w.day != today {
		previous := filepath.Join(w.opts.Dir, fileName(w.opts.Prefix, w.day, unindexed))
		w.closeFile()
		w.rotations.Add(1)
		w.opts.Logger.Infof("Log file rotated, reason: day, path: %s", previous)
		w.archiver.submit(previous)
	}

	if w.file == nil {
		if err := w.open(today); err != nil {
			return err
		}
	}

	if w.size > 0 && w.opts.MaxFileSizeBytes > 0 && w.size+lineSize > w.opts.MaxFileSizeBytes {
		return w.rotateBySize()
	}
	return nil
}

func (w *Writer) open(day string) error {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return errors.NewIOError("failed to create log directory", err).WithContext("dir", w.opts.Dir)
	}

	name := fileName(w.opts.Prefix, day, unindexed)
	path := filepath.Join(w.opts.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.NewIOError("failed to open log file", err).WithContext("path", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.NewIOError("failed to stat log file", err).WithContext("path", path)
	}

	w.file = f
	w.day = day
	w.size = info.Size()
	w.active.Store(&name)
	w.opts.Logger.Debugf("Log file opened, path: %s, size: %d", path, w.size)
	return nil
}

func (w *Writer) rotateBySize() error {
	activePath := filepath.Join(w.opts.Dir, fileName(w.opts.Prefix, w.day, unindexed))
	rotatedPath := filepath.Join(w.opts.Dir, fileName(w.opts.Prefix, w.day, nextIndex(w.opts.Dir, w.opts.Prefix, w.day)))

	day := w.day
	w.closeFile()
	if err := os.Rename(activePath, rotatedPath); err != nil {
		return errors.NewIOError("failed to rotate log file", err).WithContext("path", activePath)
	}
	w.rotations.Add(1)
	w.opts.Logger.Infof("Log file rotated, reason: size, path: %s", rotatedPath)
	w.archiver.submit(rotatedPath)

	return w.open(day)
}

func (w *Writer) closeFile() {
	if w.file == nil {
		return
	}
	if err := w.file.Close(); err != nil {
		w.opts.Logger.Warnf("Failed to close log file, error: %v", err)
	}
	w.file = nil
	w.size = 0
}

// recoverLeftovers queues files a previous run rotated but did not compress,
// including an earlier day's active file, and runs retention once
func (w *Writer) recoverLeftovers() {
	today := fileName(w.opts.Prefix, w.today(), unindexed)
	files, err := listLogFiles(w.opts.Dir, w.opts.Prefix)
	if err != nil {
		return
	}
	for _, f := range files {
		for _, path := range f.paths {
			if filepath.Ext(path) == jsonExt && filepath.Base(path) != today {
				w.archiver.submit(path)
			}
		}
	}
	w.archiver.submit("")
}

// Degraded reports whether records are currently held in memory only
func (w *Writer) Degraded() bool {
	return w.degraded.Load()
}

func (w *Writer) Stats() Stats {
	return Stats{
		Written:          w.written.Load(),
		Batches:          w.batches.Load(),
		Rotations:        w.rotations.Load(),
		WriteErrors:      w.writeErrors.Load(),
		MarshalErrors:    w.marshalErrors.Load(),
		Buffered:         int(w.buffered.Load()),
		DegradedDropped:  w.degradedDropped.Load(),
		Archived:         w.archiver.archived.Load(),
		Deleted:          w.archiver.deleted.Load(),
	}
}
