package logwriter

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/errors"
	"github.com/core-tools/hsu-appwatch/pkg/logging"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
)

// archiver compresses rotated files and enforces retention off the write path
type archiver struct {
	dir           string
	prefix        string
	compress      bool
	workers       int
	maxFiles      int
	retentionDays int
	now           func() time.Time
	logger        logging.Logger
	active        *atomic.Pointer[string]

	mutex   sync.Mutex
	pending []string
	signal  chan struct{}
	stop    chan struct{}
	done    chan struct{}

	archived atomic.Uint64
	deleted  atomic.Uint64
	failures atomic.Uint64
}

func (a *archiver) start() {
	a.signal = make(chan struct{}, 1)
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.run()
}

// submit queues a rotated file; an empty path only requests a retention pass
func (a *archiver) submit(path string) {
	a.mutex.Lock()
	if path != "" {
		a.pending = append(a.pending, path)
	}
	a.mutex.Unlock()

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

func (a *archiver) run() {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			a.process()
			return
		case <-a.signal:
			a.process()
		}
	}
}

// shutdown finishes queued work and waits for the worker
func (a *archiver) shutdown() {
	close(a.stop)
	<-a.done
}

func (a *archiver) process() {
	a.mutex.Lock()
	batch := a.pending
	a.pending = nil
	a.mutex.Unlock()

	if a.compress && len(batch) > 0 {
		var g errgroup.Group
		g.SetLimit(a.workers)
		for _, path := range batch {
			g.Go(func() error {
				if err := compressFile(path); err != nil {
					a.failures.Add(1)
					a.logger.Warnf("Failed to compress rotated log, path: %s, error: %v", path, err)
					return err
				}
				a.archived.Add(1)
				a.logger.Debugf("Rotated log compressed, path: %s", path)
				return nil
			})
		}
		_ = g.Wait()
	}

	a.enforceRetention()
}

// compressFile gzips path into path.gz, keeping its modification time, and removes path
func compressFile(path string) error {
	if strings.HasSuffix(path, gzipExt) {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return errors.NewIOError("failed to open rotated log", err).WithContext("path", path)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return errors.NewIOError("failed to stat rotated log", err).WithContext("path", path)
	}

	tmpPath := path + tempArchiveExt
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.NewIOError("failed to create archive", err).WithContext("path", tmpPath)
	}

	gz, err := gzip.NewWriterLevel(dst, gzip.DefaultCompression)
	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return errors.NewInternalError("failed to create gzip writer", err)
	}
	gz.Name = filepath.Base(path)
	gz.ModTime = info.ModTime()

	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(tmpPath)
		return errors.NewIOError("failed to compress rotated log", err).WithContext("path", path)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return errors.NewIOError("failed to finish archive", err).WithContext("path", tmpPath)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to close archive", err).WithContext("path", tmpPath)
	}

	archivePath := path + gzipExt
	if err := os.Rename(tmpPath, archivePath); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to publish archive", err).WithContext("path", archivePath)
	}
	_ = os.Chtimes(archivePath, info.ModTime(), info.ModTime())

	src.Close()
	if err := os.Remove(path); err != nil {
		return errors.NewIOError("failed to remove compressed log", err).WithContext("path", path)
	}
	return nil
}

// enforceRetention deletes files older than retentionDays, then the oldest
// files beyond maxFiles. The active file is never deleted and counts toward maxFiles.
func (a *archiver) enforceRetention() {
	files, err := listLogFiles(a.dir, a.prefix)
	if err != nil {
		a.logger.Debugf("Failed to list log files, dir: %s, error: %v", a.dir, err)
		return
	}

	activeName := ""
	if p := a.active.Load(); p != nil {
		activeName = *p
	}
	isActive := func(f logFile) bool {
		for _, path := range f.paths {
			if filepath.Base(path) == activeName {
				return true
			}
		}
		return false
	}

	var kept []logFile
	cutoff := a.now().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	for _, f := range files {
		if a.retentionDays > 0 && f.modTime.Before(cutoff) && !isActive(f) {
			a.remove(f, "expired")
			continue
		}
		kept = append(kept, f)
	}

	excess := len(kept) - a.maxFiles
	for _, f := range kept {
		if a.maxFiles <= 0 || excess <= 0 {
			break
		}
		if isActive(f) {
			continue
		}
		a.remove(f, "max_files")
		excess--
	}
}

func (a *archiver) remove(f logFile, reason string) {
	for _, path := range f.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.logger.Warnf("Failed to delete log file, path: %s, error: %v", path, err)
			continue
		}
		a.logger.Debugf("Log file deleted, path: %s, reason: %s", path, reason)
	}
	a.deleted.Add(1)
}
