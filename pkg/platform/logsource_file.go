package platform

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/errors"

	"github.com/fsnotify/fsnotify"
)

// <timestamp> <host> <tag>[<pid>]: <message>, with either RFC3339 or BSD style timestamps
var syslogLine = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\S+|[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+([^\s:\[]+)(?:\[(\d+)\])?:\s*(.*)$`)

type fileLogSource struct {
	name string
	path string
	opts LogSourceOptions

	watcher *fsnotify.Watcher
	notify  chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	// epoch names the current file incarnation so record ids stay unique
	// after a truncation or replacement restarts offsets at zero. Only Read
	// touches it.
	epoch int64
	last  os.FileInfo
}

func newFileLogSource(name, path string, opts LogSourceOptions) (SystemLogSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.NewUnavailableError("log file is not readable", err).WithContext("path", path)
	}

	s := &fileLogSource{
		name:  name,
		path:  filepath.Clean(path),
		opts:  opts,
		stop:  make(chan struct{}),
		epoch: time.Now().UnixNano(),
	}

	// Without a watcher the source still works by polling
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		opts.Logger.Debugf("File watcher not available, path: %s, error: %v", path, err)
		return s, nil
	}
	// Watch the directory so rotation by rename and recreate is seen
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		opts.Logger.Debugf("Failed to watch log directory, path: %s, error: %v", path, err)
		return s, nil
	}

	s.watcher = watcher
	s.notify = make(chan struct{}, 1)
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

func (s *fileLogSource) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			select {
			case s.notify <- struct{}{}:
			default:
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.opts.Logger.Debugf("File watcher error, path: %s, error: %v", s.path, err)
		}
	}
}

func (s *fileLogSource) Name() string {
	return s.name
}

func (s *fileLogSource) Notify() <-chan struct{} {
	return s.notify
}

// Read returns complete lines after the byte offset in cursor. A file shorter
// than the cursor, or a different file under the same path, was truncated or
// rotated and is read from the start.
func (s *fileLogSource) Read(ctx context.Context, cursor string) ([]LogEntry, string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, cursor, errors.NewUnavailableError("failed to open log file", err).WithContext("path", s.path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, cursor, errors.NewIOError("failed to stat log file", err).WithContext("path", s.path)
	}

	if cursor == "" {
		s.last = info
		return nil, strconv.FormatInt(info.Size(), 10), nil
	}

	offset, err := strconv.ParseInt(cursor, 10, 64)
	restarted := err != nil || offset < 0 || offset > info.Size()
	if s.last != nil && !os.SameFile(s.last, info) {
		restarted = true
	}
	if restarted {
		offset = 0
		s.epoch = max(time.Now().UnixNano(), s.epoch+1)
		s.opts.Logger.Debugf("Log file truncated or replaced, reading from start, path: %s", s.path)
	}
	s.last = info
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, cursor, errors.NewIOError("failed to seek log file", err).WithContext("path", s.path)
	}

	var entries []LogEntry
	reader := bufio.NewReader(f)
	for len(entries) < s.opts.MaxEntries {
		if ctx.Err() != nil {
			break
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial trailing line stays unread until it is complete
			break
		}
		lineOffset := offset
		offset += int64(len(line))

		entry, ok := s.parseLine(strings.TrimRight(line, "\r\n"), lineOffset)
		if ok && LevelAllowed(entry.Level, s.opts.Levels) {
			entries = append(entries, entry)
		}
	}

	return entries, strconv.FormatInt(offset, 10), nil
}

func (s *fileLogSource) parseLine(line string, offset int64) (LogEntry, bool) {
	if strings.TrimSpace(line) == "" {
		return LogEntry{}, false
	}

	entry := LogEntry{
		Source:   s.name,
		RecordID: strconv.FormatInt(s.epoch, 10) + ":" + strconv.FormatInt(offset, 10),
		Message:  line,
		Time:     time.Now(),
	}

	if m := syslogLine.FindStringSubmatch(line); m != nil {
		if ts, err := time.Parse(time.RFC3339Nano, m[1]); err == nil {
			entry.Time = ts
		}
		entry.Provider = m[3]
		entry.ProcessName = m[3]
		if pid, err := strconv.ParseInt(m[4], 10, 32); err == nil {
			entry.PID = int32(pid)
		}
		entry.Message = m[5]
	}

	entry.Level = ClassifyText(entry.Message)
	return entry, true
}

func (s *fileLogSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.stop)
	err := s.watcher.Close()
	s.wg.Wait()
	s.watcher = nil
	return err
}
