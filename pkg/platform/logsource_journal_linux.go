//go:build linux && cgo

package platform

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/errors"

	"github.com/coreos/go-systemd/v22/sdjournal"
)

// Cursor used when the journal was empty at first read
const journalHeadCursor = "@head"

type journalSource struct {
	name string
	opts LogSourceOptions

	// sd_journal handles are not safe for concurrent use
	mutex   sync.Mutex
	journal *sdjournal.Journal

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

func journalPriorities(levels []string) []int {
	var priorities []int
	for _, level := range levels {
		switch level {
		case LevelCritical:
			priorities = append(priorities, 0, 1, 2)
		case LevelError:
			priorities = append(priorities, 3)
		case LevelWarning:
			priorities = append(priorities, 4)
		}
	}
	return priorities
}

func journalLevel(priority string) string {
	switch priority {
	case "0", "1", "2":
		return LevelCritical
	case "3":
		return LevelError
	case "4":
		return LevelWarning
	default:
		return LevelInfo
	}
}

func newJournalSource(name string, opts LogSourceOptions) (SystemLogSource, error) {
	journal, err := sdjournal.NewJournal()
	if err != nil {
		return nil, errors.NewUnavailableError("failed to open systemd journal", err)
	}

	// Matches on the same field are ORed by journald
	for _, priority := range journalPriorities(opts.Levels) {
		if err := journal.AddMatch(fmt.Sprintf("PRIORITY=%d", priority)); err != nil {
			journal.Close()
			return nil, errors.NewInternalError("failed to add journal priority match", err)
		}
	}

	s := &journalSource{
		name:    name,
		opts:    opts,
		journal: journal,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.waitLoop()
	return s, nil
}

func (s *journalSource) waitLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.mutex.Lock()
		event := s.journal.Wait(500 * time.Millisecond)
		s.mutex.Unlock()

		if event == sdjournal.SD_JOURNAL_APPEND || event == sdjournal.SD_JOURNAL_INVALIDATE {
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}

		// Give Read a chance at the handle between waits
		select {
		case <-s.stop:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *journalSource) Name() string {
	return s.name
}

func (s *journalSource) Notify() <-chan struct{} {
	return s.notify
}

func (s *journalSource) Read(ctx context.Context, cursor string) ([]LogEntry, string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch cursor {
	case "":
		return nil, s.tailCursor(), nil
	case journalHeadCursor:
		if err := s.journal.SeekHead(); err != nil {
			return nil, cursor, errors.NewIOError("failed to seek journal head", err)
		}
	default:
		if err := s.journal.SeekCursor(cursor); err != nil {
			return nil, cursor, errors.NewIOError("failed to seek journal cursor", err).WithContext("cursor", cursor)
		}
		// Step onto the cursor entry itself; it was already reported
		if n, err := s.journal.Next(); err != nil || n == 0 {
			return nil, cursor, nil
		}
		if err := s.journal.TestCursor(cursor); err != nil {
			s.opts.Logger.Debugf("Journal cursor entry no longer present, cursor: %s", cursor)
			if _, err := s.journal.Previous(); err != nil {
				return nil, cursor, nil
			}
		}
	}

	var entries []LogEntry
	next := cursor
	for len(entries) < s.opts.MaxEntries && ctx.Err() == nil {
		n, err := s.journal.Next()
		if err != nil {
			return entries, next, errors.NewIOError("failed to advance journal", err)
		}
		if n == 0 {
			break
		}
		raw, err := s.journal.GetEntry()
		if err != nil {
			return entries, next, errors.NewIOError("failed to read journal entry", err)
		}
		next = raw.Cursor
		entries = append(entries, s.convertEntry(raw))
	}
	return entries, next, nil
}

func (s *journalSource) tailCursor() string {
	if err := s.journal.SeekTail(); err != nil {
		return journalHeadCursor
	}
	if n, err := s.journal.Previous(); err != nil || n == 0 {
		return journalHeadCursor
	}
	cursor, err := s.journal.GetCursor()
	if err != nil || cursor == "" {
		return journalHeadCursor
	}
	return cursor
}

func (s *journalSource) convertEntry(raw *sdjournal.JournalEntry) LogEntry {
	entry := LogEntry{
		Source:   s.name,
		RecordID: raw.Cursor,
		Message:  raw.Fields[sdjournal.SD_JOURNAL_FIELD_MESSAGE],
		Level:    journalLevel(raw.Fields[sdjournal.SD_JOURNAL_FIELD_PRIORITY]),
		Time:     time.UnixMicro(int64(raw.RealtimeTimestamp)),
	}

	entry.ProcessName = raw.Fields[sdjournal.SD_JOURNAL_FIELD_COMM]
	entry.Provider = raw.Fields[sdjournal.SD_JOURNAL_FIELD_SYSLOG_IDENTIFIER]
	if entry.Provider == "" {
		entry.Provider = entry.ProcessName
	}
	if pid, err := strconv.ParseInt(raw.Fields[sdjournal.SD_JOURNAL_FIELD_PID], 10, 32); err == nil {
		entry.PID = int32(pid)
	}
	return entry
}

func (s *journalSource) Close() error {
	close(s.stop)
	s.wg.Wait()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.journal.Close()
}
