package errorlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/core-tools/hsu-appwatch/pkg/errors"
)

// CursorStore keeps the per-source high-water cursor. With an empty path
// cursors live in memory only and every restart begins at the log end.
type CursorStore struct {
	path string

	mutex   sync.Mutex
	cursors map[string]string
	dirty   bool
}

type cursorFile struct {
	Cursors map[string]string `json:"cursors"`
}

// LoadCursorStore reads path if it exists. A missing file is an empty store.
func LoadCursorStore(path string) (*CursorStore, error) {
	s := &CursorStore{path: path, cursors: map[string]string{}}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, errors.NewIOError("failed to read cursor state", err).WithContext("path", path)
	}

	var file cursorFile
	if err := json.Unmarshal(data, &file); err != nil {
		return s, errors.NewValidationError("corrupt cursor state", err).WithContext("path", path)
	}
	for source, cursor := range file.Cursors {
		s.cursors[source] = cursor
	}
	return s, nil
}

func (s *CursorStore) Get(source string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cursors[source]
}

func (s *CursorStore) Set(source, cursor string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cursors[source] == cursor {
		return
	}
	s.cursors[source] = cursor
	s.dirty = true
}

// Sources returns the names with a stored cursor, sorted
func (s *CursorStore) Sources() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	names := make([]string, 0, len(s.cursors))
	for name := range s.cursors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save persists the cursors if anything changed since the last save
func (s *CursorStore) Save() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.path == "" || !s.dirty {
		return nil
	}

	data, err := json.MarshalIndent(cursorFile{Cursors: s.cursors}, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to encode cursor state", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.NewIOError("failed to create cursor state directory", err).WithContext("path", s.path)
	}
	if err := atomicWriteFile(s.path, data, 0o644); err != nil {
		return errors.NewIOError("failed to write cursor state", err).WithContext("path", s.path)
	}
	s.dirty = false
	return nil
}
