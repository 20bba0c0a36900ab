package platform

import (
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-appwatch/pkg/logging"
)

const defaultMaxEntries = 500

// LogSourceOptions configures a SystemLogSource
type LogSourceOptions struct {
	// Normalized levels to return; empty means critical, error and warning
	Levels []string
	// Upper bound of entries returned by one Read
	MaxEntries int
	Logger     logging.Logger
}

func (o *LogSourceOptions) setDefaults() {
	if len(o.Levels) == 0 {
		o.Levels = []string{LevelCritical, LevelError, LevelWarning}
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = defaultMaxEntries
	}
	if o.Logger == nil {
		o.Logger = logging.NewNullLogger()
	}
}

// OpenLogSource opens a source by configured name:
// an absolute path (or file:<path>) tails a syslog style file,
// "journal" reads the systemd journal, anything else is a Windows event log channel.
// Sources not supported on this platform return an Unavailable domain error.
func OpenLogSource(name string, opts LogSourceOptions) (SystemLogSource, error) {
	opts.setDefaults()

	switch {
	case strings.HasPrefix(name, "file:"):
		return newFileLogSource(name, strings.TrimPrefix(name, "file:"), opts)
	case filepath.IsAbs(name) || strings.HasPrefix(name, "/"):
		return newFileLogSource(name, name, opts)
	case strings.EqualFold(name, "journal"), strings.EqualFold(name, "journald"):
		return newJournalSource(name, opts)
	default:
		return newEventChannelSource(name, opts)
	}
}

// LevelAllowed reports whether level is one of levels
func LevelAllowed(level string, levels []string) bool {
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

// ClassifyText infers a level from free text for sources without structured severity
func ClassifyText(text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "fatal", "panic", "crit", "emerg", "alert", "outofmemoryerror", "stackoverflowerror"):
		return LevelCritical
	case containsAny(lower, "error", "exception", "segfault", "core dumped"):
		return LevelError
	case containsAny(lower, "warn"):
		return LevelWarning
	default:
		return LevelInfo
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
