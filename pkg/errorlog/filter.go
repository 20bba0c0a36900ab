package errorlog

import (
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-appwatch/pkg/platform"
	"github.com/core-tools/hsu-appwatch/pkg/processtracker"
)

// Filter decides which log entries concern the monitored process
type Filter struct {
	Levels []string
	// Relevance filtering; when off only the severity check applies
	Enabled  bool
	Keywords []string
}

// Match returns whether entry qualifies, and the keyword that made it relevant if any
func (f *Filter) Match(entry platform.LogEntry, snap *processtracker.Snapshot) (bool, string) {
	if !platform.LevelAllowed(entry.Level, f.Levels) {
		return false, ""
	}

	keyword := f.matchKeyword(entry.Message)
	if !f.Enabled {
		return true, keyword
	}
	if matchesProcess(entry, snap) {
		return true, keyword
	}
	return keyword != "", keyword
}

func (f *Filter) matchKeyword(message string) string {
	lower := strings.ToLower(message)
	for _, kw := range f.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}

func matchesProcess(entry platform.LogEntry, snap *processtracker.Snapshot) bool {
	if snap == nil {
		return false
	}
	if snap.Resolved() && entry.PID != 0 && entry.PID == snap.Info.PID {
		return true
	}
	if platform.MatchName(entry.ProcessName, snap.Name) || platform.MatchName(entry.Provider, snap.Name) {
		return true
	}

	base := strings.TrimSuffix(strings.ToLower(filepath.Base(snap.Name)), ".exe")
	return base != "" && strings.Contains(strings.ToLower(entry.Message), base)
}
