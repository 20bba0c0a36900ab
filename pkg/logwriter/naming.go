package logwriter

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	dayLayout      = "2006-01-02"
	jsonExt        = ".json"
	gzipExt        = ".gz"
	unindexed      = -1
	tempArchiveExt = ".gz.tmp"
)

// fileName builds <prefix>_<day>[.<index>].json
func fileName(prefix, day string, index int) string {
	if index == unindexed {
		return fmt.Sprintf("%s_%s%s", prefix, day, jsonExt)
	}
	return fmt.Sprintf("%s_%s.%d%s", prefix, day, index, jsonExt)
}

// logFile is one logical log file; the plain and compressed forms share a key
type logFile struct {
	day     string
	index   int
	paths   []string
	modTime time.Time
}

func (f logFile) key() string {
	return f.day + "/" + strconv.Itoa(f.index)
}

// less orders by day, then rotation index, with the unindexed file last in its day
func (f logFile) less(other logFile) bool {
	if f.day != other.day {
		return f.day < other.day
	}
	a, b := f.index, other.index
	if a == unindexed {
		a = math.MaxInt
	}
	if b == unindexed {
		b = math.MaxInt
	}
	return a < b
}

// parseFileName recognizes <prefix>_<day>[.<index>].json[.gz]
func parseFileName(prefix, name string) (day string, index int, compressed bool, ok bool) {
	rest, found := strings.CutPrefix(name, prefix+"_")
	if !found {
		return "", 0, false, false
	}
	if trimmed, isGz := strings.CutSuffix(rest, gzipExt); isGz {
		rest, compressed = trimmed, true
	}
	rest, found = strings.CutSuffix(rest, jsonExt)
	if !found {
		return "", 0, false, false
	}

	day, indexPart, hasIndex := strings.Cut(rest, ".")
	if _, err := time.Parse(dayLayout, day); err != nil {
		return "", 0, false, false
	}
	index = unindexed
	if hasIndex {
		n, err := strconv.Atoi(indexPart)
		if err != nil || n < 1 {
			return "", 0, false, false
		}
		index = n
	}
	return day, index, compressed, true
}

// listLogFiles returns the log files in dir, oldest first
func listLogFiles(dir, prefix string) ([]logFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byKey := map[string]*logFile{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, index, _, ok := parseFileName(prefix, entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		f := logFile{day: day, index: index}
		existing, seen := byKey[f.key()]
		if !seen {
			f.modTime = info.ModTime()
			byKey[f.key()] = &f
			existing = &f
		}
		existing.paths = append(existing.paths, filepath.Join(dir, entry.Name()))
		if info.ModTime().After(existing.modTime) {
			existing.modTime = info.ModTime()
		}
	}

	files := make([]logFile, 0, len(byKey))
	for _, f := range byKey {
		files = append(files, *f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].less(files[j]) })
	return files, nil
}

// nextIndex returns the first free rotation index for day
func nextIndex(dir, prefix, day string) int {
	files, err := listLogFiles(dir, prefix)
	if err != nil {
		return 1
	}
	next := 1
	for _, f := range files {
		if f.day == day && f.index >= next {
			next = f.index + 1
		}
	}
	return next
}
