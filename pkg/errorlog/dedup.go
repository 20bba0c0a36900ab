package errorlog

import (
	"strconv"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/platform"
)

// Hard cap on remembered keys regardless of the window
const maxDedupEntries = 10000

type seenEntry struct {
	key  string
	seen time.Time
}

// Deduplicator remembers entry identifiers for a fixed time window
type Deduplicator struct {
	window time.Duration
	order  []seenEntry
	keys   map[string]time.Time
}

func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{window: window, keys: map[string]time.Time{}}
}

// entryKey prefers the log native record identifier
func entryKey(e platform.LogEntry) string {
	if e.RecordID != "" {
		return e.Source + "|" + e.RecordID
	}
	return e.Source + "|" + strconv.FormatUint(uint64(e.EventID), 10) + "|" +
		strconv.FormatInt(e.Time.UnixNano(), 10) + "|" + e.Message
}

// Seen records entry and reports whether it was already observed inside the window
func (d *Deduplicator) Seen(e platform.LogEntry, now time.Time) bool {
	d.expire(now)

	key := entryKey(e)
	if _, ok := d.keys[key]; ok {
		return true
	}

	d.keys[key] = now
	d.order = append(d.order, seenEntry{key: key, seen: now})
	if len(d.order) > maxDedupEntries {
		delete(d.keys, d.order[0].key)
		d.order = d.order[1:]
	}
	return false
}

func (d *Deduplicator) expire(now time.Time) {
	cut := 0
	for cut < len(d.order) && now.Sub(d.order[cut].seen) >= d.window {
		delete(d.keys, d.order[cut].key)
		cut++
	}
	if cut > 0 {
		d.order = append(d.order[:0], d.order[cut:]...)
	}
}

func (d *Deduplicator) Len() int {
	return len(d.keys)
}
