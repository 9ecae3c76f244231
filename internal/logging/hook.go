package logging

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Entry is a captured log line.
type Entry struct {
	Level   logrus.Level
	Message string
	Fields  logrus.Fields
}

// CaptureHook is a logrus hook that keeps the most recent entries in memory,
// so callers can inspect what a runtime logged.
type CaptureHook struct {
	mu      sync.Mutex
	levels  []logrus.Level
	limit   int
	entries []Entry
}

// NewCaptureHook keeps up to limit entries at or above minLevel.
func NewCaptureHook(minLevel logrus.Level, limit int) *CaptureHook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return &CaptureHook{levels: levels, limit: limit}
}

// Levels returns the log levels this hook should fire for
func (h *CaptureHook) Levels() []logrus.Level {
	return h.levels
}

// Fire is called when a log event occurs
func (h *CaptureHook) Fire(entry *logrus.Entry) error {
	fields := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, Entry{Level: entry.Level, Message: entry.Message, Fields: fields})
	if h.limit > 0 && len(h.entries) > h.limit {
		h.entries = h.entries[len(h.entries)-h.limit:]
	}
	return nil
}

// Entries returns a copy of the captured entries, oldest first.
func (h *CaptureHook) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Entry(nil), h.entries...)
}
