package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// LogEntry is a single captured log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
}

// LogBuffer is a ring buffer of recent log entries, exposed through the
// debug endpoint.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	writePos int
	count    int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the global log buffer instance
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(10000)
	})
	return globalBuffer
}

// NewLogBuffer creates a buffer holding up to size entries.
func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{entries: make([]LogEntry, size)}
}

// Add appends an entry, evicting the oldest once the buffer is full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Recent returns up to limit entries, newest first, at or above the given
// level ("" matches all) and no older than since.
func (b *LogBuffer) Recent(limit int, level string, since time.Duration) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	cutoff := time.Now().Add(-since)

	var result []LogEntry
	for i := 0; i < b.count && len(result) < limit; i++ {
		idx := (b.writePos - 1 - i + len(b.entries)) % len(b.entries)
		entry := b.entries[idx]
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		if level != "" && levelRank(entry.Level) < levelRank(level) {
			continue
		}
		result = append(result, entry)
	}
	return result
}

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 0
	case "info":
		return 1
	case "warn", "warning":
		return 2
	case "error":
		return 3
	case "fatal":
		return 4
	default:
		return 1
	}
}

// Count returns the current number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LogBufferWriter tees zerolog output into the ring buffer.
type LogBufferWriter struct {
	buffer   *LogBuffer
	original io.Writer
}

// NewLogBufferWriter creates a writer that captures logs to buffer
func NewLogBufferWriter(original io.Writer) *LogBufferWriter {
	return &LogBufferWriter{
		buffer:   GetBuffer(),
		original: original,
	}
}

// Write implements io.Writer, parsing zerolog JSON and storing entries
func (w *LogBufferWriter) Write(p []byte) (n int, err error) {
	if w.original != nil {
		n, err = w.original.Write(p)
	} else {
		n = len(p)
	}

	var raw struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
		Time      string `json:"time"`
	}
	if jerr := json.Unmarshal(p, &raw); jerr != nil {
		return n, err
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     strings.ToUpper(raw.Level),
		Component: raw.Component,
		Message:   raw.Message,
	}
	if t, terr := time.Parse(time.RFC3339, raw.Time); terr == nil {
		entry.Timestamp = t
	}
	if entry.Message != "" || entry.Level != "" {
		w.buffer.Add(entry)
	}
	return n, err
}
