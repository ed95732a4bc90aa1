// Package logbuffer keeps a bounded in-memory window of recent log entries
// so diagnostic views can show what the client was doing without tailing a
// file.
package logbuffer

import (
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the default number of log entries to keep
	DefaultBufferSize = 1000
	// MaxEntrySize is the maximum size of a single log entry in bytes
	MaxEntrySize = 2048
)

// LogEntry represents a single log entry in the buffer
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	File      string    `json:"file"`
	Line      int       `json:"line"`
	Function  string    `json:"function"`
}

// RingBuffer is a thread-safe circular buffer for log entries
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	head     int // next write position
	count    int // number of entries currently stored
	capacity int // maximum number of entries
}

// New creates a new RingBuffer with the specified capacity
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Add appends a log entry, overwriting the oldest entry once the buffer is
// full. Messages longer than MaxEntrySize are truncated.
func (rb *RingBuffer) Add(entry LogEntry) {
	if len(entry.Message) > MaxEntrySize {
		entry.Message = entry.Message[:MaxEntrySize-3] + "..."
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.capacity

	if rb.count < rb.capacity {
		rb.count++
	}
}

// GetSince returns all entries whose timestamp is at or after the given
// time, oldest first.
func (rb *RingBuffer) GetSince(since time.Time) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return nil
	}

	// Once the buffer has wrapped, the oldest entry sits at head.
	start := 0
	if rb.count == rb.capacity {
		start = rb.head
	}

	result := make([]LogEntry, 0, rb.count)
	for i := 0; i < rb.count; i++ {
		entry := rb.entries[(start+i)%rb.capacity]
		if !entry.Timestamp.Before(since) {
			result = append(result, entry)
		}
	}
	return result
}

// GetAll returns every buffered entry in chronological order
func (rb *RingBuffer) GetAll() []LogEntry {
	return rb.GetSince(time.Time{})
}

// Last returns up to n of the most recent entries, oldest first.
func (rb *RingBuffer) Last(n int) []LogEntry {
	all := rb.GetAll()
	if n <= 0 || len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// Clear removes all entries from the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.head = 0
	rb.count = 0
}

// Count returns the number of entries currently in the buffer
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Capacity returns the maximum number of entries the buffer can hold
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
