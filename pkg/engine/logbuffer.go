package engine

import (
	"sync"
	"time"
)

// LogBuffer is the append-only log of a run. A single writer appends while
// any number of readers take copies.
type LogBuffer struct {
	mu      sync.RWMutex
	records []LogRecord
	nextSeq int64
}

// NewLogBuffer creates a buffer seeded with previously persisted records.
func NewLogBuffer(initial []LogRecord) *LogBuffer {
	b := &LogBuffer{
		records: make([]LogRecord, 0, len(initial)+16),
		nextSeq: 1,
	}
	for _, r := range initial {
		b.records = append(b.records, r)
		if r.Seq >= b.nextSeq {
			b.nextSeq = r.Seq + 1
		}
	}
	return b
}

// Append stamps the record with the next sequence number (and the current
// time when unset) and stores it.
func (b *LogBuffer) Append(r LogRecord) LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	r.Seq = b.nextSeq
	b.nextSeq++
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Level == "" {
		r.Level = "info"
	}
	b.records = append(b.records, r)
	return r
}

// Records returns a copy of all records in append order.
func (b *LogBuffer) Records() []LogRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]LogRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Since returns a copy of the records with a sequence number above seq.
func (b *LogBuffer) Since(seq int64) []LogRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]LogRecord, 0)
	for _, r := range b.records {
		if r.Seq > seq {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of records.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}
