package txnstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"accountpool/pkg/platform/sentinel"
)

// Memory is an in-process Store backed by one timer per record. It mirrors
// the Redis implementation's contract closely enough that the watchdog's
// unit tests run against it with sub-second deadlines.
type Memory struct {
	mu      sync.Mutex
	records map[string]*memoryEntry
	feed    chan Expiration
	done    chan struct{}
	closed  bool
}

type memoryEntry struct {
	rec   Record
	timer *time.Timer
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*memoryEntry),
		feed:    make(chan Expiration, 64),
		done:    make(chan struct{}),
	}
}

func (m *Memory) Put(_ context.Context, rec Record, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Overwrite: the replaced record's timer is stopped so it never reaches
	// the feed. Latest begin wins.
	if prev, ok := m.records[rec.Key]; ok {
		prev.timer.Stop()
	}

	key := rec.Key
	entry := &memoryEntry{rec: rec}
	entry.timer = time.AfterFunc(time.Until(deadline), func() {
		m.expire(key, entry)
	})
	m.records[key] = entry
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.records[key]
	if !ok {
		return Record{}, fmt.Errorf("record %s: %w", key, sentinel.ErrNotFound)
	}
	return entry.rec, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.records[key]; ok {
		entry.timer.Stop()
		delete(m.records, key)
	}
	return nil
}

func (m *Memory) Expirations() <-chan Expiration {
	return m.feed
}

// Close stops delivery. Pending timers that fire afterwards are dropped. The
// feed channel itself is never closed; a timer goroutine blocked on it is
// released through done instead.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

func (m *Memory) expire(key string, entry *memoryEntry) {
	m.mu.Lock()
	// The entry pointer check guards against the race where a Put replaced
	// this record between the timer firing and the lock being taken.
	current, ok := m.records[key]
	if !ok || current != entry || m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.records, key)
	m.mu.Unlock()

	// Blocking send: a slow consumer stalls timer callbacks rather than
	// losing an expiration. Close releases any sender still waiting.
	select {
	case m.feed <- Expiration{Key: key, Record: entry.rec}:
	case <-m.done:
	}
}
