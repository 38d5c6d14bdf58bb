package audit

import (
	"context"
	"sort"
	"sync"
)

const defaultMemoryCapacity = 1000

// MemoryLogger retains the most recent events in memory.
type MemoryLogger struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewMemoryLogger creates an in-memory logger keeping at most capacity events.
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryLogger{capacity: capacity}
}

// Log appends the event, evicting the oldest when full.
func (m *MemoryLogger) Log(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	if over := len(m.events) - m.capacity; over > 0 {
		m.events = append([]Event(nil), m.events[over:]...)
	}
	return nil
}

// Query returns matching events newest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	m.mu.RLock()
	matched := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []Event{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Close is a no-op.
func (*MemoryLogger) Close() error {
	return nil
}

// Verify interface compliance.
var _ Logger = (*MemoryLogger)(nil)
