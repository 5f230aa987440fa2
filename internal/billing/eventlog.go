package billing

import (
	"context"
	"sync"
	"time"
)

// EventLog is the seen-events set that makes webhook delivery at-most-once
// per provider event id.
type EventLog interface {
	// MarkSeen records id if absent. first is false when id was already recorded.
	MarkSeen(ctx context.Context, id, eventType string) (first bool, err error)
	// MarkFailed flags a recorded event whose mutation could not be applied,
	// for operators to replay by hand.
	MarkFailed(ctx context.Context, id, reason string) error
}

type seenEvent struct {
	eventType string
	failed    string
	at        time.Time
}

// MemoryEventLog is an in-memory EventLog for demo/development.
type MemoryEventLog struct {
	mu     sync.Mutex
	events map[string]*seenEvent
}

// NewMemoryEventLog creates an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{events: make(map[string]*seenEvent)}
}

func (m *MemoryEventLog) MarkSeen(_ context.Context, id, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[id]; ok {
		return false, nil
	}
	m.events[id] = &seenEvent{eventType: eventType, at: time.Now()}
	return true, nil
}

func (m *MemoryEventLog) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.events[id]; ok {
		e.failed = reason
	}
	return nil
}

// Failed returns the failure reason recorded for id, if any.
func (m *MemoryEventLog) Failed(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok || e.failed == "" {
		return "", false
	}
	return e.failed, true
}

var _ EventLog = (*MemoryEventLog)(nil)
