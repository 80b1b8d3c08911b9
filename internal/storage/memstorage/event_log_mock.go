package memstorage

import (
	"context"
	"sync"
)

// EventLogMock is an in-memory event.Log for webhook idempotency tests.
type EventLogMock struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewEventLogMock() *EventLogMock {
	return &EventLogMock{seen: make(map[string]string)}
}

func (l *EventLogMock) Record(ctx context.Context, eventID, kind string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[eventID]; ok {
		return false, nil
	}
	l.seen[eventID] = kind
	return true, nil
}

func (l *EventLogMock) Forget(ctx context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, eventID)
	return nil
}
