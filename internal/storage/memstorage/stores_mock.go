package memstorage

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errStoreDown = errors.New("memstorage: store unavailable")

// CounterStoreMock is an in-memory quota.CounterStore with a switchable
// availability flag, so tests can exercise the fallback selection.
type CounterStoreMock struct {
	mu     sync.Mutex
	counts map[string]int64
	down   bool
}

func NewCounterStoreMock() *CounterStoreMock {
	return &CounterStoreMock{counts: make(map[string]int64)}
}

// SetDown makes every subsequent call fail, simulating a counter service
// outage.
func (s *CounterStoreMock) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *CounterStoreMock) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return 0, errStoreDown
	}
	s.counts[key]++
	return s.counts[key], nil
}

func (s *CounterStoreMock) SetIfGreater(ctx context.Context, key string, value int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return 0, errStoreDown
	}
	if value > s.counts[key] {
		s.counts[key] = value
	}
	return s.counts[key], nil
}

func (s *CounterStoreMock) Get(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return 0, false, errStoreDown
	}
	v, ok := s.counts[key]
	return v, ok, nil
}

func (s *CounterStoreMock) Touch(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errStoreDown
	}
	return nil
}

func (s *CounterStoreMock) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errStoreDown
	}
	delete(s.counts, key)
	return nil
}

func (s *CounterStoreMock) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errStoreDown
	}
	return nil
}

// StateStoreMock is an in-memory quota.StateStore. TTLs are honored against
// the wall clock, which is precise enough for the tests that use it.
type StateStoreMock struct {
	mu      sync.Mutex
	values  map[string][]byte
	expires map[string]time.Time
	down    bool
}

func NewStateStoreMock() *StateStoreMock {
	return &StateStoreMock{
		values:  make(map[string][]byte),
		expires: make(map[string]time.Time),
	}
}

func (s *StateStoreMock) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *StateStoreMock) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, false, errStoreDown
	}
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	if exp, has := s.expires[key]; has && time.Now().After(exp) {
		delete(s.values, key)
		delete(s.expires, key)
		return nil, false, nil
	}
	return v, true, nil
}

func (s *StateStoreMock) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errStoreDown
	}
	s.values[key] = value
	if ttl > 0 {
		s.expires[key] = time.Now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
	return nil
}

func (s *StateStoreMock) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errStoreDown
	}
	delete(s.values, key)
	delete(s.expires, key)
	return nil
}

// Has reports whether a live entry exists, for invalidation assertions.
func (s *StateStoreMock) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}
