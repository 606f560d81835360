package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process development.
// TTLs are honored lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// FailWrites makes Put/Delete return an error, to exercise the
	// degraded shared-store paths.
	FailWrites bool

	clock func() time.Time
}

type memoryEntry struct {
	e         Entry
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), clock: time.Now}
}

// SetClock overrides the store clock for deterministic tests.
func (s *MemoryStore) SetClock(clock func() time.Time) { s.clock = clock }

func (s *MemoryStore) Put(ctx context.Context, userID string, e Entry, ttl time.Duration) error {
	if s.FailWrites {
		return context.DeadlineExceeded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = memoryEntry{e: e, expiresAt: e.ConnectedAt.Add(ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID string) error {
	if s.FailWrites {
		return context.DeadlineExceeded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok := s.entries[userID]
	if !ok {
		return false, nil
	}
	if !s.clock().Before(me.expiresAt) {
		delete(s.entries, userID)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Online(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, me := range s.entries {
		if now.Before(me.expiresAt) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
