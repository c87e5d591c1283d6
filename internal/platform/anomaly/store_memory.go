package anomaly

import (
	"context"
	"sync"
	"time"
)

const pruneEvery = 1024

// MemoryStore keeps counters in process under a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]*Activity
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]*Activity)}
}

func (s *MemoryStore) Record(_ context.Context, key Key, phi bool, now time.Time, window time.Duration) (Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes++
	if s.writes%pruneEvery == 0 {
		s.pruneLocked(now, window)
	}

	a, ok := s.entries[key]
	if !ok || expired(a.WindowStart, now, window) {
		a = &Activity{UserID: key.UserID, SessionID: key.SessionID, WindowStart: now}
		s.entries[key] = a
	}
	a.RequestCount++
	if phi {
		a.PHIAccessCount++
	}
	return *a, nil
}

func (s *MemoryStore) Load(_ context.Context, key Key, now time.Time, window time.Duration) (Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.entries[key]
	if !ok || expired(a.WindowStart, now, window) {
		return Activity{UserID: key.UserID, SessionID: key.SessionID}, nil
	}
	return *a, nil
}

func (s *MemoryStore) Flag(_ context.Context, key Key, windowStart time.Time, score int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.entries[key]
	if !ok || !a.WindowStart.Equal(windowStart) || a.Flagged {
		return false, nil
	}
	a.Flagged = true
	a.Score = score
	return true, nil
}

// Len returns the number of tracked sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) pruneLocked(now time.Time, window time.Duration) {
	for k, a := range s.entries {
		if expired(a.WindowStart, now, window) {
			delete(s.entries, k)
		}
	}
}
