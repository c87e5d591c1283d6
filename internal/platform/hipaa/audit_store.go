package hipaa

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditQuery filters audit entries. Start and End are required by the
// service layer; a zero Limit at the store layer means no limit.
type AuditQuery struct {
	UserID       string    `json:"user_id,omitempty"`
	PatientID    string    `json:"patient_id,omitempty"`
	ResourceType string    `json:"resource_type,omitempty"`
	Action       Action    `json:"action,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Limit        int       `json:"limit"`
	Offset       int       `json:"offset"`
}

// AuditStore persists sealed audit entries. Implementations must write an
// entry and its PHI details atomically and must expose no update path.
type AuditStore interface {
	Insert(ctx context.Context, entry *AuditEntry) error
	Get(ctx context.Context, id uuid.UUID) (*AuditEntry, error)
	// Query returns the matching page, newest first, and the total match count.
	Query(ctx context.Context, q AuditQuery) ([]*AuditEntry, int, error)
	// DeleteExpired removes entries whose retention horizon is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryAuditStore is an in-process AuditStore for development and tests.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*AuditEntry
	order   []uuid.UUID
}

// NewMemoryAuditStore creates an empty in-memory store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make(map[uuid.UUID]*AuditEntry)}
}

// Insert stores a copy of entry. Re-inserting an existing id is rejected.
func (s *MemoryAuditStore) Insert(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; ok {
		return fmt.Errorf("insert %s: %w", entry.ID, ErrImmutableEntry)
	}
	s.entries[entry.ID] = entry.Clone()
	s.order = append(s.order, entry.ID)
	return nil
}

func (s *MemoryAuditStore) Get(_ context.Context, id uuid.UUID) (*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryAuditStore) Query(_ context.Context, q AuditQuery) ([]*AuditEntry, int, error) {
	s.mu.RLock()
	var matched []*AuditEntry
	for _, id := range s.order {
		e := s.entries[id]
		if matchEntry(e, q) {
			matched = append(matched, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	start := q.Offset
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && start+q.Limit < total {
		end = start + q.Limit
	}
	return matched[start:end], total, nil
}

func (s *MemoryAuditStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		if s.entries[id].ExpiresAt().Before(now) {
			delete(s.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// Len returns the number of stored entries.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// matchEntry checks whether an entry satisfies all non-empty filters.
func matchEntry(e *AuditEntry, q AuditQuery) bool {
	if q.UserID != "" && e.UserID() != q.UserID {
		return false
	}
	if q.ResourceType != "" && e.ResourceType != q.ResourceType {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.PatientID != "" && !containsString(e.PatientIDs, q.PatientID) {
		return false
	}
	if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && e.Timestamp.After(q.End) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
