package hipaa

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryKeyStore is an in-process KeyStore for development and tests.
type MemoryKeyStore struct {
	mu     sync.RWMutex
	byID   map[string]*KeyRecord
	active map[string]string
}

// NewMemoryKeyStore creates an empty key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		byID:   make(map[string]*KeyRecord),
		active: make(map[string]string),
	}
}

func (s *MemoryKeyStore) Active(_ context.Context, owner string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[owner]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(s.byID[id]), nil
}

func (s *MemoryKeyStore) Get(_ context.Context, keyID string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(rec), nil
}

func (s *MemoryKeyStore) Create(_ context.Context, rec *KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[rec.OwnerEntityID]; ok {
		return ErrRotationConflict
	}
	s.byID[rec.KeyID] = copyKey(rec)
	s.active[rec.OwnerEntityID] = rec.KeyID
	return nil
}

func (s *MemoryKeyStore) Swap(_ context.Context, owner, expectedActive string, next *KeyRecord, retiredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[owner] != expectedActive {
		return ErrRotationConflict
	}
	old := s.byID[expectedActive]
	old.Status = KeyRetired
	t := retiredAt
	old.RetiredAt = &t

	s.byID[next.KeyID] = copyKey(next)
	s.active[owner] = next.KeyID
	return nil
}

func (s *MemoryKeyStore) History(_ context.Context, owner string) ([]*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*KeyRecord
	for _, rec := range s.byID {
		if rec.OwnerEntityID == owner {
			out = append(out, copyKey(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func copyKey(rec *KeyRecord) *KeyRecord {
	cp := *rec
	cp.WrappedKey = append([]byte(nil), rec.WrappedKey...)
	if rec.RetiredAt != nil {
		t := *rec.RetiredAt
		cp.RetiredAt = &t
	}
	return &cp
}
