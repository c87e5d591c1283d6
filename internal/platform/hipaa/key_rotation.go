package hipaa

import (
	"context"
	"fmt"
	"sync"
)

// Rotate retires the owner's active key and activates a fresh one. Existing
// ciphertexts stay decryptable through their original key id. Rotations for
// one owner are serialized in-process; the store's compare-and-swap catches
// rotations racing from other processes.
func (m *KeyManager) Rotate(ctx context.Context, owner string) (newKeyID, previousKeyID string, err error) {
	if owner == "" {
		return "", "", fmt.Errorf("%w: owner entity is required", ErrInvalidInput)
	}
	unlock := m.locks.Lock(owner)
	defer unlock()

	current, err := m.store.Active(ctx, owner)
	if err != nil {
		return "", "", err
	}
	next, err := m.newRecord(owner)
	if err != nil {
		return "", "", err
	}
	if err := m.store.Swap(ctx, owner, current.KeyID, next, m.now().UTC()); err != nil {
		return "", "", fmt.Errorf("rotate key for %s: %w", owner, err)
	}

	m.logger.Info().
		Str("owner_entity_id", owner).
		Str("key_id", next.KeyID).
		Str("previous_key_id", current.KeyID).
		Msg("rotated data key")
	return next.KeyID, current.KeyID, nil
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
