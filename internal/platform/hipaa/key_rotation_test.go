package hipaa

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestKeyManager(t *testing.T) (*KeyManager, *MemoryKeyStore) {
	t.Helper()
	store := NewMemoryKeyStore()
	km, err := NewKeyManager(store, generateTestKey(t), testLogger())
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}
	return km, store
}

func TestKeyManager_ActiveKeyStable(t *testing.T) {
	km, _ := newTestKeyManager(t)
	ctx := context.Background()

	a, _, err := km.ActiveKey(ctx, "P1")
	if err != nil {
		t.Fatalf("active key: %v", err)
	}
	b, _, _ := km.ActiveKey(ctx, "P1")
	if a.KeyID != b.KeyID {
		t.Errorf("expected same key, got %s and %s", a.KeyID, b.KeyID)
	}
	if a.Algorithm != Algorithm || a.Status != KeyActive {
		t.Errorf("unexpected key record: %+v", a)
	}

	other, _, _ := km.ActiveKey(ctx, "P2")
	if other.KeyID == a.KeyID {
		t.Error("distinct owners must get distinct keys")
	}
}

func TestKeyManager_RequiresOwner(t *testing.T) {
	km, _ := newTestKeyManager(t)
	if _, _, err := km.ActiveKey(context.Background(), ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := km.Rotate(context.Background(), ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestKeyManager_RotateRetainsHistory(t *testing.T) {
	km, _ := newTestKeyManager(t)
	ctx := context.Background()

	first, _, _ := km.ActiveKey(ctx, "P1")
	newID, prevID, err := km.Rotate(ctx, "P1")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if prevID != first.KeyID || newID == first.KeyID {
		t.Errorf("unexpected rotation ids: new=%s prev=%s first=%s", newID, prevID, first.KeyID)
	}

	history, _ := km.History(ctx, "P1")
	if len(history) != 2 {
		t.Fatalf("expected 2 keys in history, got %d", len(history))
	}
	active := 0
	for _, k := range history {
		if k.Status == KeyActive {
			active++
			if k.KeyID != newID {
				t.Errorf("expected %s active, got %s", newID, k.KeyID)
			}
		} else if k.RetiredAt == nil {
			t.Error("retired key must carry retired_at")
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one active key, got %d", active)
	}
}

func TestKeyManager_RotateUnknownOwner(t *testing.T) {
	km, _ := newTestKeyManager(t)
	if _, _, err := km.Rotate(context.Background(), "nobody"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyManager_ConcurrentRotationsSerialize(t *testing.T) {
	km, store := newTestKeyManager(t)
	ctx := context.Background()
	if _, _, err := km.ActiveKey(ctx, "P1"); err != nil {
		t.Fatalf("active key: %v", err)
	}

	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := km.Rotate(ctx, "P1"); err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	wg.Wait()

	if failures != 0 {
		t.Errorf("in-process rotations should serialize without conflict, got %d failures", failures)
	}
	history, _ := store.History(ctx, "P1")
	if len(history) != 11 {
		t.Errorf("expected 11 keys, got %d", len(history))
	}
}

func TestMemoryKeyStore_SwapCompareAndSwap(t *testing.T) {
	store := NewMemoryKeyStore()
	ctx := context.Background()
	now := time.Now()

	if err := store.Create(ctx, &KeyRecord{KeyID: "k1", OwnerEntityID: "P1", Status: KeyActive, CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &KeyRecord{KeyID: "k0", OwnerEntityID: "P1", Status: KeyActive}); !errors.Is(err, ErrRotationConflict) {
		t.Errorf("expected ErrRotationConflict for second active key, got %v", err)
	}

	next := &KeyRecord{KeyID: "k2", OwnerEntityID: "P1", Status: KeyActive, CreatedAt: now.Add(time.Second)}
	if err := store.Swap(ctx, "P1", "k1", next, now); err != nil {
		t.Fatalf("swap: %v", err)
	}
	stale := &KeyRecord{KeyID: "k3", OwnerEntityID: "P1", Status: KeyActive}
	if err := store.Swap(ctx, "P1", "k1", stale, now); !errors.Is(err, ErrRotationConflict) {
		t.Errorf("expected ErrRotationConflict for stale swap, got %v", err)
	}

	retired, _ := store.Get(ctx, "k1")
	if retired.Status != KeyRetired {
		t.Errorf("expected k1 retired, got %s", retired.Status)
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Errorf("expected lock table to be empty, got %d", len(k.locks))
	}
}
