package hipaa

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// KeyStatus is the lifecycle state of a data key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRetired KeyStatus = "retired"
)

// KeyRecord is one per-entity data key. WrappedKey is the key material sealed
// under the key-wrap sub-key and is never serialized to clients.
type KeyRecord struct {
	KeyID         string     `json:"key_id"`
	OwnerEntityID string     `json:"owner_entity_id"`
	Algorithm     string     `json:"algorithm"`
	CreatedAt     time.Time  `json:"created_at"`
	RetiredAt     *time.Time `json:"retired_at,omitempty"`
	Status        KeyStatus  `json:"status"`
	WrappedKey    []byte     `json:"-"`
}

// KeyStore persists key records. At most one record per owner is active.
type KeyStore interface {
	// Active returns the owner's active key or ErrKeyNotFound.
	Active(ctx context.Context, owner string) (*KeyRecord, error)
	// Get returns a key by id regardless of status, or ErrKeyNotFound.
	Get(ctx context.Context, keyID string) (*KeyRecord, error)
	// Create inserts the owner's first active key. It returns
	// ErrRotationConflict when an active key already exists.
	Create(ctx context.Context, rec *KeyRecord) error
	// Swap retires expectedActive and activates next atomically. It returns
	// ErrRotationConflict when expectedActive is no longer the active key.
	Swap(ctx context.Context, owner, expectedActive string, next *KeyRecord, retiredAt time.Time) error
	// History lists every key for owner, newest first.
	History(ctx context.Context, owner string) ([]*KeyRecord, error)
}

// KeyManager issues, resolves and rotates per-entity data keys.
type KeyManager struct {
	store   KeyStore
	wrapper *PHIEncryptor
	locks   *keyedMutex
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]*PHIEncryptor
}

// NewKeyManager creates a key manager. wrapKey seals data keys at rest.
func NewKeyManager(store KeyStore, wrapKey []byte, logger zerolog.Logger) (*KeyManager, error) {
	wrapper, err := NewPHIEncryptor(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("key manager: %w", err)
	}
	return &KeyManager{
		store:   store,
		wrapper: wrapper,
		locks:   newKeyedMutex(),
		logger:  logger.With().Str("component", "key-manager").Logger(),
		now:     time.Now,
		cache:   make(map[string]*PHIEncryptor),
	}, nil
}

// ActiveKey returns the owner's active key, provisioning the first key on
// demand. Provisioning is serialized per owner.
func (m *KeyManager) ActiveKey(ctx context.Context, owner string) (*KeyRecord, *PHIEncryptor, error) {
	if owner == "" {
		return nil, nil, fmt.Errorf("%w: owner entity is required", ErrInvalidInput)
	}
	rec, err := m.store.Active(ctx, owner)
	if err == nil {
		enc, err := m.encryptorFor(rec)
		return rec, enc, err
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("load active key: %w", err)
	}

	unlock := m.locks.Lock(owner)
	defer unlock()

	// another caller may have provisioned while we waited
	if rec, err := m.store.Active(ctx, owner); err == nil {
		enc, err := m.encryptorFor(rec)
		return rec, enc, err
	}

	rec, err = m.newRecord(owner)
	if err != nil {
		return nil, nil, err
	}
	if err := m.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrRotationConflict) {
			if rec, err := m.store.Active(ctx, owner); err == nil {
				enc, err := m.encryptorFor(rec)
				return rec, enc, err
			}
		}
		return nil, nil, fmt.Errorf("provision key: %w", err)
	}
	m.logger.Info().Str("key_id", rec.KeyID).Str("owner_entity_id", owner).Msg("provisioned data key")
	enc, err := m.encryptorFor(rec)
	return rec, enc, err
}

// KeyByID resolves an existing key. It never provisions.
func (m *KeyManager) KeyByID(ctx context.Context, keyID string) (*KeyRecord, *PHIEncryptor, error) {
	if keyID == "" {
		return nil, nil, ErrKeyNotFound
	}
	rec, err := m.store.Get(ctx, keyID)
	if err != nil {
		return nil, nil, err
	}
	enc, err := m.encryptorFor(rec)
	return rec, enc, err
}

// History lists the owner's keys, newest first.
func (m *KeyManager) History(ctx context.Context, owner string) ([]*KeyRecord, error) {
	return m.store.History(ctx, owner)
}

func (m *KeyManager) newRecord(owner string) (*KeyRecord, error) {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	id := uuid.NewString()
	wrapped, err := m.wrapper.Seal(material, wrapAAD(id, owner))
	if err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}
	return &KeyRecord{
		KeyID:         id,
		OwnerEntityID: owner,
		Algorithm:     Algorithm,
		CreatedAt:     m.now().UTC(),
		Status:        KeyActive,
		WrappedKey:    wrapped,
	}, nil
}

func (m *KeyManager) encryptorFor(rec *KeyRecord) (*PHIEncryptor, error) {
	m.mu.RLock()
	enc, ok := m.cache[rec.KeyID]
	m.mu.RUnlock()
	if ok {
		return enc, nil
	}

	material, err := m.wrapper.Open(rec.WrappedKey, wrapAAD(rec.KeyID, rec.OwnerEntityID))
	if err != nil {
		return nil, fmt.Errorf("unwrap key %s: %w", rec.KeyID, err)
	}
	enc, err = NewPHIEncryptor(material)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[rec.KeyID] = enc
	m.mu.Unlock()
	return enc, nil
}

func wrapAAD(keyID, owner string) []byte {
	return []byte(keyID + "|" + owner)
}
