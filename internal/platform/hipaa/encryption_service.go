package hipaa

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResourceTypeEncryption is the resource type stamped on crypto audit entries.
const ResourceTypeEncryption = "encrypted_fields"

// Appender persists audit entries. *AuditLog satisfies it.
type Appender interface {
	Append(ctx context.Context, entry *AuditEntry) (uuid.UUID, error)
}

// ActorResolver extracts the calling actor from a request context.
type ActorResolver func(ctx context.Context) *Actor

// EncryptedValue is a ciphertext with the id of the key that produced it.
type EncryptedValue struct {
	Ciphertext string `json:"ciphertext"`
	KeyID      string `json:"key_id"`
}

// EncryptionService provides audited field-level encryption. Every call
// records an audit entry carrying a keyed fingerprint of the plaintext; if
// that entry cannot be written the call fails and no result is returned.
type EncryptionService struct {
	keys           *KeyManager
	audit          Appender
	fingerprintKey []byte
	actor          ActorResolver
	logger         zerolog.Logger
}

// NewEncryptionService creates the service.
func NewEncryptionService(keys *KeyManager, audit Appender, fingerprintKey []byte, actor ActorResolver, logger zerolog.Logger) *EncryptionService {
	if actor == nil {
		actor = func(context.Context) *Actor { return nil }
	}
	return &EncryptionService{
		keys:           keys,
		audit:          audit,
		fingerprintKey: fingerprintKey,
		actor:          actor,
		logger:         logger.With().Str("component", "encryption-service").Logger(),
	}
}

// Encrypt seals plaintext under the owner's active key. A nil plaintext is
// rejected; the empty string is a valid value.
func (s *EncryptionService) Encrypt(ctx context.Context, plaintext *string, owner string) (EncryptedValue, error) {
	if plaintext == nil {
		err := fmt.Errorf("%w: plaintext must not be null", ErrInvalidInput)
		s.recordFailure(ctx, ActionEncryption, owner, "", err)
		return EncryptedValue{}, err
	}
	out, err := s.BatchEncrypt(ctx, []*string{plaintext}, owner)
	if err != nil {
		return EncryptedValue{}, err
	}
	return out[0], nil
}

// BatchEncrypt seals every record under one key and records a single audit
// entry with per-record fingerprints. Failed calls are audited too.
func (s *EncryptionService) BatchEncrypt(ctx context.Context, records []*string, owner string) ([]EncryptedValue, error) {
	for i, r := range records {
		if r == nil {
			err := fmt.Errorf("%w: record %d is null", ErrInvalidInput, i)
			s.recordFailure(ctx, ActionEncryption, owner, "", err)
			return nil, err
		}
	}
	rec, enc, err := s.keys.ActiveKey(ctx, owner)
	if err != nil {
		s.recordFailure(ctx, ActionEncryption, owner, "", err)
		return nil, err
	}

	out := make([]EncryptedValue, len(records))
	hashes := make([]string, len(records))
	for i, r := range records {
		ct, err := enc.EncryptString(*r, rec.KeyID)
		if err != nil {
			s.recordFailure(ctx, ActionEncryption, owner, rec.KeyID, err)
			return nil, err
		}
		out[i] = EncryptedValue{Ciphertext: ct, KeyID: rec.KeyID}
		hashes[i] = Fingerprint(s.fingerprintKey, *r)
	}

	entry := s.entry(ctx, ActionEncryption, owner, true)
	entry.Metadata.KeyID = rec.KeyID
	entry.Metadata.PlaintextHashes = hashes
	entry.Metadata.RecordCount = len(records)
	if _, err := s.audit.Append(ctx, entry); err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt opens ciphertext with the named key. Unknown key ids are reported
// as ErrKeyNotFound and never provision a key. Failed attempts are audited
// too.
func (s *EncryptionService) Decrypt(ctx context.Context, ciphertext, keyID string) (string, error) {
	rec, enc, err := s.keys.KeyByID(ctx, keyID)
	if err != nil {
		s.recordFailure(ctx, ActionDecryption, "", keyID, err)
		return "", err
	}

	plaintext, err := enc.DecryptString(ciphertext, rec.KeyID)
	if err != nil {
		s.recordFailure(ctx, ActionDecryption, rec.OwnerEntityID, keyID, err)
		return "", err
	}

	entry := s.entry(ctx, ActionDecryption, rec.OwnerEntityID, true)
	entry.Metadata.KeyID = rec.KeyID
	entry.Metadata.PlaintextHashes = []string{Fingerprint(s.fingerprintKey, plaintext)}
	entry.Metadata.RecordCount = 1
	entry.Details = []PHIAccessDetail{{FieldName: "ciphertext", FieldType: FieldEncrypted, Decrypted: true}}
	if _, err := s.audit.Append(ctx, entry); err != nil {
		return "", err
	}
	return plaintext, nil
}

// Rotate issues a new active key for owner and returns its id.
func (s *EncryptionService) Rotate(ctx context.Context, owner string) (string, error) {
	newID, prevID, err := s.keys.Rotate(ctx, owner)
	if err != nil {
		s.recordFailure(ctx, ActionKeyRotation, owner, "", err)
		return "", err
	}

	entry := s.entry(ctx, ActionKeyRotation, owner, true)
	entry.PHIAccessed = false
	entry.Metadata.KeyID = newID
	entry.Metadata.PreviousKeyID = prevID
	if _, err := s.audit.Append(ctx, entry); err != nil {
		// the rotation is committed; surface the audit gap loudly
		s.logger.Error().Err(err).Str("owner_entity_id", owner).Str("key_id", newID).
			Msg("key rotated but audit entry could not be written")
		return "", err
	}
	return newID, nil
}

// History lists the owner's key records without key material.
func (s *EncryptionService) History(ctx context.Context, owner string) ([]*KeyRecord, error) {
	return s.keys.History(ctx, owner)
}

func (s *EncryptionService) entry(ctx context.Context, action Action, owner string, success bool) *AuditEntry {
	e := &AuditEntry{
		Actor:          s.actor(ctx),
		Action:         action,
		ResourceType:   ResourceTypeEncryption,
		Success:        success,
		PHIAccessed:    action != ActionKeyRotation,
		Classification: ClassificationPHI,
		Metadata:       EntryMetadata{OwnerEntityID: owner},
	}
	if owner != "" {
		e.ResourceIDs = []string{owner}
	}
	return e
}

func (s *EncryptionService) recordFailure(ctx context.Context, action Action, owner, keyID string, cause error) {
	entry := s.entry(ctx, action, owner, false)
	entry.PHIAccessed = false
	entry.Metadata.KeyID = keyID
	entry.Metadata.FailureReason = failureReason(cause)
	if _, err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("action", string(action)).Msg("could not audit failed crypto operation")
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrIntegrityViolation):
		return "integrity_violation"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrRotationConflict):
		return "rotation_conflict"
	default:
		return "internal_error"
	}
}
