package hipaa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Sealer computes and checks HMAC-SHA256 integrity digests for audit entries.
type Sealer struct {
	key []byte
}

// NewSealer returns a sealer keyed with key, which must be at least 32 bytes.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("audit sealer: key must be at least 32 bytes, got %d", len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// Digest computes the digest over the entry's identifying fields.
func (s *Sealer) Digest(e *AuditEntry) string {
	mac := hmac.New(sha256.New, s.key)
	fields := []string{
		e.ID.String(),
		e.UserID(),
		e.Role(),
		string(e.Action),
		e.ResourceType,
		strings.Join(e.ResourceIDs, ","),
		strings.Join(e.PatientIDs, ","),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.RequestID,
	}
	for _, f := range fields {
		// length-prefix each field so "ab"+"c" and "a"+"bc" differ
		fmt.Fprintf(mac, "%d:%s|", len(f), f)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal sets the entry's integrity digest.
func (s *Sealer) Seal(e *AuditEntry) {
	e.IntegrityDigest = s.Digest(e)
}

// Verify reports whether the stored digest matches a recomputation.
func (s *Sealer) Verify(e *AuditEntry) bool {
	want := s.Digest(e)
	return hmac.Equal([]byte(want), []byte(e.IntegrityDigest))
}

// Fingerprint returns a keyed HMAC-SHA256 of a plaintext value, suitable for
// correlating audit records without storing the value itself.
func Fingerprint(key []byte, plaintext string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}
