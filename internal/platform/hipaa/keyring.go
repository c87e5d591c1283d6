package hipaa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	infoKeyWrap     = "phicore/key-wrap/v1"
	infoIntegrity   = "phicore/audit-integrity/v1"
	infoFingerprint = "phicore/fingerprint/v1"
)

// Keyring holds the purpose-bound sub-keys derived from the master secret.
// The master secret itself is never used directly.
type Keyring struct {
	KeyWrap     []byte
	Integrity   []byte
	Fingerprint []byte
}

// ParseMasterKey decodes a 64-character hex master secret.
func ParseMasterKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// GenerateMasterKey returns a random master secret as hex, for development.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// DeriveKeyring expands master into independent sub-keys with HKDF-SHA256.
func DeriveKeyring(master []byte) (*Keyring, error) {
	if len(master) < 32 {
		return nil, fmt.Errorf("derive keyring: master key must be at least 32 bytes")
	}
	derive := func(info string) ([]byte, error) {
		out := make([]byte, 32)
		r := hkdf.New(sha256.New, master, nil, []byte(info))
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, fmt.Errorf("derive %s: %w", info, err)
		}
		return out, nil
	}

	var kr Keyring
	var err error
	if kr.KeyWrap, err = derive(infoKeyWrap); err != nil {
		return nil, err
	}
	if kr.Integrity, err = derive(infoIntegrity); err != nil {
		return nil, err
	}
	if kr.Fingerprint, err = derive(infoFingerprint); err != nil {
		return nil, err
	}
	return &kr, nil
}
