package hipaa

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestNewPHIEncryptor(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		enc, err := NewPHIEncryptor(generateTestKey(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if enc == nil {
			t.Fatal("expected non-nil encryptor")
		}
	})

	for _, size := range []int{0, 16, 64} {
		if _, err := NewPHIEncryptor(make([]byte, size)); err == nil {
			t.Errorf("expected error for %d-byte key", size)
		}
	}
}

func TestEncryptDecryptString(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	cases := []string{
		"",
		"123-45-6789",
		"john.doe@example.com",
		"Unicode: 日本語 ñ é",
		string(bytes.Repeat([]byte("x"), 4096)),
	}
	for _, plaintext := range cases {
		ct, err := enc.EncryptString(plaintext, "key-1")
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		got, err := enc.DecryptString(ct, "key-1")
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptString_NonDeterministic(t *testing.T) {
	enc, _ := NewPHIEncryptor(generateTestKey(t))
	a, _ := enc.EncryptString("same", "k")
	b, _ := enc.EncryptString("same", "k")
	if a == b {
		t.Error("expected distinct ciphertexts for repeated encryption")
	}
}

func TestDecryptString_WrongAssociatedData(t *testing.T) {
	enc, _ := NewPHIEncryptor(generateTestKey(t))
	ct, err := enc.EncryptString("123-45-6789", "key-a")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, err = enc.DecryptString(ct, "key-b")
	if !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
}

func TestDecryptString_EveryBitFlipDetected(t *testing.T) {
	enc, _ := NewPHIEncryptor(generateTestKey(t))
	ct, err := enc.EncryptString("123-45-6789", "key-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(ct)

	for i := 0; i < len(raw)*8; i++ {
		tampered := append([]byte(nil), raw...)
		tampered[i/8] ^= 1 << (i % 8)
		_, err := enc.DecryptString(base64.StdEncoding.EncodeToString(tampered), "key-1")
		if !errors.Is(err, ErrIntegrityViolation) {
			t.Fatalf("bit %d: expected ErrIntegrityViolation, got %v", i, err)
		}
	}
}

func TestDecryptString_MalformedInput(t *testing.T) {
	enc, _ := NewPHIEncryptor(generateTestKey(t))
	cases := map[string]string{
		"not base64": "%%%not-base64%%%",
		"too short":  base64.StdEncoding.EncodeToString([]byte("short")),
		"empty":      "",
	}
	for name, ct := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := enc.DecryptString(ct, "key-1")
			if !errors.Is(err, ErrIntegrityViolation) {
				t.Errorf("expected ErrIntegrityViolation, got %v", err)
			}
		})
	}
}

func TestDeriveKeyring(t *testing.T) {
	master := generateTestKey(t)
	a, err := DeriveKeyring(master)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, _ := DeriveKeyring(master)
	if !bytes.Equal(a.KeyWrap, b.KeyWrap) {
		t.Error("derivation should be deterministic")
	}
	if bytes.Equal(a.KeyWrap, a.Integrity) || bytes.Equal(a.Integrity, a.Fingerprint) || bytes.Equal(a.KeyWrap, master) {
		t.Error("sub-keys must be distinct from each other and from the master")
	}
	if _, err := DeriveKeyring(make([]byte, 8)); err == nil {
		t.Error("expected error for short master key")
	}
}

func TestParseMasterKey(t *testing.T) {
	hexKey, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseMasterKey(hexKey); err != nil {
		t.Errorf("expected generated key to parse: %v", err)
	}
	if _, err := ParseMasterKey("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := ParseMasterKey("abcd"); err == nil {
		t.Error("expected error for short key")
	}
}
