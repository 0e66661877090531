package vault

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"testing"

	"golang.org/x/crypto/hkdf"
)

func TestSealOpen(t *testing.T) {
	s, err := New("secret")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	blob, err := s.Seal([]byte("sessionid-value"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(blob, []byte("sessionid-value")) {
		t.Fatalf("Sealed blob leaks plaintext")
	}
	out, err := s.Open(blob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(out) != "sessionid-value" {
		t.Fatalf("Expected sessionid-value, got %s", out)
	}
}

func TestOpenRejectsTamperedAndForeignBlobs(t *testing.T) {
	s, _ := New("secret")
	other, _ := New("other-secret")

	blob, _ := s.Seal([]byte("value"))
	if _, err := other.Open(blob); !errors.Is(err, ErrOpen) {
		t.Fatalf("Expected ErrOpen for foreign key, got %v", err)
	}

	blob[len(blob)-1] ^= 0xff
	if _, err := s.Open(blob); !errors.Is(err, ErrOpen) {
		t.Fatalf("Expected ErrOpen for tampered blob, got %v", err)
	}

	if _, err := s.Open([]byte("short")); !errors.Is(err, ErrOpen) {
		t.Fatalf("Expected ErrOpen for short blob, got %v", err)
	}
}

func TestKeyIsDerivedWithHKDF(t *testing.T) {
	s, err := New("secret")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	var want [32]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte("secret"), keySalt, keyInfo), want[:]); err != nil {
		t.Fatalf("hkdf failed: %v", err)
	}
	if s.key != want {
		t.Fatalf("Expected HKDF-SHA256 derived key")
	}

	again, _ := New("secret")
	blob, _ := s.Seal([]byte("value"))
	if out, err := again.Open(blob); err != nil || string(out) != "value" {
		t.Fatalf("Expected a second sealer from the same secret to open the blob, got %q, %v", out, err)
	}
}
