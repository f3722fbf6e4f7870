package secretbox

import (
	"encoding/base64"
	"testing"
)

func testKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestEncryptDecryptPIN(t *testing.T) {
	box, err := New(testKey())
	if err != nil {
		t.Fatalf("failed to create box: %v", err)
	}
	ciphertext, err := box.Encrypt("123456")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if ciphertext == "123456" {
		t.Fatalf("ciphertext must not equal plaintext")
	}
	plaintext, err := box.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if plaintext != "123456" {
		t.Fatalf("unexpected plaintext: %s", plaintext)
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New(base64.StdEncoding.EncodeToString([]byte("too-short"))); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	box, err := New(testKey())
	if err != nil {
		t.Fatalf("failed to create box: %v", err)
	}
	ciphertext, err := box.Encrypt("123456")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if _, err := box.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatalf("expected decrypt to fail on tampered ciphertext")
	}
}
