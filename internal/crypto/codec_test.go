package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCodec("operator-secret-of-any-length")

	token, err := c.Encrypt("sk-gemini-abc123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("expected nonce.tag.ciphertext token, got %q", token)
	}

	out, err := c.Decrypt(token)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if out != "sk-gemini-abc123" {
		t.Fatalf("expected original plaintext, got %q", out)
	}
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	c := NewCodec("operator-secret")

	a, err := c.Encrypt("same")
	if err != nil {
		t.Fatalf("encrypt#1: %v", err)
	}
	b, err := c.Encrypt("same")
	if err != nil {
		t.Fatalf("encrypt#2: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct tokens for identical plaintext")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	c := NewCodec("operator-secret")

	token, err := c.Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	segments := strings.Split(token, ".")
	raw, err := base64.StdEncoding.DecodeString(segments[2])
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	raw[0] ^= 0xff
	segments[2] = base64.StdEncoding.EncodeToString(raw)

	if _, err := c.Decrypt(strings.Join(segments, ".")); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	token, err := NewCodec("key-one").Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := NewCodec("key-two").Decrypt(token); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestDecryptMalformedToken(t *testing.T) {
	c := NewCodec("operator-secret")

	for _, token := range []string{"", "one", "one.two", "one.two.three.four", "..", "a..c"} {
		if _, err := c.Decrypt(token); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("token %q: expected ErrInvalidPayload, got %v", token, err)
		}
	}
}

func TestUnconfiguredCodec(t *testing.T) {
	c := NewCodec("   ")
	if c.Configured() {
		t.Fatalf("expected unconfigured codec")
	}
	if _, err := c.Encrypt("x"); !errors.Is(err, ErrSecretUnset) {
		t.Fatalf("expected ErrSecretUnset on encrypt, got %v", err)
	}
	if _, err := c.Decrypt("a.b.c"); !errors.Is(err, ErrSecretUnset) {
		t.Fatalf("expected ErrSecretUnset on decrypt, got %v", err)
	}
}
