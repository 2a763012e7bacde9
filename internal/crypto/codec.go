package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSecretUnset is returned when encryption is attempted before the
	// operator has configured a secret key. Raised at call time, not at
	// startup, so the rest of the service runs without AI features.
	ErrSecretUnset = errors.New("secret key is not configured")

	// ErrInvalidPayload is returned when a token does not have the expected
	// nonce.tag.ciphertext shape.
	ErrInvalidPayload = errors.New("invalid encrypted payload")

	// ErrAuthentication is returned when the GCM tag check fails, i.e. the
	// token was tampered with or encrypted under a different key.
	ErrAuthentication = errors.New("decryption authentication failed")
)

const gcmTagSize = 16

// Codec encrypts and decrypts provider API keys at rest. The AES-256 key is
// derived as SHA-256 of an arbitrary-length operator secret and kept only in
// memory. Tokens are "nonce.tag.ciphertext" with each segment base64-encoded.
type Codec struct {
	key []byte
}

// NewCodec derives the symmetric key from the operator secret. An empty
// secret yields an unconfigured codec whose operations fail with
// ErrSecretUnset when invoked.
func NewCodec(secret string) *Codec {
	if strings.TrimSpace(secret) == "" {
		return &Codec{}
	}
	sum := sha256.Sum256([]byte(secret))
	return &Codec{key: sum[:]}
}

// Configured reports whether an operator secret was provided.
func (c *Codec) Configured() bool {
	return c != nil && len(c.key) == 32
}

func (c *Codec) aead() (cipher.AEAD, error) {
	if !c.Configured() {
		return nil, ErrSecretUnset
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext under a fresh random 96-bit nonce. Repeated calls
// with identical plaintext produce different tokens.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	aead, err := c.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, "."), nil
}

// Decrypt reverses Encrypt. It fails with ErrInvalidPayload when the token
// shape is wrong and ErrAuthentication when the tag check fails.
func (c *Codec) Decrypt(token string) (string, error) {
	aead, err := c.aead()
	if err != nil {
		return "", err
	}

	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return "", ErrInvalidPayload
	}
	for _, s := range segments {
		if s == "" {
			return "", ErrInvalidPayload
		}
	}

	nonce, err := base64.StdEncoding.DecodeString(segments[0])
	if err != nil {
		return "", fmt.Errorf("%w: decode nonce: %v", ErrInvalidPayload, err)
	}
	tag, err := base64.StdEncoding.DecodeString(segments[1])
	if err != nil {
		return "", fmt.Errorf("%w: decode tag: %v", ErrInvalidPayload, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(segments[2])
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrInvalidPayload, err)
	}
	if len(nonce) != aead.NonceSize() || len(tag) != gcmTagSize {
		return "", ErrInvalidPayload
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrAuthentication
	}
	return string(plaintext), nil
}
