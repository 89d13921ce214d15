package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 390_000
	keyLen        = 32
)

// ErrInvalidToken signals that a token is malformed, tampered with, or was
// produced under a different key. Callers should discard the stored
// credential rather than surface the error.
var ErrInvalidToken = errors.New("crypto: invalid token")

// Codec provides authenticated symmetric encryption for opaque session
// payloads. The key derivation is expensive and runs once in New; one Codec
// is shared for the life of the process.
type Codec struct {
	aead cipher.AEAD
}

// New derives the AEAD key from the configured secret and salt.
func New(secret, salt string) (*Codec, error) {
	key := pbkdf2.Key([]byte(secret), []byte(salt), kdfIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext and returns a cookie-safe token.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. Any decode or authentication
// failure yields ErrInvalidToken.
func (c *Codec) Decrypt(token string) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, ErrInvalidToken
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return plaintext, nil
}
