package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// envelopeVersion prefixes every sealed value so the key or layout can be rotated later.
const envelopeVersion = "v1"

// ErrMalformedEnvelope is returned when a sealed value does not have the v1 layout.
var ErrMalformedEnvelope = errors.New("malformed token envelope")

// Encryptor seals OAuth tokens with AES-256-GCM.
// Sealed values are text: "v1:<nonce>:<ciphertext>:<tag>", each part standard base64,
// so they fit in TEXT columns next to the account row.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates a new Encryptor from a base64-encoded 32-byte key.
func NewEncryptor(base64Key string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: gcm}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
// The same plaintext never produces the same envelope twice.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - e.aead.Overhead()

	return strings.Join([]string{
		envelopeVersion,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		base64.StdEncoding.EncodeToString(sealed[tagStart:]),
	}, ":"), nil
}

// Decrypt opens an envelope produced by Encrypt. It fails on a wrong key,
// a tampered part, or an unknown version.
func (e *Encryptor) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 4 {
		return "", ErrMalformedEnvelope
	}
	if parts[0] != envelopeVersion {
		return "", fmt.Errorf("%w: unsupported version %q", ErrMalformedEnvelope, parts[0])
	}

	decoded := make([][]byte, 3)
	for i, p := range parts[1:] {
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		decoded[i] = b
	}

	nonce, ciphertext, tag := decoded[0], decoded[1], decoded[2]
	if len(nonce) != e.aead.NonceSize() || len(tag) != e.aead.Overhead() {
		return "", ErrMalformedEnvelope
	}

	plaintext, err := e.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
