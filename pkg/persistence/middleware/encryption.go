package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/future"
	"github.com/aretw0/keystone/pkg/ports"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// ErrDecrypt is returned by Get when no configured key opens a stored payload.
var ErrDecrypt = errors.New("payload decryption failed")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey encrypts new payloads. Must be KeySize bytes.
	ActiveKey []byte

	// FallbackKeys are tried in order when the active key cannot open a payload,
	// so keys can be rotated without rewriting stored entities first.
	FallbackKeys [][]byte
}

// ParseKey decodes a base64 (standard or URL alphabet) AES-256 key.
func ParseKey(s string) ([]byte, error) {
	k, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		k, err = base64.URLEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(k) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(k))
	}
	return k, nil
}

type encryptionMiddleware struct {
	ports.Backend
	config EncryptionConfig
}

// NewEncryptionMiddleware returns a middleware that seals payloads with AES-GCM before
// they reach the wrapped backend. Versions, keys and transactions pass through untouched.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != KeySize {
		return nil, fmt.Errorf("active key must be %d bytes (AES-256)", KeySize)
	}
	for i, k := range config.FallbackKeys {
		if len(k) != KeySize {
			return nil, fmt.Errorf("fallback key %d must be %d bytes", i, KeySize)
		}
	}
	return func(next ports.Backend) ports.Backend {
		return &encryptionMiddleware{Backend: next, config: config}
	}, nil
}

func (m *encryptionMiddleware) Get(ctx context.Context, tx ports.TxID, key *domain.RawKey) (ports.Record, error) {
	rec, err := m.Backend.Get(ctx, tx, key)
	if err != nil {
		return rec, err
	}
	plain, err := decryptWithRotation(rec.Payload, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return ports.Record{}, fmt.Errorf("%s: %w", key, err)
	}
	rec.Payload = plain
	return rec, nil
}

func (m *encryptionMiddleware) PutAsync(ctx context.Context, tx ports.TxID, key *domain.RawKey, payload []byte, expect domain.Version) *future.Future[domain.Version] {
	sealed, err := encrypt(payload, m.config.ActiveKey)
	if err != nil {
		return future.Failed[domain.Version](fmt.Errorf("encrypt %s: %w", key, err))
	}
	return m.Backend.PutAsync(ctx, tx, key, sealed, expect)
}

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, ErrDecrypt
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
