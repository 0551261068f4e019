package middleware_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"testing"

	"github.com/aretw0/keystone/pkg/adapters/memory"
	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/persistence/middleware"
	"github.com/aretw0/keystone/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) []byte {
	k := make([]byte, middleware.KeySize)
	_, err := io.ReadFull(rand.Reader, k)
	require.NoError(t, err)
	return k
}

func encrypted(t *testing.T, next ports.Backend, cfg middleware.EncryptionConfig) ports.Backend {
	mw, err := middleware.NewEncryptionMiddleware(cfg)
	require.NoError(t, err)
	return middleware.Chain(next, mw)
}

func TestEncryptionMiddleware_Contract(t *testing.T) {
	b := encrypted(t, memory.NewBackend(), middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	ports.RunBackendContract(t, b)
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	ctx := context.Background()
	underlying := memory.NewBackend()
	secure := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	key := &domain.RawKey{Kind: "Trivial", Name: "secret"}

	_, err := secure.PutAsync(ctx, ports.NoTx, key, []byte("my-secret-sauce"), domain.NoVersion).Await(ctx)
	require.NoError(t, err)

	stored, err := underlying.Get(ctx, ports.NoTx, key)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Payload), "my-secret-sauce")

	rec, err := secure.Get(ctx, ports.NoTx, key)
	require.NoError(t, err)
	assert.Equal(t, "my-secret-sauce", string(rec.Payload))
	assert.Equal(t, stored.Version, rec.Version)
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	ctx := context.Background()
	underlying := memory.NewBackend()
	oldKey, newKey := generateKey(t), generateKey(t)
	key := &domain.RawKey{Kind: "Trivial", ID: 7}

	before := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: oldKey})
	_, err := before.PutAsync(ctx, ports.NoTx, key, []byte("v1"), domain.NoVersion).Await(ctx)
	require.NoError(t, err)

	rotated := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: newKey, FallbackKeys: [][]byte{oldKey}})
	rec, err := rotated.Get(ctx, ports.NoTx, key)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(rec.Payload))

	stranger := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: newKey})
	_, err = stranger.Get(ctx, ports.NoTx, key)
	assert.ErrorIs(t, err, middleware.ErrDecrypt)
}

func TestEncryptionMiddleware_NotFoundPassesThrough(t *testing.T) {
	ctx := context.Background()
	b := encrypted(t, memory.NewBackend(), middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	_, err := b.Get(ctx, ports.NoTx, &domain.RawKey{Kind: "Trivial", ID: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNewEncryptionMiddleware_RejectsShortKeys(t *testing.T) {
	_, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short")})
	assert.Error(t, err)

	_, err = middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
		ActiveKey:    generateKey(t),
		FallbackKeys: [][]byte{[]byte("short")},
	})
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	k := generateKey(t)
	got, err := middleware.ParseKey(base64.StdEncoding.EncodeToString(k))
	require.NoError(t, err)
	assert.Equal(t, k, got)

	got, err = middleware.ParseKey(base64.URLEncoding.EncodeToString(k))
	require.NoError(t, err)
	assert.Equal(t, k, got)

	_, err = middleware.ParseKey(base64.StdEncoding.EncodeToString([]byte("too short")))
	assert.Error(t, err)
	_, err = middleware.ParseKey("%%%")
	assert.Error(t, err)
}
