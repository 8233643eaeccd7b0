package middleware_test

import (
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/storyguard/pkg/adapters/file"
	"github.com/aretw0/storyguard/pkg/adapters/memory"
	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/persistence/middleware"
	"github.com/aretw0/storyguard/pkg/ports/tests"
)

func generateKey(t *testing.T) []byte {
	k := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		t.Fatal(err)
	}
	return k
}

func snapshot() *domain.SessionSnapshot {
	return &domain.SessionSnapshot{
		FlowID: "kapoor-intro",
		Context: domain.ContextRecord{
			FlowID:         "kapoor-intro",
			CurrentStateID: "dose-check",
			Score:          2,
		},
		SavedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	underlying := memory.NewStore()
	secure := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})(underlying)
	ctx := context.Background()

	require.NoError(t, secure.Save(ctx, "s1", snapshot()))

	stored, err := underlying.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, stored.FlowID, "flow is hidden")
	assert.Empty(t, stored.Context.CurrentStateID)
	assert.NotEmpty(t, stored.Sealed)
	assert.Equal(t, snapshot().SavedAt, stored.SavedAt)

	loaded, err := secure.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "kapoor-intro", loaded.FlowID)
	assert.Equal(t, "dose-check", loaded.Context.CurrentStateID)
	assert.Equal(t, 2, loaded.Context.Score)
	assert.Empty(t, loaded.Sealed)

	ids, err := secure.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	require.NoError(t, secure.Delete(ctx, "s1"))
	_, err = secure.Load(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	underlying := memory.NewStore()
	oldKey := generateKey(t)
	newKey := generateKey(t)
	ctx := context.Background()

	secureOld := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: oldKey})(underlying)
	require.NoError(t, secureOld.Save(ctx, "s1", snapshot()))

	secureNew := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
		ActiveKey:    newKey,
		FallbackKeys: [][]byte{oldKey},
	})(underlying)

	loaded, err := secureNew.Load(ctx, "s1")
	require.NoError(t, err, "fallback key decrypts old saves")
	assert.Equal(t, "kapoor-intro", loaded.FlowID)

	// Saving again re-encrypts with the new key.
	require.NoError(t, secureNew.Save(ctx, "s1", loaded))
	_, err = secureOld.Load(ctx, "s1")
	assert.Error(t, err)
}

func TestEncryptionMiddleware_RejectsPlainSnapshots(t *testing.T) {
	underlying := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, underlying.Save(ctx, "s1", snapshot()))

	secure := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})(underlying)
	_, err := secure.Load(ctx, "s1")
	assert.ErrorContains(t, err, "missing encrypted data envelope")
}

func TestEncryptionMiddleware_InvalidKey(t *testing.T) {
	assert.Panics(t, func() {
		middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short-key")})
	})
}

func TestEncryptionMiddleware_Contract(t *testing.T) {
	key := generateKey(t)
	store := middleware.Chain(file.New(t.TempDir()), middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: key}))
	tests.RunSnapshotStoreContract(t, store)
}
