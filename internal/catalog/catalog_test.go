package catalog

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybroker/internal/models"
	"keybroker/internal/storage"
)

func TestCatalog_ReloadAndUsable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	box, err := storage.NewSecretBox(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	sealed, err := box.Seal("gsk_secret")
	require.NoError(t, err)
	active := &models.Credential{Provider: models.ProviderGroq, SealedSecret: sealed, Fingerprint: "a", IsActive: true}
	inactive := &models.Credential{Provider: models.ProviderGroq, SealedSecret: sealed, Fingerprint: "b", IsActive: false}
	require.NoError(t, store.Credentials().Create(ctx, active))
	require.NoError(t, store.Credentials().Create(ctx, inactive))

	on := &models.ModelBinding{CredentialID: active.ID, ModelName: "llama-3.1-8b-instant", IsEnabled: true}
	off := &models.ModelBinding{CredentialID: active.ID, ModelName: "mixtral-8x7b", IsEnabled: false}
	orphanedByCred := &models.ModelBinding{CredentialID: inactive.ID, ModelName: "llama-3.1-8b-instant", IsEnabled: true}
	for _, b := range []*models.ModelBinding{on, off, orphanedByCred} {
		require.NoError(t, store.Bindings().Create(ctx, b))
	}

	c := New(store.Credentials(), store.Bindings(), box)
	assert.Empty(t, c.Snapshot().Entries)

	snap, err := c.Reload(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 3)

	usable := snap.Usable()
	require.Len(t, usable, 1)
	assert.Equal(t, on.ID, usable[0].Binding.ID)

	e, ok := snap.Entry(on.ID)
	require.True(t, ok)
	secret, err := c.Secret(e.Credential)
	require.NoError(t, err)
	assert.Equal(t, "gsk_secret", secret)

	_, ok = snap.Entry(uuid.New())
	assert.False(t, ok)
}

func TestCatalog_Deactivate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	cred := &models.Credential{Provider: models.ProviderGoogle, SealedSecret: "plain", Fingerprint: "x", IsActive: true}
	require.NoError(t, store.Credentials().Create(ctx, cred))
	b := &models.ModelBinding{CredentialID: cred.ID, ModelName: "gemini-flash", IsEnabled: true}
	require.NoError(t, store.Bindings().Create(ctx, b))

	c := New(store.Credentials(), store.Bindings(), nil)
	before, err := c.Reload(ctx)
	require.NoError(t, err)
	require.Len(t, before.Usable(), 1)

	require.NoError(t, c.Deactivate(ctx, cred.ID, "leaked"))
	assert.Empty(t, c.Snapshot().Usable())
	assert.Len(t, before.Usable(), 1, "older snapshots are not mutated")

	stored, err := store.Credentials().GetByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Equal(t, "leaked", *stored.DisabledReason)

	// a reload keeps it off; only an administrator turns it back on
	after, err := c.Reload(ctx)
	require.NoError(t, err)
	assert.Empty(t, after.Usable())

	assert.ErrorIs(t, c.Deactivate(ctx, uuid.New(), "x"), storage.ErrCredentialNotFound)

	secret, err := c.Secret(cred)
	require.NoError(t, err)
	assert.Equal(t, "plain", secret)
}

func TestReloader(t *testing.T) {
	var calls atomic.Int32
	r := NewReloader(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, 10*time.Millisecond)

	r.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	r.Stop()

	n := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}
