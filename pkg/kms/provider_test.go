package kms

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type providerClock struct {
	mu sync.Mutex
	t  time.Time
}

func newProviderClock() *providerClock {
	return &providerClock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

// Now advances one millisecond per call so version timestamps stay
// distinct and ordered.
func (c *providerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *providerClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func eachStore(t *testing.T, fn func(t *testing.T, store KeyStore)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryKeyStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		// The pool must stay on one connection: each new connection to
		// :memory: would open its own empty database.
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		store, err := NewSQLiteKeyStore(db)
		require.NoError(t, err)
		fn(t, store)
	})

	t.Run("file", func(t *testing.T) {
		store, err := NewFileKeyStore(filepath.Join(t.TempDir(), "keys", "keystore.json"))
		require.NoError(t, err)
		fn(t, store)
	})
}

func newTestProvider(t *testing.T, store KeyStore, cfg Config) (*LocalProvider, *providerClock) {
	t.Helper()
	clk := newProviderClock()
	p, err := NewLocalProvider(store, cfg, WithProviderClock(clk.Now))
	require.NoError(t, err)
	return p, clk
}

func TestNewLocalProviderValidation(t *testing.T) {
	_, err := NewLocalProvider(nil, Config{})
	require.Error(t, err)

	_, err = NewLocalProvider(NewMemoryKeyStore(), Config{
		MultiRegion: MultiRegionOptions{RPOTarget: time.Second, HealthCheckInterval: time.Minute},
	})
	require.Error(t, err)

	p, err := NewLocalProvider(NewMemoryKeyStore(), Config{})
	require.NoError(t, err)
	cfg := p.Config()
	assert.Equal(t, DefaultKeyAliasPrefix, cfg.KeyAliasPrefix)
	assert.Equal(t, 300*time.Second, cfg.MetadataCacheDuration)
	assert.Equal(t, 30, cfg.DefaultDeletionRetentionDays)
	assert.Equal(t, ReplicationAsynchronous, cfg.MultiRegion.ReplicationMode)
	assert.Equal(t, 15*time.Minute, cfg.MultiRegion.RPOTarget)
	assert.Equal(t, 3, cfg.MultiRegion.FailoverThreshold)
}

func TestLifecycleTransitions(t *testing.T) {
	allowed := []struct{ from, to KeyStatus }{
		{StatusActive, StatusDecryptOnly},
		{StatusActive, StatusPendingDestruction},
		{StatusActive, StatusSuspended},
		{StatusDecryptOnly, StatusPendingDestruction},
		{StatusPendingDestruction, StatusDestroyed},
		{StatusSuspended, StatusActive},
	}
	for _, tc := range allowed {
		assert.True(t, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	forbidden := []struct{ from, to KeyStatus }{
		{StatusDecryptOnly, StatusActive},
		{StatusDecryptOnly, StatusSuspended},
		{StatusPendingDestruction, StatusActive},
		{StatusSuspended, StatusDecryptOnly},
		{StatusDestroyed, StatusActive},
		{StatusDestroyed, StatusPendingDestruction},
	}
	for _, tc := range forbidden {
		assert.False(t, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestGetActiveKeyCreatesDefaultOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, _ := newTestProvider(t, store, Config{})

		md, err := p.GetActiveKey(ctx, "")
		require.NoError(t, err)
		require.NotNil(t, md)
		assert.Equal(t, StatusActive, md.Status)
		assert.Equal(t, DefaultPurpose, md.Purpose)
		assert.Equal(t, 1, md.Version)
		assert.Equal(t, AlgorithmAESGCM, md.Algorithm)
		assert.True(t, md.IsFIPSCompliant)
		assert.False(t, md.ExpiresAt.IsZero())

		again, err := p.GetActiveKey(ctx, "")
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, md.KeyID, again.KeyID)

		missing, err := p.GetActiveKey(ctx, "billing")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestGetKeyMisses(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, _ := newTestProvider(t, store, Config{})

		md, err := p.GetKey(ctx, "absent")
		require.NoError(t, err)
		assert.Nil(t, md)

		_, err = p.Rotate(ctx, "k1", "", "pii")
		require.NoError(t, err)
		md, err = p.GetKeyVersion(ctx, "k1", 9)
		require.NoError(t, err)
		assert.Nil(t, md)
	})
}

func TestRotateCreatesMissingKey(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, _ := newTestProvider(t, store, Config{})

		res, err := p.Rotate(ctx, "tenant-data", "", "pii")
		require.NoError(t, err)
		assert.Equal(t, 0, res.OldVersion)
		assert.Equal(t, 1, res.NewVersion)
		assert.Equal(t, AlgorithmAESGCM, res.Algorithm)
		assert.False(t, res.RotatedAt.IsZero())

		md, err := p.GetKey(ctx, "tenant-data")
		require.NoError(t, err)
		require.NotNil(t, md)
		assert.Equal(t, 1, md.Version)
		assert.Equal(t, StatusActive, md.Status)
		assert.Equal(t, "pii", md.Purpose)
	})
}

func TestRotatePromotesAndDemotes(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, _ := newTestProvider(t, store, Config{})

		_, err := p.Rotate(ctx, "k1", AlgorithmAESGCM, "pii")
		require.NoError(t, err)
		res, err := p.Rotate(ctx, "k1", "", "")
		require.NoError(t, err)
		assert.Equal(t, 1, res.OldVersion)
		assert.Equal(t, 2, res.NewVersion)

		v1, err := p.GetKeyVersion(ctx, "k1", 1)
		require.NoError(t, err)
		require.NotNil(t, v1)
		assert.Equal(t, StatusDecryptOnly, v1.Status)
		assert.False(t, v1.LastRotatedAt.IsZero())
		assert.False(t, v1.CanEncrypt())
		assert.True(t, v1.CanDecrypt())

		head, err := p.GetKey(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, 2, head.Version)
		assert.Equal(t, StatusActive, head.Status)
		assert.Equal(t, "pii", head.Purpose, "purpose carries over when rotate omits it")
	})
}

// faultyStore injects failures into the compound rotation path.
type faultyStore struct {
	KeyStore
	failRotate error
}

func (s *faultyStore) Rotate(ctx context.Context, demote, promote *StoredKey, alias string) error {
	if s.failRotate != nil {
		return s.failRotate
	}
	return s.KeyStore.Rotate(ctx, demote, promote, alias)
}

func TestRotateIsAtomicUnderStoreFailure(t *testing.T) {
	ctx := context.Background()
	faulty := &faultyStore{KeyStore: NewMemoryKeyStore()}
	p, _ := newTestProvider(t, faulty, Config{})

	_, err := p.Rotate(ctx, "k1", "", "")
	require.NoError(t, err)
	frame, err := p.EncryptField(ctx, []byte("secret"), "k1", nil)
	require.NoError(t, err)

	faulty.failRotate = errors.New("disk full")
	_, err = p.Rotate(ctx, "k1", "", "")
	require.Error(t, err)

	// The failed rotation left no trace: v1 is still the Active head,
	// v2 does not exist, and both directions keep working against v1.
	head, err := p.GetKey(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, 1, head.Version)
	assert.Equal(t, StatusActive, head.Status)

	v2, err := p.GetKeyVersion(ctx, "k1", 2)
	require.NoError(t, err)
	assert.Nil(t, v2)

	out, err := p.DecryptField(ctx, frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), out)

	again, err := p.EncryptField(ctx, []byte("more"), "k1", nil)
	require.NoError(t, err)
	var data EncryptedData
	require.NoError(t, data.UnmarshalBinary(again))
	assert.Equal(t, 1, data.KeyVersion)

	faulty.failRotate = nil
	res, err := p.Rotate(ctx, "k1", "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewVersion)
	head, err = p.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, head.Version)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, _ := newTestProvider(t, store, Config{})
		plaintext := []byte("the quick brown fox jumps over the lazy dog")

		for _, alg := range []Algorithm{AlgorithmAESGCM, AlgorithmAESCBCHMAC} {
			t.Run(string(alg), func(t *testing.T) {
				keyID := "doc-" + string(alg)
				_, err := p.Rotate(ctx, keyID, alg, "docs")
				require.NoError(t, err)

				data, err := p.Encrypt(ctx, plaintext, keyID, []byte("tenant=acme"))
				require.NoError(t, err)
				assert.Equal(t, keyID, data.KeyID)
				assert.Equal(t, 1, data.KeyVersion)
				assert.Equal(t, alg, data.Algorithm)
				assert.NotEmpty(t, data.IV)
				assert.NotEmpty(t, data.AuthTag)
				assert.NotEqual(t, plaintext, data.Ciphertext)

				out, err := p.Decrypt(ctx, data)
				require.NoError(t, err)
				assert.Equal(t, plaintext, out)

				wrongAAD := *data
				wrongAAD.AssociatedData = []byte("tenant=globex")
				_, err = p.Decrypt(ctx, &wrongAAD)
				require.Error(t, err)

				tampered := *data
				tampered.Ciphertext = append([]byte(nil), data.Ciphertext...)
				tampered.Ciphertext[0] ^= 0x01
				_, err = p.Decrypt(ctx, &tampered)
				require.Error(t, err)
				assert.ErrorContains(t, err, "authentication")
			})
		}
	})
}

func TestEncryptNeedsActiveVersion(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, _ := newTestProvider(t, store, Config{})

		_, err := p.Encrypt(ctx, []byte("x"), "absent", nil)
		require.ErrorIs(t, err, ErrKeyNotFound)

		_, err = p.Rotate(ctx, "k1", "", "")
		require.NoError(t, err)
		_, err = p.Suspend(ctx, "k1", "credential leak")
		require.NoError(t, err)
		_, err = p.Encrypt(ctx, []byte("x"), "k1", nil)
		require.ErrorIs(t, err, ErrKeyNotActive)
	})
}

func TestDecryptOnlyVersionsStillDecrypt(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, _ := newTestProvider(t, store, Config{})

		_, err := p.Rotate(ctx, "k1", "", "")
		require.NoError(t, err)
		data, err := p.Encrypt(ctx, []byte("ledger"), "k1", nil)
		require.NoError(t, err)

		_, err = p.Rotate(ctx, "k1", "", "")
		require.NoError(t, err)

		out, err := p.Decrypt(ctx, data)
		require.NoError(t, err)
		assert.Equal(t, []byte("ledger"), out)

		// Scheduled destruction closes the decrypt path.
		_, err = p.Delete(ctx, "k1", 7)
		require.NoError(t, err)
		_, err = p.Decrypt(ctx, data)
		require.Error(t, err)
		assert.ErrorContains(t, err, "cannot decrypt")
	})
}

func TestSuspendResume(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, _ := newTestProvider(t, store, Config{})

		_, err := p.Suspend(ctx, "absent", "why")
		require.ErrorIs(t, err, ErrKeyNotFound)

		_, err = p.Rotate(ctx, "k1", "", "")
		require.NoError(t, err)

		_, err = p.Suspend(ctx, "k1", "")
		require.Error(t, err)
		assert.ErrorContains(t, err, "reason")

		ok, err := p.Suspend(ctx, "k1", "credential leak")
		require.NoError(t, err)
		assert.True(t, ok)
		md, err := p.GetKey(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, StatusSuspended, md.Status)
		assert.Equal(t, "credential leak", md.SuspensionReason)
		assert.False(t, md.SuspendedAt.IsZero())

		_, err = p.Suspend(ctx, "k1", "again")
		require.ErrorIs(t, err, ErrKeyNotActive)

		ok, err = p.Resume(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)
		md, err = p.GetKey(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, md.Status)
		assert.Empty(t, md.SuspensionReason)
		assert.True(t, md.SuspendedAt.IsZero())

		// A rotation while suspended takes the Active slot; the
		// suspended version can no longer return to it.
		_, err = p.Suspend(ctx, "k1", "second incident")
		require.NoError(t, err)
		_, err = p.Rotate(ctx, "k1", "", "")
		require.NoError(t, err)
		_, err = p.Resume(ctx, "k1")
		require.Error(t, err)
		assert.ErrorContains(t, err, "already has an active version")
	})
}

func TestDeleteSchedulesDestruction(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, clk := newTestProvider(t, store, Config{})

		_, err := p.Delete(ctx, "absent", 0)
		require.ErrorIs(t, err, ErrKeyNotFound)

		_, err = p.Rotate(ctx, "k1", "", "")
		require.NoError(t, err)
		_, err = p.Rotate(ctx, "k1", "", "")
		require.NoError(t, err)

		ok, err := p.Delete(ctx, "k1", 0)
		require.NoError(t, err)
		assert.True(t, ok)
		for _, version := range []int{1, 2} {
			md, err := p.GetKeyVersion(ctx, "k1", version)
			require.NoError(t, err)
			require.NotNil(t, md)
			assert.Equal(t, StatusPendingDestruction, md.Status)
			assert.WithinDuration(t, clk.Now().Add(30*24*time.Hour), md.DestroyAt, time.Minute,
				"zero retention falls back to the configured default, not the clamp floor")
		}

		// Repeating the call is a no-op, not an error.
		ok, err = p.Delete(ctx, "k1", 0)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = p.Rotate(ctx, "k2", "", "")
		require.NoError(t, err)
		_, err = p.Delete(ctx, "k2", 1)
		require.NoError(t, err)
		md, err := p.GetKeyVersion(ctx, "k2", 1)
		require.NoError(t, err)
		assert.WithinDuration(t, clk.Now().Add(7*24*time.Hour), md.DestroyAt, time.Minute)

		_, err = p.Rotate(ctx, "k3", "", "")
		require.NoError(t, err)
		_, err = p.Delete(ctx, "k3", 90)
		require.NoError(t, err)
		md, err = p.GetKeyVersion(ctx, "k3", 1)
		require.NoError(t, err)
		assert.WithinDuration(t, clk.Now().Add(30*24*time.Hour), md.DestroyAt, time.Minute)

		_, err = p.Rotate(ctx, "k4", "", "")
		require.NoError(t, err)
		_, err = p.Suspend(ctx, "k4", "hold for audit")
		require.NoError(t, err)
		_, err = p.Delete(ctx, "k4", 0)
		require.Error(t, err)
		assert.ErrorContains(t, err, "resume before deletion")
	})
}

func TestDestroyExpiredWipesMaterial(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, clk := newTestProvider(t, store, Config{})

		_, err := p.Rotate(ctx, "k1", "", "")
		require.NoError(t, err)
		data, err := p.Encrypt(ctx, []byte("ephemeral"), "k1", nil)
		require.NoError(t, err)

		_, err = p.Delete(ctx, "k1", 7)
		require.NoError(t, err)

		n, err := p.DestroyExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "retention window still open")

		clk.Advance(7*24*time.Hour + time.Hour)
		n, err = p.DestroyExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		md, err := p.GetKeyVersion(ctx, "k1", 1)
		require.NoError(t, err)
		assert.Equal(t, StatusDestroyed, md.Status)

		_, err = p.Decrypt(ctx, data)
		require.Error(t, err)
		assert.ErrorContains(t, err, "cannot decrypt")

		stored, err := store.Get(ctx, "k1", 1)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Empty(t, stored.Material)

		// Rotating a fully destroyed key is refused.
		_, err = p.Rotate(ctx, "k1", "", "")
		require.Error(t, err)
		assert.ErrorContains(t, err, "destroyed")
	})
}

func TestListKeysOwnershipAndFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, clk := newTestProvider(t, store, Config{})

		_, err := p.Rotate(ctx, "k1", "", "pii")
		require.NoError(t, err)
		_, err = p.Rotate(ctx, "k2", "", "docs")
		require.NoError(t, err)
		_, err = p.Rotate(ctx, "k2", "", "")
		require.NoError(t, err)

		// A key under someone else's alias prefix never shows up.
		require.NoError(t, store.Put(ctx, &StoredKey{
			Metadata: KeyMetadata{
				KeyID:     "alien",
				Version:   1,
				Status:    StatusActive,
				Algorithm: AlgorithmAESGCM,
				CreatedAt: clk.Now(),
			},
			Material: make([]byte, 32),
		}))
		require.NoError(t, store.SetAlias(ctx, "other-team/alien", "alien"))

		all, err := p.ListKeys(ctx, "", "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
		for _, md := range all {
			assert.NotEqual(t, "alien", md.KeyID)
		}

		active, err := p.ListKeys(ctx, StatusActive, "")
		require.NoError(t, err)
		assert.Len(t, active, 2)

		pii, err := p.ListKeys(ctx, "", "pii")
		require.NoError(t, err)
		require.Len(t, pii, 1)
		assert.Equal(t, "k1", pii[0].KeyID)

		activeDocs, err := p.ListKeys(ctx, StatusActive, "docs")
		require.NoError(t, err)
		require.Len(t, activeDocs, 1)
		assert.Equal(t, "k2", activeDocs[0].KeyID)
		assert.Equal(t, 2, activeDocs[0].Version)
	})
}

func TestMetadataCacheServesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	p, clk := newTestProvider(t, store, Config{})

	_, err := p.Rotate(ctx, "k1", "", "pii")
	require.NoError(t, err)
	md, err := p.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "pii", md.Purpose)

	// Mutate behind the provider's back; the cached view survives
	// until the TTL lapses.
	stored, err := store.Get(ctx, "k1", 1)
	require.NoError(t, err)
	stored.Metadata.Purpose = "changed"
	require.NoError(t, store.Put(ctx, stored))

	md, err = p.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "pii", md.Purpose)

	clk.Advance(301 * time.Second)
	md, err = p.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "changed", md.Purpose)

	// Provider mutations invalidate immediately.
	_, err = p.Rotate(ctx, "k1", "", "")
	require.NoError(t, err)
	md, err = p.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, md.Version)
}

func TestKeysDueForRotation(t *testing.T) {
	ctx := context.Background()
	p, clk := newTestProvider(t, NewMemoryKeyStore(), Config{})

	_, err := p.Rotate(ctx, "k1", "", "")
	require.NoError(t, err)
	due, err := p.KeysDueForRotation(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	clk.Advance(91 * 24 * time.Hour)
	due, err = p.KeysDueForRotation(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "k1", due[0].KeyID)

	quiet, err := NewLocalProvider(NewMemoryKeyStore(), Config{DisableAutoRotation: true},
		WithProviderClock(clk.Now))
	require.NoError(t, err)
	_, err = quiet.Rotate(ctx, "k2", "", "")
	require.NoError(t, err)
	md, err := quiet.GetKey(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, md.ExpiresAt.IsZero())
	due, err = quiet.KeysDueForRotation(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestFieldRoundTripAndRewrap(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()
		p, _ := newTestProvider(t, store, Config{})

		_, err := p.Rotate(ctx, "k1", "", "pii")
		require.NoError(t, err)

		frame, err := p.EncryptField(ctx, []byte("pan=4111111111111111"), "k1", []byte("tenant=acme"))
		require.NoError(t, err)
		assert.True(t, IsFieldEncrypted(frame))

		out, err := p.DecryptField(ctx, frame)
		require.NoError(t, err)
		assert.Equal(t, []byte("pan=4111111111111111"), out)

		_, err = p.Rotate(ctx, "k1", "", "")
		require.NoError(t, err)

		rewrapped, err := p.ReencryptField(ctx, frame)
		require.NoError(t, err)
		var data EncryptedData
		require.NoError(t, data.UnmarshalBinary(rewrapped))
		assert.Equal(t, "k1", data.KeyID)
		assert.Equal(t, 2, data.KeyVersion)
		assert.Equal(t, []byte("tenant=acme"), data.AssociatedData)

		out, err = p.DecryptField(ctx, rewrapped)
		require.NoError(t, err)
		assert.Equal(t, []byte("pan=4111111111111111"), out)

		_, err = p.DecryptField(ctx, []byte("plain text"))
		require.Error(t, err)
		assert.ErrorContains(t, err, "not encrypted")
	})
}
