package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPurpose scopes keys created without an explicit purpose.
	DefaultPurpose = "default"

	// defaultRotationPeriod stamps ExpiresAt on new versions when
	// rotation advice is enabled; KeysDueForRotation reports on it.
	defaultRotationPeriod = 90 * 24 * time.Hour
)

// newID mints sortable identifiers for keys, escrows, tokens and
// migrations.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

type cacheEntry struct {
	md       KeyMetadata
	storedAt time.Time
}

// metaCache is a TTL cache over key metadata lookups. Mutating
// operations invalidate every entry of the touched key.
type metaCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newMetaCache(ttl time.Duration) *metaCache {
	return &metaCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *metaCache) get(key string, now time.Time) (KeyMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || now.Sub(entry.storedAt) >= c.ttl {
		return KeyMetadata{}, false
	}
	return entry.md, true
}

func (c *metaCache) put(key string, md KeyMetadata, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{md: md, storedAt: now}
}

func (c *metaCache) invalidate(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key == keyID || strings.HasPrefix(key, keyID+"@") {
			delete(c.entries, key)
		}
	}
}

// ProviderOption tunes a LocalProvider.
type ProviderOption func(*LocalProvider)

// WithProviderLogger replaces the default logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *LocalProvider) { p.logger = logger }
}

// WithProviderClock injects the time source.
func WithProviderClock(now func() time.Time) ProviderOption {
	return func(p *LocalProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRandom replaces the entropy source, mainly for tests.
func WithRandom(r io.Reader) ProviderOption {
	return func(p *LocalProvider) { p.rng = r }
}

// LocalProvider is a software KMS over a KeyStore: versioned keys,
// atomic rotation, envelope encryption of fields, escrow and
// migration support. Safe for concurrent use; a single mutex
// serializes mutations so the one-Active-version invariant holds.
type LocalProvider struct {
	store  KeyStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	rng    io.Reader
	cache  *metaCache

	mu      sync.Mutex
	escrows map[string]*EscrowStatus
}

// NewLocalProvider validates the config and builds a provider.
func NewLocalProvider(store KeyStore, cfg Config, opts ...ProviderOption) (*LocalProvider, error) {
	if store == nil {
		return nil, errors.New("kms: provider needs a key store")
	}
	cfg = cfg.withDefaults()
	if err := cfg.MultiRegion.Validate(); err != nil {
		return nil, err
	}

	p := &LocalProvider{
		store:   store,
		cfg:     cfg,
		logger:  slog.With("component", "kms"),
		now:     time.Now,
		rng:     rand.Reader,
		escrows: make(map[string]*EscrowStatus),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cache = newMetaCache(cfg.MetadataCacheDuration)
	return p, nil
}

// Config returns the provider's effective configuration, defaults
// applied.
func (p *LocalProvider) Config() Config { return p.cfg }

func (p *LocalProvider) aliasFor(keyID string) string {
	return p.cfg.KeyAliasPrefix + "/" + keyID
}

// ownedKeyIDs resolves the ours-only alias convention.
func (p *LocalProvider) ownedKeyIDs(ctx context.Context) (map[string]struct{}, error) {
	aliases, err := p.store.Aliases(ctx)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]struct{}, len(aliases))
	prefix := p.cfg.KeyAliasPrefix + "/"
	for alias, keyID := range aliases {
		if strings.HasPrefix(alias, prefix) {
			owned[keyID] = struct{}{}
		}
	}
	return owned, nil
}

// GetKey returns the key's Active version, or its newest version when
// nothing is Active. Nil when the key does not exist.
func (p *LocalProvider) GetKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	now := p.now()
	if md, ok := p.cache.get(keyID, now); ok {
		return &md, nil
	}
	versions, err := p.store.Versions(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	md := activeOrNewest(versions).Metadata
	p.cache.put(keyID, md, now)
	return &md, nil
}

func activeOrNewest(versions []*StoredKey) *StoredKey {
	for _, v := range versions {
		if v.Metadata.Status == StatusActive {
			return v
		}
	}
	return versions[len(versions)-1]
}

// GetKeyVersion returns one version's metadata, nil when absent.
func (p *LocalProvider) GetKeyVersion(ctx context.Context, keyID string, version int) (*KeyMetadata, error) {
	now := p.now()
	cacheKey := keyID + "@" + strconv.Itoa(version)
	if md, ok := p.cache.get(cacheKey, now); ok {
		return &md, nil
	}
	key, err := p.store.Get(ctx, keyID, version)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, nil
	}
	p.cache.put(cacheKey, key.Metadata, now)
	md := key.Metadata
	return &md, nil
}

// ListKeys returns versions of keys this deployment owns, optionally
// filtered by status and purpose. Empty filters match everything.
func (p *LocalProvider) ListKeys(ctx context.Context, status KeyStatus, purpose string) ([]KeyMetadata, error) {
	owned, err := p.ownedKeyIDs(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []KeyMetadata
	for _, key := range keys {
		md := key.Metadata
		if _, ok := owned[md.KeyID]; !ok {
			continue
		}
		if status != "" && md.Status != status {
			continue
		}
		if purpose != "" && md.Purpose != purpose {
			continue
		}
		out = append(out, md)
	}
	return out, nil
}

// GetActiveKey returns the Active key for the purpose. An empty
// purpose names the default domain and creates its key on first use;
// a non-empty purpose with no key returns nil.
func (p *LocalProvider) GetActiveKey(ctx context.Context, purpose string) (*KeyMetadata, error) {
	norm := purpose
	if norm == "" {
		norm = DefaultPurpose
	}
	md, err := p.findActiveByPurpose(ctx, norm)
	if err != nil || md != nil {
		return md, err
	}
	if purpose != "" {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another caller may have created the default key meanwhile.
	md, err = p.findActiveByPurpose(ctx, norm)
	if err != nil || md != nil {
		return md, err
	}
	created, err := p.createKeyLocked(ctx, newID(), AlgorithmAESGCM, norm)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (p *LocalProvider) findActiveByPurpose(ctx context.Context, purpose string) (*KeyMetadata, error) {
	owned, err := p.ownedKeyIDs(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		md := key.Metadata
		if _, ok := owned[md.KeyID]; !ok {
			continue
		}
		if md.Status == StatusActive && md.Purpose == purpose {
			return &md, nil
		}
	}
	return nil, nil
}

// createKeyLocked writes a first version through the store's atomic
// rotation path so the alias lands with it. Callers hold p.mu.
func (p *LocalProvider) createKeyLocked(ctx context.Context, keyID string, alg Algorithm, purpose string) (KeyMetadata, error) {
	material, err := p.newMaterial()
	if err != nil {
		return KeyMetadata{}, err
	}
	defer zeroize(material)

	now := p.now().UTC()
	key := &StoredKey{
		Metadata: KeyMetadata{
			KeyID:           keyID,
			Version:         1,
			Status:          StatusActive,
			Algorithm:       alg,
			CreatedAt:       now,
			Purpose:         purpose,
			IsFIPSCompliant: true,
		},
		Material: material,
	}
	if !p.cfg.DisableAutoRotation {
		key.Metadata.ExpiresAt = now.Add(defaultRotationPeriod)
	}
	if err := p.store.Rotate(ctx, nil, key, p.aliasFor(keyID)); err != nil {
		return KeyMetadata{}, fmt.Errorf("kms: create key %s: %w", keyID, err)
	}
	p.cache.invalidate(keyID)
	p.logger.Info("key created",
		"keyId", keyID, "algorithm", alg, "purpose", purpose)
	return key.Metadata, nil
}

func (p *LocalProvider) newMaterial() ([]byte, error) {
	material := make([]byte, masterKeyLen)
	if _, err := io.ReadFull(p.rng, material); err != nil {
		return nil, fmt.Errorf("kms: draw key material: %w", err)
	}
	return material, nil
}

// Rotate promotes a fresh version to Active and demotes the prior
// Active to DecryptOnly in one store transaction; readers observe
// either the old state or the new, never a half-rotated key. Rotating
// a missing key creates its first version.
func (p *LocalProvider) Rotate(ctx context.Context, keyID string, algorithm Algorithm, purpose string) (*RotationResult, error) {
	if keyID == "" {
		return nil, errors.New("kms: rotate needs a key id")
	}
	if algorithm == "" {
		algorithm = AlgorithmAESGCM
	}
	if !validAlgorithm(algorithm) {
		return nil, fmt.Errorf("kms: unknown algorithm %q", algorithm)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	versions, err := p.store.Versions(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		if purpose == "" {
			purpose = DefaultPurpose
		}
		if _, err := p.createKeyLocked(ctx, keyID, algorithm, purpose); err != nil {
			return nil, err
		}
		return &RotationResult{
			KeyID:      keyID,
			NewVersion: 1,
			Algorithm:  algorithm,
			RotatedAt:  p.now().UTC(),
		}, nil
	}

	destroyed := true
	var active *StoredKey
	for _, v := range versions {
		if v.Metadata.Status != StatusDestroyed {
			destroyed = false
		}
		if v.Metadata.Status == StatusActive {
			active = v
		}
	}
	if destroyed {
		return nil, fmt.Errorf("kms: key %s is destroyed", keyID)
	}

	if purpose == "" {
		if active != nil {
			purpose = active.Metadata.Purpose
		} else {
			purpose = versions[len(versions)-1].Metadata.Purpose
		}
		if purpose == "" {
			purpose = DefaultPurpose
		}
	}

	material, err := p.newMaterial()
	if err != nil {
		return nil, err
	}
	defer zeroize(material)

	now := p.now().UTC()
	promote := &StoredKey{
		Metadata: KeyMetadata{
			KeyID:           keyID,
			Version:         versions[len(versions)-1].Metadata.Version + 1,
			Status:          StatusActive,
			Algorithm:       algorithm,
			CreatedAt:       now,
			LastRotatedAt:   now,
			Purpose:         purpose,
			IsFIPSCompliant: true,
		},
		Material: material,
	}
	if !p.cfg.DisableAutoRotation {
		promote.Metadata.ExpiresAt = now.Add(defaultRotationPeriod)
	}

	var demote *StoredKey
	oldVersion := 0
	if active != nil {
		oldVersion = active.Metadata.Version
		demote = active.clone()
		demote.Metadata.Status = StatusDecryptOnly
		demote.Metadata.LastRotatedAt = now
	}

	if err := p.store.Rotate(ctx, demote, promote, p.aliasFor(keyID)); err != nil {
		return nil, fmt.Errorf("kms: rotate key %s: %w", keyID, err)
	}
	p.cache.invalidate(keyID)
	p.logger.Info("key rotated",
		"keyId", keyID, "oldVersion", oldVersion, "newVersion", promote.Metadata.Version)

	return &RotationResult{
		KeyID:      keyID,
		OldVersion: oldVersion,
		NewVersion: promote.Metadata.Version,
		Algorithm:  algorithm,
		RotatedAt:  p.now().UTC(),
	}, nil
}

// Delete schedules every live version for destruction after the
// retention window, clamped to [7, 30] days. Suspended keys must be
// resumed first.
func (p *LocalProvider) Delete(ctx context.Context, keyID string, retentionDays int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	versions, err := p.store.Versions(ctx, keyID)
	if err != nil {
		return false, err
	}
	if len(versions) == 0 {
		return false, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	for _, v := range versions {
		if v.Metadata.Status == StatusSuspended {
			return false, fmt.Errorf("kms: key %s v%d is suspended; resume before deletion",
				keyID, v.Metadata.Version)
		}
	}

	if retentionDays <= 0 {
		retentionDays = p.cfg.DefaultDeletionRetentionDays
	}
	retentionDays = clampRetentionDays(retentionDays)
	destroyAt := p.now().UTC().Add(time.Duration(retentionDays) * 24 * time.Hour)

	for _, v := range versions {
		if !canTransition(v.Metadata.Status, StatusPendingDestruction) {
			continue
		}
		v.Metadata.Status = StatusPendingDestruction
		v.Metadata.DestroyAt = destroyAt
		if err := p.store.Put(ctx, v); err != nil {
			return false, fmt.Errorf("kms: schedule destruction: %w", err)
		}
	}
	p.cache.invalidate(keyID)
	p.logger.Info("key deletion scheduled",
		"keyId", keyID, "retentionDays", retentionDays, "destroyAt", destroyAt)
	return true, nil
}

// Suspend takes the Active version out of service, tagging it with
// the reason and suspension time.
func (p *LocalProvider) Suspend(ctx context.Context, keyID, reason string) (bool, error) {
	if reason == "" {
		return false, errors.New("kms: suspension needs a reason")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	versions, err := p.store.Versions(ctx, keyID)
	if err != nil {
		return false, err
	}
	if len(versions) == 0 {
		return false, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	var active *StoredKey
	for _, v := range versions {
		if v.Metadata.Status == StatusActive {
			active = v
		}
	}
	if active == nil {
		return false, fmt.Errorf("%w: %s", ErrKeyNotActive, keyID)
	}

	active.Metadata.Status = StatusSuspended
	active.Metadata.SuspensionReason = reason
	active.Metadata.SuspendedAt = p.now().UTC()
	if err := p.store.Put(ctx, active); err != nil {
		return false, fmt.Errorf("kms: suspend key: %w", err)
	}
	p.cache.invalidate(keyID)
	p.logger.Warn("key suspended", "keyId", keyID, "reason", reason)
	return true, nil
}

// Resume returns a Suspended version to Active. It refuses when the
// key grew another Active version while suspended.
func (p *LocalProvider) Resume(ctx context.Context, keyID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	versions, err := p.store.Versions(ctx, keyID)
	if err != nil {
		return false, err
	}
	var suspended *StoredKey
	for _, v := range versions {
		if v.Metadata.Status == StatusActive {
			return false, fmt.Errorf("kms: key %s already has an active version", keyID)
		}
		if v.Metadata.Status == StatusSuspended {
			suspended = v
		}
	}
	if suspended == nil {
		return false, fmt.Errorf("kms: key %s has no suspended version", keyID)
	}

	suspended.Metadata.Status = StatusActive
	suspended.Metadata.SuspensionReason = ""
	suspended.Metadata.SuspendedAt = time.Time{}
	if err := p.store.Put(ctx, suspended); err != nil {
		return false, fmt.Errorf("kms: resume key: %w", err)
	}
	p.cache.invalidate(keyID)
	p.logger.Info("key resumed", "keyId", keyID)
	return true, nil
}

// DestroyExpired finalizes versions whose retention window elapsed,
// wiping their material. Returns the number destroyed.
func (p *LocalProvider) DestroyExpired(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, err := p.store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := p.now()
	count := 0
	for _, key := range keys {
		md := key.Metadata
		if md.Status != StatusPendingDestruction || md.DestroyAt.IsZero() || md.DestroyAt.After(now) {
			continue
		}
		zeroize(key.Material)
		key.Material = nil
		key.Metadata.Status = StatusDestroyed
		if err := p.store.Put(ctx, key); err != nil {
			return count, fmt.Errorf("kms: destroy key %s v%d: %w", md.KeyID, md.Version, err)
		}
		p.cache.invalidate(md.KeyID)
		count++
	}
	if count > 0 {
		p.logger.Info("expired key versions destroyed", "count", count)
	}
	return count, nil
}

// KeysDueForRotation reports owned Active versions past their expiry.
// Empty when rotation advice is disabled.
func (p *LocalProvider) KeysDueForRotation(ctx context.Context) ([]KeyMetadata, error) {
	if p.cfg.DisableAutoRotation {
		return nil, nil
	}
	owned, err := p.ownedKeyIDs(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()
	var due []KeyMetadata
	for _, key := range keys {
		md := key.Metadata
		if _, ok := owned[md.KeyID]; !ok {
			continue
		}
		if md.Status == StatusActive && !md.ExpiresAt.IsZero() && !now.Before(md.ExpiresAt) {
			due = append(due, md)
		}
	}
	return due, nil
}

// Encrypt protects plaintext under the key's Active version. An empty
// keyID uses (and on first use creates) the default-purpose key.
func (p *LocalProvider) Encrypt(ctx context.Context, plaintext []byte, keyID string, aad []byte) (*EncryptedData, error) {
	var key *StoredKey
	if keyID == "" {
		md, err := p.GetActiveKey(ctx, "")
		if err != nil {
			return nil, err
		}
		key, err = p.store.Get(ctx, md.KeyID, md.Version)
		if err != nil {
			return nil, err
		}
		if key == nil {
			return nil, fmt.Errorf("%w: %s v%d", ErrKeyNotFound, md.KeyID, md.Version)
		}
	} else {
		versions, err := p.store.Versions(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		for _, v := range versions {
			if v.Metadata.Status == StatusActive {
				key = v
			}
		}
		if key == nil {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotActive, keyID)
		}
	}
	defer zeroize(key.Material)

	md := key.Metadata
	subkey, err := deriveKey(key.Material, md.KeyID, md.Version, md.Purpose, subkeyLen(md.Algorithm))
	if err != nil {
		return nil, err
	}
	defer zeroize(subkey)

	var iv, ciphertext, tag []byte
	switch md.Algorithm {
	case AlgorithmAESCBCHMAC:
		iv, ciphertext, tag, err = encryptCBCHMAC(p.rng, subkey, plaintext, aad)
	default:
		iv, ciphertext, tag, err = encryptGCM(p.rng, subkey, plaintext, aad)
	}
	if err != nil {
		return nil, err
	}

	data := &EncryptedData{
		Ciphertext:  ciphertext,
		KeyID:       md.KeyID,
		KeyVersion:  md.Version,
		Algorithm:   md.Algorithm,
		IV:          iv,
		AuthTag:     tag,
		EncryptedAt: p.now().UTC().Truncate(time.Millisecond),
	}
	if len(aad) > 0 {
		data.AssociatedData = append([]byte(nil), aad...)
	}
	return data, nil
}

// Decrypt opens data with the version that sealed it. Active and
// DecryptOnly versions decrypt; suspended or dying versions refuse.
func (p *LocalProvider) Decrypt(ctx context.Context, data *EncryptedData) ([]byte, error) {
	if data == nil {
		return nil, errors.New("kms: nil encrypted data")
	}
	key, err := p.store.Get(ctx, data.KeyID, data.KeyVersion)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s v%d", ErrKeyNotFound, data.KeyID, data.KeyVersion)
	}
	defer zeroize(key.Material)

	md := key.Metadata
	if !md.CanDecrypt() {
		return nil, fmt.Errorf("kms: key %s v%d is %s and cannot decrypt",
			data.KeyID, data.KeyVersion, md.Status)
	}
	if data.Algorithm != md.Algorithm {
		return nil, fmt.Errorf("kms: frame algorithm %q does not match key version algorithm %q",
			data.Algorithm, md.Algorithm)
	}

	subkey, err := deriveKey(key.Material, md.KeyID, md.Version, md.Purpose, subkeyLen(md.Algorithm))
	if err != nil {
		return nil, err
	}
	defer zeroize(subkey)

	switch md.Algorithm {
	case AlgorithmAESCBCHMAC:
		return decryptCBCHMAC(subkey, data.IV, data.Ciphertext, data.AuthTag, data.AssociatedData)
	default:
		return decryptGCM(subkey, data.IV, data.Ciphertext, data.AuthTag, data.AssociatedData)
	}
}

// EncryptField envelopes plaintext and renders the EXCR frame.
func (p *LocalProvider) EncryptField(ctx context.Context, plaintext []byte, keyID string, aad []byte) ([]byte, error) {
	data, err := p.Encrypt(ctx, plaintext, keyID, aad)
	if err != nil {
		return nil, err
	}
	return data.MarshalBinary()
}

// DecryptField parses an EXCR frame and opens it.
func (p *LocalProvider) DecryptField(ctx context.Context, frame []byte) ([]byte, error) {
	if !IsFieldEncrypted(frame) {
		return nil, errors.New("kms: field is not encrypted")
	}
	var data EncryptedData
	if err := data.UnmarshalBinary(frame); err != nil {
		return nil, err
	}
	return p.Decrypt(ctx, &data)
}

// ReencryptField rewraps a frame under the sealing key's current
// Active version, falling back to the active key of the old version's
// purpose when the key itself no longer encrypts.
func (p *LocalProvider) ReencryptField(ctx context.Context, frame []byte) ([]byte, error) {
	if !IsFieldEncrypted(frame) {
		return nil, errors.New("kms: field is not encrypted")
	}
	var data EncryptedData
	if err := data.UnmarshalBinary(frame); err != nil {
		return nil, err
	}
	plaintext, err := p.Decrypt(ctx, &data)
	if err != nil {
		return nil, err
	}
	defer zeroize(plaintext)

	versions, err := p.store.Versions(ctx, data.KeyID)
	if err != nil {
		return nil, err
	}
	targetKeyID := ""
	var oldPurpose string
	for _, v := range versions {
		if v.Metadata.Version == data.KeyVersion {
			oldPurpose = v.Metadata.Purpose
		}
		if v.Metadata.Status == StatusActive {
			targetKeyID = v.Metadata.KeyID
		}
	}
	if targetKeyID == "" {
		md, err := p.GetActiveKey(ctx, oldPurpose)
		if err != nil {
			return nil, err
		}
		if md == nil {
			return nil, fmt.Errorf("%w: no active key for purpose %q", ErrKeyNotActive, oldPurpose)
		}
		targetKeyID = md.KeyID
	}
	return p.EncryptField(ctx, plaintext, targetKeyID, data.AssociatedData)
}
