package kms

import (
	"context"
	"sort"
	"sync"
)

// StoredKey couples one key version's metadata with its master
// material. Material is nil once the version is destroyed.
type StoredKey struct {
	Metadata KeyMetadata
	Material []byte
}

func (k *StoredKey) clone() *StoredKey {
	out := &StoredKey{Metadata: k.Metadata}
	if k.Material != nil {
		out.Material = append([]byte(nil), k.Material...)
	}
	return out
}

// KeyStore persists key versions and the alias table. Rotate is the
// one compound operation and must be atomic: demotion, promotion and
// the alias repoint all commit or none do.
type KeyStore interface {
	// Put inserts or replaces one key version.
	Put(ctx context.Context, key *StoredKey) error
	// Get returns one version, nil when absent.
	Get(ctx context.Context, keyID string, version int) (*StoredKey, error)
	// Versions returns a key's versions in ascending version order.
	Versions(ctx context.Context, keyID string) ([]*StoredKey, error)
	// List returns every stored version.
	List(ctx context.Context) ([]*StoredKey, error)
	// Rotate demotes the prior Active version when demote is not nil,
	// inserts the promoted version, and repoints the alias.
	Rotate(ctx context.Context, demote, promote *StoredKey, alias string) error
	// Alias resolves an alias to a key id, "" when absent.
	Alias(ctx context.Context, alias string) (string, error)
	// SetAlias points an alias at a key id.
	SetAlias(ctx context.Context, alias, keyID string) error
	// Aliases returns a copy of the alias table.
	Aliases(ctx context.Context) (map[string]string, error)
}

// MemoryKeyStore keeps key versions in process. Suited to tests and
// single-node deployments that rebuild keys at boot.
type MemoryKeyStore struct {
	mu       sync.RWMutex
	versions map[string][]*StoredKey
	aliases  map[string]string
}

var _ KeyStore = (*MemoryKeyStore)(nil)

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		versions: make(map[string][]*StoredKey),
		aliases:  make(map[string]string),
	}
}

func (s *MemoryKeyStore) Put(ctx context.Context, key *StoredKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(key.clone())
	return nil
}

// upsert replaces the matching version in place or inserts in version
// order. Callers hold the write lock.
func (s *MemoryKeyStore) upsert(key *StoredKey) {
	id := key.Metadata.KeyID
	for i, existing := range s.versions[id] {
		if existing.Metadata.Version == key.Metadata.Version {
			s.versions[id][i] = key
			return
		}
	}
	s.versions[id] = append(s.versions[id], key)
	sort.Slice(s.versions[id], func(i, k int) bool {
		return s.versions[id][i].Metadata.Version < s.versions[id][k].Metadata.Version
	})
}

func (s *MemoryKeyStore) Get(ctx context.Context, keyID string, version int) (*StoredKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.versions[keyID] {
		if key.Metadata.Version == version {
			return key.clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryKeyStore) Versions(ctx context.Context, keyID string) ([]*StoredKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*StoredKey, 0, len(s.versions[keyID]))
	for _, key := range s.versions[keyID] {
		out = append(out, key.clone())
	}
	return out, nil
}

func (s *MemoryKeyStore) List(ctx context.Context) ([]*StoredKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*StoredKey
	for _, versions := range s.versions {
		for _, key := range versions {
			out = append(out, key.clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Metadata.KeyID != out[k].Metadata.KeyID {
			return out[i].Metadata.KeyID < out[k].Metadata.KeyID
		}
		return out[i].Metadata.Version < out[k].Metadata.Version
	})
	return out, nil
}

func (s *MemoryKeyStore) Rotate(ctx context.Context, demote, promote *StoredKey, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if demote != nil {
		s.upsert(demote.clone())
	}
	s.upsert(promote.clone())
	s.aliases[alias] = promote.Metadata.KeyID
	return nil
}

func (s *MemoryKeyStore) Alias(ctx context.Context, alias string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aliases[alias], nil
}

func (s *MemoryKeyStore) SetAlias(ctx context.Context, alias, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alias] = keyID
	return nil
}

func (s *MemoryKeyStore) Aliases(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.aliases))
	for alias, keyID := range s.aliases {
		out[alias] = keyID
	}
	return out, nil
}
