package kms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// fileKey is the on-disk form of one key version. Material marshals
// as base64 and is absent once a version is destroyed.
type fileKey struct {
	Metadata KeyMetadata `json:"metadata"`
	Material []byte      `json:"material,omitempty"`
}

// fileKeystore is the JSON layout of the keystore file.
type fileKeystore struct {
	Keys    []fileKey         `json:"keys"`
	Aliases map[string]string `json:"aliases,omitempty"`
}

// fileState is the in-memory mirror of the keystore file.
type fileState struct {
	versions map[string][]*StoredKey
	aliases  map[string]string
}

func newFileState() *fileState {
	return &fileState{
		versions: make(map[string][]*StoredKey),
		aliases:  make(map[string]string),
	}
}

func (st *fileState) clone() *fileState {
	out := newFileState()
	for id, versions := range st.versions {
		copied := make([]*StoredKey, len(versions))
		for i, key := range versions {
			copied[i] = key.clone()
		}
		out.versions[id] = copied
	}
	for alias, keyID := range st.aliases {
		out.aliases[alias] = keyID
	}
	return out
}

func (st *fileState) upsert(key *StoredKey) {
	id := key.Metadata.KeyID
	for i, existing := range st.versions[id] {
		if existing.Metadata.Version == key.Metadata.Version {
			st.versions[id][i] = key
			return
		}
	}
	st.versions[id] = append(st.versions[id], key)
	sort.Slice(st.versions[id], func(i, k int) bool {
		return st.versions[id][i].Metadata.Version < st.versions[id][k].Metadata.Version
	})
}

// FileKeyStore persists key versions in a single JSON keystore file
// with 0600 permissions. Writes go through a temp file and rename, so
// a rotation commits whole or not at all. Suited to single-node
// deployments and local development.
type FileKeyStore struct {
	path string

	mu    sync.RWMutex
	state *fileState
}

var _ KeyStore = (*FileKeyStore)(nil)

// NewFileKeyStore opens the keystore at path, creating the file and
// its directory when absent.
func NewFileKeyStore(path string) (*FileKeyStore, error) {
	if path == "" {
		return nil, errors.New("kms: file keystore needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("kms: create keystore dir: %w", err)
	}

	s := &FileKeyStore{path: path, state: newFileState()}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.writeFile(s.state); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileKeyStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("kms: read keystore: %w", err)
	}
	var raw fileKeystore
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("kms: parse keystore: %w", err)
	}

	state := newFileState()
	for _, k := range raw.Keys {
		if k.Metadata.KeyID == "" || k.Metadata.Version < 1 {
			return fmt.Errorf("kms: keystore entry %q v%d is malformed", k.Metadata.KeyID, k.Metadata.Version)
		}
		state.upsert(&StoredKey{Metadata: k.Metadata, Material: k.Material})
	}
	for alias, keyID := range raw.Aliases {
		state.aliases[alias] = keyID
	}
	s.state = state
	return nil
}

// writeFile serializes state to a temp file and renames it onto the
// keystore path.
func (s *FileKeyStore) writeFile(state *fileState) error {
	raw := fileKeystore{Aliases: state.aliases}
	for _, versions := range state.versions {
		for _, key := range versions {
			raw.Keys = append(raw.Keys, fileKey{Metadata: key.Metadata, Material: key.Material})
		}
	}
	sort.Slice(raw.Keys, func(i, k int) bool {
		if raw.Keys[i].Metadata.KeyID != raw.Keys[k].Metadata.KeyID {
			return raw.Keys[i].Metadata.KeyID < raw.Keys[k].Metadata.KeyID
		}
		return raw.Keys[i].Metadata.Version < raw.Keys[k].Metadata.Version
	})

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".keystore-*")
	if err != nil {
		return fmt.Errorf("kms: stage keystore: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("kms: restrict keystore: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("kms: close keystore: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("kms: commit keystore: %w", err)
	}
	return nil
}

// stage runs mutate against a copy of the state, persists the copy,
// and commits it in memory only after the file write lands.
func (s *FileKeyStore) stage(mutate func(*fileState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.state.clone()
	mutate(staged)
	if err := s.writeFile(staged); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (s *FileKeyStore) Put(ctx context.Context, key *StoredKey) error {
	return s.stage(func(st *fileState) {
		st.upsert(key.clone())
	})
}

func (s *FileKeyStore) Get(ctx context.Context, keyID string, version int) (*StoredKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.state.versions[keyID] {
		if key.Metadata.Version == version {
			return key.clone(), nil
		}
	}
	return nil, nil
}

func (s *FileKeyStore) Versions(ctx context.Context, keyID string) ([]*StoredKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*StoredKey, 0, len(s.state.versions[keyID]))
	for _, key := range s.state.versions[keyID] {
		out = append(out, key.clone())
	}
	return out, nil
}

func (s *FileKeyStore) List(ctx context.Context) ([]*StoredKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*StoredKey
	for _, versions := range s.state.versions {
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

func (s *FileKeyStore) Rotate(ctx context.Context, demote, promote *StoredKey, alias string) error {
	return s.stage(func(st *fileState) {
		if demote != nil {
			st.upsert(demote.clone())
		}
		st.upsert(promote.clone())
		st.aliases[alias] = promote.Metadata.KeyID
	})
}

func (s *FileKeyStore) Alias(ctx context.Context, alias string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.aliases[alias], nil
}

func (s *FileKeyStore) SetAlias(ctx context.Context, alias, keyID string) error {
	return s.stage(func(st *fileState) {
		st.aliases[alias] = keyID
	})
}

func (s *FileKeyStore) Aliases(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.state.aliases))
	for alias, keyID := range s.state.aliases {
		out[alias] = keyID
	}
	return out, nil
}
