// Package kms implements a local software key-management service:
// versioned keys with a lifecycle state machine, envelope encryption
// of regulated fields, split-knowledge escrow, and policy-driven
// re-encryption migration.
package kms

import (
	"errors"
	"fmt"
	"time"
)

// KeyStatus is a key version's lifecycle state.
type KeyStatus string

const (
	StatusActive             KeyStatus = "Active"
	StatusDecryptOnly        KeyStatus = "DecryptOnly"
	StatusPendingDestruction KeyStatus = "PendingDestruction"
	StatusDestroyed          KeyStatus = "Destroyed"
	StatusSuspended          KeyStatus = "Suspended"
)

// keyTransitions is the legal lifecycle walk. Forward-only through
// destruction; Suspended is reachable only from Active and returns
// only to Active.
var keyTransitions = map[KeyStatus][]KeyStatus{
	StatusActive:             {StatusDecryptOnly, StatusPendingDestruction, StatusSuspended},
	StatusDecryptOnly:        {StatusPendingDestruction},
	StatusPendingDestruction: {StatusDestroyed},
	StatusSuspended:          {StatusActive},
	StatusDestroyed:          {},
}

func canTransition(from, to KeyStatus) bool {
	for _, next := range keyTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Algorithm names a supported envelope-encryption algorithm.
type Algorithm string

const (
	AlgorithmAESGCM     Algorithm = "AES-256-GCM"
	AlgorithmAESCBCHMAC Algorithm = "AES-256-CBC-HMAC"
)

func validAlgorithm(a Algorithm) bool {
	return a == AlgorithmAESGCM || a == AlgorithmAESCBCHMAC
}

// KeyMetadata describes one key version. Optional timestamps are zero
// when unset.
type KeyMetadata struct {
	KeyID            string    `json:"keyId"`
	Version          int       `json:"version"`
	Status           KeyStatus `json:"status"`
	Algorithm        Algorithm `json:"algorithm"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt,omitempty"`
	LastRotatedAt    time.Time `json:"lastRotatedAt,omitempty"`
	Purpose          string    `json:"purpose,omitempty"`
	IsFIPSCompliant  bool      `json:"isFipsCompliant"`
	SuspensionReason string    `json:"suspensionReason,omitempty"`
	SuspendedAt      time.Time `json:"suspendedAt,omitempty"`
	DestroyAt        time.Time `json:"destroyAt,omitempty"`
}

// CanEncrypt reports whether this version may protect new data.
func (m *KeyMetadata) CanEncrypt() bool { return m.Status == StatusActive }

// CanDecrypt reports whether this version may open existing data.
func (m *KeyMetadata) CanDecrypt() bool {
	return m.Status == StatusActive || m.Status == StatusDecryptOnly
}

// RotationResult reports a committed rotation. OldVersion is zero when
// the rotation created the key.
type RotationResult struct {
	KeyID      string    `json:"keyId"`
	OldVersion int       `json:"oldVersion,omitempty"`
	NewVersion int       `json:"newVersion"`
	Algorithm  Algorithm `json:"algorithm"`
	RotatedAt  time.Time `json:"rotatedAt"`
}

// EncryptedData is one envelope-encrypted field. AuthTag carries the
// GCM tag or the CBC-HMAC MAC. TenantID travels out of band; the EXCR
// frame does not serialize it.
type EncryptedData struct {
	Ciphertext     []byte
	KeyID          string
	KeyVersion     int
	Algorithm      Algorithm
	IV             []byte
	AuthTag        []byte
	AssociatedData []byte
	TenantID       string
	EncryptedAt    time.Time
}

const (
	// DefaultKeyAliasPrefix marks keys this deployment owns.
	DefaultKeyAliasPrefix = "excalibur-dispatch"

	defaultMetadataCacheDuration = 300 * time.Second
	defaultDeletionRetentionDays = 30

	minDeletionRetentionDays = 7
	maxDeletionRetentionDays = 30
)

// Config tunes a provider. Zero values take the documented defaults;
// DisableAutoRotation inverts the enableAutoRotation option so the
// zero Config keeps rotation advice on.
type Config struct {
	// KeyAliasPrefix scopes ListKeys to keys this deployment owns.
	// Default "excalibur-dispatch".
	KeyAliasPrefix string
	// Environment tags created keys, e.g. "prod". Optional.
	Environment string
	// DisableAutoRotation turns off rotation-due reporting.
	DisableAutoRotation bool
	// MetadataCacheDuration bounds the metadata cache. Default 300s.
	MetadataCacheDuration time.Duration
	// DefaultDeletionRetentionDays applies when Delete is called with
	// zero retention. Default 30, clamped to [7, 30].
	DefaultDeletionRetentionDays int
	// CreateMultiRegionKeys marks new keys for replication.
	CreateMultiRegionKeys bool
	// ReplicaRegions lists replication targets for multi-region keys.
	ReplicaRegions []string
	// MultiRegion carries replication behavior; validated, surfaced,
	// not executed here.
	MultiRegion MultiRegionOptions
}

func (c Config) withDefaults() Config {
	if c.KeyAliasPrefix == "" {
		c.KeyAliasPrefix = DefaultKeyAliasPrefix
	}
	if c.MetadataCacheDuration <= 0 {
		c.MetadataCacheDuration = defaultMetadataCacheDuration
	}
	if c.DefaultDeletionRetentionDays <= 0 {
		c.DefaultDeletionRetentionDays = defaultDeletionRetentionDays
	}
	c.MultiRegion = c.MultiRegion.withDefaults()
	return c
}

// ReplicationMode selects how replicas are kept current.
type ReplicationMode string

const (
	ReplicationAsynchronous ReplicationMode = "Asynchronous"
	ReplicationSynchronous  ReplicationMode = "Synchronous"
)

// MultiRegionOptions describes replication targets and failover
// thresholds. The provider validates and surfaces them; replication
// itself runs outside this package.
type MultiRegionOptions struct {
	ReplicationMode ReplicationMode
	// RPOTarget is the tolerated data loss window. Default 15m.
	RPOTarget time.Duration
	// RTOTarget is the tolerated recovery window. Default 5m.
	RTOTarget time.Duration
	// HealthCheckInterval paces replica probes. Default 30s.
	HealthCheckInterval time.Duration
	// FailoverThreshold is the consecutive probe failures before a
	// failover is proposed. Default 3.
	FailoverThreshold int
	// DisableAutomaticFailover requires an operator to confirm.
	DisableAutomaticFailover bool
}

func (o MultiRegionOptions) withDefaults() MultiRegionOptions {
	if o.ReplicationMode == "" {
		o.ReplicationMode = ReplicationAsynchronous
	}
	if o.RPOTarget <= 0 {
		o.RPOTarget = 15 * time.Minute
	}
	if o.RTOTarget <= 0 {
		o.RTOTarget = 5 * time.Minute
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
	if o.FailoverThreshold <= 0 {
		o.FailoverThreshold = 3
	}
	return o
}

// Validate rejects option combinations that cannot describe a working
// replication setup.
func (o MultiRegionOptions) Validate() error {
	o = o.withDefaults()
	if o.ReplicationMode != ReplicationAsynchronous && o.ReplicationMode != ReplicationSynchronous {
		return fmt.Errorf("kms: unknown replication mode %q", o.ReplicationMode)
	}
	if o.RPOTarget < o.HealthCheckInterval {
		return errors.New("kms: rpo target below the health check interval is unachievable")
	}
	return nil
}

var (
	// ErrKeyNotFound is returned when the key id or version does not
	// exist in the store.
	ErrKeyNotFound = errors.New("kms: key not found")
	// ErrKeyNotActive is returned when an encrypt path needs an
	// Active version and none exists.
	ErrKeyNotActive = errors.New("kms: key has no active version")
)

func clampRetentionDays(days int) int {
	if days < minDeletionRetentionDays {
		return minDeletionRetentionDays
	}
	if days > maxDeletionRetentionDays {
		return maxDeletionRetentionDays
	}
	return days
}
