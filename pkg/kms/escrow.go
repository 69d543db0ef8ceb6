package kms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// EscrowState is an escrow's lifecycle state.
type EscrowState string

const (
	EscrowStateActive    EscrowState = "Active"
	EscrowStateRecovered EscrowState = "Recovered"
	EscrowStateExpired   EscrowState = "Expired"
	EscrowStateRevoked   EscrowState = "Revoked"
)

// EscrowStatus tracks one split-knowledge escrow of a key's material.
type EscrowStatus struct {
	KeyID               string      `json:"keyId"`
	EscrowID            string      `json:"escrowId"`
	State               EscrowState `json:"state"`
	EscrowedAt          time.Time   `json:"escrowedAt"`
	ExpiresAt           time.Time   `json:"expiresAt,omitempty"`
	ActiveTokenCount    int         `json:"activeTokenCount"`
	RecoveryAttempts    int         `json:"recoveryAttempts"`
	LastRecoveryAttempt time.Time   `json:"lastRecoveryAttempt,omitempty"`
	TenantID            string      `json:"tenantId,omitempty"`
	Purpose             string      `json:"purpose,omitempty"`
}

// IsRecoverable reports whether tokens of this escrow can still be
// combined at the given instant.
func (s *EscrowStatus) IsRecoverable(now time.Time) bool {
	return s.State == EscrowStateActive && (s.ExpiresAt.IsZero() || s.ExpiresAt.After(now))
}

// RecoveryToken is one custodian's share of escrowed key material.
// ShareIndex 0 marks a combined token reconstructed from shares.
type RecoveryToken struct {
	TokenID     string    `json:"tokenId"`
	KeyID       string    `json:"keyId"`
	EscrowID    string    `json:"escrowId"`
	ShareIndex  int       `json:"shareIndex"`
	ShareData   []byte    `json:"shareData"`
	TotalShares int       `json:"totalShares"`
	Threshold   int       `json:"threshold"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	CustodianID string    `json:"custodianId,omitempty"`
}

// IsCombined reports whether the token is a reconstruction rather
// than a custodian share.
func (t *RecoveryToken) IsCombined() bool { return t.ShareIndex == 0 }

func (t *RecoveryToken) expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !t.ExpiresAt.After(now)
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// SplitKey splits material into totalShares xor shares, one token per
// share. The scheme is all-or-nothing, so threshold must equal
// totalShares. A validity of zero or less leaves the tokens without
// expiry.
func SplitKey(rng io.Reader, keyID string, material []byte, totalShares, threshold int, validity time.Duration, now time.Time) ([]RecoveryToken, EscrowStatus, error) {
	if len(material) == 0 {
		return nil, EscrowStatus{}, errors.New("kms: no key material to escrow")
	}
	if totalShares < 2 {
		return nil, EscrowStatus{}, errors.New("kms: escrow needs at least two shares")
	}
	if threshold != totalShares {
		return nil, EscrowStatus{}, fmt.Errorf("kms: xor escrow requires threshold %d to equal share count %d",
			threshold, totalShares)
	}

	now = now.UTC()
	var expiresAt time.Time
	if validity > 0 {
		expiresAt = now.Add(validity)
	}

	// n-1 random shares; the last share folds the material in so the
	// xor of all of them is the material again.
	shares := make([][]byte, totalShares)
	last := append([]byte(nil), material...)
	for i := 0; i < totalShares-1; i++ {
		share := make([]byte, len(material))
		if _, err := io.ReadFull(rng, share); err != nil {
			return nil, EscrowStatus{}, fmt.Errorf("kms: draw escrow share: %w", err)
		}
		xorInto(last, share)
		shares[i] = share
	}
	shares[totalShares-1] = last

	escrowID := newID()
	tokens := make([]RecoveryToken, totalShares)
	for i, share := range shares {
		tokens[i] = RecoveryToken{
			TokenID:     newID(),
			KeyID:       keyID,
			EscrowID:    escrowID,
			ShareIndex:  i + 1,
			ShareData:   share,
			TotalShares: totalShares,
			Threshold:   threshold,
			CreatedAt:   now,
			ExpiresAt:   expiresAt,
		}
	}
	status := EscrowStatus{
		KeyID:            keyID,
		EscrowID:         escrowID,
		State:            EscrowStateActive,
		EscrowedAt:       now,
		ExpiresAt:        expiresAt,
		ActiveTokenCount: totalShares,
	}
	return tokens, status, nil
}

// Combine reconstructs key material from custodian tokens. Every
// token must belong to the same escrow and key, agree on the
// threshold, carry a distinct share index, and be unexpired; at least
// threshold tokens are required. The combined token has ShareIndex 0
// and expires when the earliest input does.
func Combine(tokens []RecoveryToken, now time.Time) (*RecoveryToken, error) {
	if len(tokens) == 0 {
		return nil, errors.New("kms: combine needs at least one token")
	}
	base := tokens[0]
	if len(tokens) < base.Threshold {
		return nil, fmt.Errorf("kms: %d tokens cannot meet threshold %d", len(tokens), base.Threshold)
	}

	seen := make(map[int]struct{}, len(tokens))
	material := make([]byte, len(base.ShareData))
	var minExpiry time.Time
	for _, t := range tokens {
		if t.EscrowID != base.EscrowID {
			return nil, fmt.Errorf("kms: token %s belongs to escrow %s, want %s",
				t.TokenID, t.EscrowID, base.EscrowID)
		}
		if t.KeyID != base.KeyID {
			return nil, fmt.Errorf("kms: token %s belongs to key %s, want %s",
				t.TokenID, t.KeyID, base.KeyID)
		}
		if t.Threshold != base.Threshold {
			return nil, fmt.Errorf("kms: token %s carries threshold %d, want %d",
				t.TokenID, t.Threshold, base.Threshold)
		}
		if t.ShareIndex < 1 {
			return nil, fmt.Errorf("kms: token %s is not a custodian share", t.TokenID)
		}
		if _, dup := seen[t.ShareIndex]; dup {
			return nil, fmt.Errorf("kms: duplicate share index %d", t.ShareIndex)
		}
		seen[t.ShareIndex] = struct{}{}
		if t.expired(now) {
			return nil, fmt.Errorf("kms: token %s expired at %s",
				t.TokenID, t.ExpiresAt.Format(time.RFC3339))
		}
		if len(t.ShareData) != len(material) {
			return nil, errors.New("kms: share lengths differ")
		}
		xorInto(material, t.ShareData)
		if !t.ExpiresAt.IsZero() && (minExpiry.IsZero() || t.ExpiresAt.Before(minExpiry)) {
			minExpiry = t.ExpiresAt
		}
	}

	return &RecoveryToken{
		TokenID:     newID(),
		KeyID:       base.KeyID,
		EscrowID:    base.EscrowID,
		ShareIndex:  0,
		ShareData:   material,
		TotalShares: base.TotalShares,
		Threshold:   base.Threshold,
		CreatedAt:   now.UTC(),
		ExpiresAt:   minExpiry,
	}, nil
}

// EscrowKey splits the key's Active material into one recovery token
// per custodian. Recovery requires every custodian's token.
func (p *LocalProvider) EscrowKey(ctx context.Context, keyID string, custodians []string, validity time.Duration) ([]RecoveryToken, *EscrowStatus, error) {
	if keyID == "" {
		return nil, nil, errors.New("kms: escrow needs a key id")
	}
	if len(custodians) < 2 {
		return nil, nil, errors.New("kms: escrow needs at least two custodians")
	}

	versions, err := p.store.Versions(ctx, keyID)
	if err != nil {
		return nil, nil, err
	}
	if len(versions) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	var active *StoredKey
	for _, v := range versions {
		if v.Metadata.Status == StatusActive {
			active = v
		}
	}
	if active == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrKeyNotActive, keyID)
	}
	defer zeroize(active.Material)

	tokens, status, err := SplitKey(p.rng, keyID, active.Material,
		len(custodians), len(custodians), validity, p.now())
	if err != nil {
		return nil, nil, err
	}
	for i := range tokens {
		tokens[i].CustodianID = custodians[i]
	}
	status.Purpose = active.Metadata.Purpose

	tracked := status
	p.mu.Lock()
	p.escrows[status.EscrowID] = &tracked
	p.mu.Unlock()

	p.logger.Info("key escrowed",
		"keyId", keyID, "escrowId", status.EscrowID, "custodians", len(custodians))
	return tokens, &status, nil
}

// GetEscrowStatus reports an escrow's current state, expiring it
// lazily once its window has passed.
func (p *LocalProvider) GetEscrowStatus(ctx context.Context, escrowID string) (*EscrowStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.escrows[escrowID]
	if !ok {
		return nil, fmt.Errorf("kms: escrow %s not found", escrowID)
	}
	if st.State == EscrowStateActive && !st.ExpiresAt.IsZero() && !st.ExpiresAt.After(p.now()) {
		st.State = EscrowStateExpired
	}
	out := *st
	return &out, nil
}

// RevokeEscrow invalidates an escrow's outstanding tokens.
func (p *LocalProvider) RevokeEscrow(ctx context.Context, escrowID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.escrows[escrowID]
	if !ok {
		return false, fmt.Errorf("kms: escrow %s not found", escrowID)
	}
	if st.State == EscrowStateRecovered {
		return false, fmt.Errorf("kms: escrow %s already recovered", escrowID)
	}
	st.State = EscrowStateRevoked
	st.ActiveTokenCount = 0
	p.logger.Warn("escrow revoked", "escrowId", escrowID)
	return true, nil
}

// RecoverKey reconstructs escrowed material from recovery tokens and
// reinstates it as a fresh Active version of the key; a live Active
// version demotes to DecryptOnly. Versions already destroyed stay
// destroyed, so frames they sealed do not resurrect.
func (p *LocalProvider) RecoverKey(ctx context.Context, tokens []RecoveryToken) (*KeyMetadata, error) {
	now := p.now()
	combined, combineErr := Combine(tokens, now)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Attempt accounting happens whether or not the combine held.
	var st *EscrowStatus
	if len(tokens) > 0 {
		if tracked, ok := p.escrows[tokens[0].EscrowID]; ok {
			tracked.RecoveryAttempts++
			tracked.LastRecoveryAttempt = now.UTC()
			st = tracked
		}
	}
	if combineErr != nil {
		return nil, combineErr
	}
	defer zeroize(combined.ShareData)

	if st != nil {
		if st.State == EscrowStateActive && !st.ExpiresAt.IsZero() && !st.ExpiresAt.After(now) {
			st.State = EscrowStateExpired
		}
		if !st.IsRecoverable(now) {
			return nil, fmt.Errorf("kms: escrow %s is %s and cannot recover", st.EscrowID, st.State)
		}
	}

	versions, err := p.store.Versions(ctx, combined.KeyID)
	if err != nil {
		return nil, err
	}

	next := 1
	purpose := ""
	algorithm := AlgorithmAESGCM
	var demote *StoredKey
	if len(versions) > 0 {
		last := versions[len(versions)-1]
		next = last.Metadata.Version + 1
		purpose = last.Metadata.Purpose
		algorithm = last.Metadata.Algorithm
		for _, v := range versions {
			if v.Metadata.Status == StatusActive {
				demote = v.clone()
				demote.Metadata.Status = StatusDecryptOnly
				demote.Metadata.LastRotatedAt = now.UTC()
				purpose = v.Metadata.Purpose
				algorithm = v.Metadata.Algorithm
			}
		}
	}
	if st != nil && st.Purpose != "" {
		purpose = st.Purpose
	}
	if purpose == "" {
		purpose = DefaultPurpose
	}

	nowUTC := now.UTC()
	promote := &StoredKey{
		Metadata: KeyMetadata{
			KeyID:           combined.KeyID,
			Version:         next,
			Status:          StatusActive,
			Algorithm:       algorithm,
			CreatedAt:       nowUTC,
			LastRotatedAt:   nowUTC,
			Purpose:         purpose,
			IsFIPSCompliant: true,
		},
		Material: combined.ShareData,
	}
	if !p.cfg.DisableAutoRotation {
		promote.Metadata.ExpiresAt = nowUTC.Add(defaultRotationPeriod)
	}

	if err := p.store.Rotate(ctx, demote, promote, p.aliasFor(combined.KeyID)); err != nil {
		return nil, fmt.Errorf("kms: reinstate key %s: %w", combined.KeyID, err)
	}
	p.cache.invalidate(combined.KeyID)
	if st != nil {
		st.State = EscrowStateRecovered
		st.ActiveTokenCount = 0
	}
	p.logger.Info("key recovered from escrow",
		"keyId", combined.KeyID, "version", next)

	md := promote.Metadata
	return &md, nil
}
