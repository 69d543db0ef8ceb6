//go:build property
// +build property

// Property-based tests for key escrow: splitting and combining is a
// lossless round trip, below-threshold sets never combine, and the
// combined token expires when the earliest share does.
package kms_test

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/excalibur-labs/dispatch/pkg/kms"
)

// TestSplitCombineRoundTrip checks the escrow round trip. Property:
// combining all shares of any split reproduces the material, and any
// strict subset is rejected.
func TestSplitCombineRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	properties.Property("all shares reconstruct, fewer never do", prop.ForAll(
		func(seed []byte, shares int) bool {
			// Prepend a byte so the material is never empty.
			material := append([]byte{0x5a}, seed...)

			tokens, _, err := kms.SplitKey(rand.Reader, "prop-key", material,
				shares, shares, time.Hour, now)
			if err != nil {
				return false
			}
			combined, err := kms.Combine(tokens, now)
			if err != nil || string(combined.ShareData) != string(material) {
				return false
			}
			if !combined.IsCombined() {
				return false
			}
			_, err = kms.Combine(tokens[:shares-1], now)
			return err != nil
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(2, 6),
	))

	properties.TestingRun(t)
}

// TestCombinedExpiryIsMinimum checks expiry propagation. Property: the
// combined token's expiry equals the earliest expiry among the shares.
func TestCombinedExpiryIsMinimum(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	properties.Property("combined expiry is the earliest share expiry", prop.ForAll(
		func(a, b, c int) bool {
			material := []byte("0123456789abcdef0123456789abcdef")
			tokens, _, err := kms.SplitKey(rand.Reader, "prop-key", material,
				3, 3, time.Hour, now)
			if err != nil {
				return false
			}

			offsets := []int{a, b, c}
			earliest := time.Time{}
			for i, m := range offsets {
				exp := now.Add(time.Duration(m) * time.Minute)
				tokens[i].ExpiresAt = exp
				if earliest.IsZero() || exp.Before(earliest) {
					earliest = exp
				}
			}

			combined, err := kms.Combine(tokens, now)
			if err != nil {
				return false
			}
			return combined.ExpiresAt.Equal(earliest)
		},
		gen.IntRange(1, 100_000),
		gen.IntRange(1, 100_000),
		gen.IntRange(1, 100_000),
	))

	properties.TestingRun(t)
}
