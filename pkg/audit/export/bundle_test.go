package export_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excalibur-labs/dispatch/pkg/audit"
	"github.com/excalibur-labs/dispatch/pkg/audit/export"
)

func seededJournal(t *testing.T, tenant string, n int) *audit.MemoryJournal {
	t.Helper()
	journal := audit.NewMemoryJournal()
	for i := 0; i < n; i++ {
		_, err := journal.Append(context.Background(), &audit.Event{
			EventType: audit.EventTypeSystem,
			Action:    fmt.Sprintf("step.%d", i),
			Outcome:   audit.OutcomeSuccess,
			ActorID:   "system:test",
			TenantID:  tenant,
		})
		require.NoError(t, err)
	}
	return journal
}

func unzipBundle(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		files[f.Name] = content
	}
	return files
}

func TestGenerateBundleValidation(t *testing.T) {
	journal := audit.NewMemoryJournal()
	bundler := export.NewBundler(journal)

	_, _, err := bundler.Generate(context.Background(), export.BundleRequest{})
	assert.ErrorIs(t, err, export.ErrEmptyTenantID)

	_, _, err = bundler.Generate(context.Background(), export.BundleRequest{
		TenantID: "acme",
		From:     exportClock,
		To:       exportClock.Add(-time.Hour),
	})
	assert.ErrorIs(t, err, export.ErrInvalidTimeRange)

	_, _, err = export.NewBundler(nil).Generate(context.Background(),
		export.BundleRequest{TenantID: "acme"})
	assert.ErrorIs(t, err, export.ErrJournalNotConfigured)
}

func TestGenerateBundleContents(t *testing.T) {
	journal := seededJournal(t, "acme", 5)
	// A second tenant that must not leak into the bundle.
	_, err := journal.Append(context.Background(), &audit.Event{
		EventType: audit.EventTypeSystem,
		Action:    "other.tenant",
		Outcome:   audit.OutcomeSuccess,
		ActorID:   "system:test",
		TenantID:  "globex",
	})
	require.NoError(t, err)

	bundler := export.NewBundler(journal, export.WithBundlerClock(func() time.Time {
		return exportClock
	}))
	data, checksum, err := bundler.Generate(context.Background(),
		export.BundleRequest{TenantID: "acme"})
	require.NoError(t, err)

	zipSum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(zipSum[:]), checksum)

	files := unzipBundle(t, data)
	require.Contains(t, files, "events.json")
	require.Contains(t, files, "manifest.json")
	require.Contains(t, files, "README.txt")

	var events []*audit.Event
	require.NoError(t, json.Unmarshal(files["events.json"], &events))
	require.Len(t, events, 5)
	for i, event := range events {
		assert.Equal(t, "acme", event.TenantID)
		assert.Equal(t, int64(i+1), event.SequenceNumber, "events are in chain order")
	}

	var manifest struct {
		TenantID       string                `json:"tenantId"`
		GeneratedAt    time.Time             `json:"generatedAt"`
		EventCount     int                   `json:"eventCount"`
		ChainHead      string                `json:"chainHead"`
		Integrity      audit.IntegrityResult `json:"integrity"`
		EventsChecksum string                `json:"eventsChecksum"`
	}
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	assert.Equal(t, "acme", manifest.TenantID)
	assert.True(t, exportClock.Equal(manifest.GeneratedAt))
	assert.Equal(t, 5, manifest.EventCount)
	assert.Equal(t, events[4].EventHash, manifest.ChainHead)
	assert.True(t, manifest.Integrity.IsValid)
	assert.Equal(t, int64(5), manifest.Integrity.EventsVerified)

	eventsSum := sha256.Sum256(files["events.json"])
	assert.Equal(t, hex.EncodeToString(eventsSum[:]), manifest.EventsChecksum)

	assert.Contains(t, string(files["README.txt"]), "acme")
}

func TestGenerateBundleManifestIsCanonicalJSON(t *testing.T) {
	journal := seededJournal(t, "acme", 2)
	bundler := export.NewBundler(journal)

	data, _, err := bundler.Generate(context.Background(),
		export.BundleRequest{TenantID: "acme"})
	require.NoError(t, err)

	manifest := unzipBundle(t, data)["manifest.json"]
	canonical, err := jcs.Transform(manifest)
	require.NoError(t, err)
	assert.Equal(t, canonical, manifest, "manifest is already in canonical form")
}

func TestGenerateBundleEmptyRange(t *testing.T) {
	journal := seededJournal(t, "acme", 3)
	bundler := export.NewBundler(journal)

	// A window far in the future holds no events.
	data, _, err := bundler.Generate(context.Background(), export.BundleRequest{
		TenantID: "acme",
		From:     time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	files := unzipBundle(t, data)
	var events []*audit.Event
	require.NoError(t, json.Unmarshal(files["events.json"], &events))
	assert.Empty(t, events)

	var manifest map[string]any
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	assert.EqualValues(t, 0, manifest["eventCount"])
	assert.NotContains(t, manifest, "chainHead")
}

func TestGenerateBundlePagesThroughLargeRanges(t *testing.T) {
	if testing.Short() {
		t.Skip("large journal seed")
	}
	journal := seededJournal(t, "acme", 510)
	bundler := export.NewBundler(journal)

	data, _, err := bundler.Generate(context.Background(),
		export.BundleRequest{TenantID: "acme"})
	require.NoError(t, err)

	var events []*audit.Event
	require.NoError(t, json.Unmarshal(unzipBundle(t, data)["events.json"], &events))
	require.Len(t, events, 510)
	assert.Equal(t, int64(1), events[0].SequenceNumber)
	assert.Equal(t, int64(510), events[509].SequenceNumber)
}
