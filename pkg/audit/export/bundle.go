package export

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/excalibur-labs/dispatch/pkg/audit"
)

var (
	// ErrEmptyTenantID is returned when the bundle request names no tenant.
	ErrEmptyTenantID = errors.New("export: tenantId must not be empty")
	// ErrInvalidTimeRange is returned when from is after to.
	ErrInvalidTimeRange = errors.New("export: from must not be after to")
	// ErrJournalNotConfigured is returned when a bundle is requested
	// without a backing journal (fail-closed).
	ErrJournalNotConfigured = errors.New("export: journal not configured")
)

// bundlePageSize bounds each journal read while collecting a range.
const bundlePageSize = 500

// BundleRequest defines the tenant and period to package.
type BundleRequest struct {
	TenantID string    `json:"tenantId"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// bundleManifest attests the bundle contents. It is written as RFC
// 8785 canonical JSON so its hash is reproducible by auditors.
type bundleManifest struct {
	TenantID       string                 `json:"tenantId"`
	GeneratedAt    time.Time              `json:"generatedAt"`
	EventCount     int                    `json:"eventCount"`
	ChainHead      string                 `json:"chainHead,omitempty"`
	PeriodFrom     time.Time              `json:"periodFrom"`
	PeriodTo       time.Time              `json:"periodTo"`
	Integrity      *audit.IntegrityResult `json:"integrity"`
	EventsChecksum string                 `json:"eventsChecksum"`
}

// BundlerOption tunes a Bundler.
type BundlerOption func(*Bundler)

// WithBundlerClock injects the time source for GeneratedAt stamps.
func WithBundlerClock(now func() time.Time) BundlerOption {
	return func(b *Bundler) { b.now = now }
}

// Bundler packages a tenant's journal range into a verifiable zip.
type Bundler struct {
	journal audit.Journal
	now     func() time.Time
}

// NewBundler builds a Bundler over the given journal.
func NewBundler(journal audit.Journal, opts ...BundlerOption) *Bundler {
	b := &Bundler{journal: journal, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Generate collects the tenant's events in the period, verifies the
// hash chain over the same range, and returns the zip bundle with its
// SHA-256 checksum. The bundle holds events.json, a canonical
// manifest.json attesting the payload, and a README.
func (b *Bundler) Generate(ctx context.Context, req BundleRequest) ([]byte, string, error) {
	if req.TenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.From.After(req.To) {
		return nil, "", ErrInvalidTimeRange
	}
	if b.journal == nil {
		return nil, "", ErrJournalNotConfigured
	}

	events, err := b.collect(ctx, req)
	if err != nil {
		return nil, "", err
	}
	integrity, err := b.journal.VerifyChain(ctx, req.TenantID, req.From, req.To)
	if err != nil {
		return nil, "", fmt.Errorf("export: verify chain: %w", err)
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export: marshal events: %w", err)
	}
	eventsSum := sha256.Sum256(eventsJSON)

	manifest := bundleManifest{
		TenantID:       req.TenantID,
		GeneratedAt:    b.now().UTC(),
		EventCount:     len(events),
		PeriodFrom:     req.From,
		PeriodTo:       req.To,
		Integrity:      integrity,
		EventsChecksum: hex.EncodeToString(eventsSum[:]),
	}
	if n := len(events); n > 0 {
		manifest.ChainHead = events[n-1].EventHash
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, "", fmt.Errorf("export: marshal manifest: %w", err)
	}
	manifestJSON, err = jcs.Transform(manifestJSON)
	if err != nil {
		return nil, "", fmt.Errorf("export: canonicalize manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(eventsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f,
		"Audit evidence bundle for tenant %s\nGenerated at %s\nmanifest.json is RFC 8785 canonical JSON; its eventsChecksum is the SHA-256 of events.json.\n",
		req.TenantID, manifest.GeneratedAt.Format(time.RFC3339))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}

// collect pages through the journal until the range is exhausted.
func (b *Bundler) collect(ctx context.Context, req BundleRequest) ([]*audit.Event, error) {
	var events []*audit.Event
	for skip := 0; ; skip += bundlePageSize {
		page, err := b.journal.Query(ctx, audit.Query{
			TenantID:   req.TenantID,
			From:       req.From,
			To:         req.To,
			Sort:       audit.SortAscending,
			MaxResults: bundlePageSize,
			Skip:       skip,
		})
		if err != nil {
			return nil, fmt.Errorf("export: query events: %w", err)
		}
		events = append(events, page...)
		if len(page) < bundlePageSize {
			return events, nil
		}
	}
}
