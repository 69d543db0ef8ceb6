package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// MigrationState is a migration run's lifecycle state.
type MigrationState string

const (
	MigrationPending   MigrationState = "Pending"
	MigrationRunning   MigrationState = "Running"
	MigrationPaused    MigrationState = "Paused"
	MigrationCompleted MigrationState = "Completed"
	MigrationFailed    MigrationState = "Failed"
	MigrationCancelled MigrationState = "Cancelled"
)

const (
	defaultMigrationParallelism = 4
	defaultMigrationBatchSize   = 100
	defaultItemTimeout          = time.Minute

	// perItemMigrationCost calibrates Estimate durations: unwrap,
	// rewrap and reframe one field.
	perItemMigrationCost = 5 * time.Millisecond
)

// MigrationStatus tracks one run's progress.
type MigrationStatus struct {
	MigrationID    string            `json:"migrationId"`
	State          MigrationState    `json:"state"`
	TotalItems     int               `json:"totalItems"`
	CompletedItems int               `json:"completedItems"`
	SucceededItems int               `json:"succeededItems"`
	FailedItems    int               `json:"failedItems"`
	StartedAt      time.Time         `json:"startedAt"`
	LastUpdatedAt  time.Time         `json:"lastUpdatedAt"`
	CompletedAt    time.Time         `json:"completedAt,omitempty"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}

// PercentComplete is the share of items processed, 0 for an empty
// migration.
func (s *MigrationStatus) PercentComplete() float64 {
	if s.TotalItems == 0 {
		return 0
	}
	return 100 * float64(s.CompletedItems) / float64(s.TotalItems)
}

// MigrationPolicy selects frames due for re-encryption. Zero fields
// disable their rule.
type MigrationPolicy struct {
	// MaxKeyAge matches frames whose sealing version is older.
	MaxKeyAge time.Duration
	// MinKeyVersion matches frames sealed by an earlier version.
	MinKeyVersion int
	// TargetAlgorithm matches frames sealed under anything else.
	TargetAlgorithm Algorithm
	// DeprecatedKeyIDs matches frames sealed by these keys.
	DeprecatedKeyIDs []string
	// DeprecatedAlgorithms matches frames sealed under these.
	DeprecatedAlgorithms []Algorithm
	// RequireFIPS matches frames sealed by non-FIPS versions.
	RequireFIPS bool
	// TenantWhitelist, when set, restricts matching to these tenants.
	TenantWhitelist []string
}

// match returns the reasons a frame is due under the policy, empty
// when it is not.
func (p MigrationPolicy) match(item MigrationItem, data *EncryptedData, md *KeyMetadata, now time.Time) []string {
	if len(p.TenantWhitelist) > 0 && !slices.Contains(p.TenantWhitelist, item.TenantID) {
		return nil
	}
	var reasons []string
	if p.MaxKeyAge > 0 && now.Sub(md.CreatedAt) > p.MaxKeyAge {
		reasons = append(reasons, "key-age")
	}
	if p.MinKeyVersion > 0 && md.Version < p.MinKeyVersion {
		reasons = append(reasons, "min-version")
	}
	if p.TargetAlgorithm != "" && data.Algorithm != p.TargetAlgorithm {
		reasons = append(reasons, "algorithm")
	}
	if slices.Contains(p.DeprecatedKeyIDs, data.KeyID) {
		reasons = append(reasons, "deprecated-key")
	}
	if slices.Contains(p.DeprecatedAlgorithms, data.Algorithm) {
		reasons = append(reasons, "deprecated-algorithm")
	}
	if p.RequireFIPS && !md.IsFIPSCompliant {
		reasons = append(reasons, "fips")
	}
	return reasons
}

// MigrationItem is one EXCR-framed field. BatchMigrate replaces Frame
// in place on success.
type MigrationItem struct {
	ItemID   string
	TenantID string
	Frame    []byte
}

// MigrationEstimate sizes the work a policy selects.
type MigrationEstimate struct {
	ItemCount   int            `json:"itemCount"`
	ByteSize    int64          `json:"byteSize"`
	Duration    time.Duration  `json:"duration"`
	Breakdowns  map[string]int `json:"breakdowns"`
	Warnings    []string       `json:"warnings,omitempty"`
	EstimatedAt time.Time      `json:"estimatedAt"`
}

// MigrationOptions tunes BatchMigrate. The bool fields invert their
// always-on defaults so the zero value keeps error tolerance and
// progress tracking.
type MigrationOptions struct {
	// MaxDegreeOfParallelism bounds concurrent item workers. Default 4.
	MaxDegreeOfParallelism int
	// BatchSize groups items between control checkpoints. Default 100.
	BatchSize int
	// StopOnError aborts the run at the first item failure.
	StopOnError bool
	// ItemTimeout bounds one item's rewrap. Default 1m.
	ItemTimeout time.Duration
	// DisableProgressTracking skips status bookkeeping.
	DisableProgressTracking bool
}

func (o MigrationOptions) withDefaults() MigrationOptions {
	if o.MaxDegreeOfParallelism <= 0 {
		o.MaxDegreeOfParallelism = defaultMigrationParallelism
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultMigrationBatchSize
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = defaultItemTimeout
	}
	return o
}

// MigrationFailure records one item that was not rewrapped.
type MigrationFailure struct {
	ItemID       string `json:"itemId"`
	ErrorMessage string `json:"errorMessage"`
}

// BatchMigrationResult summarizes one run. Success is true only when
// every item rewrapped; TotalItems == Succeeded + Failed always.
type BatchMigrationResult struct {
	Success     bool               `json:"success"`
	MigrationID string             `json:"migrationId"`
	TotalItems  int                `json:"totalItems"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
	Failures    []MigrationFailure `json:"failures,omitempty"`
	Duration    time.Duration      `json:"duration"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt time.Time          `json:"completedAt"`
}

// IsPartialSuccess reports a run that failed overall but rewrapped at
// least one item.
func (r *BatchMigrationResult) IsPartialSuccess() bool {
	return !r.Success && r.Succeeded > 0
}

// migrationControl steers a running migration: a pause gate honored
// at batch boundaries and a cancel that aborts outright.
type migrationControl struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func (c *migrationControl) pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		c.resume = make(chan struct{})
	}
}

func (c *migrationControl) unpause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		close(c.resume)
	}
}

// wait blocks while the migration is paused.
func (c *migrationControl) wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		paused, resume := c.paused, c.resume
		c.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}

// Migrator plans and executes policy-driven re-encryption of framed
// fields against a provider.
type Migrator struct {
	provider *LocalProvider
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	statuses map[string]*MigrationStatus
	controls map[string]*migrationControl
}

// MigratorOption tunes a Migrator.
type MigratorOption func(*Migrator)

// WithMigratorLogger replaces the default logger.
func WithMigratorLogger(logger *slog.Logger) MigratorOption {
	return func(m *Migrator) { m.logger = logger }
}

// WithMigratorClock injects the time source.
func WithMigratorClock(now func() time.Time) MigratorOption {
	return func(m *Migrator) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMigrator(provider *LocalProvider, opts ...MigratorOption) (*Migrator, error) {
	if provider == nil {
		return nil, errors.New("kms: migrator needs a provider")
	}
	m := &Migrator{
		provider: provider,
		logger:   slog.With("component", "kms.migrator"),
		now:      time.Now,
		statuses: make(map[string]*MigrationStatus),
		controls: make(map[string]*migrationControl),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Estimate reports how much work the policy selects from the given
// frames without touching them. Breakdowns count matched items per
// policy reason; an item matching several reasons counts under each.
func (m *Migrator) Estimate(ctx context.Context, policy MigrationPolicy, items []MigrationItem) (*MigrationEstimate, error) {
	est := &MigrationEstimate{
		Breakdowns:  make(map[string]int),
		EstimatedAt: m.now().UTC(),
	}
	now := m.now()
	missingKeys, badFrames := 0, 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !IsFieldEncrypted(item.Frame) {
			badFrames++
			continue
		}
		var data EncryptedData
		if err := data.UnmarshalBinary(item.Frame); err != nil {
			badFrames++
			continue
		}
		md, err := m.provider.GetKeyVersion(ctx, data.KeyID, data.KeyVersion)
		if err != nil {
			return nil, err
		}
		if md == nil {
			missingKeys++
			continue
		}
		reasons := policy.match(item, &data, md, now)
		if len(reasons) == 0 {
			continue
		}
		est.ItemCount++
		est.ByteSize += int64(len(item.Frame))
		for _, reason := range reasons {
			est.Breakdowns[reason]++
		}
	}
	est.Duration = time.Duration(est.ItemCount) * perItemMigrationCost
	if missingKeys > 0 {
		est.Warnings = append(est.Warnings,
			fmt.Sprintf("%d frames reference keys absent from the store", missingKeys))
	}
	if badFrames > 0 {
		est.Warnings = append(est.Warnings,
			fmt.Sprintf("%d items are not EXCR frames", badFrames))
	}
	return est, nil
}

// BatchMigrate rewraps the given frames under current Active versions,
// replacing each item's Frame in place on success. Items run through a
// bounded worker pool batch by batch; Pause, Resume and Cancel steer a
// tracked run by its migration id. Item failures are aggregated into
// the result, not returned as an error.
func (m *Migrator) BatchMigrate(ctx context.Context, items []MigrationItem, opts MigrationOptions) (*BatchMigrationResult, error) {
	opts = opts.withDefaults()
	migrationID := newID()
	startedAt := m.now().UTC()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctl := &migrationControl{cancel: cancel}

	if !opts.DisableProgressTracking {
		m.mu.Lock()
		m.statuses[migrationID] = &MigrationStatus{
			MigrationID:   migrationID,
			State:         MigrationRunning,
			TotalItems:    len(items),
			StartedAt:     startedAt,
			LastUpdatedAt: startedAt,
		}
		m.controls[migrationID] = ctl
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			delete(m.controls, migrationID)
			m.mu.Unlock()
		}()
	}

	var (
		resMu     sync.Mutex
		succeeded int
		failures  []MigrationFailure
	)
	recordFailure := func(itemID string, err error) {
		resMu.Lock()
		failures = append(failures, MigrationFailure{ItemID: itemID, ErrorMessage: err.Error()})
		resMu.Unlock()
	}
	markAbortedFrom := func(start int) {
		for i := start; i < len(items); i++ {
			recordFailure(items[i].ItemID, errors.New("migration aborted before attempt"))
		}
	}

	for start := 0; start < len(items); start += opts.BatchSize {
		if err := ctl.wait(runCtx); err != nil {
			markAbortedFrom(start)
			break
		}
		if runCtx.Err() != nil {
			markAbortedFrom(start)
			break
		}

		end := min(start+opts.BatchSize, len(items))
		g, gctx := errgroup.WithContext(runCtx)
		g.SetLimit(opts.MaxDegreeOfParallelism)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				item := items[i]
				if gctx.Err() != nil {
					recordFailure(item.ItemID, errors.New("migration aborted before attempt"))
					return nil
				}
				itemCtx, cancelItem := context.WithTimeout(gctx, opts.ItemTimeout)
				frame, err := m.provider.ReencryptField(itemCtx, item.Frame)
				cancelItem()
				if err != nil {
					recordFailure(item.ItemID, err)
					m.logger.Warn("migration item failed",
						"migrationId", migrationID, "itemId", item.ItemID, "error", err)
					if opts.StopOnError {
						return err
					}
					return nil
				}
				items[i].Frame = frame
				resMu.Lock()
				succeeded++
				resMu.Unlock()
				return nil
			})
		}
		batchErr := g.Wait()

		if !opts.DisableProgressTracking {
			resMu.Lock()
			done, failed := succeeded+len(failures), len(failures)
			ok := succeeded
			resMu.Unlock()
			m.updateProgress(migrationID, done, ok, failed)
		}
		if batchErr != nil {
			markAbortedFrom(end)
			break
		}
	}

	completedAt := m.now().UTC()
	failed := len(failures)
	result := &BatchMigrationResult{
		Success:     failed == 0,
		MigrationID: migrationID,
		TotalItems:  len(items),
		Succeeded:   succeeded,
		Failed:      failed,
		Failures:    failures,
		Duration:    completedAt.Sub(startedAt),
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	}

	if !opts.DisableProgressTracking {
		state := MigrationCompleted
		errMsg := ""
		switch {
		case runCtx.Err() != nil:
			state = MigrationCancelled
			errMsg = "migration cancelled"
		case failed > 0:
			state = MigrationFailed
			errMsg = fmt.Sprintf("%d of %d items failed", failed, len(items))
		}
		m.finish(migrationID, state, succeeded, failed, errMsg, completedAt)
	}

	m.logger.Info("batch migration finished",
		"migrationId", migrationID, "total", result.TotalItems,
		"succeeded", result.Succeeded, "failed", result.Failed,
		"duration", result.Duration)
	return result, nil
}

func (m *Migrator) updateProgress(migrationID string, completed, succeeded, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[migrationID]
	if !ok {
		return
	}
	st.CompletedItems = completed
	st.SucceededItems = succeeded
	st.FailedItems = failed
	st.LastUpdatedAt = m.now().UTC()
}

func (m *Migrator) finish(migrationID string, state MigrationState, succeeded, failed int, errMsg string, completedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[migrationID]
	if !ok {
		return
	}
	st.State = state
	st.CompletedItems = succeeded + failed
	st.SucceededItems = succeeded
	st.FailedItems = failed
	st.ErrorMessage = errMsg
	st.CompletedAt = completedAt
	st.LastUpdatedAt = completedAt
}

// Status returns a snapshot of a tracked migration.
func (m *Migrator) Status(migrationID string) (*MigrationStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[migrationID]
	if !ok {
		return nil, false
	}
	out := *st
	return &out, true
}

// Migrations snapshots every tracked migration, newest id first.
func (m *Migrator) Migrations() []MigrationStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MigrationStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b MigrationStatus) int {
		return strings.Compare(b.MigrationID, a.MigrationID)
	})
	return out
}

// Pause holds a running migration at its next batch boundary.
func (m *Migrator) Pause(migrationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctl, ok := m.controls[migrationID]
	if !ok {
		return false
	}
	ctl.pause()
	if st, ok := m.statuses[migrationID]; ok && st.State == MigrationRunning {
		st.State = MigrationPaused
		st.LastUpdatedAt = m.now().UTC()
	}
	return true
}

// Resume releases a paused migration.
func (m *Migrator) Resume(migrationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctl, ok := m.controls[migrationID]
	if !ok {
		return false
	}
	ctl.unpause()
	if st, ok := m.statuses[migrationID]; ok && st.State == MigrationPaused {
		st.State = MigrationRunning
		st.LastUpdatedAt = m.now().UTC()
	}
	return true
}

// Cancel aborts a running migration; items already in flight finish,
// everything after them reports aborted.
func (m *Migrator) Cancel(migrationID string) bool {
	m.mu.RLock()
	ctl, ok := m.controls[migrationID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	ctl.unpause()
	ctl.cancel()
	return true
}
