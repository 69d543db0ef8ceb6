// Package export pushes sealed audit events to an external SIEM
// collector and packages tamper-evident evidence bundles for
// compliance handoff.
package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/excalibur-labs/dispatch/pkg/audit"
)

// Config describes the collector endpoint. Zero values take the
// documented defaults; the two bool knobs are inverted so that the
// zero Config compresses payloads and validates certificates.
type Config struct {
	// Endpoint is the collector ingest URL. Required.
	Endpoint string
	// Token authenticates every request. Required.
	Token string
	// AuthScheme prefixes the token in the Authorization header.
	// Default "Splunk".
	AuthScheme string
	// SourceType tags every record. Default "audit:dispatch".
	SourceType string
	// Source tags every record. Default "dispatch".
	Source string
	// Host tags every record. Default is the machine hostname.
	Host string
	// Index routes records at the collector. Empty omits the field.
	Index string
	// Channel is the ack channel id sent when UseAck is set.
	Channel string
	// MaxBatchSize chunks ExportBatch calls. Default 100.
	MaxBatchSize int
	// RequestTimeout bounds each HTTP call. Default 30s.
	RequestTimeout time.Duration
	// MaxRetryAttempts is the retry budget for transient failures,
	// on top of the initial attempt. Default 3; negative disables
	// retries.
	MaxRetryAttempts int
	// RetryBaseDelay seeds the exponential backoff. Default 1s.
	RetryBaseDelay time.Duration
	// DisableCompression sends payloads uncompressed.
	DisableCompression bool
	// InsecureSkipVerify disables TLS certificate validation.
	InsecureSkipVerify bool
	// UseAck asks the collector for indexer acknowledgement and
	// requires Channel to be set.
	UseAck bool
}

const (
	defaultAuthScheme = "Splunk"
	defaultSourceType = "audit:dispatch"
	defaultSource     = "dispatch"

	headerChannel = "X-Splunk-Request-Channel"
)

func (c Config) withDefaults() Config {
	if c.AuthScheme == "" {
		c.AuthScheme = defaultAuthScheme
	}
	if c.SourceType == "" {
		c.SourceType = defaultSourceType
	}
	if c.Source == "" {
		c.Source = defaultSource
	}
	if c.Host == "" {
		if name, err := os.Hostname(); err == nil {
			c.Host = name
		}
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetryAttempts < 0 {
		c.MaxRetryAttempts = 0
	} else if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	return c
}

// ExportResult reports one event's export outcome.
type ExportResult struct {
	Success          bool      `json:"success"`
	EventID          string    `json:"eventId"`
	ExportedAt       time.Time `json:"exportedAt"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	IsTransientError bool      `json:"isTransientError"`
}

// BatchResult aggregates per-event outcomes of an ExportBatch call.
type BatchResult struct {
	TotalCount     int            `json:"totalCount"`
	SuccessCount   int            `json:"successCount"`
	FailedCount    int            `json:"failedCount"`
	FailedEventIDs []string       `json:"failedEventIds,omitempty"`
	Errors         []ExportResult `json:"errors,omitempty"`
}

// AllSucceeded reports whether no event in the batch failed.
func (r *BatchResult) AllSucceeded() bool {
	return r.FailedCount == 0
}

// HealthResult reports collector reachability.
type HealthResult struct {
	IsHealthy   bool          `json:"isHealthy"`
	Endpoint    string        `json:"endpoint"`
	Latency     time.Duration `json:"latencyMs,omitempty"`
	Diagnostics string        `json:"diagnostics"`
}

// exportError carries the transient/permanent classification through
// the retry loop.
type exportError struct {
	msg       string
	transient bool
}

func (e *exportError) Error() string { return e.msg }

// transientStatus classifies collector status codes. Everything not
// listed is permanent.
func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTransient(err error) bool {
	var ee *exportError
	if errors.As(err, &ee) {
		return ee.transient
	}
	// Cancellation surfacing from the retry loop counts as a timeout.
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Option tunes an exporter beyond its Config.
type Option func(*HECExporter)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *HECExporter) { e.logger = logger }
}

// WithClock injects the time source for ExportedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(e *HECExporter) { e.now = now }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(e *HECExporter) { e.client = client }
}

// WithRateLimit paces outbound requests.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(e *HECExporter) { e.limiter = rate.NewLimiter(limit, burst) }
}

// HECExporter ships audit events to an HTTP event-collector style
// SIEM endpoint. It is safe for concurrent use.
type HECExporter struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewHECExporter validates the config and builds an exporter.
func NewHECExporter(cfg Config, opts ...Option) (*HECExporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("export: endpoint must not be empty")
	}
	if cfg.Token == "" {
		return nil, errors.New("export: token must not be empty")
	}
	cfg = cfg.withDefaults()
	if cfg.UseAck && cfg.Channel == "" {
		return nil, errors.New("export: useAck requires a channel id")
	}

	e := &HECExporter{
		cfg:    cfg,
		logger: slog.With("component", "audit-export"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		client := &http.Client{Timeout: cfg.RequestTimeout}
		if cfg.InsecureSkipVerify {
			client.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
		e.client = client
	}
	return e, nil
}

// Config returns the exporter's effective configuration, defaults
// applied.
func (e *HECExporter) Config() Config { return e.cfg }

// hecRecord is the collector wire envelope around one audit event.
type hecRecord struct {
	Host       string       `json:"host"`
	Source     string       `json:"source"`
	SourceType string       `json:"sourcetype"`
	Index      string       `json:"index,omitempty"`
	Event      *audit.Event `json:"event"`
}

func (e *HECExporter) encode(event *audit.Event) ([]byte, error) {
	return json.Marshal(hecRecord{
		Host:       e.cfg.Host,
		Source:     e.cfg.Source,
		SourceType: e.cfg.SourceType,
		Index:      e.cfg.Index,
		Event:      event,
	})
}

// Export ships a single event. Failures are reported in the result,
// never as a panic or a partial state.
func (e *HECExporter) Export(ctx context.Context, event *audit.Event) ExportResult {
	if event == nil {
		return ExportResult{ErrorMessage: "export: nil event"}
	}
	payload, err := e.encode(event)
	if err != nil {
		return ExportResult{
			EventID:      event.EventID,
			ErrorMessage: fmt.Sprintf("export: encode event: %v", err),
		}
	}
	if err := e.sendWithRetry(ctx, payload); err != nil {
		e.logger.Error("event export failed",
			"eventId", event.EventID, "error", err)
		return ExportResult{
			EventID:          event.EventID,
			ErrorMessage:     err.Error(),
			IsTransientError: isTransient(err),
		}
	}
	return ExportResult{
		Success:    true,
		EventID:    event.EventID,
		ExportedAt: e.now().UTC(),
	}
}

// ExportBatch ships events in chunks of MaxBatchSize. A chunk either
// lands whole or fails whole; the result carries one entry per failed
// event so callers can retry selectively.
func (e *HECExporter) ExportBatch(ctx context.Context, events []*audit.Event) BatchResult {
	result := BatchResult{TotalCount: len(events)}
	if len(events) == 0 {
		return result
	}

	for start := 0; start < len(events); start += e.cfg.MaxBatchSize {
		end := start + e.cfg.MaxBatchSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		payload, encErr := e.encodeChunk(chunk)
		var sendErr error
		if encErr != nil {
			sendErr = encErr
		} else {
			sendErr = e.sendWithRetry(ctx, payload)
		}
		if sendErr == nil {
			result.SuccessCount += len(chunk)
			continue
		}

		transient := isTransient(sendErr)
		e.logger.Error("batch chunk export failed",
			"events", len(chunk), "transient", transient, "error", sendErr)
		for _, event := range chunk {
			result.FailedCount++
			result.FailedEventIDs = append(result.FailedEventIDs, event.EventID)
			result.Errors = append(result.Errors, ExportResult{
				EventID:          event.EventID,
				ErrorMessage:     sendErr.Error(),
				IsTransientError: transient,
			})
		}
	}
	return result
}

// encodeChunk renders newline-delimited records with no trailing
// newline.
func (e *HECExporter) encodeChunk(events []*audit.Event) ([]byte, error) {
	var buf bytes.Buffer
	for i, event := range events {
		if event == nil {
			return nil, fmt.Errorf("export: nil event at batch index %d", i)
		}
		record, err := e.encode(event)
		if err != nil {
			return nil, fmt.Errorf("export: encode event %s: %w", event.EventID, err)
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(record)
	}
	return buf.Bytes(), nil
}

// CheckHealth probes the endpoint. Status 200 is healthy; 400 and 405
// also count because they prove the collector is reachable and merely
// rejects the probe method.
func (e *HECExporter) CheckHealth(ctx context.Context) HealthResult {
	result := HealthResult{Endpoint: e.cfg.Endpoint}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Endpoint, nil)
	if err != nil {
		result.Diagnostics = fmt.Sprintf("build probe request: %v", err)
		return result
	}
	req.Header.Set("Authorization", e.cfg.AuthScheme+" "+e.cfg.Token)

	start := e.now()
	resp, err := e.client.Do(req)
	if err != nil {
		result.Diagnostics = fmt.Sprintf("probe failed: %v", err)
		return result
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	result.Latency = e.now().Sub(start)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest, http.StatusMethodNotAllowed:
		result.IsHealthy = true
		result.Diagnostics = fmt.Sprintf("endpoint responded %d", resp.StatusCode)
	default:
		result.Diagnostics = fmt.Sprintf("endpoint responded %d", resp.StatusCode)
	}
	return result
}

// sendWithRetry retries transient failures with exponential backoff.
// Permanent failures return after the first attempt.
func (e *HECExporter) sendWithRetry(ctx context.Context, payload []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBaseDelay
	bo.MaxElapsedTime = 0 // the attempt budget is the only bound

	operation := func() error {
		err := e.send(ctx, payload)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		e.logger.Warn("transient export failure, retrying",
			"delay", next, "error", err)
	}
	return backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.MaxRetryAttempts)), ctx),
		notify)
}

func (e *HECExporter) send(ctx context.Context, payload []byte) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return &exportError{msg: "export: rate limit wait: " + err.Error(), transient: true}
		}
	}

	body := payload
	compressed := !e.cfg.DisableCompression
	if compressed {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("export: compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("export: compress payload: %w", err)
		}
		body = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("export: build request: %w", err)
	}
	req.Header.Set("Authorization", e.cfg.AuthScheme+" "+e.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if e.cfg.UseAck {
		req.Header.Set(headerChannel, e.cfg.Channel)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return &exportError{msg: "export: post events: " + err.Error(), transient: true}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &exportError{
			msg:       fmt.Sprintf("export: collector returned %d", resp.StatusCode),
			transient: transientStatus(resp.StatusCode),
		}
	}
	return nil
}
