package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/excalibur-labs/dispatch/pkg/audit"
	"github.com/excalibur-labs/dispatch/pkg/audit/export"
	"github.com/excalibur-labs/dispatch/pkg/config"
	"github.com/excalibur-labs/dispatch/pkg/handler"
	"github.com/excalibur-labs/dispatch/pkg/kms"
	"github.com/excalibur-labs/dispatch/pkg/observability"
	"github.com/excalibur-labs/dispatch/pkg/pipeline"
	"github.com/excalibur-labs/dispatch/pkg/pipeline/middleware"
	"github.com/excalibur-labs/dispatch/pkg/saga/store"
	"github.com/excalibur-labs/dispatch/pkg/saga/timeout"

	_ "github.com/lib/pq" // Postgres driver
)

const (
	exportRelayInterval   = 5 * time.Second
	rotationSweepInterval = time.Hour
)

// runServe boots the dispatch runtime: stores, the middleware
// pipeline, timeout delivery, and the optional SIEM and KMS sidecars.
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profileName string
		profilesDir string
		healthAddr  string
	)
	cmd.StringVar(&profileName, "profile", "", "Configuration profile to load")
	cmd.StringVar(&profilesDir, "profiles", "profiles", "Directory holding profile_<name>.yaml files")
	cmd.StringVar(&healthAddr, "health-addr", ":8081", "Health endpoint listen address")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	// A missing .env is the normal case; deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	fmt.Fprintf(stdout, "%sDispatch runtime starting...%s\n", ColorBold+ColorBlue, ColorReset)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tunable option blocks: defaults unless a profile overrides them.
	pipeOpts := pipeline.DefaultOptions()
	invOpts := pipeline.DefaultInvokerOptions()
	var expCfg export.Config
	var kmsCfg kms.Config
	if profileName != "" {
		profile, err := config.LoadProfile(profilesDir, profileName)
		if err != nil {
			logger.Error("profile load failed", "error", err)
			return 1
		}
		pipeOpts = profile.PipelineOptions()
		invOpts = profile.InvokerOptions()
		expCfg = profile.ExporterConfig()
		kmsCfg = profile.KMSConfig()
		logger.Info("profile loaded", "profile", profile.Name)
	}

	// Distributed audit writer lock. The journal's in-process striping
	// already covers a single node; Redis extends it across nodes
	// sharing a SQLite volume. Postgres mode serializes with advisory
	// locks and ignores this.
	var (
		locker audit.TenantLocker
		rdb    *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		locker = audit.NewRedisTenantLocker(rdb, 0)
		logger.Info("redis tenant lock enabled", "addr", cfg.RedisAddr)
	}

	db, sagaStore, journal, err := openStores(ctx, cfg, locker, logger)
	if err != nil {
		logger.Error("store setup failed", "error", err)
		return 1
	}
	defer db.Close()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = "dispatchd"
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		obsCfg.OTLPEndpoint = ep
	} else {
		obsCfg.Enabled = false
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("telemetry setup failed", "error", err)
		return 1
	}
	obs = obs.WithSLOTracker(observability.NewSLOTracker())
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// Dispatch pipeline.
	evaluator := pipeline.NewEvaluator(pipeOpts, pipeline.NewApplicabilityCache(), logger)
	invoker := pipeline.NewInvoker(evaluator, invOpts, logger)
	metrics, err := middleware.NewMetrics(obs.Meter())
	if err != nil {
		logger.Error("metrics middleware setup failed", "error", err)
		return 1
	}
	invoker.Use(
		middleware.NewLogging(logger),
		middleware.NewTracing(obs.Tracer()),
		metrics,
		middleware.NewSchemaValidation(),
	)
	registry := handler.NewRegistry()
	bus, err := pipeline.NewBus(invoker, registry)
	if err != nil {
		logger.Error("bus setup failed", "error", err)
		return 1
	}
	logger.Info("dispatch pipeline ready")

	// Timeout delivery feeds due saga timeouts back through the bus.
	resolver := timeout.NewTypeResolver()
	delivery := timeout.NewService(sagaStore, resolver, bus,
		timeout.Options{PollInterval: cfg.PollInterval},
		timeout.WithLogger(logger),
		timeout.WithAuditor(journal))
	if err := delivery.Start(ctx); err != nil {
		logger.Error("timeout delivery failed to start", "error", err)
		return 1
	}
	defer delivery.Stop()

	// Envelope encryption.
	keyStore, err := openKeyStore(cfg, db, logger)
	if err != nil {
		logger.Error("keystore setup failed", "error", err)
		return 1
	}
	provider, err := kms.NewLocalProvider(keyStore, kmsCfg, kms.WithProviderLogger(logger))
	if err != nil {
		logger.Error("kms setup failed", "error", err)
		return 1
	}
	if !kmsCfg.DisableAutoRotation {
		go runRotationSweep(ctx, provider, rotationSweepInterval, logger)
	}
	logger.Info("kms ready", "alias_prefix", provider.Config().KeyAliasPrefix)

	// SIEM export.
	if cfg.HECEndpoint != "" {
		expCfg.Endpoint = cfg.HECEndpoint
		expCfg.Token = cfg.HECToken
		exporter, err := export.NewHECExporter(expCfg, export.WithLogger(logger))
		if err != nil {
			logger.Error("exporter setup failed", "error", err)
			return 1
		}
		health := exporter.CheckHealth(ctx)
		logger.Info("hec exporter ready", "healthy", health.IsHealthy, "endpoint", cfg.HECEndpoint)

		batch := expCfg.MaxBatchSize
		if batch <= 0 {
			batch = audit.DefaultMaxResults
		}
		go runExportRelay(ctx, journal, exporter, batch, obs, logger)
	}

	// Health server.
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthSrv := &http.Server{Addr: healthAddr, Handler: healthMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("health server listening", "addr", healthAddr)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()

	fmt.Fprintf(stdout, "%sdispatchd ready%s (ctrl+c to stop)\n", ColorBold+ColorGreen, ColorReset)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	cancel()
	delivery.Stop()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = healthSrv.Shutdown(shutdownCtx)
	return 0
}

// openStores connects the saga store and audit journal. With no
// DATABASE_URL both run on embedded SQLite.
func openStores(ctx context.Context, cfg *config.Config, locker audit.TenantLocker, logger *slog.Logger) (*sql.DB, store.TimeoutStore, audit.Journal, error) {
	if cfg.DatabaseURL == "" {
		return openLiteStores(locker, logger)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	sagaStore := store.NewPostgresStore(db)
	if err := sagaStore.Init(ctx); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	journal := audit.NewPostgresJournal(db)
	if err := journal.Init(ctx); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	logger.Info("postgres connected")
	return db, sagaStore, journal, nil
}

// openKeyStore picks the key material backend: an explicit keystore
// file, the lite-mode database, or process memory as a last resort.
func openKeyStore(cfg *config.Config, db *sql.DB, logger *slog.Logger) (kms.KeyStore, error) {
	if cfg.KeystorePath != "" {
		return kms.NewFileKeyStore(cfg.KeystorePath)
	}
	if cfg.DatabaseURL == "" && db != nil {
		return kms.NewSQLiteKeyStore(db)
	}
	logger.Warn("no keystore configured, key material is ephemeral")
	return kms.NewMemoryKeyStore(), nil
}

// runExportRelay forwards journal events to the SIEM exporter. The
// cursor starts at boot; history travels via export bundles instead.
// Failed batches retry from the same cursor, so delivery is at least
// once. Ties on the cursor timestamp are broken by event id, matching
// the journal's query order.
func runExportRelay(ctx context.Context, journal audit.Journal, exporter *export.HECExporter, batch int, obs *observability.Provider, logger *slog.Logger) {
	cursorTS := time.Now().UTC()
	var lastID string
	sourceType := exporter.Config().SourceType

	ticker := time.NewTicker(exportRelayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		skip := 0
		for {
			events, err := journal.Query(ctx, audit.Query{
				From:       cursorTS,
				Sort:       audit.SortAscending,
				MaxResults: batch,
				Skip:       skip,
			})
			if err != nil {
				logger.Error("export relay query failed", "error", err)
				break
			}

			fresh := make([]*audit.Event, 0, len(events))
			for _, e := range events {
				if lastID != "" && !e.TimestampUTC.After(cursorTS) && e.EventID <= lastID {
					continue
				}
				fresh = append(fresh, e)
			}
			if len(fresh) == 0 {
				// A full page of already-shipped events (a burst sharing
				// the cursor's millisecond) must be paged past, or the
				// relay would re-read it forever.
				if len(events) == batch {
					skip += len(events)
					continue
				}
				break
			}

			shipCtx, finish := obs.TrackOperation(ctx, "audit.export.relay",
				observability.ExportBatchOperation(sourceType, len(fresh))...)
			res := exporter.ExportBatch(shipCtx, fresh)
			if !res.AllSucceeded() {
				finish(fmt.Errorf("%d of %d events failed", res.FailedCount, res.TotalCount))
				logger.Warn("export relay batch degraded",
					"failed", res.FailedCount, "total", res.TotalCount)
				break
			}
			finish(nil)
			last := fresh[len(fresh)-1]
			cursorTS, lastID = last.TimestampUTC, last.EventID
			skip = 0
			logger.Debug("export relay batch shipped", "count", res.SuccessCount)

			if len(events) < batch {
				break
			}
		}
	}
}

// runRotationSweep rotates keys past their due date and destroys
// expired material.
func runRotationSweep(ctx context.Context, provider *kms.LocalProvider, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := provider.KeysDueForRotation(ctx)
		if err != nil {
			logger.Error("rotation sweep failed", "error", err)
			continue
		}
		for _, key := range due {
			res, err := provider.Rotate(ctx, key.KeyID, key.Algorithm, key.Purpose)
			if err != nil {
				logger.Error("auto-rotation failed", "key_id", key.KeyID, "error", err)
				continue
			}
			logger.Info("key rotated", "key_id", res.KeyID, "version", res.NewVersion)
		}

		if n, err := provider.DestroyExpired(ctx); err != nil {
			logger.Error("destroy sweep failed", "error", err)
		} else if n > 0 {
			logger.Info("expired key material destroyed", "count", n)
		}
	}
}
