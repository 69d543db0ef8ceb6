package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/excalibur-labs/dispatch/pkg/audit"
	"github.com/excalibur-labs/dispatch/pkg/saga/store"

	_ "modernc.org/sqlite"
)

// openLiteStores runs the saga store and audit journal on an embedded
// SQLite database under data/.
func openLiteStores(locker audit.TenantLocker, logger *slog.Logger) (*sql.DB, store.TimeoutStore, audit.Journal, error) {
	dataDir := "data"
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "dispatch.db")
	logger.Info("lite mode: using sqlite", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes the saga store, journal, and keystore
	// sharing this file.
	db.SetMaxOpenConns(1)

	sagaStore, err := store.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	var opts []audit.SQLiteOption
	if locker != nil {
		opts = append(opts, audit.WithSQLiteLocker(locker))
	}
	journal, err := audit.NewSQLiteJournal(db, opts...)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return db, sagaStore, journal, nil
}
