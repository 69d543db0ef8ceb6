package kms

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sqliteKeySchema = `
CREATE TABLE IF NOT EXISTS kms_keys (
    key_id            TEXT NOT NULL,
    version           INTEGER NOT NULL,
    status            TEXT NOT NULL,
    algorithm         TEXT NOT NULL,
    created_at        TEXT NOT NULL,
    expires_at        TEXT,
    last_rotated_at   TEXT,
    purpose           TEXT NOT NULL DEFAULT '',
    is_fips           INTEGER NOT NULL DEFAULT 0,
    suspension_reason TEXT,
    suspended_at      TEXT,
    destroy_at        TEXT,
    material          BLOB,
    PRIMARY KEY (key_id, version)
);

CREATE TABLE IF NOT EXISTS kms_aliases (
    alias  TEXT PRIMARY KEY,
    key_id TEXT NOT NULL
);
`

// sqliteTimeLayout is fixed width so string comparison in SQL stays
// chronological.
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z"

// SQLiteKeyStore persists key versions in a local SQLite keystore
// file. The file holds master material; deployments protect it with
// filesystem permissions.
type SQLiteKeyStore struct {
	db *sql.DB
}

var _ KeyStore = (*SQLiteKeyStore)(nil)

// NewSQLiteKeyStore binds to db and applies the schema.
func NewSQLiteKeyStore(db *sql.DB) (*SQLiteKeyStore, error) {
	if _, err := db.Exec(sqliteKeySchema); err != nil {
		return nil, fmt.Errorf("kms: apply keystore schema: %w", err)
	}
	return &SQLiteKeyStore{db: db}, nil
}

const sqliteKeyColumns = `key_id, version, status, algorithm, created_at, expires_at,
    last_rotated_at, purpose, is_fips, suspension_reason, suspended_at, destroy_at, material`

func (s *SQLiteKeyStore) Put(ctx context.Context, key *StoredKey) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO kms_keys (`+sqliteKeyColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, keyArgs(key)...)
	if err != nil {
		return fmt.Errorf("kms: put key version: %w", err)
	}
	return nil
}

func keyArgs(key *StoredKey) []any {
	md := key.Metadata
	return []any{
		md.KeyID,
		md.Version,
		string(md.Status),
		string(md.Algorithm),
		md.CreatedAt.UTC().Format(sqliteTimeLayout),
		nullTime(md.ExpiresAt),
		nullTime(md.LastRotatedAt),
		md.Purpose,
		md.IsFIPSCompliant,
		nullText(md.SuspensionReason),
		nullTime(md.SuspendedAt),
		nullTime(md.DestroyAt),
		key.Material,
	}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteKeyStore) Get(ctx context.Context, keyID string, version int) (*StoredKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteKeyColumns+` FROM kms_keys
        WHERE key_id = ? AND version = ?`, keyID, version)
	key, err := scanStoredKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return key, err
}

func (s *SQLiteKeyStore) Versions(ctx context.Context, keyID string) ([]*StoredKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteKeyColumns+` FROM kms_keys
        WHERE key_id = ? ORDER BY version ASC`, keyID)
	if err != nil {
		return nil, fmt.Errorf("kms: list key versions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectKeys(rows)
}

func (s *SQLiteKeyStore) List(ctx context.Context) ([]*StoredKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteKeyColumns+` FROM kms_keys
        ORDER BY key_id ASC, version ASC`)
	if err != nil {
		return nil, fmt.Errorf("kms: list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectKeys(rows)
}

func collectKeys(rows *sql.Rows) ([]*StoredKey, error) {
	var out []*StoredKey
	for rows.Next() {
		key, err := scanStoredKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *SQLiteKeyStore) Rotate(ctx context.Context, demote, promote *StoredKey, alias string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kms: begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if demote != nil {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO kms_keys (`+sqliteKeyColumns+`)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, keyArgs(demote)...); err != nil {
			return fmt.Errorf("kms: demote prior version: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO kms_keys (`+sqliteKeyColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, keyArgs(promote)...); err != nil {
		return fmt.Errorf("kms: insert promoted version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO kms_aliases (alias, key_id)
        VALUES (?, ?)`, alias, promote.Metadata.KeyID); err != nil {
		return fmt.Errorf("kms: repoint alias: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kms: commit rotation: %w", err)
	}
	return nil
}

func (s *SQLiteKeyStore) Alias(ctx context.Context, alias string) (string, error) {
	var keyID string
	err := s.db.QueryRowContext(ctx,
		`SELECT key_id FROM kms_aliases WHERE alias = ?`, alias).Scan(&keyID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kms: resolve alias: %w", err)
	}
	return keyID, nil
}

func (s *SQLiteKeyStore) SetAlias(ctx context.Context, alias, keyID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO kms_aliases (alias, key_id)
        VALUES (?, ?)`, alias, keyID)
	if err != nil {
		return fmt.Errorf("kms: set alias: %w", err)
	}
	return nil
}

func (s *SQLiteKeyStore) Aliases(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias, key_id FROM kms_aliases`)
	if err != nil {
		return nil, fmt.Errorf("kms: list aliases: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]string)
	for rows.Next() {
		var alias, keyID string
		if err := rows.Scan(&alias, &keyID); err != nil {
			return nil, err
		}
		out[alias] = keyID
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoredKey(row rowScanner) (*StoredKey, error) {
	var (
		key              StoredKey
		status, alg      string
		createdAt        string
		expiresAt        sql.NullString
		lastRotatedAt    sql.NullString
		suspensionReason sql.NullString
		suspendedAt      sql.NullString
		destroyAt        sql.NullString
	)
	err := row.Scan(
		&key.Metadata.KeyID,
		&key.Metadata.Version,
		&status,
		&alg,
		&createdAt,
		&expiresAt,
		&lastRotatedAt,
		&key.Metadata.Purpose,
		&key.Metadata.IsFIPSCompliant,
		&suspensionReason,
		&suspendedAt,
		&destroyAt,
		&key.Material,
	)
	if err != nil {
		return nil, err
	}
	key.Metadata.Status = KeyStatus(status)
	key.Metadata.Algorithm = Algorithm(alg)
	if key.Metadata.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("kms: parse created_at: %w", err)
	}
	if key.Metadata.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if key.Metadata.LastRotatedAt, err = parseNullTime(lastRotatedAt); err != nil {
		return nil, err
	}
	key.Metadata.SuspensionReason = suspensionReason.String
	if key.Metadata.SuspendedAt, err = parseNullTime(suspendedAt); err != nil {
		return nil, err
	}
	if key.Metadata.DestroyAt, err = parseNullTime(destroyAt); err != nil {
		return nil, err
	}
	return &key, nil
}

func parseNullTime(v sql.NullString) (time.Time, error) {
	if !v.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(sqliteTimeLayout, v.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("kms: parse timestamp: %w", err)
	}
	return t, nil
}
