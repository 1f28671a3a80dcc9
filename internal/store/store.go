package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keygate/keygate/internal/model"
)

// TokenStore is the capability surface the broker needs from a token
// backend. The SQL implementation below is the only one shipped; callers
// depend on this interface so a backend can be swapped without touching
// the exchange or rotation paths.
type TokenStore interface {
	Insert(ctx context.Context, token string) (int64, error)
	Latest(ctx context.Context) (*model.TokenRecord, error)
	ListActive(ctx context.Context) ([]model.TokenRecord, error)
	ListAll(ctx context.Context) ([]model.TokenRecord, error)
	Replace(ctx context.Context, oldToken, newToken string) error
	Touch(ctx context.Context, token string) error
	Archive(ctx context.Context, token string) error
	ArchiveBySuffix(ctx context.Context, suffix string) (int64, error)
	CountActive(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and locates the store backend.
type Config struct {
	// Driver is one of "sqlite", "postgres", "mysql". Empty means sqlite.
	Driver string
	// DataDir holds the sqlite database file. Empty means in-memory
	// (sqlite only).
	DataDir string
	// DSN is the connection string for postgres/mysql backends.
	DSN string
	// Table is the token table name. Empty means "tokens".
	Table string
}

// Store is the sqlx-backed TokenStore. One instance is shared by every
// request handler; writes are serialized by the engine (sqlite keeps a
// single connection open, server engines serialize on the row lock).
type Store struct {
	db     *sqlx.DB
	driver string
	table  string
}

var _ TokenStore = (*Store)(nil)

// Open connects the configured backend and idempotently creates the token
// table. Failures to create the data directory, open the database, or run
// the DDL are wrapped in ErrStorageInit.
func Open(cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	table := cfg.Table
	if table == "" {
		table = "tokens"
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case "sqlite":
		var dsn string
		if cfg.DataDir == "" {
			dsn = ":memory:?_journal_mode=WAL"
		} else {
			if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
				return nil, fmt.Errorf("%w: create data dir: %v", ErrStorageInit, err)
			}
			dsn = filepath.Join(cfg.DataDir, "keygate.db") + "?_journal_mode=WAL&_busy_timeout=5000"
		}
		db, err = sqlx.Connect("sqlite", dsn)
		if err == nil {
			db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
		}
	case "postgres":
		db, err = sqlx.Connect("pgx", cfg.DSN)
	case "mysql":
		db, err = sqlx.Connect("mysql", cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrStorageInit, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s database: %v", ErrStorageInit, driver, err)
	}

	s := &Store{db: db, driver: driver, table: table}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageInit, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var ddl []string
	switch s.driver {
	case "postgres":
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
				id BIGSERIAL PRIMARY KEY,
				token VARCHAR(255) UNIQUE NOT NULL,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL,
				last_access BIGINT NOT NULL,
				archived INTEGER NOT NULL DEFAULT 0 CHECK (archived IN (0, 1))
			)`,
			`CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL DEFAULT ''
			)`,
		}
	case "mysql":
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				token VARCHAR(255) UNIQUE NOT NULL,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL,
				last_access BIGINT NOT NULL,
				archived INTEGER NOT NULL DEFAULT 0 CHECK (archived IN (0, 1))
			)`,
			"CREATE TABLE IF NOT EXISTS settings (" +
				"`key` VARCHAR(191) PRIMARY KEY, value TEXT NOT NULL)",
		}
	default: // sqlite
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				token TEXT UNIQUE NOT NULL CHECK (LENGTH(token) <= 255),
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				last_access INTEGER NOT NULL,
				archived INTEGER NOT NULL DEFAULT 0 CHECK (archived IN (0, 1))
			)`,
			`CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL DEFAULT ''
			)`,
		}
	}
	for _, q := range ddl {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("create %s table: %w", s.table, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert appends a new non-archived token row with all three timestamps set
// to now and returns the assigned row ID. A duplicate token value is
// reported as ErrConstraint.
func (s *Store) Insert(ctx context.Context, token string) (int64, error) {
	now := model.NowMilli()

	if s.driver == "postgres" {
		var id int64
		q := s.db.Rebind(`INSERT INTO ` + s.table +
			` (token, created_at, updated_at, last_access, archived) VALUES (?, ?, ?, ?, 0) RETURNING id`)
		if err := s.db.QueryRowxContext(ctx, q, token, now, now, now).Scan(&id); err != nil {
			return 0, classify("insert token", err)
		}
		return id, nil
	}

	q := s.db.Rebind(`INSERT INTO ` + s.table +
		` (token, created_at, updated_at, last_access, archived) VALUES (?, ?, ?, ?, 0)`)
	result, err := s.db.ExecContext(ctx, q, token, now, now, now)
	if err != nil {
		return 0, classify("insert token", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert token id: %w", err)
	}
	return id, nil
}

// Latest returns the most recently used non-archived token row, or
// ErrNotFound when no active token exists.
func (s *Store) Latest(ctx context.Context) (*model.TokenRecord, error) {
	var rec model.TokenRecord
	q := s.db.Rebind(`SELECT * FROM ` + s.table +
		` WHERE archived != 1 ORDER BY last_access DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &rec, q); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest token: %w", err)
	}
	return &rec, nil
}

// ListActive returns every non-archived token row, most recently used first.
// The single-token invariant means this returns at most one row in a healthy
// deployment; callers that observe more treat the first as authoritative.
func (s *Store) ListActive(ctx context.Context) ([]model.TokenRecord, error) {
	var recs []model.TokenRecord
	q := s.db.Rebind(`SELECT * FROM ` + s.table +
		` WHERE archived != 1 ORDER BY last_access DESC`)
	if err := s.db.SelectContext(ctx, &recs, q); err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	return recs, nil
}

// ListAll returns every token row including archived ones, for audit output.
func (s *Store) ListAll(ctx context.Context) ([]model.TokenRecord, error) {
	var recs []model.TokenRecord
	q := s.db.Rebind(`SELECT * FROM ` + s.table + ` ORDER BY last_access DESC`)
	if err := s.db.SelectContext(ctx, &recs, q); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return recs, nil
}

// Replace is the rotation write: it overwrites the row currently holding
// oldToken with newToken and fresh timestamps, keyed on the expected prior
// value so two racing rotations cannot both succeed. The loser observes
// ErrNotFound and re-reads the winner's row.
func (s *Store) Replace(ctx context.Context, oldToken, newToken string) error {
	now := model.NowMilli()
	q := s.db.Rebind(`UPDATE ` + s.table +
		` SET token = ?, created_at = ?, updated_at = ?, last_access = ? WHERE token = ? AND archived != 1`)
	result, err := s.db.ExecContext(ctx, q, newToken, now, now, now, oldToken)
	if err != nil {
		return classify("replace token", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace token rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch bumps last_access on the active row holding token.
func (s *Store) Touch(ctx context.Context, token string) error {
	q := s.db.Rebind(`UPDATE ` + s.table +
		` SET last_access = ? WHERE token = ? AND archived != 1`)
	result, err := s.db.ExecContext(ctx, q, model.NowMilli(), token)
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch token rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Archive soft-deletes the active row holding token. Archiving a row that is
// already archived (or absent) is a no-op, not an error.
func (s *Store) Archive(ctx context.Context, token string) error {
	q := s.db.Rebind(`UPDATE ` + s.table +
		` SET archived = 1, updated_at = ? WHERE token = ? AND archived != 1`)
	if _, err := s.db.ExecContext(ctx, q, model.NowMilli(), token); err != nil {
		return fmt.Errorf("archive token: %w", err)
	}
	return nil
}

// ArchiveBySuffix archives every active token whose value ends with suffix
// and reports how many rows were affected. Used by the revoke CLI, which
// identifies tokens by their signature tail (the shared JWT header makes
// prefixes useless as identifiers).
func (s *Store) ArchiveBySuffix(ctx context.Context, suffix string) (int64, error) {
	q := s.db.Rebind(`UPDATE ` + s.table +
		` SET archived = 1, updated_at = ? WHERE token LIKE ? AND archived != 1`)
	result, err := s.db.ExecContext(ctx, q, model.NowMilli(), "%"+suffix)
	if err != nil {
		return 0, fmt.Errorf("archive tokens by suffix: %w", err)
	}
	return result.RowsAffected()
}

// CountActive returns the number of non-archived token rows.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var count int
	q := s.db.Rebind(`SELECT COUNT(*) FROM ` + s.table + ` WHERE archived != 1`)
	if err := s.db.GetContext(ctx, &count, q); err != nil {
		return 0, fmt.Errorf("count active tokens: %w", err)
	}
	return count, nil
}

// GetSetting returns a value from the settings table, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	q := s.db.Rebind(`SELECT value FROM settings WHERE ` + s.keyCol() + ` = ?`)
	if err := s.db.GetContext(ctx, &value, q, key); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting inserts or updates a settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	var q string
	switch s.driver {
	case "mysql":
		q = `INSERT INTO settings (` + s.keyCol() + `, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)`
	default:
		q = `INSERT INTO settings (` + s.keyCol() + `, value) VALUES (?, ?) ON CONFLICT(` + s.keyCol() + `) DO UPDATE SET value = excluded.value`
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), key, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *Store) keyCol() string {
	if s.driver == "mysql" {
		return "`key`"
	}
	return "key"
}

// classify maps driver errors onto the store's sentinel taxonomy, keeping
// the driver message attached for server-side logs.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry"):
		return fmt.Errorf("%s: %w: %v", op, ErrConstraint, err)
	case strings.Contains(msg, "check constraint") ||
		strings.Contains(msg, "constraint failed"):
		return fmt.Errorf("%s: %w: %v", op, ErrConstraint, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
