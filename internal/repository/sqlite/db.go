// Package sqlite implements the repositories on an embedded SQLite file
// through the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drive/internal/repository"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is a fixed-width UTC layout so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Config tunes the SQLite connection.
type Config struct {
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Pragmas applied to every connection. BusyTimeout is in milliseconds;
	// a negative CacheSize is in KiB.
	JournalMode     string
	BusyTimeout     int
	CacheSize       int
	SynchronousMode string
}

// DefaultConfig returns settings for a single-connection WAL database at
// dbPath. One connection keeps writers from tripping over each other's
// RESERVED lock inside a process.
func DefaultConfig(dbPath string) Config {
	return Config{
		Path:            dbPath,
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		JournalMode:     "WAL",
		BusyTimeout:     5000,
		CacheSize:       -2000,
		SynchronousMode: "NORMAL",
	}
}

// DSN builds the modernc connection string with pragmas applied to every
// connection. Write transactions take the RESERVED lock up front.
func (c Config) DSN() string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout))
	params.Add("_pragma", fmt.Sprintf("journal_mode(%s)", c.JournalMode))
	params.Add("_pragma", fmt.Sprintf("synchronous(%s)", c.SynchronousMode))
	params.Add("_pragma", fmt.Sprintf("cache_size(%d)", c.CacheSize))
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")
	return c.Path + "?" + params.Encode()
}

// DB is the SQLite index.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewDB opens the database file, creating its directory when missing.
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sqldb, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite index: %w", err)
	}
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("failed to reach sqlite index: %w", err)
	}

	logger.Info().
		Str("path", cfg.Path).
		Str("journal_mode", cfg.JournalMode).
		Int("max_conns", cfg.MaxOpenConns).
		Msg("sqlite index opened")

	return &DB{db: sqldb, logger: logger}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}

// Health pings the database.
func (db *DB) Health(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

func (db *DB) Driver() string {
	return "sqlite"
}

// Repositories returns repositories bound to this database.
func (db *DB) Repositories() *repository.Repositories {
	return &repository.Repositories{
		Blob:    NewBlobRepository(db),
		File:    NewFileRepository(db),
		Account: NewAccountRepository(db),
		Tx:      db,
	}
}

// =============================================================================
// Transactions
// =============================================================================

type txKey struct{}

// querier is implemented by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// conn returns the transaction carried by ctx, or the pool.
func (db *DB) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db.db
}

// WithTx runs fn in an IMMEDIATE transaction carried by the ctx it
// receives. fn's error rolls back; a nested call joins the outer
// transaction.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			db.logger.Error().Err(rbErr).Msg("failed to roll back transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// ExecContext, QueryContext and QueryRowContext run on the transaction in
// ctx when there is one.
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.conn(ctx).ExecContext(ctx, query, args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn(ctx).QueryContext(ctx, query, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn(ctx).QueryRowContext(ctx, query, args...)
}

// =============================================================================
// Migrations
// =============================================================================

// Migrate applies embedded migrations newer than the recorded version.
// The version check runs inside each migration's write transaction, so
// processes migrating the same file concurrently apply each one once.
func (db *DB) Migrate(ctx context.Context) error {
	migrations, err := repository.LoadMigrations(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	if _, err := db.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		applied := false
		err := db.WithTx(ctx, func(ctx context.Context) error {
			var n int
			if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&n); err != nil {
				return fmt.Errorf("failed to check migration %d: %w", m.Version, err)
			}
			if n > 0 {
				return nil
			}
			if _, err := db.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
			if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			applied = true
			return nil
		})
		if err != nil {
			return err
		}
		if applied {
			db.logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("migration applied")
		}
	}
	return nil
}

// MigrationVersion returns the highest applied migration version.
func (db *DB) MigrationVersion(ctx context.Context) (int, error) {
	var exists int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = db.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current migration version: %w", err)
	}
	return version, nil
}

// AvailableMigrations returns the highest embedded migration version.
func (db *DB) AvailableMigrations() (int, error) {
	migrations, err := repository.LoadMigrations(migrationsFS, "migrations")
	if err != nil {
		return 0, err
	}
	return repository.LatestVersion(migrations), nil
}

// =============================================================================
// Helpers
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by SQLite defaults use datetime('now').
		t, _ = time.Parse("2006-01-02 15:04:05", strings.TrimSpace(s))
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure DB implements the repository database contracts.
var (
	_ repository.Database  = (*DB)(nil)
	_ repository.TxManager = (*DB)(nil)
)
