// Package postgres implements the repositories on PostgreSQL with pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drive/internal/config"
	"github.com/prn-tf/alexander-drive/internal/repository"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the PostgreSQL index. Several engine processes may share one.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// dialTimeout bounds establishing a single connection.
const dialTimeout = 10 * time.Second

// NewDB opens a pool for cfg and checks it with a ping.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	pc.MinConns = int32(cfg.MaxIdleConns)
	pc.MaxConnLifetime = cfg.ConnMaxLifetime
	pc.MaxConnIdleTime = cfg.ConnMaxIdleTime
	pc.ConnConfig.ConnectTimeout = dialTimeout
	if logger.GetLevel() <= zerolog.TraceLevel {
		pc.ConnConfig.Tracer = &sqlTracer{logger: logger}
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	logger.Info().
		Str("host", pc.ConnConfig.Host).
		Uint16("port", pc.ConnConfig.Port).
		Str("database", pc.ConnConfig.Database).
		Int32("max_conns", pc.MaxConns).
		Msg("postgres index opened")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the pool.
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

// Health pings the pool.
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func (db *DB) Driver() string {
	return "postgres"
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

// conn returns the transaction carried by ctx, or the pool.
func (db *DB) conn(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return db.Pool
}

// WithTx runs fn in a read-committed transaction carried by the ctx it
// receives. fn's error rolls back; a nested call joins the outer
// transaction.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		// Rollback must run even when ctx was canceled.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			db.logger.Error().Err(rbErr).Msg("failed to roll back transaction")
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// =============================================================================
// Migrations
// =============================================================================

// migrationLockID keys the advisory lock that serializes Migrate across
// engine processes sharing one database.
const migrationLockID = 0x616c6578

// Migrate applies embedded migrations newer than the recorded version.
// Each migration commits with its version row.
func (db *DB) Migrate(ctx context.Context) error {
	migrations, err := repository.LoadMigrations(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	if _, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		applied := false
		err := db.WithTx(ctx, func(ctx context.Context) error {
			q := db.conn(ctx)
			if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
				return fmt.Errorf("failed to lock migrations: %w", err)
			}

			var done bool
			if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&done); err != nil {
				return fmt.Errorf("failed to check migration %d: %w", m.Version, err)
			}
			if done {
				return nil
			}

			if _, err := q.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
			if _, err := q.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
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
	var exists bool
	err := db.Pool.QueryRow(ctx, `SELECT to_regclass('schema_migrations') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
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
// Errors
// =============================================================================

// PostgreSQL error codes that indicate a retryable conflict.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == codeUniqueViolation
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// classify marks concurrency failures as retryable repository.ErrConflict.
func classify(err error) error {
	switch pgErrorCode(err) {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		if !errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%w: %w", repository.ErrConflict, err)
		}
	}
	return err
}

// =============================================================================
// Query tracing
// =============================================================================

// sqlTracer logs every statement at trace level.
type sqlTracer struct {
	logger zerolog.Logger
}

type sqlStartKey struct{}

type sqlStart struct {
	sql string
	at  time.Time
}

func (t *sqlTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, sqlStartKey{}, sqlStart{sql: data.SQL, at: time.Now()})
}

func (t *sqlTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(sqlStartKey{}).(sqlStart)
	if !ok {
		return
	}
	_, inTx := ctx.Value(txKey{}).(pgx.Tx)
	t.logger.Trace().
		Err(data.Err).
		Str("sql", start.sql).
		Bool("in_tx", inTx).
		Str("tag", data.CommandTag.String()).
		Dur("took", time.Since(start.at)).
		Msg("sql")
}

// Querier is the part of pgxpool.Pool and pgx.Tx the repositories use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)

	_ repository.Database  = (*DB)(nil)
	_ repository.TxManager = (*DB)(nil)
)
