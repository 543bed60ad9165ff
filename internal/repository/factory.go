package repository

import (
	"context"
)

// Repositories holds all repository instances backed by one database.
type Repositories struct {
	Blob    BlobRepository
	File    FileRepository
	Account AccountRepository
	Tx      TxManager
}

// DatabaseHealth is the lifecycle part of a Database. It satisfies
// handler.HealthChecker.
type DatabaseHealth interface {
	Health(ctx context.Context) error
	Close() error
}

// Migrator applies embedded schema migrations.
type Migrator interface {
	// Migrate applies all pending migrations.
	Migrate(ctx context.Context) error

	// MigrationVersion returns the highest applied migration version.
	MigrationVersion(ctx context.Context) (int, error)

	// AvailableMigrations returns the highest embedded migration version.
	AvailableMigrations() (int, error)
}

// Database is a connected backend that can build repositories.
type Database interface {
	DatabaseHealth
	Migrator

	// Driver returns the database driver name.
	Driver() string

	// Repositories returns repositories bound to this database.
	Repositories() *Repositories
}
